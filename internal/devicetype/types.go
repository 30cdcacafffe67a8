package devicetype

// Interface is a capability a device type can advertise. Modules declare the
// interface they need instead of a concrete type.
type Interface struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

type MonitorField struct {
	Key  string `yaml:"key" json:"key"`
	Name string `yaml:"name" json:"name"`
	Unit string `yaml:"unit,omitempty" json:"unit,omitempty"`
}

// Operation is a canned command that can be sent to a device from the API.
type Operation struct {
	Key     string         `yaml:"key" json:"key"`
	Name    string         `yaml:"name" json:"name"`
	Payload map[string]any `yaml:"payload" json:"mqttData"`
}

type Type struct {
	Name        string         `yaml:"name" json:"name"`
	Interfaces  []string       `yaml:"interfaces,omitempty" json:"interfaces"`
	MonitorData []MonitorField `yaml:"monitor_data,omitempty" json:"monitorData"`
	Operations  []Operation    `yaml:"operations,omitempty" json:"operations"`
}

type file struct {
	Interfaces map[string]Interface `yaml:"interfaces"`
	Types      map[string]*Type     `yaml:"types"`
}
