package gameplay

// RequiredDevice is one entry of a module's requiredDevices list. Either
// Type (a concrete device type) or Interface (a capability) may be set.
type RequiredDevice struct {
	LogicalID string `json:"logicalId"`
	Name      string `json:"name"`
	Type      string `json:"type,omitempty"`
	Interface string `json:"interface,omitempty"`
	Required  bool   `json:"required"`
}

// Parameter describes one operator-tunable value.
type Parameter struct {
	Key      string   `json:"key"`
	Type     string   `json:"type"`
	Name     string   `json:"name"`
	Required bool     `json:"required"`
	Default  any      `json:"default,omitempty"`
	Min      *float64 `json:"min,omitempty"`
	Max      *float64 `json:"max,omitempty"`
}

// Meta is the static part of a module contract.
type Meta struct {
	Title           string           `json:"title"`
	Description     string           `json:"description"`
	RequiredDevices []RequiredDevice `json:"requiredDevices"`
	Parameters      []Parameter      `json:"parameter,omitempty"`
	ParameterSchema any              `json:"parameterSchema,omitempty"`
}

// Module is a loaded, validated behavior module. Implementations serialize
// calls internally; the scheduler still never calls a module concurrently.
type Module interface {
	Meta() Meta
	// Start runs the module's start hook and arms timers created at load.
	Start(p *Proxy, params map[string]any) error
	// Loop runs one tick. cont is false when the module asked to finish.
	Loop(p *Proxy) (cont bool, err error)
	End(p *Proxy) error
	UpdateParameters(params map[string]any) error
	OnAction(action string, payload any, p *Proxy) (any, error)
	HTML() (string, error)
	// Interrupt aborts module code that is currently executing.
	Interrupt(reason string)
	// Close stops timers and releases the module. Later calls are no-ops.
	Close()
}
