package gameplay

import "sync"

// MessageContext accompanies a device message delivered to a listener.
type MessageContext struct {
	LogicalID string `json:"logicalId"`
	DeviceID  string `json:"deviceId"`
	Topic     string `json:"topic"`
}

// PropertyContext accompanies a property change delivered to a listener.
type PropertyContext struct {
	LogicalID string `json:"logicalId"`
	DeviceID  string `json:"deviceId"`
	Property  string `json:"property"`
}

type MessageListener func(payload map[string]any, mctx MessageContext) error

type PropertyListener func(newValue, oldValue any, pctx PropertyContext) error

// Listeners holds the callbacks a session registered, keyed by logical id
// and by (logical id, property). Callbacks keep registration order.
type Listeners struct {
	mu         sync.RWMutex
	messages   map[string][]MessageListener
	properties map[string]map[string][]PropertyListener
}

func NewListeners() *Listeners {
	return &Listeners{
		messages:   make(map[string][]MessageListener),
		properties: make(map[string]map[string][]PropertyListener),
	}
}

// AddMessage registers fn and returns the number of message listeners now
// registered for logicalID.
func (l *Listeners) AddMessage(logicalID string, fn MessageListener) int {
	if logicalID == "" || fn == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages[logicalID] = append(l.messages[logicalID], fn)
	return len(l.messages[logicalID])
}

func (l *Listeners) AddProperty(logicalID, property string, fn PropertyListener) int {
	if logicalID == "" || property == "" || fn == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	byProp, ok := l.properties[logicalID]
	if !ok {
		byProp = make(map[string][]PropertyListener)
		l.properties[logicalID] = byProp
	}
	byProp[property] = append(byProp[property], fn)
	return len(byProp[property])
}

// Messages returns a copy of the message listeners for logicalID.
func (l *Listeners) Messages(logicalID string) []MessageListener {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]MessageListener(nil), l.messages[logicalID]...)
}

func (l *Listeners) Properties(logicalID, property string) []PropertyListener {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]PropertyListener(nil), l.properties[logicalID][property]...)
}

// Len returns the total number of registered callbacks.
func (l *Listeners) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, fns := range l.messages {
		n += len(fns)
	}
	for _, byProp := range l.properties {
		for _, fns := range byProp {
			n += len(fns)
		}
	}
	return n
}

func (l *Listeners) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = make(map[string][]MessageListener)
	l.properties = make(map[string]map[string][]PropertyListener)
}
