package gameplay

import (
	"maps"
	"slices"
	"sort"
)

// Binding maps logical device ids to physical ids for one session.
type Binding struct {
	logical map[string][]string
	reverse map[string][]string
}

// NewBinding normalizes an operator mapping. Values may be a string or a
// list of strings; empty values are dropped and their logical ids returned
// in ignored.
func NewBinding(mapping map[string]any) (b Binding, ignored []string) {
	b = Binding{logical: make(map[string][]string), reverse: make(map[string][]string)}
	keys := slices.Sorted(maps.Keys(mapping))
	for _, logicalID := range keys {
		ids := physicalIDs(mapping[logicalID])
		if logicalID == "" || len(ids) == 0 {
			ignored = append(ignored, logicalID)
			continue
		}
		b.logical[logicalID] = ids
		for _, id := range ids {
			if !slices.Contains(b.reverse[id], logicalID) {
				b.reverse[id] = append(b.reverse[id], logicalID)
			}
		}
	}
	return b, ignored
}

func physicalIDs(v any) []string {
	var ids []string
	add := func(s string) {
		if s != "" && !slices.Contains(ids, s) {
			ids = append(ids, s)
		}
	}
	switch val := v.(type) {
	case string:
		add(val)
	case []string:
		for _, s := range val {
			add(s)
		}
	case []any:
		for _, item := range val {
			if s, ok := item.(string); ok {
				add(s)
			}
		}
	}
	return ids
}

// Devices returns the physical ids bound to logicalID.
func (b Binding) Devices(logicalID string) []string {
	return slices.Clone(b.logical[logicalID])
}

// LogicalIDs returns the logical ids bound to deviceID, sorted.
func (b Binding) LogicalIDs(deviceID string) []string {
	return slices.Clone(b.reverse[deviceID])
}

func (b Binding) Len() int { return len(b.logical) }

// Mapping returns a copy of the normalized table.
func (b Binding) Mapping() map[string][]string {
	out := make(map[string][]string, len(b.logical))
	for k, v := range b.logical {
		out[k] = slices.Clone(v)
	}
	return out
}

// PhysicalIDs returns every bound physical id, sorted.
func (b Binding) PhysicalIDs() []string {
	ids := make([]string, 0, len(b.reverse))
	for id := range b.reverse {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
