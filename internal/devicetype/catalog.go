// Package devicetype holds the catalog of known device types: display names,
// advertised interfaces, monitor fields and canned operations.
package devicetype

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/user/playhost/configs"
)

// Other is the type assigned to devices that report no type.
const Other = "other"

type Catalog struct {
	path string

	mu         sync.RWMutex
	interfaces map[string]Interface
	types      map[string]*Type
}

// Open loads the catalog at path, writing the shipped default there first if
// the file does not exist. An empty path uses the embedded default only.
func Open(path string) (*Catalog, error) {
	c := &Catalog{path: strings.TrimSpace(path)}
	if c.path != "" {
		if err := ensureDefault(c.path); err != nil {
			return nil, err
		}
	}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Default returns the embedded catalog.
func Default() *Catalog {
	c := &Catalog{}
	if err := c.Reload(); err != nil {
		panic(fmt.Sprintf("embedded device types: %v", err))
	}
	return c
}

func (c *Catalog) Reload() error {
	data := configs.DeviceTypes
	if c.path != "" {
		raw, err := os.ReadFile(c.path)
		if err != nil {
			return fmt.Errorf("read device types %q: %w", c.path, err)
		}
		data = raw
	}
	parsed, err := parse(data)
	if err != nil {
		if c.path != "" {
			return fmt.Errorf("%s: %w", c.path, err)
		}
		return err
	}

	c.mu.Lock()
	c.interfaces = parsed.Interfaces
	c.types = parsed.Types
	c.mu.Unlock()
	return nil
}

// Name returns the display name for typ, or typ itself when unknown.
func (c *Catalog) Name(typ string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if t, ok := c.types[typ]; ok && t.Name != "" {
		return t.Name
	}
	return typ
}

// Names maps every type id to its display name.
func (c *Catalog) Names() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.types))
	for id, t := range c.types {
		out[id] = t.Name
	}
	return out
}

// IDs returns all type ids, sorted.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.types))
}

func (c *Catalog) IsValid(typ string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.types[typ]
	return ok
}

func (c *Catalog) Get(typ string) (*Type, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.types[typ]
	if !ok {
		return nil, false
	}
	return cloneType(t), true
}

// All returns a copy of every type config.
func (c *Catalog) All() map[string]*Type {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*Type, len(c.types))
	for id, t := range c.types {
		out[id] = cloneType(t)
	}
	return out
}

func (c *Catalog) MonitorData(typ string) []MonitorField {
	t, ok := c.Get(typ)
	if !ok {
		return []MonitorField{}
	}
	return t.MonitorData
}

func (c *Catalog) Operations(typ string) []Operation {
	t, ok := c.Get(typ)
	if !ok {
		return []Operation{}
	}
	return t.Operations
}

func (c *Catalog) Operation(typ, key string) (Operation, bool) {
	for _, op := range c.Operations(typ) {
		if op.Key == key {
			return op, true
		}
	}
	return Operation{}, false
}

// HasInterface reports whether typ advertises iface. A type that advertises
// nothing satisfies only an empty interface.
func (c *Catalog) HasInterface(typ, iface string) bool {
	if iface == "" {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.types[typ]
	if !ok {
		return false
	}
	return slices.Contains(t.Interfaces, iface)
}

// Interfaces returns the interface ids, sorted.
func (c *Catalog) Interfaces() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.interfaces))
}

func (c *Catalog) InterfaceConfig() map[string]Interface {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.interfaces)
}

// TypeInterfaceMap maps each type id to the interfaces it advertises.
func (c *Catalog) TypeInterfaceMap() map[string][]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]string, len(c.types))
	for id, t := range c.types {
		out[id] = slices.Clone(t.Interfaces)
	}
	return out
}

func parse(data []byte) (*file, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse device types: %w", err)
	}
	if err := validate(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

func validate(f *file) error {
	if len(f.Types) == 0 {
		return errors.New("device types: at least one type is required")
	}
	if f.Interfaces == nil {
		f.Interfaces = map[string]Interface{}
	}
	for id, t := range f.Types {
		if strings.TrimSpace(id) == "" {
			return errors.New("device types: empty type id")
		}
		if t == nil {
			t = &Type{}
			f.Types[id] = t
		}
		if strings.TrimSpace(t.Name) == "" {
			t.Name = id
		}
		for _, iface := range t.Interfaces {
			if _, ok := f.Interfaces[iface]; !ok {
				return fmt.Errorf("device type %q: unknown interface %q", id, iface)
			}
		}
		seen := make(map[string]bool, len(t.Operations))
		for _, op := range t.Operations {
			if strings.TrimSpace(op.Key) == "" {
				return fmt.Errorf("device type %q: operation key is required", id)
			}
			if seen[op.Key] {
				return fmt.Errorf("device type %q: duplicate operation %q", id, op.Key)
			}
			seen[op.Key] = true
		}
		if t.Interfaces == nil {
			t.Interfaces = []string{}
		}
		if t.MonitorData == nil {
			t.MonitorData = []MonitorField{}
		}
		if t.Operations == nil {
			t.Operations = []Operation{}
		}
	}
	return nil
}

func ensureDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat device types %q: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create device types dir: %w", err)
	}
	if err := os.WriteFile(path, configs.DeviceTypes, 0o644); err != nil {
		return fmt.Errorf("write default device types %q: %w", path, err)
	}
	return nil
}

func cloneType(t *Type) *Type {
	if t == nil {
		return nil
	}
	out := &Type{
		Name:        t.Name,
		Interfaces:  slices.Clone(t.Interfaces),
		MonitorData: slices.Clone(t.MonitorData),
		Operations:  make([]Operation, len(t.Operations)),
	}
	for i, op := range t.Operations {
		out.Operations[i] = Operation{Key: op.Key, Name: op.Name, Payload: maps.Clone(op.Payload)}
	}
	return out
}
