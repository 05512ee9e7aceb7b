package proxy

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/godbus/dbus/v5"
)

// ErrNoProperty is returned when a property has never been populated.
var ErrNoProperty = errors.New("property not present")

// Properties is the local cache of a remote object's properties.
//
// A change notification is applied under one lock, so readers never see
// half of it. Names listed as invalidated are left in place.
type Properties struct {
	mu     sync.RWMutex
	values map[string]dbus.Variant
	// touched records names written by notifications before the initial
	// snapshot arrived; the snapshot must not overwrite them.
	touched map[string]struct{}
	seeded  bool
}

// NewProperties returns a cache holding a copy of values.
func NewProperties(values map[string]dbus.Variant) *Properties {
	p := &Properties{values: make(map[string]dbus.Variant, len(values)), touched: make(map[string]struct{})}
	p.seed(values)
	return p
}

func newEmptyProperties() *Properties {
	return &Properties{values: make(map[string]dbus.Variant), touched: make(map[string]struct{})}
}

// seed installs the initial snapshot.
func (p *Properties) seed(values map[string]dbus.Variant) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range values {
		if _, ok := p.touched[k]; ok {
			continue
		}
		p.values[k] = v
	}
	p.seeded = true
	p.touched = nil
}

// Apply overwrites every changed entry.
func (p *Properties) Apply(changed map[string]dbus.Variant) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range changed {
		p.values[k] = v
		if !p.seeded {
			p.touched[k] = struct{}{}
		}
	}
}

// Get returns the cached value and whether it is present.
func (p *Properties) Get(name string) (dbus.Variant, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.values[name]
	return v, ok
}

// Has reports whether name is present.
func (p *Properties) Has(name string) bool {
	_, ok := p.Get(name)
	return ok
}

// Names returns the sorted property names.
func (p *Properties) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.values))
	for k := range p.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns a copy of the cache.
func (p *Properties) Snapshot() map[string]dbus.Variant {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]dbus.Variant, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

// Value returns the unwrapped value of name.
func (p *Properties) Value(name string) (interface{}, error) {
	v, ok := p.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoProperty, name)
	}
	return v.Value(), nil
}

// String returns a string property.
func (p *Properties) String(name string) (string, error) {
	var s string
	return s, p.store(name, &s)
}

// Bool returns a boolean property.
func (p *Properties) Bool(name string) (bool, error) {
	var b bool
	return b, p.store(name, &b)
}

// ObjectPath returns an object path property.
func (p *Properties) ObjectPath(name string) (dbus.ObjectPath, error) {
	var o dbus.ObjectPath
	return o, p.store(name, &o)
}

// Strings returns a string array property.
func (p *Properties) Strings(name string) ([]string, error) {
	var s []string
	return s, p.store(name, &s)
}

// Int returns any integer property widened to int64.
func (p *Properties) Int(name string) (int64, error) {
	v, err := p.Value(name)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case byte:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	}
	return 0, fmt.Errorf("property %s: %T is not an integer", name, v)
}

func (p *Properties) store(name string, dest interface{}) error {
	v, ok := p.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoProperty, name)
	}
	if err := v.Store(dest); err != nil {
		return fmt.Errorf("property %s: %w", name, err)
	}
	return nil
}
