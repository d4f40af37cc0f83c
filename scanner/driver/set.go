package driver

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

// ErrExists is reported when a name is reused within a set or registry.
type ErrExists struct {
	Adapter []string
}

func (e ErrExists) Error() string {
	return fmt.Sprintf("reused names: %v", e.Adapter)
}

// AdapterSet holds a deduplicated set of adapters.
type AdapterSet struct {
	set map[string]Adapter
}

// NewAdapterSet returns an initialized AdapterSet.
func NewAdapterSet() AdapterSet {
	return AdapterSet{
		set: map[string]Adapter{},
	}
}

// Add will add an Adapter to the set.
//
// An error is reported if an adapter with the same name already exists.
func (s *AdapterSet) Add(a Adapter) error {
	if _, ok := s.set[a.Name()]; ok {
		return ErrExists{[]string{a.Name()}}
	}
	s.set[a.Name()] = a
	return nil
}

// Merge will merge the AdapterSet provided as argument into the AdapterSet
// provided as the function receiver.
//
// If an adapter exists in the target set an error specifying which adapters
// could not be merged is returned.
func (s *AdapterSet) Merge(set AdapterSet) error {
	exists := make([]string, 0, len(set.set))
	for n := range set.set {
		if _, ok := s.set[n]; ok {
			exists = append(exists, n)
		}
	}
	if len(exists) > 0 {
		return ErrExists{exists}
	}
	for n, a := range set.set {
		s.set[n] = a
	}
	return nil
}

// Adapters returns the adapters within the set as a slice.
func (s *AdapterSet) Adapters() []Adapter {
	out := make([]Adapter, 0, len(s.set))
	for _, a := range s.set {
		out = append(out, a)
	}
	return out
}

// Factory constructs an adapter for one configured source. The name is the
// source's configured name, distinct from the factory's type key.
type Factory func(ctx context.Context, name string) (Adapter, error)

var registry struct {
	sync.RWMutex
	m map[string]Factory
}

// Register associates a type key with a Factory. It is expected to be
// called from adapter package init functions; duplicate keys panic.
func Register(key string, f Factory) {
	registry.Lock()
	defer registry.Unlock()
	if registry.m == nil {
		registry.m = make(map[string]Factory)
	}
	if _, ok := registry.m[key]; ok {
		panic(fmt.Sprintf("scanner/driver: duplicate factory registration: %q", key))
	}
	registry.m[key] = f
}

// Registered returns the current factories, keyed by type.
func Registered() map[string]Factory {
	registry.RLock()
	defer registry.RUnlock()
	out := make(map[string]Factory, len(registry.m))
	for k, f := range registry.m {
		out[k] = f
	}
	return out
}

// Configure constructs one adapter per source, resolving the source's type
// key through the registry and passing its configuration block through to
// the adapter.
func Configure(ctx context.Context, srcs map[string]string, cfgs map[string]ConfigUnmarshaler, c *http.Client) (AdapterSet, error) {
	set := NewAdapterSet()
	for name, key := range srcs {
		registry.RLock()
		f, ok := registry.m[key]
		registry.RUnlock()
		if !ok {
			return set, fmt.Errorf("scanner/driver: no factory for type %q", key)
		}
		a, err := f(ctx, name)
		if err != nil {
			return set, fmt.Errorf("scanner/driver: constructing %q: %w", name, err)
		}
		if cf, ok := a.(Configurable); ok {
			cfg := cfgs[name]
			if cfg == nil {
				cfg = func(interface{}) error { return nil }
			}
			if err := cf.Configure(ctx, cfg, c); err != nil {
				return set, fmt.Errorf("scanner/driver: configuring %q: %w", name, err)
			}
		}
		if err := set.Add(a); err != nil {
			return set, err
		}
	}
	return set, nil
}
