package driver

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

// Config is everything a provider factory needs to construct a client.
type Config struct {
	// provider API key. Required by both shipped providers.
	APIKey string
	// default model identifier, overridable per request.
	Model string
	// endpoint override; empty selects the provider's production API.
	Endpoint string
	// shared HTTP client; nil selects http.DefaultClient.
	HTTPClient *http.Client
}

// Factory constructs a Client from a Config.
type Factory func(ctx context.Context, cfg Config) (Client, error)

var registry struct {
	sync.RWMutex
	m map[string]Factory
}

// Register associates a provider name with a Factory. It is expected to
// be called from provider package init functions; duplicate names panic.
func Register(name string, f Factory) {
	registry.Lock()
	defer registry.Unlock()
	if registry.m == nil {
		registry.m = make(map[string]Factory)
	}
	if _, ok := registry.m[name]; ok {
		panic(fmt.Sprintf("llm/driver: duplicate provider registration: %q", name))
	}
	registry.m[name] = f
}

// New constructs the named provider's client.
func New(ctx context.Context, name string, cfg Config) (Client, error) {
	registry.RLock()
	f, ok := registry.m[name]
	registry.RUnlock()
	if !ok {
		return nil, fmt.Errorf("llm/driver: unknown provider %q", name)
	}
	return f(ctx, cfg)
}

// Registered returns the known provider names.
func Registered() []string {
	registry.RLock()
	defer registry.RUnlock()
	out := make([]string, 0, len(registry.m))
	for k := range registry.m {
		out = append(out, k)
	}
	return out
}
