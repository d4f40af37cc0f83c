// Package llm links in the shipped providers and exposes construction by
// name.
package llm

import (
	"context"

	"github.com/salvus/salve/llm/driver"

	_ "github.com/salvus/salve/llm/anthropic"
	_ "github.com/salvus/salve/llm/openai"
)

// NewClient constructs the named provider's client. The shipped providers
// are "anthropic" and "openai".
func NewClient(ctx context.Context, provider string, cfg driver.Config) (driver.Client, error) {
	return driver.New(ctx, provider, cfg)
}
