// Package driver defines the contract scanner adapters implement and the
// registry machinery used to construct them from configuration.
package driver

import (
	"context"
	"net/http"
	"time"

	"github.com/salvus/salve"
)

// Adapter exposes one scanner's inventory of findings through a uniform
// contract.
//
// Implementations must be safe to call from multiple goroutines: token
// refresh is serialized internally and each adapter owns its HTTP client.
type Adapter interface {
	// Name reports the configured source name, unique within a set.
	Name() string
	// Authenticate establishes or refreshes a session. It is idempotent;
	// a failure is reported as a [salve.Error] of kind authentication.
	Authenticate(ctx context.Context) error
	// FetchFindings returns the scanner's findings, filtered per opts.
	// Filters are applied server-side when the vendor API allows it and
	// client-side otherwise. Transport and parse failures are reported as
	// kind fetch.
	FetchFindings(ctx context.Context, opts FetchOpts) ([]salve.RawFinding, error)
	// AssetDetails resolves one asset. Unknown ids are reported as kind
	// notfound.
	AssetDetails(ctx context.Context, assetID string) (*salve.Asset, error)
	// HealthCheck reports whether the scanner is reachable. It may
	// authenticate as a side effect.
	HealthCheck(ctx context.Context) bool
}

// FetchOpts narrows a FetchFindings call.
type FetchOpts struct {
	// only findings discovered at or after this time.
	Since *time.Time
	// only findings of these severities. Empty means all.
	Severities []salve.Severity
}

// Want reports whether a severity passes the filter.
func (o *FetchOpts) Want(s salve.Severity) bool {
	if len(o.Severities) == 0 {
		return true
	}
	for _, want := range o.Severities {
		if s == want {
			return true
		}
	}
	return false
}

// ConfigUnmarshaler deserializes an adapter's configuration block into the
// pointer it is handed. Implementations are commonly closures over
// [gopkg.in/yaml.v3.Unmarshal] or [encoding/json.Unmarshal].
type ConfigUnmarshaler func(interface{}) error

// Configurable is implemented by adapters accepting runtime configuration
// and a shared HTTP client.
type Configurable interface {
	Configure(ctx context.Context, f ConfigUnmarshaler, c *http.Client) error
}
