// Package datastore defines the narrow persistence contract the scan and
// patch orchestrators write through.
//
// Implementations live in the postgres and sqlite subpackages. The
// orchestrators never assume a schema; everything flows through Store.
package datastore

import (
	"context"

	"github.com/google/uuid"

	"github.com/salvus/salve"
)

// Store persists findings, patch artifacts, and sandbox tests.
//
// Implementations must be safe for concurrent use. Lookups for absent rows
// report a [salve.Error] of kind notfound.
type Store interface {
	// UpsertFinding inserts or replaces a finding, keyed by its dedup key.
	UpsertFinding(ctx context.Context, f *salve.EnrichedFinding) error
	// UpsertFindings bulk-upserts and returns the number written.
	UpsertFindings(ctx context.Context, fs []*salve.EnrichedFinding) (int, error)
	// FindingByCVE returns the finding for a CVE id.
	FindingByCVE(ctx context.Context, cve string) (*salve.EnrichedFinding, error)
	// Findings searches stored findings.
	Findings(ctx context.Context, opts FindingsOpts) ([]*salve.EnrichedFinding, error)
	// SavePatch inserts or replaces a patch artifact.
	SavePatch(ctx context.Context, p *salve.PatchArtifact) error
	// PatchByID returns one patch artifact.
	PatchByID(ctx context.Context, id uuid.UUID) (*salve.PatchArtifact, error)
	// UpdatePatchStatus transitions a stored artifact's status.
	UpdatePatchStatus(ctx context.Context, id uuid.UUID, s salve.PatchStatus) error
	// SaveSandboxTest records one sandbox test outcome.
	SaveSandboxTest(ctx context.Context, t *salve.SandboxTest) error
	// Close releases the underlying connections.
	Close(ctx context.Context) error
}

// FindingsOpts narrows a Findings search. Zero values mean "no filter".
type FindingsOpts struct {
	// only findings at or above this severity.
	MinSeverity *salve.Severity
	// only findings at or above this priority score.
	MinPriority *float64
	// exact package name.
	Package string
	// exact CVE id.
	CVE string
	// cap on returned rows; 0 means the implementation default.
	Limit int
}
