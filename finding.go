package salve

import (
	"encoding/json"
	"time"
)

// RawFinding is a single vulnerability-on-asset record as reported by one
// scanner, normalized to the canonical shape but not yet deduplicated or
// enriched.
//
// A RawFinding is created by a scanner adapter and never mutated afterwards;
// the deduplicator consumes raw findings and emits merged copies.
type RawFinding struct {
	// scanner-opaque identifier for this finding. unique only within the
	// reporting scanner.
	ID string `json:"id"`
	// name of the reporting scanner. after a dedup merge this is the
	// comma-joined list of contributing scanners.
	Scanner string `json:"scanner"`
	// CVE identifier, e.g. "CVE-2024-0001". empty when the scanner did not
	// associate one.
	CVE string `json:"cve,omitempty"`
	// short human-readable title.
	Title string `json:"title"`
	// longer description, when the scanner provides one.
	Description string `json:"description,omitempty"`
	// normalized severity. adapters map scanner-specific scales onto this
	// before construction.
	Severity Severity `json:"severity"`
	// CVSS base score in [0,10], when reported.
	CVSS *float64 `json:"cvss,omitempty"`
	// CVSS vector string, when reported.
	CVSSVector string `json:"cvss_vector,omitempty"`
	// affected package name, when the finding is package-scoped.
	Package string `json:"package,omitempty"`
	// installed version the finding applies to.
	VulnerableVersion string `json:"vulnerable_version,omitempty"`
	// version that remediates the finding, when known.
	FixedVersion string `json:"fixed_version,omitempty"`
	// identifiers of the assets this finding was observed on. treated as a
	// set; kept sorted after merges.
	Assets []string `json:"assets"`
	// when the reporting scanner discovered the finding, UTC.
	DiscoveredAt time.Time `json:"discovered_at"`
	// scanner payloads carried through verbatim for forensic reference,
	// keyed by scanner name.
	Raw map[string]json.RawMessage `json:"raw,omitempty"`
}

// HasCVE reports whether the finding carries a CVE identifier.
func (f *RawFinding) HasCVE() bool { return f.CVE != "" }

// Reference is a single advisory or writeup URL attached during enrichment.
type Reference struct {
	// the URL itself.
	URL string `json:"url"`
	// originating source tag, when the catalog reports one.
	Source string `json:"source,omitempty"`
}

// EnrichedFinding is a RawFinding augmented with authoritative metadata from
// external services and an aggregated priority score.
type EnrichedFinding struct {
	RawFinding

	// CWE identifiers for the weakness classes, e.g. "CWE-79".
	CWEs []string `json:"cwes,omitempty"`
	// EPSS exploitation probability in [0,1], when available.
	EPSS *float64 `json:"epss,omitempty"`
	// EPSS percentile in [0,1], when available.
	EPSSPercentile *float64 `json:"epss_percentile,omitempty"`
	// whether a public exploit is known to exist.
	ExploitAvailable bool `json:"exploit_available"`
	// exploit maturity: one of "none", "poc", "functional", "weaponized".
	ExploitMaturity string `json:"exploit_maturity,omitempty"`
	// whether the CVE appears in the known-exploited-vulnerabilities catalog.
	InKEV bool `json:"in_kev"`
	// advisory references collected during enrichment.
	References []Reference `json:"references,omitempty"`
	// CVE publication timestamp, when known.
	Published time.Time `json:"published,omitzero"`
	// CVE last-modified timestamp, when known.
	Modified time.Time `json:"modified,omitzero"`
	// aggregated priority score in [0,100]. ordering only; never gates
	// progression.
	Priority float64 `json:"priority"`
	// when enrichment last ran for this finding. zero when the finding was
	// emitted unenriched.
	EnrichedAt time.Time `json:"enriched_at,omitzero"`
}
