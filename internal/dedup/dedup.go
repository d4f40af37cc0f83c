// Package dedup collapses duplicate findings reported by multiple scanners
// or by repeated scans of one scanner.
package dedup

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"slices"
	"strings"

	"github.com/salvus/salve"
)

// Key computes the merge key for a finding: CVE and affected package, with
// placeholders for whichever is missing.
//
// A finding with neither a CVE nor a package would otherwise collapse with
// every other such finding, so the degenerate key gets a short hash of the
// title appended. Findings carrying a CVE or a package are unaffected.
func Key(f *salve.RawFinding) string {
	cve, pkg := f.CVE, f.Package
	if cve == "" && pkg == "" {
		h := fnv.New32a()
		h.Write([]byte(f.Title))
		return fmt.Sprintf("no-cve:no-package:%08x", h.Sum32())
	}
	if cve == "" {
		cve = "no-cve"
	}
	if pkg == "" {
		pkg = "no-package"
	}
	return cve + ":" + pkg
}

// Deduplicator accumulates raw findings and merges collisions.
//
// Output preserves first-seen insertion order. Merging is associative but
// not commutative: the description, fixed-version, and cvss-vector
// tie-breakers prefer the earlier-seen finding, so the order scanners are
// drained in affects those fields. The safety-critical fields (severity,
// CVSS, asset set, discovery time) are order-independent maxima and unions.
type Deduplicator struct {
	idx   map[string]int
	order []salve.RawFinding
}

// New returns an empty Deduplicator.
func New() *Deduplicator {
	return &Deduplicator{
		idx: make(map[string]int),
	}
}

// Add inserts one finding, merging it into an earlier finding with the same
// key if one exists.
func (d *Deduplicator) Add(f salve.RawFinding) {
	k := Key(&f)
	i, ok := d.idx[k]
	if !ok {
		f.Assets = sortedSet(f.Assets)
		d.idx[k] = len(d.order)
		d.order = append(d.order, f)
		return
	}
	merge(&d.order[i], &f)
}

// AddAll inserts findings in order.
func (d *Deduplicator) AddAll(fs []salve.RawFinding) {
	for i := range fs {
		d.Add(fs[i])
	}
}

// Findings returns the merged findings in first-seen order.
func (d *Deduplicator) Findings() []salve.RawFinding {
	out := make([]salve.RawFinding, len(d.order))
	copy(out, d.order)
	return out
}

// merge folds next into prev in place.
func merge(prev, next *salve.RawFinding) {
	prev.Assets = sortedSet(append(prev.Assets, next.Assets...))
	if next.CVSS != nil && (prev.CVSS == nil || *next.CVSS > *prev.CVSS) {
		v := *next.CVSS
		prev.CVSS = &v
	}
	if next.Severity > prev.Severity {
		prev.Severity = next.Severity
	}
	if next.DiscoveredAt.After(prev.DiscoveredAt) {
		prev.DiscoveredAt = next.DiscoveredAt
	}
	if prev.Description == "" {
		prev.Description = next.Description
	}
	if prev.FixedVersion == "" {
		prev.FixedVersion = next.FixedVersion
	}
	if prev.CVSSVector == "" {
		prev.CVSSVector = next.CVSSVector
	}
	if next.Scanner != "" && !slices.Contains(strings.Split(prev.Scanner, ","), next.Scanner) {
		prev.Scanner += "," + next.Scanner
	}
	if len(next.Raw) != 0 {
		if prev.Raw == nil {
			prev.Raw = make(map[string]json.RawMessage, len(next.Raw))
		}
		for name, payload := range next.Raw {
			if _, ok := prev.Raw[name]; !ok {
				prev.Raw[name] = payload
			}
		}
	}
}

func sortedSet(s []string) []string {
	slices.Sort(s)
	return slices.Compact(s)
}
