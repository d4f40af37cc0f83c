// Package priority computes the aggregated priority score for an enriched
// finding.
//
// The score orders findings for remediation; it never gates progression
// through the pipeline.
package priority

import "github.com/salvus/salve"

// Score weights. Inputs are normalized to [0,1] and the weighted sum is
// scaled to [0,100].
const (
	WeightCVSS     = 0.35
	WeightEPSS     = 0.25
	WeightExploit  = 0.20
	WeightKEV      = 0.15
	WeightExposure = 0.05
)

// Score returns the priority of f in [0,100].
//
// Pure and deterministic: the same finding and fleet size always produce
// the same score. A fleetSize of zero or less disables the exposure term.
func Score(f *salve.EnrichedFinding, fleetSize int) float64 {
	var cvss float64
	if f.CVSS != nil {
		cvss = clamp(*f.CVSS / 10)
	}
	var epss float64
	if f.EPSS != nil {
		epss = clamp(*f.EPSS)
	}
	var exploit float64
	if f.ExploitAvailable {
		exploit = 1
	}
	var kev float64
	if f.InKEV {
		kev = 1
	}
	var exposure float64
	if fleetSize > 0 {
		exposure = clamp(float64(len(f.Assets)) / float64(fleetSize))
	}

	s := cvss*WeightCVSS +
		epss*WeightEPSS +
		exploit*WeightExploit +
		kev*WeightKEV +
		exposure*WeightExposure
	return s * 100
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
