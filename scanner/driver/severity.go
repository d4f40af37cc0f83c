package driver

import (
	"strconv"
	"strings"

	"github.com/salvus/salve"
)

// NormalizeSeverity maps a scanner-specific severity string onto the
// canonical five-level scale.
//
// Recognized inputs: the canonical names and common vendor aliases, bare
// CVSS numbers ("7.5"), and CVSS range strings ("9.0-10.0", scored by the
// upper bound). Anything unrecognized maps to Medium.
func NormalizeSeverity(s string) salve.Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "urgent", "5":
		return salve.Critical
	case "high", "important", "4":
		return salve.High
	case "medium", "moderate", "med", "3":
		return salve.Medium
	case "low", "minor", "2":
		return salve.Low
	case "info", "informational", "none", "negligible", "0", "1":
		return salve.Info
	}
	if v, ok := parseCVSSish(s); ok {
		return FromCVSS(v)
	}
	return salve.Medium
}

// FromCVSS maps a CVSS base score onto the canonical scale using the v3
// qualitative rating bounds.
func FromCVSS(v float64) salve.Severity {
	switch {
	case v >= 9.0:
		return salve.Critical
	case v >= 7.0:
		return salve.High
	case v >= 4.0:
		return salve.Medium
	case v > 0:
		return salve.Low
	}
	return salve.Info
}

// parseCVSSish handles "7.5" and "9.0-10.0" forms, returning the upper
// bound of a range.
func parseCVSSish(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if lo, hi, ok := strings.Cut(s, "-"); ok {
		if _, err := strconv.ParseFloat(strings.TrimSpace(lo), 64); err != nil {
			return 0, false
		}
		s = hi
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v < 0 || v > 10 {
		return 0, false
	}
	return v, true
}
