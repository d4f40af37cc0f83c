package enricher

import "regexp"

// cveRegexp gates which finding identifiers are sent to external services.
// Stricter than the NVD schema pattern: the whole string must be a CVE ID,
// so scanner-local identifiers never leak into API requests.
var cveRegexp = regexp.MustCompile(`^CVE-\d{4}-\d+$`)

// ValidCVE reports whether s is a well-formed CVE identifier.
func ValidCVE(s string) bool { return cveRegexp.MatchString(s) }
