package driver

import (
	"strings"

	"github.com/package-url/packageurl-go"
)

// ParsePackage splits a package reference into name and version.
//
// Scanners report packages either as plain names ("openssl"),
// name-at-version ("openssl@1.1.1f"), or package URLs
// ("pkg:deb/ubuntu/openssl@1.1.1f-1ubuntu2"). All three are accepted.
func ParsePackage(ref string) (pkg, version string) {
	if strings.HasPrefix(ref, "pkg:") {
		p, err := packageurl.FromString(ref)
		if err == nil {
			return p.Name, p.Version
		}
		// fall through and treat it as an opaque name
	}
	if name, ver, ok := strings.Cut(ref, "@"); ok {
		return name, ver
	}
	return ref, ""
}
