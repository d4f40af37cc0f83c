// Package pkgver compares package version strings using the scheme of the
// package manager that produced them.
package pkgver

import (
	"fmt"

	apk "github.com/knqyf263/go-apk-version"
	deb "github.com/knqyf263/go-deb-version"
	rpm "github.com/knqyf263/go-rpm-version"
)

// Kind selects a version scheme.
type Kind string

const (
	Deb Kind = "deb"
	RPM Kind = "rpm"
	APK Kind = "apk"
)

// KindForManager maps a package manager name to its version scheme. The
// second return is false for unrecognized managers.
func KindForManager(pm string) (Kind, bool) {
	switch pm {
	case "apt", "apt-get", "dpkg":
		return Deb, true
	case "dnf", "yum", "zypper", "rpm":
		return RPM, true
	case "apk":
		return APK, true
	}
	return "", false
}

// Compare returns a negative number when a sorts before b, zero when they
// are equal, and a positive number when a sorts after b, under the given
// scheme.
func Compare(k Kind, a, b string) (int, error) {
	switch k {
	case Deb:
		va, err := deb.NewVersion(a)
		if err != nil {
			return 0, fmt.Errorf("pkgver: bad deb version %q: %w", a, err)
		}
		vb, err := deb.NewVersion(b)
		if err != nil {
			return 0, fmt.Errorf("pkgver: bad deb version %q: %w", b, err)
		}
		return va.Compare(vb), nil
	case RPM:
		// the rpm parser does not report malformed input; it defines a
		// total order over arbitrary strings.
		va, vb := rpm.NewVersion(a), rpm.NewVersion(b)
		return va.Compare(vb), nil
	case APK:
		va, err := apk.NewVersion(a)
		if err != nil {
			return 0, fmt.Errorf("pkgver: bad apk version %q: %w", a, err)
		}
		vb, err := apk.NewVersion(b)
		if err != nil {
			return 0, fmt.Errorf("pkgver: bad apk version %q: %w", b, err)
		}
		return va.Compare(vb), nil
	}
	return 0, fmt.Errorf("pkgver: unknown kind %q", k)
}

// Equal reports whether a and b denote the same version under the given
// scheme. Unparseable input falls back to string equality.
func Equal(k Kind, a, b string) bool {
	c, err := Compare(k, a, b)
	if err != nil {
		return a == b
	}
	return c == 0
}

// AtLeast reports whether have is the same as or newer than want.
func AtLeast(k Kind, have, want string) (bool, error) {
	c, err := Compare(k, have, want)
	if err != nil {
		return false, err
	}
	return c >= 0, nil
}
