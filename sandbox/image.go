package sandbox

import (
	"strings"
)

// DefaultImage is used when the asset's OS family cannot be determined.
const DefaultImage = "docker.io/library/ubuntu:22.04"

// images maps normalized "family:version" pairs to container image refs.
var images = map[string]string{
	"ubuntu:24.04": "docker.io/library/ubuntu:24.04",
	"ubuntu:22.04": "docker.io/library/ubuntu:22.04",
	"ubuntu:20.04": "docker.io/library/ubuntu:20.04",

	"debian:12": "docker.io/library/debian:12",
	"debian:11": "docker.io/library/debian:11",

	"rocky:9": "docker.io/library/rockylinux:9",
	"rocky:8": "docker.io/library/rockylinux:8",

	"alma:9": "docker.io/library/almalinux:9",
	"alma:8": "docker.io/library/almalinux:8",

	"amazon:2023": "public.ecr.aws/amazonlinux/amazonlinux:2023",
	"amazon:2":    "public.ecr.aws/amazonlinux/amazonlinux:2",

	"alpine:3.20": "docker.io/library/alpine:3.20",
	"alpine:3.19": "docker.io/library/alpine:3.19",
	"alpine:3.18": "docker.io/library/alpine:3.18",

	"fedora:40": "docker.io/library/fedora:40",
	"fedora:39": "docker.io/library/fedora:39",

	"suse:15": "registry.suse.com/suse/sle15:latest",
}

// fallback maps a known family to the image used when the version has no
// exact entry. Chosen as the most commonly encountered release per family.
var fallback = map[string]string{
	"ubuntu": images["ubuntu:22.04"],
	"debian": images["debian:12"],
	"rocky":  images["rocky:9"],
	"alma":   images["alma:9"],
	"amazon": images["amazon:2023"],
	"alpine": images["alpine:3.20"],
	"fedora": images["fedora:40"],
	"suse":   images["suse:15"],
}

// aliases folds distribution names onto the family used in the tables.
// RHEL-likes test against Rocky, which tracks RHEL package versions.
var aliases = map[string]string{
	"rhel":                  "rocky",
	"redhat":                "rocky",
	"red hat":               "rocky",
	"centos":                "rocky",
	"oracle":                "rocky",
	"almalinux":             "alma",
	"rockylinux":            "rocky",
	"amzn":                  "amazon",
	"amazonlinux":           "amazon",
	"opensuse":              "suse",
	"opensuse-leap":         "suse",
	"sles":                  "suse",
	"suse linux enterprise": "suse",
}

// SelectImage picks the container image that best matches an asset's OS.
// Unknown versions of a known family fall back to that family's default
// release; an unknown or empty family yields DefaultImage.
func SelectImage(family, version string) string {
	f := strings.ToLower(strings.TrimSpace(family))
	if a, ok := aliases[f]; ok {
		f = a
	}
	v := strings.TrimSpace(version)
	if f == "" {
		return DefaultImage
	}
	if img, ok := images[f+":"+v]; ok {
		return img
	}
	// alpine versions are recorded at patch granularity; try the minor.
	if f == "alpine" {
		if i := strings.LastIndexByte(v, '.'); i > 0 {
			if img, ok := images[f+":"+v[:i]]; ok {
				return img
			}
		}
	}
	if img, ok := fallback[f]; ok {
		return img
	}
	return DefaultImage
}
