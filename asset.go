package salve

// Asset describes a target host as reported by a scanner's inventory.
//
// The fields an adapter can populate vary by vendor; OSFamily and OSVersion
// drive sandbox image selection, and Role selects the post-patch health-check
// suite.
type Asset struct {
	// scanner-scoped asset identifier.
	ID string `json:"id"`
	// hostname, when known.
	Hostname string `json:"hostname,omitempty"`
	// primary IP address, when known.
	IP string `json:"ip,omitempty"`
	// OS family, lowercased: "ubuntu", "debian", "rhel", "rocky", "alma",
	// "amazon", "alpine", ...
	OSFamily string `json:"os_family,omitempty"`
	// OS version string as reported, e.g. "22.04", "9".
	OSVersion string `json:"os_version,omitempty"`
	// package manager in use, when known: "apt", "dnf", "yum", "zypper",
	// "apk".
	PackageManager string `json:"package_manager,omitempty"`
	// operational role tag used to pick health checks: "web_server",
	// "database", or empty for baseline checks only.
	Role string `json:"role,omitempty"`
	// vendor tags carried through as-is.
	Tags map[string]string `json:"tags,omitempty"`
}
