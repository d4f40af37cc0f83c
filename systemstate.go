package salve

import "time"

// FileMeta is the tracked metadata for a sentinel file.
//
// Change detection is (size, mtime) inequality; contents are never read.
type FileMeta struct {
	// size in bytes.
	Size int64 `json:"size"`
	// modification time as reported by the sandbox's stat, kept verbatim.
	ModTime string `json:"mtime"`
}

// NetworkState is the observable network configuration inside a sandbox.
type NetworkState struct {
	// interface names.
	Interfaces []string `json:"interfaces,omitempty"`
	// listening sockets, "proto:addr:port" form.
	ListeningPorts []string `json:"listening_ports,omitempty"`
}

// SystemState is a point-in-time observation of a sandbox, captured before
// and after patch execution.
//
// Every section tolerates tool absence inside the image: a missing tool
// yields an empty section, never a capture failure.
type SystemState struct {
	// installed packages, name → version.
	Packages map[string]string `json:"packages,omitempty"`
	// services, name → state ("running", "exited", ...).
	Services map[string]string `json:"services,omitempty"`
	// sentinel file metadata, path → meta.
	Files map[string]FileMeta `json:"files,omitempty"`
	// interfaces and listening sockets.
	Network NetworkState `json:"network"`
	// process listing, at most 50 lines.
	Processes []string `json:"processes,omitempty"`
	// parsed os-release key/value pairs.
	OSRelease map[string]string `json:"os_release,omitempty"`
	// kernel release string.
	Kernel string `json:"kernel,omitempty"`
	// memory summary as reported by free.
	Memory string `json:"memory,omitempty"`
	// package manager the capture used: "apt", "dnf", "yum", "zypper",
	// "apk", or empty when none was found.
	PackageManager string `json:"package_manager,omitempty"`

	CapturedAt time.Time `json:"captured_at"`
}

// PackageChange records an updated package's transition in a StateDiff.
type PackageChange struct {
	// version before the patch ran.
	Old string `json:"old"`
	// version after the patch ran.
	New string `json:"new"`
}

// StateDiff is the structured comparison of two SystemStates.
type StateDiff struct {
	// packages present only after, name → version.
	AddedPackages map[string]string `json:"added_packages,omitempty"`
	// packages present only before, name → version.
	RemovedPackages map[string]string `json:"removed_packages,omitempty"`
	// packages whose version changed, name → old/new pair.
	UpdatedPackages map[string]PackageChange `json:"updated_packages,omitempty"`
	// services running only after.
	StartedServices []string `json:"started_services,omitempty"`
	// services running only before.
	StoppedServices []string `json:"stopped_services,omitempty"`
	// sentinel files whose (size, mtime) changed.
	ChangedFiles []string `json:"changed_files,omitempty"`
	// whether the interface set changed.
	InterfacesChanged bool `json:"interfaces_changed"`
	// whether the listening-socket set changed.
	PortsChanged bool `json:"ports_changed"`
	// disjunction of all of the above.
	HasChanges bool `json:"has_changes"`
}
