package sandbox

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/quay/zlog"

	"github.com/salvus/salve"
)

// sentinelFiles are the files whose (size, mtime) is tracked across a patch
// run. Contents are never read.
var sentinelFiles = []string{
	"/etc/passwd",
	"/etc/group",
	"/etc/hosts",
	"/etc/resolv.conf",
}

// managerProbe is the package-manager detection order. First hit wins.
var managerProbe = []string{"apt", "dnf", "yum", "zypper", "apk"}

// maxProcessLines caps the process listing kept in a SystemState.
const maxProcessLines = 50

// CaptureState observes the container identified by id and returns a
// snapshot. Individual tool absence inside the image yields an empty
// section; only a failure to reach the container at all is an error.
func CaptureState(ctx context.Context, rt Runtime, id string) (*salve.SystemState, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "sandbox/CaptureState")
	c := &capturer{rt: rt, id: id}
	st := &salve.SystemState{CapturedAt: time.Now().UTC()}

	st.PackageManager = c.detectManager(ctx)
	st.Packages = c.packages(ctx, st.PackageManager)
	st.Services = c.services(ctx)
	st.Files = c.files(ctx)
	st.Network = c.network(ctx)
	st.Processes = c.processes(ctx)
	st.OSRelease = c.osRelease(ctx)
	st.Kernel = c.line(ctx, "uname -r")
	st.Memory = c.memory(ctx)

	if c.err != nil {
		return nil, c.err
	}
	return st, nil
}

// capturer runs shell one-liners inside a container and parses the output.
//
// Runtime errors are sticky: the first one is kept and every later call
// becomes a no-op, so a dead container surfaces as one error instead of a
// half-empty snapshot.
type capturer struct {
	rt  Runtime
	id  string
	err error
}

// run executes a shell command and returns its stdout. A non-zero exit
// returns ok=false; the section is then left empty.
func (c *capturer) run(ctx context.Context, cmd string) (string, bool) {
	if c.err != nil {
		return "", false
	}
	res, err := c.rt.Exec(ctx, c.id, []string{"sh", "-c", cmd}, nil)
	if err != nil {
		c.err = err
		return "", false
	}
	if res.ExitCode != 0 {
		zlog.Debug(ctx).
			Str("cmd", cmd).
			Int("exit", res.ExitCode).
			Msg("capture command unavailable")
		return "", false
	}
	return res.Stdout, true
}

func (c *capturer) line(ctx context.Context, cmd string) string {
	out, ok := c.run(ctx, cmd)
	if !ok {
		return ""
	}
	return strings.TrimSpace(out)
}

func (c *capturer) detectManager(ctx context.Context) string {
	for _, pm := range managerProbe {
		if _, ok := c.run(ctx, "command -v "+pm); ok {
			return pm
		}
		if c.err != nil {
			return ""
		}
	}
	return ""
}

func (c *capturer) packages(ctx context.Context, pm string) map[string]string {
	var out string
	var ok bool
	switch pm {
	case "apt":
		out, ok = c.run(ctx, `dpkg-query -W -f '${Package} ${Version}\n'`)
	case "dnf", "yum", "zypper":
		out, ok = c.run(ctx, `rpm -qa --qf '%{NAME} %{VERSION}-%{RELEASE}\n'`)
	case "apk":
		out, ok = c.run(ctx, "apk info -v")
	default:
		return nil
	}
	if !ok {
		return nil
	}
	pkgs := make(map[string]string)
	for _, l := range strings.Split(out, "\n") {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if pm == "apk" {
			if name, ver, ok := splitAPK(l); ok {
				pkgs[name] = ver
			}
			continue
		}
		if name, ver, ok := strings.Cut(l, " "); ok {
			pkgs[name] = ver
		}
	}
	return pkgs
}

// splitAPK splits "busybox-1.36.1-r5" at the hyphen that starts the
// version, which apk requires to begin with a digit.
func splitAPK(l string) (name, ver string, ok bool) {
	parts := strings.Split(l, "-")
	for i := 1; i < len(parts); i++ {
		if parts[i] != "" && unicode.IsDigit(rune(parts[i][0])) {
			return strings.Join(parts[:i], "-"), strings.Join(parts[i:], "-"), true
		}
	}
	return "", "", false
}

func (c *capturer) services(ctx context.Context) map[string]string {
	if out, ok := c.run(ctx, "systemctl list-units --type=service --no-legend --no-pager --plain"); ok {
		svcs := make(map[string]string)
		for _, l := range strings.Split(out, "\n") {
			// unit load active sub description
			f := strings.Fields(l)
			if len(f) < 4 {
				continue
			}
			svcs[strings.TrimSuffix(f[0], ".service")] = f[3]
		}
		return svcs
	}
	if c.err != nil {
		return nil
	}
	// sysv fallback: lines look like " [ + ]  cron".
	out, ok := c.run(ctx, "service --status-all 2>&1")
	if !ok {
		return nil
	}
	svcs := make(map[string]string)
	for _, l := range strings.Split(out, "\n") {
		f := strings.Fields(l)
		if len(f) != 4 || f[0] != "[" || f[3] == "" {
			continue
		}
		switch f[1] {
		case "+":
			svcs[f[3]] = "running"
		case "-":
			svcs[f[3]] = "stopped"
		}
	}
	return svcs
}

func (c *capturer) files(ctx context.Context) map[string]salve.FileMeta {
	out, ok := c.run(ctx, "stat -c '%n %s %Y' "+strings.Join(sentinelFiles, " "))
	if !ok {
		return nil
	}
	files := make(map[string]salve.FileMeta)
	for _, l := range strings.Split(out, "\n") {
		f := strings.Fields(l)
		if len(f) != 3 {
			continue
		}
		var size int64
		for _, r := range f[1] {
			if !unicode.IsDigit(r) {
				size = -1
				break
			}
			size = size*10 + int64(r-'0')
		}
		if size < 0 {
			continue
		}
		files[f[0]] = salve.FileMeta{Size: size, ModTime: f[2]}
	}
	return files
}

func (c *capturer) network(ctx context.Context) salve.NetworkState {
	var n salve.NetworkState
	if out, ok := c.run(ctx, "ip -o link"); ok {
		for _, l := range strings.Split(out, "\n") {
			f := strings.Fields(l)
			if len(f) < 2 {
				continue
			}
			name := strings.TrimSuffix(f[1], ":")
			if i := strings.IndexByte(name, '@'); i >= 0 {
				name = name[:i]
			}
			n.Interfaces = append(n.Interfaces, name)
		}
	} else if c.err == nil {
		if out, ok := c.run(ctx, "ls /sys/class/net"); ok {
			n.Interfaces = strings.Fields(out)
		}
	}

	// ss reports the local address in column 5, netstat in column 4.
	out, ok := c.run(ctx, "ss -tunl")
	localCol := 4
	if !ok && c.err == nil {
		out, ok = c.run(ctx, "netstat -tunl")
		localCol = 3
	}
	if ok {
		for _, l := range strings.Split(out, "\n") {
			f := strings.Fields(l)
			if len(f) <= localCol {
				continue
			}
			proto := strings.ToLower(f[0])
			if proto != "tcp" && proto != "udp" && proto != "tcp6" && proto != "udp6" {
				continue
			}
			n.ListeningPorts = append(n.ListeningPorts, proto+":"+f[localCol])
		}
		sort.Strings(n.ListeningPorts)
	}
	return n
}

func (c *capturer) processes(ctx context.Context) []string {
	out, ok := c.run(ctx, "ps aux")
	if !ok {
		return nil
	}
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) > maxProcessLines {
		lines = lines[:maxProcessLines]
	}
	return lines
}

func (c *capturer) osRelease(ctx context.Context) map[string]string {
	out, ok := c.run(ctx, "cat /etc/os-release")
	if !ok {
		return nil
	}
	kv := make(map[string]string)
	for _, l := range strings.Split(out, "\n") {
		l = strings.TrimSpace(l)
		if l == "" || strings.HasPrefix(l, "#") {
			continue
		}
		k, v, ok := strings.Cut(l, "=")
		if !ok {
			continue
		}
		kv[k] = strings.Trim(v, `"'`)
	}
	return kv
}

func (c *capturer) memory(ctx context.Context) string {
	out, ok := c.run(ctx, "free -m")
	if !ok {
		return ""
	}
	for _, l := range strings.Split(out, "\n") {
		if strings.HasPrefix(l, "Mem:") {
			return strings.Join(strings.Fields(l), " ")
		}
	}
	return strings.TrimSpace(out)
}

// Diff structurally compares two snapshots.
func Diff(before, after *salve.SystemState) *salve.StateDiff {
	d := &salve.StateDiff{}

	for name, ver := range after.Packages {
		old, ok := before.Packages[name]
		switch {
		case !ok:
			if d.AddedPackages == nil {
				d.AddedPackages = make(map[string]string)
			}
			d.AddedPackages[name] = ver
		case old != ver:
			if d.UpdatedPackages == nil {
				d.UpdatedPackages = make(map[string]salve.PackageChange)
			}
			d.UpdatedPackages[name] = salve.PackageChange{Old: old, New: ver}
		}
	}
	for name, ver := range before.Packages {
		if _, ok := after.Packages[name]; !ok {
			if d.RemovedPackages == nil {
				d.RemovedPackages = make(map[string]string)
			}
			d.RemovedPackages[name] = ver
		}
	}

	for name, state := range after.Services {
		if running(state) && !running(before.Services[name]) {
			d.StartedServices = append(d.StartedServices, name)
		}
	}
	for name, state := range before.Services {
		if running(state) && !running(after.Services[name]) {
			d.StoppedServices = append(d.StoppedServices, name)
		}
	}
	sort.Strings(d.StartedServices)
	sort.Strings(d.StoppedServices)

	for path, b := range before.Files {
		if a, ok := after.Files[path]; ok && a != b {
			d.ChangedFiles = append(d.ChangedFiles, path)
		}
	}
	sort.Strings(d.ChangedFiles)

	d.InterfacesChanged = !sameSet(before.Network.Interfaces, after.Network.Interfaces)
	d.PortsChanged = !sameSet(before.Network.ListeningPorts, after.Network.ListeningPorts)

	d.HasChanges = len(d.AddedPackages) > 0 ||
		len(d.RemovedPackages) > 0 ||
		len(d.UpdatedPackages) > 0 ||
		len(d.StartedServices) > 0 ||
		len(d.StoppedServices) > 0 ||
		len(d.ChangedFiles) > 0 ||
		d.InterfacesChanged ||
		d.PortsChanged
	return d
}

func running(state string) bool {
	switch state {
	case "running", "active":
		return true
	}
	return false
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, s := range a {
		seen[s]++
	}
	for _, s := range b {
		if seen[s] == 0 {
			return false
		}
		seen[s]--
	}
	return true
}
