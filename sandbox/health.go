package sandbox

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/quay/zlog"

	"github.com/salvus/salve"
)

// healthPassBar is the aggregate success rate, in percent, required for the
// health suite to count as passing.
const healthPassBar = 70.0

// healthCheck is one probe run inside the sandbox after the patch.
type healthCheck struct {
	name string
	run  func(ctx context.Context, c *capturer) salve.HealthCheckResult
}

// RunHealthChecks executes the baseline suite plus the role-specific suite
// and returns the per-check results with the aggregate rate in [0,100].
func RunHealthChecks(ctx context.Context, rt Runtime, id, role string) ([]salve.HealthCheckResult, float64, error) {
	ctx = zlog.ContextWithValues(ctx,
		"component", "sandbox/RunHealthChecks",
		"role", role)
	c := &capturer{rt: rt, id: id}

	checks := []healthCheck{
		{name: "init-running", run: checkInit},
		{name: "cron-present", run: checkCron},
	}
	switch role {
	case "web_server":
		checks = append(checks,
			healthCheck{name: "http-port-listening", run: checkHTTPPort},
			healthCheck{name: "http-endpoint", run: checkHTTPEndpoint},
		)
	case "database":
		checks = append(checks,
			healthCheck{name: "db-process-alive", run: checkDBProcess},
			healthCheck{name: "db-port-listening", run: checkDBPort},
		)
	}

	results := make([]salve.HealthCheckResult, 0, len(checks))
	passed := 0
	for _, hc := range checks {
		r := hc.run(ctx, c)
		r.Name = hc.name
		if c.err != nil {
			return nil, 0, c.err
		}
		if r.Passed {
			passed++
		}
		results = append(results, r)
	}
	rate := float64(passed) / float64(len(results)) * 100
	zlog.Debug(ctx).
		Int("passed", passed).
		Int("total", len(results)).
		Float64("rate", rate).
		Msg("health suite done")
	return results, rate, nil
}

// HealthPassed reports whether the aggregate rate meets the bar.
func HealthPassed(rate float64) bool { return rate >= healthPassBar }

func checkInit(ctx context.Context, c *capturer) salve.HealthCheckResult {
	out, ok := c.run(ctx, "ps -p 1 -o comm=")
	init := strings.TrimSpace(out)
	if !ok || init == "" {
		return salve.HealthCheckResult{Message: "no init process visible"}
	}
	return salve.HealthCheckResult{
		Passed:  true,
		Message: "init process running",
		Details: map[string]string{"comm": init},
	}
}

func checkCron(ctx context.Context, c *capturer) salve.HealthCheckResult {
	for _, bin := range []string{"cron", "crond", "busybox"} {
		if _, ok := c.run(ctx, "command -v "+bin); ok {
			return salve.HealthCheckResult{
				Passed:  true,
				Message: "cron facility present",
				Details: map[string]string{"binary": bin},
			}
		}
		if c.err != nil {
			return salve.HealthCheckResult{}
		}
	}
	return salve.HealthCheckResult{Message: "no cron facility found"}
}

func checkHTTPPort(ctx context.Context, c *capturer) salve.HealthCheckResult {
	ports := listeningPorts(ctx, c)
	for _, p := range []int{80, 443} {
		if ports[p] {
			return salve.HealthCheckResult{
				Passed:  true,
				Message: fmt.Sprintf("port %d listening", p),
				Details: map[string]string{"port": strconv.Itoa(p)},
			}
		}
	}
	return salve.HealthCheckResult{Message: "no HTTP port (80/443) listening"}
}

func checkHTTPEndpoint(ctx context.Context, c *capturer) salve.HealthCheckResult {
	out, ok := c.run(ctx, "curl -s -o /dev/null -w '%{http_code}' --max-time 5 http://127.0.0.1/")
	if !ok {
		return salve.HealthCheckResult{Message: "endpoint probe failed"}
	}
	code := strings.TrimSpace(out)
	if code == "200" {
		return salve.HealthCheckResult{
			Passed:  true,
			Message: "endpoint returned 200",
			Details: map[string]string{"status": code},
		}
	}
	return salve.HealthCheckResult{
		Message: "endpoint returned " + code,
		Details: map[string]string{"status": code},
	}
}

func checkDBProcess(ctx context.Context, c *capturer) salve.HealthCheckResult {
	out, ok := c.run(ctx, "ps -eo comm=")
	if !ok {
		return salve.HealthCheckResult{Message: "process listing unavailable"}
	}
	for _, comm := range strings.Fields(out) {
		switch comm {
		case "postgres", "mysqld", "mariadbd", "mongod", "redis-server":
			return salve.HealthCheckResult{
				Passed:  true,
				Message: "database process alive",
				Details: map[string]string{"comm": comm},
			}
		}
	}
	return salve.HealthCheckResult{Message: "no known database process"}
}

func checkDBPort(ctx context.Context, c *capturer) salve.HealthCheckResult {
	ports := listeningPorts(ctx, c)
	for _, p := range []int{5432, 3306, 27017, 6379} {
		if ports[p] {
			return salve.HealthCheckResult{
				Passed:  true,
				Message: fmt.Sprintf("port %d listening", p),
				Details: map[string]string{"port": strconv.Itoa(p)},
			}
		}
	}
	return salve.HealthCheckResult{Message: "no known database port listening"}
}

// listeningPorts reuses the capture network section and extracts port
// numbers from "proto:addr:port" entries.
func listeningPorts(ctx context.Context, c *capturer) map[int]bool {
	n := c.network(ctx)
	ports := make(map[int]bool, len(n.ListeningPorts))
	for _, lp := range n.ListeningPorts {
		i := strings.LastIndexByte(lp, ':')
		if i < 0 {
			continue
		}
		if p, err := strconv.Atoi(lp[i+1:]); err == nil {
			ports[p] = true
		}
	}
	return ports
}
