// Package driver defines the LLM provider contract and the retry policy
// shared by all providers.
package driver

import (
	"context"
	"time"

	"github.com/quay/zlog"

	"github.com/salvus/salve"
	"github.com/salvus/salve/pkg/resilience"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-neutral generation request.
type Request struct {
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	Model       string    `json:"model"`
}

// Response is a provider-neutral generation result.
type Response struct {
	Content      string            `json:"content"`
	Model        string            `json:"model"`
	TokensUsed   int               `json:"tokens_used"`
	FinishReason string            `json:"finish_reason"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Client is one configured LLM provider.
type Client interface {
	Name() string
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// Per-class retry delay schedules, indexed by attempt. Rate limits get the
// longest waits; plain provider errors the shortest. Authentication errors
// are never retried.
var (
	rateLimitDelays = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}
	timeoutDelays   = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	genericDelays   = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
)

// sleep is swappable for tests.
var sleep = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}

func delayFor(err error, attempt int) (time.Duration, bool) {
	var sched []time.Duration
	switch {
	case salve.IsKind(err, salve.ErrAuthentication):
		return 0, false
	case salve.IsKind(err, salve.ErrRateLimit):
		sched = rateLimitDelays
	case salve.IsKind(err, salve.ErrTimeout):
		sched = timeoutDelays
	default:
		sched = genericDelays
	}
	if attempt >= len(sched) {
		return sched[len(sched)-1], true
	}
	return sched[attempt], true
}

// GenerateWithRetry calls the client, retrying transient failures with a
// per-error-class delay schedule. maxRetries counts retries, not attempts;
// exhaustion is wrapped in *resilience.MaxRetriesExceeded.
func GenerateWithRetry(ctx context.Context, c Client, req *Request, maxRetries int) (*Response, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "llm/driver/GenerateWithRetry", "provider", c.Name())
	var last error
	for attempt := 0; ; attempt++ {
		res, err := c.Generate(ctx, req)
		if err == nil {
			return res, nil
		}
		last = err
		d, retry := delayFor(err, attempt)
		if !retry {
			return nil, err
		}
		if attempt >= maxRetries {
			break
		}
		zlog.Debug(ctx).Err(err).Int("attempt", attempt+1).Dur("delay", d).Msg("generation failed, backing off")
		if err := sleep(ctx, d); err != nil {
			return nil, err
		}
	}
	return nil, &resilience.MaxRetriesExceeded{Attempts: maxRetries + 1, Last: last}
}
