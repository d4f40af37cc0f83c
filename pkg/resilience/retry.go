package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Strategy selects how successive retry delays grow.
type Strategy uint

const (
	// Exponential delays: base × 2ⁿ.
	Exponential Strategy = iota
	// Linear delays: base × (n+1).
	Linear
	// Constant delays: base.
	Constant
)

// Retry re-invokes a failing function with a delay between attempts.
//
// Delays follow the configured Strategy, are capped at MaxDelay, and carry
// 0–25% additive jitter unless disabled. Only errors the Retryable
// classifier accepts are retried; anything else surfaces immediately.
// Cancellation is observed between attempts.
type Retry struct {
	// delay seed. Default 1s.
	Base time.Duration
	// upper bound on a single delay. Default 30s.
	MaxDelay time.Duration
	// total attempts, including the first. Default 3.
	MaxAttempts int
	// delay growth. Default Exponential.
	Strategy Strategy
	// when non-nil, errors this rejects are not retried.
	Retryable func(error) bool
	// suppress jitter; used by tests asserting exact delays.
	NoJitter bool
}

// strategyBackOff implements backoff.BackOff over the configured strategy.
type strategyBackOff struct {
	r *Retry
	n int
}

var _ backoff.BackOff = (*strategyBackOff)(nil)

func (b *strategyBackOff) NextBackOff() time.Duration {
	var d time.Duration
	switch b.r.Strategy {
	case Linear:
		d = b.r.Base * time.Duration(b.n+1)
	case Constant:
		d = b.r.Base
	default:
		d = b.r.Base << uint(b.n)
	}
	b.n++
	if d > b.r.MaxDelay {
		d = b.r.MaxDelay
	}
	if !b.r.NoJitter {
		d += time.Duration(rand.Int63n(int64(d)/4 + 1))
	}
	return d
}

func (b *strategyBackOff) Reset() { b.n = 0 }

// Do runs fn until it succeeds, fails permanently, or the attempt budget is
// spent. Exhaustion is reported as *MaxRetriesExceeded wrapping the last
// error.
func (r *Retry) Do(ctx context.Context, fn func(context.Context) error) error {
	base, max, attempts := r.Base, r.MaxDelay, r.MaxAttempts
	if base == 0 {
		base = time.Second
	}
	if max == 0 {
		max = 30 * time.Second
	}
	if attempts == 0 {
		attempts = 3
	}
	cfg := *r
	cfg.Base, cfg.MaxDelay = base, max

	var n int
	op := func() error {
		n++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if r.Retryable != nil && !r.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(&strategyBackOff{r: &cfg}, uint64(attempts-1)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if ctx.Err() != nil {
			// cancelled between attempts
			return err
		}
		if r.Retryable != nil && !r.Retryable(err) {
			return err
		}
		return &MaxRetriesExceeded{Attempts: n, Last: err}
	}
	return nil
}
