// Package resilience provides the shared fault-handling primitives: named
// circuit breakers, retry with backoff, bulkhead concurrency limits, and
// timeout wrapping.
//
// Breakers and bulkheads live in process-wide registries keyed by name,
// created lazily on first use and never rebuilt at request time.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/quay/zlog"
	"github.com/sony/gobreaker/v2"
)

// State is the observable condition of a circuit.
type State uint

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return "invalid"
}

// BreakerConfig tunes a CircuitBreaker. The zero value uses the defaults.
type BreakerConfig struct {
	// consecutive failures before the circuit opens. Default 5.
	FailureThreshold uint32
	// how long the circuit stays open before admitting a probe. Default 60s.
	RecoveryTimeout time.Duration
}

func (c *BreakerConfig) defaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout == 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
}

// Snapshot is a point-in-time view of a breaker, for reporting.
type Snapshot struct {
	Name        string
	State       State
	Failures    uint32
	LastFailure time.Time
	Threshold   uint32
	Recovery    time.Duration
}

// CircuitBreaker is a named state machine that refuses calls while its
// downstream is considered unhealthy.
//
// While open, Do fails immediately with *CircuitOpenError. After the
// recovery timeout one probe call is admitted; its outcome decides whether
// the circuit closes or re-opens.
type CircuitBreaker struct {
	name string
	cfg  BreakerConfig

	mu          sync.Mutex
	cb          *gobreaker.CircuitBreaker[any]
	lastFailure time.Time
}

// NewBreaker constructs an unregistered breaker. Most callers want
// [Breaker], which shares instances by name.
func NewBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	cfg.defaults()
	b := &CircuitBreaker{
		name: name,
		cfg:  cfg,
	}
	b.cb = b.newInner()
	return b
}

func (b *CircuitBreaker) newInner() *gobreaker.CircuitBreaker[any] {
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        b.name,
		MaxRequests: 1, // one probe call in half-open
		Timeout:     b.cfg.RecoveryTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= b.cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			zlog.Info(context.Background()).
				Str("component", "pkg/resilience/CircuitBreaker").
				Str("breaker", name).
				Stringer("from", from).
				Stringer("to", to).
				Msg("circuit state change")
		},
	})
}

// Do executes fn through the breaker.
func (b *CircuitBreaker) Do(ctx context.Context, fn func(context.Context) error) error {
	b.mu.Lock()
	cb := b.cb
	b.mu.Unlock()
	_, err := cb.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return &CircuitOpenError{Name: b.name}
	default:
		b.mu.Lock()
		b.lastFailure = time.Now()
		b.mu.Unlock()
		return err
	}
}

// Reset manually closes the circuit and clears its counters.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cb = b.newInner()
	b.lastFailure = time.Time{}
}

// Snapshot reports the breaker's current state.
func (b *CircuitBreaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	var s State
	switch b.cb.State() {
	case gobreaker.StateClosed:
		s = Closed
	case gobreaker.StateOpen:
		s = Open
	case gobreaker.StateHalfOpen:
		s = HalfOpen
	}
	return Snapshot{
		Name:        b.name,
		State:       s,
		Failures:    b.cb.Counts().ConsecutiveFailures,
		LastFailure: b.lastFailure,
		Threshold:   b.cfg.FailureThreshold,
		Recovery:    b.cfg.RecoveryTimeout,
	}
}

var breakerRegistry struct {
	sync.RWMutex
	m map[string]*CircuitBreaker
}

// Breaker returns the process-wide breaker registered under name, creating
// it with cfg if it does not exist. The config of an existing breaker is not
// changed.
func Breaker(name string, cfg BreakerConfig) *CircuitBreaker {
	breakerRegistry.RLock()
	b, ok := breakerRegistry.m[name]
	breakerRegistry.RUnlock()
	if ok {
		return b
	}
	breakerRegistry.Lock()
	defer breakerRegistry.Unlock()
	if b, ok := breakerRegistry.m[name]; ok {
		return b
	}
	if breakerRegistry.m == nil {
		breakerRegistry.m = make(map[string]*CircuitBreaker)
	}
	b = NewBreaker(name, cfg)
	breakerRegistry.m[name] = b
	return b
}
