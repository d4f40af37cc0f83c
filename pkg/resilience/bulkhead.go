package resilience

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Bulkhead bounds the number of concurrent in-flight calls against a
// resource.
//
// Capacity is acquired for the duration of Do; release is deferred, so a
// panicking call still returns its slot.
type Bulkhead struct {
	name string
	sem  *semaphore.Weighted
	// how long Do waits for a slot. Zero waits until the context is done.
	maxWait time.Duration
}

// NewBulkhead constructs an unregistered bulkhead of the given capacity.
// Most callers want [GetBulkhead], which shares instances by name.
func NewBulkhead(name string, capacity int64, maxWait time.Duration) *Bulkhead {
	return &Bulkhead{
		name:    name,
		sem:     semaphore.NewWeighted(capacity),
		maxWait: maxWait,
	}
}

// Do runs fn while holding one slot. A slot that cannot be acquired within
// the configured wait fails with *BulkheadRejected.
func (b *Bulkhead) Do(ctx context.Context, fn func(context.Context) error) error {
	actx := ctx
	if b.maxWait > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, b.maxWait)
		defer cancel()
	}
	if err := b.sem.Acquire(actx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &BulkheadRejected{Name: b.name}
	}
	defer b.sem.Release(1)
	return fn(ctx)
}

var bulkheadRegistry struct {
	sync.RWMutex
	m map[string]*Bulkhead
}

// GetBulkhead returns the process-wide bulkhead registered under name,
// creating it if needed. The capacity of an existing bulkhead is not
// changed.
func GetBulkhead(name string, capacity int64, maxWait time.Duration) *Bulkhead {
	bulkheadRegistry.RLock()
	b, ok := bulkheadRegistry.m[name]
	bulkheadRegistry.RUnlock()
	if ok {
		return b
	}
	bulkheadRegistry.Lock()
	defer bulkheadRegistry.Unlock()
	if b, ok := bulkheadRegistry.m[name]; ok {
		return b
	}
	if bulkheadRegistry.m == nil {
		bulkheadRegistry.m = make(map[string]*Bulkhead)
	}
	b = NewBulkhead(name, capacity, maxWait)
	bulkheadRegistry.m[name] = b
	return b
}
