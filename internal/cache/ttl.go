package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// TTL is a cache that keeps a cached copy for a fixed duration after
// creation. Concurrent misses for the same key are collapsed into a single
// call of the create function.
//
// The Create member can be populated to simplify a call site, ala
// [sync.Pool.New].
// The zero value is safe to use; a zero Lifetime means entries never expire.
type TTL[V any] struct {
	// Create is used when the Get call passes a nil create function.
	Create CreateFunc[V]
	// Lifetime is how long an entry is served after creation.
	Lifetime time.Duration

	// now is swappable for tests.
	now func() time.Time

	mu sync.RWMutex
	m  map[string]entry[V]
	sf singleflight.Group
}

type entry[V any] struct {
	v   *V
	exp time.Time
}

// Get returns a pointer to the value associated with the key, calling the
// "Create" function if populated and the "create" argument is nil.
//
// This function will panic if neither function is provided.
func (c *TTL[V]) Get(ctx context.Context, key string, create CreateFunc[V]) (*V, error) {
	var fn CreateFunc[V]
	switch {
	case create != nil:
		fn = create
	case c.Create != nil:
		fn = c.Create
	default:
		panic("programmer error: missing create function")
	}
	if v, ok := c.lookup(key); ok {
		return v, nil
	}

	ch := c.sf.DoChan(key, func() (interface{}, error) {
		// Re-check under the flight: a concurrent call may have populated
		// the entry between the miss and this goroutine running.
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		v, err := fn(ctx, key)
		if err != nil {
			return nil, err
		}
		c.store(key, v)
		return v, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*V), nil
	case <-ctx.Done():
		c.sf.Forget(key)
		return nil, context.Cause(ctx)
	}
}

func (c *TTL[V]) lookup(key string) (*V, bool) {
	c.mu.RLock()
	e, ok := c.m[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !e.exp.IsZero() && !c.timeNow().Before(e.exp) {
		c.mu.Lock()
		// Another goroutine may have refreshed the entry; only drop the
		// one observed expired.
		if cur, ok := c.m[key]; ok && cur.exp.Equal(e.exp) {
			delete(c.m, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return e.v, true
}

func (c *TTL[V]) store(key string, v *V) {
	var exp time.Time
	if c.Lifetime > 0 {
		exp = c.timeNow().Add(c.Lifetime)
	}
	c.mu.Lock()
	if c.m == nil {
		c.m = make(map[string]entry[V])
	}
	c.m[key] = entry[V]{v: v, exp: exp}
	c.mu.Unlock()
}

func (c *TTL[V]) timeNow() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

// Len reports the number of entries currently held, expired or not.
func (c *TTL[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

// Clear removes all cached entries.
func (c *TTL[V]) Clear() {
	c.mu.Lock()
	c.m = nil
	c.mu.Unlock()
}
