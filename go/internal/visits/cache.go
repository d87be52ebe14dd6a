package visits

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Cache decorates a Ledger with a short-lived count for the current
// window. A different window key discards the cached value.
type Cache struct {
	inner Ledger
	clock clockwork.Clock
	ttl   time.Duration

	mu      sync.Mutex
	key     string
	count   int64
	fetched time.Time
	valid   bool
}

func NewCache(inner Ledger, clock clockwork.Clock, ttl time.Duration) *Cache {
	return &Cache{inner: inner, clock: clock, ttl: ttl}
}

func (c *Cache) Credit(ctx context.Context, identity, windowKey string) (int64, error) {
	n, err := c.inner.Credit(ctx, identity, windowKey)
	if err != nil {
		return 0, err
	}
	c.remember(windowKey, n)
	return n, nil
}

func (c *Cache) Count(ctx context.Context, windowKey string) (int64, error) {
	c.mu.Lock()
	if c.valid && c.key == windowKey && c.clock.Since(c.fetched) < c.ttl {
		n := c.count
		c.mu.Unlock()
		return n, nil
	}
	c.mu.Unlock()

	n, err := c.inner.Count(ctx, windowKey)
	if err != nil {
		return 0, err
	}
	c.remember(windowKey, n)
	return n, nil
}

// Cached returns the last known count for windowKey regardless of age.
func (c *Cache) Cached(windowKey string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid || c.key != windowKey {
		return 0, false
	}
	return c.count, true
}

// remember stores n for windowKey. Counts only grow within a window, so a
// stale smaller reading never replaces a larger one.
func (c *Cache) remember(windowKey string, n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid && c.key == windowKey && n < c.count {
		c.fetched = c.clock.Now()
		return
	}
	c.key = windowKey
	c.count = n
	c.fetched = c.clock.Now()
	c.valid = true
}
