package broker

import (
	"context"
	"sync"
	"time"

	"github.com/quorumtrade/trading-core/internal/observ"
)

// AccountCache fronts GetAccount with a short TTL so the sizing path does not
// hammer the broker once per decision. Fills invalidate it immediately.
type AccountCache struct {
	mu        sync.Mutex
	broker    Broker
	ttl       time.Duration
	snapshot  AccountSnapshot
	fetchedAt time.Time

	now func() time.Time
}

func NewAccountCache(b Broker, ttl time.Duration) *AccountCache {
	return &AccountCache{broker: b, ttl: ttl, now: time.Now}
}

// Get returns a cached snapshot when fresh, otherwise refetches.
func (c *AccountCache) Get(ctx context.Context) (AccountSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.fetchedAt.IsZero() && c.now().Sub(c.fetchedAt) < c.ttl {
		observ.IncCounter("account_cache_total", map[string]string{"result": "hit"})
		return c.snapshot, nil
	}

	snap, err := c.broker.GetAccount(ctx)
	if err != nil {
		observ.IncCounter("account_cache_total", map[string]string{"result": "error"})
		return AccountSnapshot{}, err
	}
	c.snapshot = snap
	c.fetchedAt = c.now()
	observ.IncCounter("account_cache_total", map[string]string{"result": "miss"})
	return snap, nil
}

// Invalidate drops the cached snapshot. Called after any fill so the next
// sizing pass sees the post-fill account state.
func (c *AccountCache) Invalidate() {
	c.mu.Lock()
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}
