package reputation

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/speedrun-hq/speedrun-auctioneer/pkg/clock"
)

// Cache memoizes a Source for a fixed TTL so admission does not hit a remote
// reputation service on every bid. Outcomes are forwarded to the wrapped
// source when it records them, and invalidate the cached value.
type Cache struct {
	source Source
	ttl    time.Duration
	clock  clock.Clock

	mu    sync.RWMutex
	cache map[common.Address]*cachedReputation
}

// cachedReputation is a cached value with the time it was fetched
type cachedReputation struct {
	value     decimal.Decimal
	timestamp time.Time
}

var (
	_ Source          = (*Cache)(nil)
	_ OutcomeRecorder = (*Cache)(nil)
)

// NewCache wraps source with a ttl cache
func NewCache(source Source, ttl time.Duration, clk clock.Clock) *Cache {
	return &Cache{
		source: source,
		ttl:    ttl,
		clock:  clk,
		cache:  make(map[common.Address]*cachedReputation),
	}
}

// Get retrieves a cached value if it's still valid
func (c *Cache) Get(solver common.Address) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cached, exists := c.cache[solver]
	if !exists {
		return decimal.Zero, false
	}
	if c.clock.Now().Sub(cached.timestamp) > c.ttl {
		return decimal.Zero, false
	}
	return cached.value, true
}

// Set stores a value with the current timestamp
func (c *Cache) Set(solver common.Address, value decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[solver] = &cachedReputation{value: value, timestamp: c.clock.Now()}
}

// Reputation serves from the cache, falling through to the source on a miss
func (c *Cache) Reputation(ctx context.Context, solver common.Address) (decimal.Decimal, error) {
	if v, ok := c.Get(solver); ok {
		return v, nil
	}
	v, err := c.source.Reputation(ctx, solver)
	if err != nil {
		return decimal.Zero, err
	}
	c.Set(solver, v)
	return v, nil
}

// RecordOutcome forwards to the source and drops the cached value
func (c *Cache) RecordOutcome(ctx context.Context, solver common.Address, won bool) {
	if rec, ok := c.source.(OutcomeRecorder); ok {
		rec.RecordOutcome(ctx, solver, won)
	}
	c.mu.Lock()
	delete(c.cache, solver)
	c.mu.Unlock()
}

// Clear removes all cached entries
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[common.Address]*cachedReputation)
}

// Len returns the number of cached solvers, expired or not
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}
