package service

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/lsh/index"
	pkgredis "github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/redis"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/resilience"
)

const keyPrefix = "lsh:cand:"

// Store is the key-value surface the cache needs; *redis.Client satisfies it.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
}

// CandidateCache memoises lookup results in Redis. Keys carry an instance ID,
// since every service process owns its own index, and a generation that is
// bumped on every successful insert so cached blocks never miss new records.
type CandidateCache struct {
	store    Store
	ttl      time.Duration
	instance string
	gen      atomic.Uint64
	breaker  *resilience.CircuitBreaker
	group    singleflight.Group
	onHit    func()
	onMiss   func()
	hits     atomic.Int64
	misses   atomic.Int64
	logger   *slog.Logger
}

// CacheOption configures a CandidateCache.
type CacheOption func(*CandidateCache)

// WithBreaker routes store calls through cb.
func WithBreaker(cb *resilience.CircuitBreaker) CacheOption {
	return func(c *CandidateCache) { c.breaker = cb }
}

// WithHitMissHooks installs counters for hits and misses.
func WithHitMissHooks(hit, miss func()) CacheOption {
	return func(c *CandidateCache) {
		c.onHit = hit
		c.onMiss = miss
	}
}

// NewCache creates a CandidateCache over store.
func NewCache(store Store, ttl time.Duration, opts ...CacheOption) *CandidateCache {
	c := &CandidateCache{
		store:    store,
		ttl:      ttl,
		instance: uuid.NewString()[:8],
		logger:   slog.Default().With("component", "candidate-cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Bump moves the cache to a new generation after the index changed.
func (c *CandidateCache) Bump() {
	c.gen.Add(1)
}

// GetOrCompute returns the cached candidates for (query, exclude), computing
// and storing them on a miss. Concurrent misses for one key share a single
// compute. Store failures degrade to computing without the cache.
func (c *CandidateCache) GetOrCompute(
	ctx context.Context,
	query, exclude string,
	compute func() ([]index.Record, error),
) ([]index.Record, bool, error) {
	key := c.buildKey(query, exclude)
	if recs, ok := c.get(ctx, key); ok {
		return recs, true, nil
	}
	val, err, _ := c.group.Do(key, func() (any, error) {
		if recs, ok := c.get(ctx, key); ok {
			return recs, nil
		}
		recs, err := compute()
		if err != nil {
			return nil, err
		}
		c.set(ctx, key, recs)
		return recs, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.([]index.Record), false, nil
}

// Invalidate removes every key this instance has written.
func (c *CandidateCache) Invalidate(ctx context.Context) (int64, error) {
	c.Bump()
	deleted, err := c.store.FlushByPattern(ctx, keyPrefix+c.instance+":*")
	if err != nil {
		return deleted, fmt.Errorf("invalidating candidate cache: %w", err)
	}
	c.logger.Info("cache invalidate", "keys_deleted", deleted)
	return deleted, nil
}

// Stats returns the hit and miss counts since start.
func (c *CandidateCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *CandidateCache) get(ctx context.Context, key string) ([]index.Record, bool) {
	var data []byte
	err := c.execute(func() error {
		var err error
		data, err = c.store.Get(ctx, key)
		if pkgredis.IsNilError(err) {
			return resilience.Permanent(err)
		}
		return err
	})
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.logger.Warn("cache get failed", "key", key, "error", err)
		}
		c.miss()
		return nil, false
	}
	var recs []index.Record
	if err := json.Unmarshal(data, &recs); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		c.miss()
		return nil, false
	}
	c.hits.Add(1)
	if c.onHit != nil {
		c.onHit()
	}
	return recs, true
}

func (c *CandidateCache) set(ctx context.Context, key string, recs []index.Record) {
	data, err := json.Marshal(recs)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.execute(func() error { return c.store.Set(ctx, key, data, c.ttl) }); err != nil {
		c.logger.Warn("cache set failed", "key", key, "error", err)
	}
}

func (c *CandidateCache) execute(fn func() error) error {
	if c.breaker == nil {
		return fn()
	}
	return c.breaker.Execute(fn)
}

func (c *CandidateCache) miss() {
	c.misses.Add(1)
	if c.onMiss != nil {
		c.onMiss()
	}
}

func (c *CandidateCache) buildKey(query, exclude string) string {
	hash := sha256.Sum256([]byte(exclude + "\x00" + query))
	return fmt.Sprintf("%s%s:%d:%x", keyPrefix, c.instance, c.gen.Load(), hash[:16])
}
