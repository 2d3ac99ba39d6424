// Package cache provides a bounded LRU cache with a per-entry TTL used to
// front goal and action context reads.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// sweepChunk bounds how many keys a sweep inspects per lock acquisition.
const sweepChunk = 64

// Config sizes one cache instance. A zero capacity or TTL disables it.
type Config struct {
	// Capacity is the maximum number of entries.
	Capacity int `yaml:"capacity" json:"capacity"`

	// TTL is how long an entry stays valid after it was set.
	TTL time.Duration `yaml:"ttl" json:"ttl"`

	// SweepInterval is how often expired entries are removed proactively.
	// Defaults to half the TTL, clamped to [1s, 5m].
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// Enabled reports whether the configuration describes a usable cache.
func (c Config) Enabled() bool {
	return c.Capacity > 0 && c.TTL > 0
}

func (c Config) sweepInterval() time.Duration {
	if c.SweepInterval > 0 {
		return c.SweepInterval
	}
	d := c.TTL / 2
	if d < time.Second {
		d = time.Second
	}
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return d
}

// Stats is a point-in-time view of a cache's counters. Counters are read
// without a common lock and may be mutually off by in-flight operations.
type Stats struct {
	Name        string  `json:"name"`
	Enabled     bool    `json:"enabled"`
	Size        int     `json:"size"`
	Capacity    int     `json:"capacity"`
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
	HitRate     float64 `json:"hit_rate"`
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a concurrency-safe LRU with absolute per-entry expiry.
type Cache[V any] struct {
	name   string
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu  sync.Mutex
	lru *simplelru.LRU[string, entry[V]]

	hits        atomic.Uint64
	misses      atomic.Uint64
	evictions   atomic.Uint64
	expirations atomic.Uint64

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	logger *slog.Logger
	now    func() time.Time
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// New creates a cache. A disabled configuration yields a cache that always
// misses and ignores writes.
func New[V any](name string, cfg Config, opts ...Option) *Cache[V] {
	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Cache[V]{
		name:   name,
		cfg:    cfg,
		logger: o.logger.With("cache", name),
		now:    o.now,
	}
	if cfg.Enabled() {
		// NewLRU only fails for a non-positive size, which Enabled rules out.
		c.lru, _ = simplelru.NewLRU[string, entry[V]](cfg.Capacity, nil)
	}
	return c
}

// Name returns the cache name.
func (c *Cache[V]) Name() string {
	return c.name
}

// Get returns the value for key if present and unexpired, promoting it to
// most-recently-used. An expired entry is removed and counts as a miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	if c.lru == nil {
		c.misses.Add(1)
		return zero, false
	}

	c.mu.Lock()
	e, ok := c.lru.Peek(key)
	switch {
	case !ok:
	case !c.now().Before(e.expiresAt):
		c.lru.Remove(key)
		c.expirations.Add(1)
		ok = false
	default:
		c.lru.Get(key)
	}
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		return zero, false
	}
	c.hits.Add(1)
	return e.value, true
}

// Set stores value under key with a fresh expiry. Adding a new key to a full
// cache evicts the least-recently-used entry.
func (c *Cache[V]) Set(key string, value V) {
	if c.lru == nil {
		return
	}

	c.mu.Lock()
	evicted := c.lru.Add(key, entry[V]{value: value, expiresAt: c.now().Add(c.cfg.TTL)})
	c.mu.Unlock()

	if evicted {
		c.evictions.Add(1)
	}
}

// Invalidate removes key. It reports whether an entry was present.
func (c *Cache[V]) Invalidate(key string) bool {
	if c.lru == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

// Len returns the number of entries, expired ones included.
func (c *Cache[V]) Len() int {
	if c.lru == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Purge removes every entry. Counters are kept.
func (c *Cache[V]) Purge() {
	if c.lru == nil {
		return
	}
	c.mu.Lock()
	c.lru.Purge()
	c.mu.Unlock()
}

// Sweep removes expired entries and returns how many were removed. The lock
// is released between chunks so concurrent Get/Set calls are not held up for
// the length of a full scan.
func (c *Cache[V]) Sweep() int {
	if c.lru == nil {
		return 0
	}

	c.mu.Lock()
	keys := c.lru.Keys()
	c.mu.Unlock()

	removed := 0
	for start := 0; start < len(keys); start += sweepChunk {
		end := min(start+sweepChunk, len(keys))
		now := c.now()

		c.mu.Lock()
		for _, key := range keys[start:end] {
			// Re-check under the lock: the key may have been refreshed since
			// the snapshot was taken.
			if e, ok := c.lru.Peek(key); ok && !now.Before(e.expiresAt) {
				c.lru.Remove(key)
				removed++
			}
		}
		c.mu.Unlock()
	}

	if removed > 0 {
		c.expirations.Add(uint64(removed))
	}
	return removed
}

// Start launches the background sweep. It is a no-op for a disabled cache
// or one that is already running.
func (c *Cache[V]) Start(ctx context.Context) {
	if c.lru == nil {
		return
	}

	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.cancel != nil {
		return
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.sweepLoop(sweepCtx, c.done)

	c.logger.Debug("Cache sweep started",
		"capacity", c.cfg.Capacity,
		"ttl", c.cfg.TTL,
		"interval", c.cfg.sweepInterval())
}

// Stop halts the background sweep and waits for it to exit.
func (c *Cache[V]) Stop() {
	c.lifecycleMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.lifecycleMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Cache[V]) sweepLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.cfg.sweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("Swept expired entries", "removed", n)
			}
		}
	}
}

// Stats returns the current counters.
func (c *Cache[V]) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	s := Stats{
		Name:        c.name,
		Enabled:     c.lru != nil,
		Size:        c.Len(),
		Capacity:    c.cfg.Capacity,
		Hits:        hits,
		Misses:      misses,
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
	}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}
