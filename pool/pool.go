// Package pool sets connection reuse limits for the outbound connection
// categories and reports their health. Pooling itself is left to the
// underlying clients: pgxpool for persistence, net/http for the generation
// service.
package pool

import (
	"fmt"
	"sync"
	"time"
)

// Category names a class of outbound connections.
type Category string

const (
	// CategoryPersistence covers connections to the persistence store.
	CategoryPersistence Category = "persistence"
	// CategoryGeneration covers HTTP connections to the generation service.
	CategoryGeneration Category = "generation"
)

// Config holds reuse limits and the health thresholds for one category.
type Config struct {
	// MaxSockets caps open connections. Exceeding it marks the category unhealthy.
	MaxSockets int `yaml:"max_sockets" json:"max_sockets"`

	// MaxFreeSockets caps idle connections kept for reuse.
	MaxFreeSockets int `yaml:"max_free_sockets" json:"max_free_sockets"`

	// KeepAlive is the TCP keep-alive period.
	KeepAlive time.Duration `yaml:"keep_alive" json:"keep_alive"`

	// IdleTimeout closes connections idle for longer than this.
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// IdleWindow marks the category stale when nothing was acquired within it.
	IdleWindow time.Duration `yaml:"idle_window" json:"idle_window"`

	// ConnectTimeout bounds establishing a new connection.
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
}

// DefaultPersistenceConfig returns limits for the persistence store.
func DefaultPersistenceConfig() Config {
	return Config{
		MaxSockets:     10,
		MaxFreeSockets: 5,
		KeepAlive:      30 * time.Second,
		IdleTimeout:    5 * time.Minute,
		IdleWindow:     5 * time.Minute,
		ConnectTimeout: 5 * time.Second,
	}
}

// DefaultGenerationConfig returns limits for the generation service. The
// socket ceiling matches the 24 actions that may be in flight at once plus
// headroom for retries overlapping with slow responses.
func DefaultGenerationConfig() Config {
	return Config{
		MaxSockets:     32,
		MaxFreeSockets: 24,
		KeepAlive:      30 * time.Second,
		IdleTimeout:    90 * time.Second,
		IdleWindow:     5 * time.Minute,
		ConnectTimeout: 10 * time.Second,
	}
}

// Validate checks the limits.
func (c Config) Validate() error {
	if c.MaxSockets < 1 {
		return fmt.Errorf("max_sockets must be positive, got %d", c.MaxSockets)
	}
	if c.MaxFreeSockets < 0 || c.MaxFreeSockets > c.MaxSockets {
		return fmt.Errorf("max_free_sockets must be between 0 and max_sockets, got %d", c.MaxFreeSockets)
	}
	if c.IdleWindow <= 0 {
		return fmt.Errorf("idle_window must be positive")
	}
	return nil
}

// SocketCounter reports the connections a client currently holds open.
type SocketCounter func() int

// Tracker records acquisitions for one category and derives its health.
type Tracker struct {
	category Category
	config   Config
	now      func() time.Time
	created  time.Time

	mu           sync.Mutex
	acquisitions uint64
	releases     uint64
	inUse        int
	peakInUse    int
	lastAcquired time.Time
	lastActivity time.Time
	sockets      SocketCounter
}

func newTracker(category Category, cfg Config, now func() time.Time) *Tracker {
	t := &Tracker{
		category: category,
		config:   cfg,
		now:      now,
		created:  now(),
	}
	t.lastActivity = t.created
	return t
}

// Category returns the tracked category.
func (t *Tracker) Category() Category {
	return t.category
}

// Config returns the category limits.
func (t *Tracker) Config() Config {
	return t.config
}

// SetSocketCounter installs the client-reported connection count. Without
// one, in-use acquisitions stand in for open sockets.
func (t *Tracker) SetSocketCounter(fn SocketCounter) {
	t.mu.Lock()
	t.sockets = fn
	t.mu.Unlock()
}

// Acquire records an acquisition and returns the matching release. The
// release is safe to call more than once.
func (t *Tracker) Acquire() (release func()) {
	t.mu.Lock()
	now := t.now()
	t.acquisitions++
	t.inUse++
	if t.inUse > t.peakInUse {
		t.peakInUse = t.inUse
	}
	t.lastAcquired = now
	t.lastActivity = now
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			t.releases++
			t.inUse--
			t.lastActivity = t.now()
			t.mu.Unlock()
		})
	}
}

// CategoryStats is a point-in-time view of one category.
type CategoryStats struct {
	Category     Category  `json:"category"`
	Acquisitions uint64    `json:"acquisitions"`
	Releases     uint64    `json:"releases"`
	InUse        int       `json:"in_use"`
	PeakInUse    int       `json:"peak_in_use"`
	Sockets      int       `json:"sockets"`
	MaxSockets   int       `json:"max_sockets"`
	LastAcquired time.Time `json:"last_acquired,omitempty"`
	Healthy      bool      `json:"healthy"`
	Stale        bool      `json:"stale"`
	OverCeiling  bool      `json:"over_ceiling"`
	Reason       string    `json:"reason,omitempty"`
}

// Stats returns the current counters and health.
func (t *Tracker) Stats() CategoryStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	sockets := t.inUse
	if t.sockets != nil {
		sockets = t.sockets()
	}
	stale, over, reason := t.healthLocked(sockets)
	return CategoryStats{
		Category:     t.category,
		Acquisitions: t.acquisitions,
		Releases:     t.releases,
		InUse:        t.inUse,
		PeakInUse:    t.peakInUse,
		Sockets:      sockets,
		MaxSockets:   t.config.MaxSockets,
		LastAcquired: t.lastAcquired,
		Healthy:      !stale && !over,
		Stale:        stale,
		OverCeiling:  over,
		Reason:       reason,
	}
}

// Healthy reports the category health and, when unhealthy, why. A stale
// category is unhealthy but, unlike one over its socket ceiling, still usable.
func (t *Tracker) Healthy() (bool, string) {
	s := t.Stats()
	return s.Healthy, s.Reason
}

func (t *Tracker) healthLocked(sockets int) (stale, over bool, reason string) {
	if t.config.MaxSockets > 0 && sockets > t.config.MaxSockets {
		over = true
		reason = fmt.Sprintf("%d sockets exceed ceiling of %d", sockets, t.config.MaxSockets)
	}
	if idle := t.now().Sub(t.lastActivity); t.config.IdleWindow > 0 && idle > t.config.IdleWindow {
		stale = true
		if reason == "" {
			reason = fmt.Sprintf("stale: no activity for %s", idle.Truncate(time.Second))
		}
	}
	return stale, over, reason
}
