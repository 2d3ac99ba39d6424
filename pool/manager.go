package pool

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Manager owns the trackers of every category.
type Manager struct {
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	trackers map[Category]*Tracker
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a manager tracking the given categories.
func NewManager(configs map[Category]Config, opts ...Option) *Manager {
	m := &Manager{
		logger:   slog.Default(),
		now:      time.Now,
		trackers: make(map[Category]*Tracker),
	}
	for _, opt := range opts {
		opt(m)
	}
	for cat, cfg := range configs {
		m.trackers[cat] = newTracker(cat, cfg, m.now)
	}
	return m
}

// Tracker returns the tracker of a category, registering one with default
// limits when the category is unknown.
func (m *Manager) Tracker(cat Category) *Tracker {
	m.mu.RLock()
	t, ok := m.trackers[cat]
	m.mu.RUnlock()
	if ok {
		return t
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.trackers[cat]; ok {
		return t
	}
	cfg := DefaultGenerationConfig()
	if cat == CategoryPersistence {
		cfg = DefaultPersistenceConfig()
	}
	t = newTracker(cat, cfg, m.now)
	m.trackers[cat] = t
	m.logger.Debug("Registered pool category with defaults", "category", cat)
	return t
}

// Stats aggregates every category.
type Stats struct {
	Healthy     bool            `json:"healthy"`
	Stale       bool            `json:"stale"`
	OverCeiling bool            `json:"over_ceiling"`
	Categories  []CategoryStats `json:"categories"`
}

// Stats returns the counters and health of every category, sorted by name.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	trackers := make([]*Tracker, 0, len(m.trackers))
	for _, t := range m.trackers {
		trackers = append(trackers, t)
	}
	m.mu.RUnlock()

	out := Stats{Healthy: true}
	for _, t := range trackers {
		s := t.Stats()
		if !s.Healthy {
			out.Healthy = false
		}
		out.Stale = out.Stale || s.Stale
		out.OverCeiling = out.OverCeiling || s.OverCeiling
		out.Categories = append(out.Categories, s)
	}
	sort.Slice(out.Categories, func(i, j int) bool {
		return out.Categories[i].Category < out.Categories[j].Category
	})
	return out
}
