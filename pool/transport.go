package pool

import (
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewTransport builds an HTTP transport whose reuse policy follows cfg.
func NewTransport(cfg Config) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: cfg.KeepAlive,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          cfg.MaxFreeSockets,
		MaxIdleConnsPerHost:   cfg.MaxFreeSockets,
		MaxConnsPerHost:       cfg.MaxSockets,
		IdleConnTimeout:       cfg.IdleTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		DisableKeepAlives:     cfg.KeepAlive < 0,
	}
}

// trackingTransport records one acquisition per round trip.
type trackingTransport struct {
	base    http.RoundTripper
	tracker *Tracker
}

func (t *trackingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	release := t.tracker.Acquire()
	defer release()
	return t.base.RoundTrip(req)
}

// RoundTripper wraps base so every request is recorded against tracker.
func RoundTripper(base http.RoundTripper, tracker *Tracker) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &trackingTransport{base: base, tracker: tracker}
}

// HTTPClient returns a client for the generation category: pooled per the
// category limits and tracked by the manager.
func (m *Manager) HTTPClient(timeout time.Duration) *http.Client {
	tracker := m.Tracker(CategoryGeneration)
	return &http.Client{
		Timeout:   timeout,
		Transport: RoundTripper(NewTransport(tracker.Config()), tracker),
	}
}

// PGXConfig parses dsn and applies the persistence category limits.
func (m *Manager) PGXConfig(dsn string) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	ApplyPGXLimits(cfg, m.Tracker(CategoryPersistence).Config())
	return cfg, nil
}

// ApplyPGXLimits copies the reuse limits onto a pgxpool config. pgxpool has
// no idle ceiling; idle connections are bounded by MaxConnIdleTime instead.
func ApplyPGXLimits(pc *pgxpool.Config, cfg Config) {
	if cfg.MaxSockets > 0 {
		pc.MaxConns = int32(cfg.MaxSockets)
	}
	if cfg.IdleTimeout > 0 {
		pc.MaxConnIdleTime = cfg.IdleTimeout
	}
	if cfg.KeepAlive > 0 {
		pc.HealthCheckPeriod = cfg.KeepAlive
	}
	if cfg.ConnectTimeout > 0 {
		pc.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
}

// TrackPGX reports the pool's open connections as the persistence socket
// count.
func (m *Manager) TrackPGX(p *pgxpool.Pool) {
	m.Tracker(CategoryPersistence).SetSocketCounter(func() int {
		return int(p.Stat().TotalConns())
	})
}
