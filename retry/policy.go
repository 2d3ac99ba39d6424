// Package retry decides whether and when a failed call to the generation
// service is attempted again. The Policy itself is a pure function of the
// number of retries already consumed and the error classification; Do drives
// a call through it.
package retry

import (
	"fmt"
	"math"
	"time"
)

// Config holds the retry parameters.
type Config struct {
	// MaxAttempts is the number of retries allowed after the first call.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration `yaml:"initial_interval" json:"initial_interval"`

	// BackoffRate multiplies the delay on each subsequent retry.
	BackoffRate float64 `yaml:"backoff_rate" json:"backoff_rate"`
}

// DefaultConfig returns 3 retries at 2s, 4s and 8s.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		InitialInterval: 2 * time.Second,
		BackoffRate:     2.0,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must be >= 0")
	}
	if c.InitialInterval < 0 {
		return fmt.Errorf("initial_interval must be >= 0")
	}
	if c.BackoffRate < 1 {
		return fmt.Errorf("backoff_rate must be >= 1")
	}
	return nil
}

// Class is the retry eligibility of an error.
type Class int

const (
	// ClassPermanent errors fail immediately without consuming retry budget.
	ClassPermanent Class = iota
	// ClassTransient errors are retried while budget remains.
	ClassTransient
)

func (c Class) String() string {
	if c == ClassTransient {
		return "transient"
	}
	return "permanent"
}

// Decision is the policy verdict for one failure.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// GiveUp is the zero decision.
var GiveUp = Decision{}

// Policy evaluates retry decisions. It holds no mutable state and is safe
// for concurrent use.
type Policy struct {
	cfg Config
}

// NewPolicy creates a policy from cfg.
func NewPolicy(cfg Config) Policy {
	return Policy{cfg: cfg}
}

// Config returns the parameters the policy was built with.
func (p Policy) Config() Config {
	return p.cfg
}

// Decide returns whether a call that has already been retried `retries`
// times should be retried again after failing with an error of class c.
func (p Policy) Decide(retries int, c Class) Decision {
	if c != ClassTransient || retries < 0 || retries >= p.cfg.MaxAttempts {
		return GiveUp
	}
	return Decision{Retry: true, Delay: p.delay(retries)}
}

func (p Policy) delay(retries int) time.Duration {
	d := float64(p.cfg.InitialInterval) * math.Pow(p.cfg.BackoffRate, float64(retries))
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Schedule lists every delay the policy would wait through for a call that
// keeps failing transiently.
func (p Policy) Schedule() []time.Duration {
	delays := make([]time.Duration, 0, p.cfg.MaxAttempts)
	for n := 0; ; n++ {
		d := p.Decide(n, ClassTransient)
		if !d.Retry {
			return delays
		}
		delays = append(delays, d.Delay)
	}
}

// MaxElapsed is the total backoff a call can spend waiting, excluding the
// calls themselves.
func (p Policy) MaxElapsed() time.Duration {
	var total time.Duration
	for _, d := range p.Schedule() {
		total += d
	}
	return total
}
