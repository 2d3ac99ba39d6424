package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Operation is one call to retry.
type Operation func(ctx context.Context) error

// NotifyFunc is called before each retry with the retry number (1-based),
// the delay about to be waited and the error that caused it.
type NotifyFunc func(retry int, delay time.Duration, err error)

// Outcome reports how a driven call ended.
type Outcome struct {
	// Retries is the number of retries consumed (calls made minus one).
	Retries int

	// Class is the classification of the last error, if any.
	Class Class

	// Err is the final error, nil on success.
	Err error
}

// Runner drives operations through a Policy.
type Runner struct {
	policy     Policy
	classifier Classifier
	timer      func() backoff.Timer
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithTimer replaces the wall-clock timer used between retries. Tests use it
// to observe delays without waiting for them.
func WithTimer(newTimer func() backoff.Timer) RunnerOption {
	return func(r *Runner) {
		r.timer = newTimer
	}
}

// NewRunner creates a runner.
func NewRunner(policy Policy, classifier Classifier, opts ...RunnerOption) *Runner {
	r := &Runner{policy: policy, classifier: classifier}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the policy driving this runner.
func (r *Runner) Policy() Policy {
	return r.policy
}

// Do calls op until it succeeds, fails permanently, exhausts the policy or
// ctx is done. Transient errors are retried; anything else stops at once.
func (r *Runner) Do(ctx context.Context, op Operation, notify NotifyFunc) Outcome {
	var (
		out     Outcome
		lastErr error
	)

	b := backoff.WithContext(&policyBackOff{policy: r.policy}, ctx)

	attempt := func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		out.Class = r.classifier.Classify(err)
		if out.Class != ClassTransient {
			return backoff.Permanent(err)
		}
		return err
	}

	onRetry := func(err error, d time.Duration) {
		out.Retries++
		if notify != nil {
			notify(out.Retries, d, err)
		}
	}

	var timer backoff.Timer
	if r.timer != nil {
		timer = r.timer()
	}

	err := backoff.RetryNotifyWithTimer(attempt, b, onRetry, timer)
	if err != nil {
		// Cancellation while waiting surfaces ctx.Err(); keep the call's own
		// error so the action reports what actually failed.
		if lastErr != nil && ctx.Err() != nil {
			out.Err = lastErr
		} else {
			out.Err = err
		}
	}
	return out
}

// policyBackOff adapts the pure Policy to backoff.BackOff. Each Do call owns
// its own instance, so the retry counter is never shared.
type policyBackOff struct {
	policy  Policy
	retries int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	d := b.policy.Decide(b.retries, ClassTransient)
	if !d.Retry {
		return backoff.Stop
	}
	b.retries++
	return d.Delay
}

func (b *policyBackOff) Reset() {
	b.retries = 0
}
