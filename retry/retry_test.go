package retry_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/taskbatch/retry"
	"github.com/c360studio/taskbatch/workflow"
)

// recordingTimer fires immediately and records every requested delay.
type recordingTimer struct {
	mu     *sync.Mutex
	delays *[]time.Duration
	c      chan time.Time
}

func (t *recordingTimer) Start(d time.Duration) {
	t.mu.Lock()
	*t.delays = append(*t.delays, d)
	t.mu.Unlock()
	t.c = make(chan time.Time, 1)
	t.c <- time.Now()
}

func (t *recordingTimer) Stop() {}

func (t *recordingTimer) C() <-chan time.Time { return t.c }

func newRecordingRunner(cfg retry.Config) (*retry.Runner, func() []time.Duration) {
	var mu sync.Mutex
	var delays []time.Duration
	runner := retry.NewRunner(
		retry.NewPolicy(cfg),
		retry.NewClassifier(retry.DefaultClassifierConfig()),
		retry.WithTimer(func() backoff.Timer {
			return &recordingTimer{mu: &mu, delays: &delays}
		}),
	)
	return runner, func() []time.Duration {
		mu.Lock()
		defer mu.Unlock()
		out := make([]time.Duration, len(delays))
		copy(out, delays)
		return out
	}
}

func TestPolicy_DefaultSchedule(t *testing.T) {
	p := retry.NewPolicy(retry.DefaultConfig())

	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, p.Schedule())
	assert.Equal(t, 14*time.Second, p.MaxElapsed())
}

func TestPolicy_Decide(t *testing.T) {
	p := retry.NewPolicy(retry.DefaultConfig())

	tests := []struct {
		name    string
		retries int
		class   retry.Class
		want    retry.Decision
	}{
		{"first failure transient", 0, retry.ClassTransient, retry.Decision{Retry: true, Delay: 2 * time.Second}},
		{"second failure transient", 1, retry.ClassTransient, retry.Decision{Retry: true, Delay: 4 * time.Second}},
		{"third failure transient", 2, retry.ClassTransient, retry.Decision{Retry: true, Delay: 8 * time.Second}},
		{"budget exhausted", 3, retry.ClassTransient, retry.GiveUp},
		{"permanent never retried", 0, retry.ClassPermanent, retry.GiveUp},
		{"negative retries", -1, retry.ClassTransient, retry.GiveUp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Decide(tt.retries, tt.class))
		})
	}
}

func TestPolicy_DecideIsSafeConcurrently(t *testing.T) {
	p := retry.NewPolicy(retry.DefaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			d := p.Decide(n%4, retry.ClassTransient)
			if n%4 == 3 {
				assert.False(t, d.Retry)
			} else {
				assert.True(t, d.Retry)
			}
		}(i)
	}
	wg.Wait()
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, retry.DefaultConfig().Validate())
	assert.Error(t, retry.Config{MaxAttempts: -1, BackoffRate: 2}.Validate())
	assert.Error(t, retry.Config{MaxAttempts: 1, BackoffRate: 0.5}.Validate())
	assert.Error(t, retry.Config{MaxAttempts: 1, InitialInterval: -time.Second, BackoffRate: 2}.Validate())
}

func TestRunner_TransientExhaustion(t *testing.T) {
	runner, delays := newRecordingRunner(retry.DefaultConfig())

	calls := 0
	var notified []int
	out := runner.Do(context.Background(), func(context.Context) error {
		calls++
		return workflow.NewTransientError(errors.New("throttled"))
	}, func(n int, _ time.Duration, _ error) {
		notified = append(notified, n)
	})

	require.Error(t, out.Err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, 3, out.Retries)
	assert.Equal(t, retry.ClassTransient, out.Class)
	assert.Equal(t, []int{1, 2, 3}, notified)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, delays())
	assert.Contains(t, out.Err.Error(), "throttled")
}

func TestRunner_SucceedsAfterRetry(t *testing.T) {
	runner, delays := newRecordingRunner(retry.DefaultConfig())

	calls := 0
	out := runner.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return workflow.NewTransientError(errors.New("503"))
		}
		return nil
	}, nil)

	require.NoError(t, out.Err)
	assert.Equal(t, 2, out.Retries)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, delays())
}

func TestRunner_PermanentFailsImmediately(t *testing.T) {
	runner, delays := newRecordingRunner(retry.DefaultConfig())

	calls := 0
	out := runner.Do(context.Background(), func(context.Context) error {
		calls++
		return workflow.NewPermanentError(errors.New("bad input"))
	}, nil)

	require.Error(t, out.Err)
	assert.True(t, workflow.IsType(out.Err, workflow.ErrorTypePermanent))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, out.Retries)
	assert.Equal(t, retry.ClassPermanent, out.Class)
	assert.Empty(t, delays())
}

func TestRunner_StopsWhenContextCancelled(t *testing.T) {
	runner := retry.NewRunner(
		retry.NewPolicy(retry.Config{MaxAttempts: 3, InitialInterval: time.Hour, BackoffRate: 2}),
		retry.NewClassifier(retry.DefaultClassifierConfig()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan retry.Outcome, 1)
	go func() {
		done <- runner.Do(ctx, func(context.Context) error {
			return workflow.NewTransientError(errors.New("slow down"))
		}, func(int, time.Duration, error) { cancel() })
	}()

	select {
	case out := <-done:
		require.Error(t, out.Err)
		assert.Contains(t, out.Err.Error(), "slow down")
		assert.Equal(t, 1, out.Retries)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not observe cancellation")
	}
}

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) StatusCode() int { return int(e) }

type codeErr string

func (e codeErr) Error() string { return string(e) }
func (e codeErr) Code() string  { return string(e) }

func TestClassifier(t *testing.T) {
	c := retry.NewClassifier(retry.DefaultClassifierConfig())

	tests := []struct {
		name string
		err  error
		want retry.Class
	}{
		{"nil", nil, retry.ClassPermanent},
		{"typed transient", workflow.NewTransientError(errors.New("x")), retry.ClassTransient},
		{"typed permanent", workflow.NewPermanentError(errors.New("x")), retry.ClassPermanent},
		{"validation", workflow.Validationf("bad"), retry.ClassPermanent},
		{"throttled status", fmt.Errorf("call: %w", statusErr(429)), retry.ClassTransient},
		{"gateway status", statusErr(503), retry.ClassTransient},
		{"bad request status", statusErr(400), retry.ClassPermanent},
		{"auth status", statusErr(401), retry.ClassPermanent},
		{"throttling code", codeErr("throttlingexception"), retry.ClassTransient},
		{"unknown code", codeErr("InvalidParameter"), retry.ClassPermanent},
		{"deadline", context.DeadlineExceeded, retry.ClassTransient},
		{"cancelled", context.Canceled, retry.ClassPermanent},
		{"network", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, retry.ClassTransient},
		{"plain", errors.New("boom"), retry.ClassPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.err))
		})
	}
}

func TestClassifier_Configurable(t *testing.T) {
	c := retry.NewClassifier(retry.ClassifierConfig{TransientStatuses: []int{418}})

	assert.Equal(t, retry.ClassTransient, c.Classify(statusErr(418)))
	assert.Equal(t, retry.ClassPermanent, c.Classify(statusErr(503)))
	assert.Equal(t, retry.ClassPermanent, c.Classify(context.DeadlineExceeded))
}
