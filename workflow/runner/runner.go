// Package runner advances executions in process. It owns nothing between
// steps except the serialized state: after every step the state is encoded,
// optionally checkpointed, and decoded again before the next step runs.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/c360studio/taskbatch/workflow"
)

// maxSteps guards against a transition table that never reaches Done.
const maxSteps = 32

// ErrUnknownExecution is returned by Cancel for executions this runner is
// not running.
var ErrUnknownExecution = errors.New("unknown execution")

// Stepper runs one state.
type Stepper interface {
	Step(ctx context.Context, state workflow.WorkflowState) (workflow.WorkflowState, error)
}

// Checkpointer stores the state after each step.
type Checkpointer interface {
	Put(ctx context.Context, state workflow.WorkflowState) (uint64, error)
}

// Runner drives executions to completion.
type Runner struct {
	stepper    Stepper
	checkpoint Checkpointer
	logger     *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithCheckpointer stores the state after every step.
func WithCheckpointer(c Checkpointer) Option {
	return func(r *Runner) {
		r.checkpoint = c
	}
}

// New creates a runner over stepper.
func New(stepper Stepper, opts ...Option) *Runner {
	r := &Runner{
		stepper: stepper,
		logger:  slog.Default(),
		running: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes input synchronously and returns the final state. The error
// is only set when the runtime itself failed; execution failures are
// reported in the state.
func (r *Runner) Run(ctx context.Context, input workflow.WorkflowInput) (workflow.WorkflowState, error) {
	return r.Resume(ctx, workflow.NewState(input))
}

// Resume continues an execution from a stored state.
func (r *Runner) Resume(ctx context.Context, state workflow.WorkflowState) (workflow.WorkflowState, error) {
	for steps := 0; !state.Done(); steps++ {
		if steps >= maxSteps {
			return state, fmt.Errorf("execution %s did not finish within %d steps", state.Input.ExecutionID, maxSteps)
		}

		next, stepErr := r.stepper.Step(ctx, state)
		if stepErr != nil {
			r.logger.Debug("Step returned error",
				"execution_id", next.Input.ExecutionID,
				"next", next.Current,
				"error", stepErr)
		}

		var err error
		state, err = workflow.Roundtrip(next)
		if err != nil {
			return next, fmt.Errorf("serialize state: %w", err)
		}

		if r.checkpoint != nil {
			if _, err := r.checkpoint.Put(context.WithoutCancel(ctx), state); err != nil {
				r.logger.Warn("Failed to checkpoint state",
					"execution_id", state.Input.ExecutionID,
					"state", state.Current,
					"error", err)
			}
		}
	}
	return state, nil
}

// Submit starts input in the background and returns its execution ID. The
// ID is assigned here when the input has none. The execution keeps ctx's
// values but not its cancellation.
func (r *Runner) Submit(ctx context.Context, input workflow.WorkflowInput) (string, error) {
	if input.ExecutionID == "" {
		input.ExecutionID = uuid.New().String()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", errors.New("runner is shut down")
	}
	if _, dup := r.running[input.ExecutionID]; dup {
		r.mu.Unlock()
		return "", fmt.Errorf("execution %s is already running", input.ExecutionID)
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.running[input.ExecutionID] = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.running, input.ExecutionID)
			r.mu.Unlock()
			cancel()
		}()

		state, err := r.Run(ctx, input)
		if err != nil {
			r.logger.Error("Execution runtime failed",
				"execution_id", input.ExecutionID,
				"state", state.Current,
				"error", err)
			return
		}
		r.logger.Info("Execution completed",
			"execution_id", input.ExecutionID,
			"status", state.Status)
	}()

	return input.ExecutionID, nil
}

// Cancel aborts a running execution. Batches not yet started are skipped;
// the execution still records its status and notifies.
func (r *Runner) Cancel(executionID string) error {
	r.mu.Lock()
	cancel, ok := r.running[executionID]
	r.mu.Unlock()
	if !ok {
		return ErrUnknownExecution
	}
	cancel()
	return nil
}

// Running returns the number of executions in flight.
func (r *Runner) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// Shutdown stops accepting work and waits for in-flight executions, or
// cancels them once ctx is done.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		for _, cancel := range r.running {
			cancel()
		}
		r.mu.Unlock()
		<-done
		return ctx.Err()
	}
}
