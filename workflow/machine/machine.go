// Package machine implements the execution state machine. Every state is a
// step that takes the accumulated WorkflowState and returns it extended;
// Next decides where the machine goes from there. Nothing is kept on the
// Machine between steps, so any process holding the serialized state can run
// the next one.
package machine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/taskbatch/batch"
	"github.com/c360studio/taskbatch/retry"
	"github.com/c360studio/taskbatch/storage"
	"github.com/c360studio/taskbatch/workflow"
)

// DefaultTimeout is the wall-clock budget of one execution.
const DefaultTimeout = 900 * time.Second

// finalizeTimeout bounds HandleError and Notify, which still run after the
// execution deadline has passed.
const finalizeTimeout = 30 * time.Second

// saveTimeout bounds one task save. Saves are detached from cancellation so
// tasks that were generated are not lost to an abort.
const saveTimeout = 30 * time.Second

// ContextReader fetches goal and action contexts.
type ContextReader interface {
	GetGoal(ctx context.Context, goalID string) (workflow.GoalContext, error)
	GetActionContexts(ctx context.Context, goalID string, actionIDs []string) ([]workflow.ActionContext, error)
}

// TaskWriter persists the tasks of one action, idempotently per execution.
type TaskWriter interface {
	SaveTasks(ctx context.Context, executionID, actionID string, tasks []workflow.GeneratedTask) error
}

// StatusUpdater records the execution status.
type StatusUpdater interface {
	UpdateExecutionStatus(ctx context.Context, rec storage.ExecutionRecord) error
}

// Generator produces the tasks of one action.
type Generator interface {
	Generate(ctx context.Context, action workflow.ActionContext) ([]workflow.GeneratedTask, error)
}

// Notifier tells the user how the execution ended.
type Notifier interface {
	Notify(ctx context.Context, n workflow.Notification) error
}

// ProgressPublisher receives a progress update after every finished batch.
type ProgressPublisher interface {
	PublishProgress(ctx context.Context, update workflow.ProgressUpdate) error
}

// Observer receives execution events in addition to the batch lifecycle.
type Observer interface {
	batch.Observer
	StepCompleted(state workflow.WorkflowState, step workflow.StateName, elapsed time.Duration, err error)
	ActionRetried(executionID, actionID string, retry int, delay time.Duration, err error)
	ExecutionCompleted(state workflow.WorkflowState)
}

// Deps are the collaborators a Machine drives.
type Deps struct {
	Contexts  ContextReader
	Tasks     TaskWriter
	Status    StatusUpdater
	Generator Generator
	Notifier  Notifier
}

// Config holds the execution tuning.
type Config struct {
	Timeout    time.Duration         `yaml:"timeout" json:"timeout"`
	Batch      batch.Config          `yaml:"batch" json:"batch"`
	Retry      retry.Config          `yaml:"retry" json:"retry"`
	Classifier retry.ClassifierConfig `yaml:"classifier" json:"classifier"`
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		Timeout:    DefaultTimeout,
		Batch:      batch.DefaultConfig(),
		Retry:      retry.DefaultConfig(),
		Classifier: retry.DefaultClassifierConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if err := c.Batch.Validate(); err != nil {
		return fmt.Errorf("batch: %w", err)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	return nil
}

// StepFunc runs one state.
type StepFunc func(ctx context.Context, state workflow.WorkflowState) (workflow.WorkflowState, error)

// Machine runs the steps of an execution.
type Machine struct {
	deps     Deps
	tuning   atomic.Pointer[tuning]
	runner   *retry.Runner
	gauge    *batch.Gauge
	logger   *slog.Logger
	observer Observer
	progress ProgressPublisher
	now      func() time.Time
	newID    func() string
	steps    map[workflow.StateName]StepFunc
}

// tuning is swapped as a whole so a step never sees half of a reload.
type tuning struct {
	config Config
	runner *retry.Runner
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		m.logger = logger
	}
}

// WithObserver registers an execution observer.
func WithObserver(o Observer) Option {
	return func(m *Machine) {
		m.observer = o
	}
}

// WithProgress registers a progress publisher.
func WithProgress(p ProgressPublisher) Option {
	return func(m *Machine) {
		m.progress = p
	}
}

// WithRetryRunner replaces the runner built from the config. The runner is
// kept across Reconfigure.
func WithRetryRunner(r *retry.Runner) Option {
	return func(m *Machine) {
		m.runner = r
	}
}

// WithGauge shares an in-flight gauge across executions.
func WithGauge(g *batch.Gauge) Option {
	return func(m *Machine) {
		m.gauge = g
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

// WithIDGenerator replaces the execution ID generator.
func WithIDGenerator(newID func() string) Option {
	return func(m *Machine) {
		m.newID = newID
	}
}

// New creates a machine.
func New(deps Deps, cfg Config, opts ...Option) (*Machine, error) {
	if deps.Contexts == nil || deps.Tasks == nil || deps.Status == nil || deps.Generator == nil {
		return nil, fmt.Errorf("contexts, tasks, status and generator are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid machine config: %w", err)
	}

	m := &Machine{
		deps:   deps,
		gauge:  &batch.Gauge{},
		logger: slog.Default(),
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(m)
	}
	m.tuning.Store(m.tune(cfg))

	m.steps = map[workflow.StateName]StepFunc{
		workflow.StateValidateInput:    m.validateInput,
		workflow.StateGetActions:       m.getActions,
		workflow.StateCreateBatches:    m.createBatches,
		workflow.StateProcessBatches:   m.processBatches,
		workflow.StateAggregateResults: m.aggregateResults,
		workflow.StateUpdateStatus:     m.updateStatus,
		workflow.StateHandleError:      m.handleError,
		workflow.StateNotify:           m.notify,
	}
	return m, nil
}

func (m *Machine) tune(cfg Config) *tuning {
	r := m.runner
	if r == nil {
		r = retry.NewRunner(retry.NewPolicy(cfg.Retry), retry.NewClassifier(cfg.Classifier))
	}
	return &tuning{config: cfg, runner: r}
}

// Config returns the machine configuration.
func (m *Machine) Config() Config {
	return m.tuning.Load().config
}

// Reconfigure replaces the tuning. Steps that start afterwards use it; a
// step already running keeps the tuning it started with.
func (m *Machine) Reconfigure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid machine config: %w", err)
	}
	m.tuning.Store(m.tune(cfg))
	m.logger.Info("Machine reconfigured",
		"timeout", cfg.Timeout,
		"max_batch_size", cfg.Batch.MaxBatchSize,
		"max_concurrent_batches", cfg.Batch.MaxConcurrentBatches,
		"max_attempts", cfg.Retry.MaxAttempts)
	return nil
}

// Gauge returns the in-flight gauge shared by all executions.
func (m *Machine) Gauge() *batch.Gauge {
	return m.gauge
}

// Next returns the state that follows from after it finished with err.
func Next(from workflow.StateName, err error) workflow.StateName {
	switch from {
	case workflow.StateHandleError:
		return workflow.StateNotify
	case workflow.StateNotify, workflow.StateDone:
		return workflow.StateDone
	}
	if err != nil {
		return workflow.StateHandleError
	}
	switch from {
	case workflow.StateValidateInput:
		return workflow.StateGetActions
	case workflow.StateGetActions:
		return workflow.StateCreateBatches
	case workflow.StateCreateBatches:
		return workflow.StateProcessBatches
	case workflow.StateProcessBatches:
		return workflow.StateAggregateResults
	case workflow.StateAggregateResults:
		return workflow.StateUpdateStatus
	case workflow.StateUpdateStatus:
		return workflow.StateNotify
	default:
		return workflow.StateHandleError
	}
}

func finalizing(s workflow.StateName) bool {
	return s == workflow.StateHandleError || s == workflow.StateNotify
}

// Step runs the current state and moves the state to the next one. The
// returned error is the step's own failure, already routed: callers only
// need it for reporting. A state that is past its deadline is not run; it
// goes straight to HandleError with a TimeoutError.
func (m *Machine) Step(ctx context.Context, state workflow.WorkflowState) (workflow.WorkflowState, error) {
	current := state.Current
	if current == workflow.StateDone {
		return state, nil
	}
	fn, ok := m.steps[current]
	if !ok {
		err := fmt.Errorf("unknown state %q", current)
		return m.route(state, current, err), err
	}

	logger := m.logger.With("execution_id", state.Input.ExecutionID, "state", current)
	started := m.now()

	var (
		stepCtx context.Context
		cancel  context.CancelFunc
	)
	if finalizing(current) {
		stepCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	} else if !state.Deadline.IsZero() {
		stepCtx, cancel = context.WithDeadline(ctx, state.Deadline)
	} else {
		stepCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var err error
	if !finalizing(current) && !state.Deadline.IsZero() && !started.Before(state.Deadline) {
		err = workflow.NewTimeoutError(fmt.Errorf("execution deadline %s passed before %s", state.Deadline.Format(time.RFC3339), current))
	} else {
		logger.Debug("Step started")
		state, err = fn(stepCtx, state)
	}

	finished := m.now()
	rec := workflow.StepRecord{State: current, StartedAt: started, FinishedAt: finished}
	if err != nil {
		rec.Error = err.Error()
	}
	state.Record(rec)

	if err != nil {
		logger.Warn("Step failed",
			"error_type", workflow.ClassifyError(err),
			"error", err,
			"duration", finished.Sub(started))
	} else {
		logger.Info("Step completed", "duration", finished.Sub(started))
	}
	if m.observer != nil {
		m.observer.StepCompleted(state, current, finished.Sub(started), err)
	}

	state = m.route(state, current, err)
	if state.Done() {
		logger.Info("Execution finished",
			"status", state.Status,
			"notified", state.Notified,
			"steps", len(state.History))
		if m.observer != nil {
			m.observer.ExecutionCompleted(state)
		}
	}
	return state, err
}

// route moves to the next state, attaching the failure record when a work
// step failed.
func (m *Machine) route(state workflow.WorkflowState, from workflow.StateName, err error) workflow.WorkflowState {
	next := Next(from, err)
	if next == workflow.StateHandleError && state.Failure == nil {
		state.Failure = &workflow.ErrorInfo{
			ErrorType:   workflow.ClassifyError(err),
			Error:       err.Error(),
			GoalID:      state.Input.GoalID,
			ExecutionID: state.Input.ExecutionID,
			State:       from,
		}
	}
	state.Current = next
	return state
}
