// Package taskorchestrator runs executions triggered over JetStream. Each
// trigger carries a WorkflowInput; the state after every step is kept in the
// state bucket, so a redelivered trigger resumes where the last attempt
// stopped instead of starting over.
package taskorchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/taskbatch/storage"
	"github.com/c360studio/taskbatch/workflow"
	"github.com/c360studio/taskbatch/workflow/runner"
)

// States stores execution state between steps. *storage.StateStore
// implements it.
type States interface {
	Get(ctx context.Context, executionID string) (workflow.WorkflowState, error)
	Create(ctx context.Context, state workflow.WorkflowState) (uint64, error)
	Put(ctx context.Context, state workflow.WorkflowState) (uint64, error)
}

// HealthStatus reports the component's state.
type HealthStatus struct {
	Healthy      bool          `json:"healthy"`
	Status       string        `json:"status"`
	Uptime       time.Duration `json:"uptime"`
	ErrorCount   int           `json:"error_count"`
	LastActivity time.Time     `json:"last_activity"`
}

// Stats are the component counters.
type Stats struct {
	TriggersProcessed   int64 `json:"triggers_processed"`
	TriggersRejected    int64 `json:"triggers_rejected"`
	Duplicates          int64 `json:"duplicates"`
	Resumed             int64 `json:"resumed"`
	ExecutionsCompleted int64 `json:"executions_completed"`
	ExecutionsFailed    int64 `json:"executions_failed"`
}

// Component implements the task-orchestrator processor.
type Component struct {
	config Config
	js     jetstream.JetStream
	states States
	runner *runner.Runner
	logger *slog.Logger

	consumer jetstream.Consumer

	// Lifecycle
	running    bool
	startTime  time.Time
	mu         sync.RWMutex
	cancel     context.CancelFunc
	execCancel context.CancelFunc
	wg         sync.WaitGroup

	// Metrics
	triggersProcessed   atomic.Int64
	triggersRejected    atomic.Int64
	duplicates          atomic.Int64
	resumed             atomic.Int64
	executionsCompleted atomic.Int64
	executionsFailed    atomic.Int64
	lastActivityMu      sync.RWMutex
	lastActivity        time.Time
}

// NewComponent creates a task orchestrator that advances executions with
// stepper and checkpoints them in states.
func NewComponent(config Config, js jetstream.JetStream, stepper runner.Stepper, states States, logger *slog.Logger) (*Component, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if js == nil {
		return nil, fmt.Errorf("JetStream required")
	}
	if stepper == nil || states == nil {
		return nil, fmt.Errorf("stepper and state store required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "task-orchestrator")

	return &Component{
		config: config,
		js:     js,
		states: states,
		runner: runner.New(stepper, runner.WithLogger(logger), runner.WithCheckpointer(states)),
		logger: logger,
	}, nil
}

// Start begins processing execution triggers.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	c.running = true
	c.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	execCtx, execCancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.execCancel = execCancel
	c.mu.Unlock()

	stream, err := c.openStream(subCtx)
	if err != nil {
		c.rollbackStart(cancel, execCancel)
		return err
	}

	consumer, err := stream.CreateOrUpdateConsumer(subCtx, jetstream.ConsumerConfig{
		Durable:       c.config.ConsumerName,
		FilterSubject: c.config.TriggerSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.config.GetAckWait(),
		MaxDeliver:    c.config.MaxDeliver,
	})
	if err != nil {
		c.rollbackStart(cancel, execCancel)
		return fmt.Errorf("create consumer: %w", err)
	}
	c.consumer = consumer

	for i := 0; i < c.config.Workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.consumeLoop(subCtx, execCtx)
		}()
	}

	c.logger.Info("task-orchestrator started",
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName,
		"subject", c.config.TriggerSubject,
		"workers", c.config.Workers)

	return nil
}

func (c *Component) openStream(ctx context.Context) (jetstream.Stream, error) {
	if !c.config.EnsureStream {
		stream, err := c.js.Stream(ctx, c.config.StreamName)
		if err != nil {
			return nil, fmt.Errorf("get stream %s: %w", c.config.StreamName, err)
		}
		return stream, nil
	}
	stream, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       c.config.StreamName,
		Subjects:   c.config.StreamSubjects,
		Retention:  jetstream.WorkQueuePolicy,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", c.config.StreamName, err)
	}
	return stream, nil
}

func (c *Component) rollbackStart(cancel, execCancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.execCancel = nil
	c.mu.Unlock()
	cancel()
	execCancel()
}

// consumeLoop fetches one trigger at a time until ctx is cancelled.
// Executions run under execCtx so that stopping the fetch loop does not
// abort them.
func (c *Component) consumeLoop(ctx, execCtx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := c.consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("Fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			c.handleMessage(ctx, execCtx, msg)
		}

		if err := msgs.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jetstream.ErrNoMessages) {
			c.logger.Warn("Message fetch error", "error", err)
		}
	}
}

// handleMessage runs one execution trigger to completion.
func (c *Component) handleMessage(ctx, execCtx context.Context, msg jetstream.Msg) {
	if ctx.Err() != nil {
		if err := msg.Nak(); err != nil {
			c.logger.Warn("Failed to NAK message during shutdown", "error", err)
		}
		return
	}

	c.triggersProcessed.Add(1)
	c.updateLastActivity()

	var input workflow.WorkflowInput
	if err := json.Unmarshal(msg.Data(), &input); err != nil {
		c.triggersRejected.Add(1)
		c.logger.Error("Failed to parse trigger", "error", err)
		// Redelivery cannot fix a malformed payload.
		if err := msg.Term(); err != nil {
			c.logger.Warn("Failed to TERM message", "error", err)
		}
		return
	}
	if input.ExecutionID == "" {
		input.ExecutionID = executionIDFor(msg)
	}
	logger := c.logger.With("execution_id", input.ExecutionID, "goal_id", input.GoalID)

	state, resumed, err := c.loadOrCreate(execCtx, input)
	if err != nil {
		c.executionsFailed.Add(1)
		logger.Error("Failed to load execution state", "error", err)
		c.nakWithDelay(msg)
		return
	}
	if state.Done() {
		c.duplicates.Add(1)
		logger.Info("Execution already finished, skipping trigger", "status", state.Status)
		if err := msg.Ack(); err != nil {
			logger.Warn("Failed to ACK message", "error", err)
		}
		return
	}
	if resumed {
		c.resumed.Add(1)
		logger.Info("Resuming execution", "state", state.Current)
	} else {
		logger.Info("Processing execution trigger", "actions", len(input.ActionIDs))
	}

	stop := c.keepAlive(execCtx, msg)
	final, err := c.runner.Resume(execCtx, state)
	stop()

	if err != nil {
		c.executionsFailed.Add(1)
		logger.Error("Execution runtime failed", "state", final.Current, "error", err)
		c.nakWithDelay(msg)
		return
	}

	c.executionsCompleted.Add(1)
	c.updateLastActivity()
	logger.Info("Execution finished", "status", final.Status)
	if err := msg.Ack(); err != nil {
		logger.Warn("Failed to ACK message", "error", err)
	}
}

// loadOrCreate returns the stored state of the execution, creating the
// initial one on first delivery. resumed reports whether a stored state was
// found.
func (c *Component) loadOrCreate(ctx context.Context, input workflow.WorkflowInput) (workflow.WorkflowState, bool, error) {
	state, err := c.states.Get(ctx, input.ExecutionID)
	if err == nil {
		return state, true, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return workflow.WorkflowState{}, false, err
	}

	state = workflow.NewState(input)
	if _, err := c.states.Create(ctx, state); err != nil {
		// Another worker may have created it between Get and Create.
		if stored, getErr := c.states.Get(ctx, input.ExecutionID); getErr == nil {
			return stored, true, nil
		}
		return workflow.WorkflowState{}, false, err
	}
	return state, false, nil
}

// keepAlive signals progress on msg until the returned func is called, so
// long executions are not redelivered mid-run.
func (c *Component) keepAlive(ctx context.Context, msg jetstream.Msg) func() {
	interval := c.config.GetAckWait() / 3
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := msg.InProgress(); err != nil {
					c.logger.Debug("Failed to extend ack deadline", "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}

func (c *Component) nakWithDelay(msg jetstream.Msg) {
	if err := msg.NakWithDelay(c.config.GetRetryDelay()); err != nil {
		c.logger.Warn("Failed to NAK message", "error", err)
	}
}

// executionIDFor derives a stable ID from the stream position, so every
// redelivery of an ID-less trigger maps to the same execution.
func executionIDFor(msg jetstream.Msg) string {
	meta, err := msg.Metadata()
	if err != nil {
		return uuid.New().String()
	}
	name := fmt.Sprintf("%s/%d", meta.Stream, meta.Sequence.Stream)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// Stop stops fetching triggers and waits up to timeout for running
// executions. Executions still running after that are cancelled; they
// finish through the error path and their triggers are acked.
func (c *Component) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	cancel, execCancel := c.cancel, c.execCancel
	c.running = false
	c.cancel = nil
	c.execCancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("executions still running after %s, cancelling", timeout)
		c.logger.Warn("Stop timed out", "timeout", timeout)
		if execCancel != nil {
			execCancel()
		}
		<-done
	}
	if execCancel != nil {
		execCancel()
	}

	c.logger.Info("task-orchestrator stopped",
		"triggers_processed", c.triggersProcessed.Load(),
		"executions_completed", c.executionsCompleted.Load(),
		"executions_failed", c.executionsFailed.Load())

	return err
}

// Health returns the current health status.
func (c *Component) Health() HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	if running {
		status = "running"
	}

	return HealthStatus{
		Healthy:      running,
		Status:       status,
		Uptime:       time.Since(startTime),
		ErrorCount:   int(c.executionsFailed.Load() + c.triggersRejected.Load()),
		LastActivity: c.getLastActivity(),
	}
}

// Stats returns the component counters.
func (c *Component) Stats() Stats {
	return Stats{
		TriggersProcessed:   c.triggersProcessed.Load(),
		TriggersRejected:    c.triggersRejected.Load(),
		Duplicates:          c.duplicates.Load(),
		Resumed:             c.resumed.Load(),
		ExecutionsCompleted: c.executionsCompleted.Load(),
		ExecutionsFailed:    c.executionsFailed.Load(),
	}
}

func (c *Component) updateLastActivity() {
	c.lastActivityMu.Lock()
	c.lastActivity = time.Now()
	c.lastActivityMu.Unlock()
}

func (c *Component) getLastActivity() time.Time {
	c.lastActivityMu.RLock()
	defer c.lastActivityMu.RUnlock()
	return c.lastActivity
}
