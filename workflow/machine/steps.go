package machine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"


	"github.com/c360studio/taskbatch/batch"
	"github.com/c360studio/taskbatch/retry"
	"github.com/c360studio/taskbatch/storage"
	"github.com/c360studio/taskbatch/workflow"
	"github.com/c360studio/taskbatch/workflow/aggregation"
)

// validateInput checks the request and fixes the execution clock. It is the
// only step that may fail an execution before any batch work starts.
func (m *Machine) validateInput(_ context.Context, state workflow.WorkflowState) (workflow.WorkflowState, error) {
	if state.Input.ExecutionID == "" {
		state.Input.ExecutionID = m.newID()
	}
	if state.StartedAt.IsZero() {
		state.StartedAt = m.now().UTC()
		state.Deadline = state.StartedAt.Add(m.Config().Timeout)
	}

	in := state.Input
	if strings.TrimSpace(in.GoalID) == "" {
		return state, workflow.Validationf("goal_id is required")
	}
	if strings.TrimSpace(in.UserID) == "" {
		return state, workflow.Validationf("user_id is required")
	}
	if len(in.ActionIDs) == 0 {
		return state, workflow.Validationf("action_ids must not be empty")
	}

	seen := make(map[string]struct{}, len(in.ActionIDs))
	for i, id := range in.ActionIDs {
		if err := workflow.CheckID(id); err != nil {
			return state, workflow.Validationf("action_ids[%d] %q is not a valid id: %v", i, id, err)
		}
		if _, dup := seen[id]; dup {
			return state, workflow.Validationf("action_ids[%d] %q is duplicated", i, id)
		}
		seen[id] = struct{}{}
	}
	return state, nil
}

// getActions fetches the goal and every action context once. Unknown
// actions are tolerated and later reported failed; an execution with no
// known action cannot batch anything and fails.
func (m *Machine) getActions(ctx context.Context, state workflow.WorkflowState) (workflow.WorkflowState, error) {
	in := state.Input

	goal, err := m.deps.Contexts.GetGoal(ctx, in.GoalID)
	if errors.Is(err, storage.ErrNotFound) {
		return state, workflow.NewGetActionsError(fmt.Errorf("goal %s not found", in.GoalID))
	}
	if err != nil {
		return state, wrapFetch(fmt.Errorf("get goal %s: %w", in.GoalID, err))
	}
	if goal.UserID != in.UserID {
		return state, workflow.NewGetActionsError(fmt.Errorf("goal %s does not belong to user %s", in.GoalID, in.UserID))
	}

	contexts, err := m.deps.Contexts.GetActionContexts(ctx, in.GoalID, in.ActionIDs)
	if err != nil {
		return state, wrapFetch(fmt.Errorf("get action contexts: %w", err))
	}
	if len(contexts) == 0 {
		return state, workflow.NewGetActionsError(fmt.Errorf("none of the %d actions exist under goal %s", len(in.ActionIDs), in.GoalID))
	}

	state.Actions = make(map[string]workflow.ActionContext, len(contexts))
	for _, a := range contexts {
		state.Actions[a.ActionID] = a
	}
	if missing := len(in.ActionIDs) - len(state.Actions); missing > 0 {
		m.logger.Warn("Action contexts missing",
			"execution_id", in.ExecutionID,
			"goal_id", in.GoalID,
			"missing", missing)
	}
	return state, nil
}

// wrapFetch keeps deadline and cancellation errors recognizable so they are
// reported as what they are rather than as read failures.
func wrapFetch(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return workflow.NewGetActionsError(err)
}

func (m *Machine) createBatches(_ context.Context, state workflow.WorkflowState) (workflow.WorkflowState, error) {
	size := m.Config().Batch.MaxBatchSize
	state.Batches = batch.Partition(state.Input.ActionIDs, size)
	if len(state.Batches) == 0 {
		return state, fmt.Errorf("no batches created for %d actions", len(state.Input.ActionIDs))
	}
	m.logger.Info("Batches created",
		"execution_id", state.Input.ExecutionID,
		"actions", len(state.Input.ActionIDs),
		"batches", len(state.Batches),
		"batch_size", size)
	return state, nil
}

// processBatches fans out over the batches and keeps every result, even
// when the execution is cut short. A cut-short execution then fails with the
// reason, and HandleError reports the partial results.
func (m *Machine) processBatches(ctx context.Context, state workflow.WorkflowState) (workflow.WorkflowState, error) {
	in := state.Input
	t := m.tuning.Load()
	if err := m.deps.Status.UpdateExecutionStatus(ctx, storage.ExecutionRecord{
		ExecutionID: in.ExecutionID,
		GoalID:      in.GoalID,
		UserID:      in.UserID,
		Status:      workflow.ExecutionRunning,
	}); err != nil {
		m.logger.Warn("Failed to record running status", "execution_id", in.ExecutionID, "error", err)
	}

	tracker := aggregation.NewProgressTracker(in.ExecutionID, len(in.ActionIDs), len(state.Batches), m.now)
	observer := &runObserver{
		next:     m.observer,
		tracker:  tracker,
		progress: m.progress,
		ctx:      context.WithoutCancel(ctx),
		logger:   m.logger,
	}
	opts := []batch.Option{
		batch.WithLogger(m.logger.With("execution_id", in.ExecutionID)),
		batch.WithObserver(observer),
		batch.WithGauge(m.gauge),
	}
	scheduler := batch.NewScheduler(t.config.Batch, opts...)

	state.BatchResults = scheduler.Run(ctx, state.Batches, func(ctx context.Context, batchNumber int, actionID string) workflow.ActionResult {
		return m.processAction(ctx, t.runner, state, actionID)
	})

	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return state, workflow.NewTimeoutError(fmt.Errorf("execution exceeded %s while processing batches", t.config.Timeout))
		}
		return state, fmt.Errorf("processing batches: %w", err)
	}
	return state, nil
}

// processAction generates and saves the tasks of one action. Every failure
// ends up in the returned result.
func (m *Machine) processAction(ctx context.Context, runner *retry.Runner, state workflow.WorkflowState, actionID string) workflow.ActionResult {
	executionID := state.Input.ExecutionID
	action, ok := state.Actions[actionID]
	if !ok {
		return workflow.Failed(actionID, workflow.CodeContextMissing, "action context not found", 0)
	}

	var tasks []workflow.GeneratedTask
	out := runner.Do(ctx, func(ctx context.Context) error {
		generated, err := m.deps.Generator.Generate(ctx, action)
		if err != nil {
			return err
		}
		tasks = generated
		return nil
	}, func(n int, delay time.Duration, err error) {
		m.logger.Info("Retrying action",
			"execution_id", executionID,
			"action_id", actionID,
			"retry", n,
			"delay", delay,
			"error", err)
		if m.observer != nil {
			m.observer.ActionRetried(executionID, actionID, n, delay, err)
		}
	})

	if out.Err != nil {
		code := workflow.CodePermanent
		switch {
		case ctx.Err() != nil:
			code = workflow.CodeAborted
		case out.Class == retry.ClassTransient:
			code = workflow.CodeTransientExhausted
		}
		m.logger.Warn("Action failed",
			"execution_id", executionID,
			"action_id", actionID,
			"code", code,
			"retries", out.Retries,
			"error", out.Err)
		return workflow.Failed(actionID, code, out.Err.Error(), out.Retries)
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	if err := m.deps.Tasks.SaveTasks(saveCtx, executionID, actionID, tasks); err != nil {
		err = workflow.NewPersistenceWriteError(err)
		m.logger.Error("Failed to save tasks",
			"execution_id", executionID,
			"action_id", actionID,
			"error", err)
		return workflow.Failed(actionID, workflow.CodePersistenceWrite, err.Error(), out.Retries)
	}
	return workflow.Succeeded(actionID, tasks)
}

func (m *Machine) aggregateResults(_ context.Context, state workflow.WorkflowState) (workflow.WorkflowState, error) {
	agg := aggregation.Aggregate(state.BatchResults)
	if err := aggregation.Check(agg); err != nil {
		return state, fmt.Errorf("aggregate results: %w", err)
	}
	if agg.TotalActions != len(state.Input.ActionIDs) {
		return state, fmt.Errorf("aggregate results: %d results for %d actions", agg.TotalActions, len(state.Input.ActionIDs))
	}
	state.Results = &agg
	return state, nil
}

func (m *Machine) updateStatus(ctx context.Context, state workflow.WorkflowState) (workflow.WorkflowState, error) {
	status := state.Results.Status()
	err := m.deps.Status.UpdateExecutionStatus(ctx, storage.ExecutionRecord{
		ExecutionID: state.Input.ExecutionID,
		GoalID:      state.Input.GoalID,
		UserID:      state.Input.UserID,
		Status:      status,
		Results:     state.Results,
	})
	if err != nil {
		return state, workflow.NewPersistenceWriteError(fmt.Errorf("update execution status: %w", err))
	}
	state.Status = status
	return state, nil
}

// handleError records a failed execution. Results already produced are
// aggregated so failed actions can still be resubmitted.
func (m *Machine) handleError(ctx context.Context, state workflow.WorkflowState) (workflow.WorkflowState, error) {
	if state.Failure == nil {
		state.Failure = &workflow.ErrorInfo{
			ErrorType:   workflow.ErrorTypeInternal,
			Error:       "execution failed without an error record",
			GoalID:      state.Input.GoalID,
			ExecutionID: state.Input.ExecutionID,
		}
	}
	if state.Results == nil && len(state.BatchResults) > 0 {
		agg := aggregation.Aggregate(state.BatchResults)
		state.Results = &agg
	}
	state.Status = workflow.ExecutionFailed

	m.logger.Error("Execution failed",
		"execution_id", state.Input.ExecutionID,
		"goal_id", state.Input.GoalID,
		"error_type", state.Failure.ErrorType,
		"failed_state", state.Failure.State,
		"error", state.Failure.Error)

	if state.Input.ExecutionID == "" {
		return state, nil
	}
	err := m.deps.Status.UpdateExecutionStatus(ctx, storage.ExecutionRecord{
		ExecutionID: state.Input.ExecutionID,
		GoalID:      state.Input.GoalID,
		UserID:      state.Input.UserID,
		Status:      workflow.ExecutionFailed,
		Results:     state.Results,
		Error:       fmt.Sprintf("%s: %s", state.Failure.ErrorType, state.Failure.Error),
	})
	if err != nil {
		return state, fmt.Errorf("record failed execution: %w", err)
	}
	return state, nil
}

func (m *Machine) notify(ctx context.Context, state workflow.WorkflowState) (workflow.WorkflowState, error) {
	if m.deps.Notifier == nil {
		return state, nil
	}
	if err := m.deps.Notifier.Notify(ctx, BuildNotification(state)); err != nil {
		return state, fmt.Errorf("notify user: %w", err)
	}
	state.Notified = true
	return state, nil
}

// BuildNotification summarizes a finished execution for the user.
func BuildNotification(state workflow.WorkflowState) workflow.Notification {
	n := workflow.Notification{
		ExecutionID:   state.Input.ExecutionID,
		GoalID:        state.Input.GoalID,
		UserID:        state.Input.UserID,
		Status:        state.Status,
		FailedActions: []workflow.FailedAction{},
	}
	if state.Results != nil {
		n.SuccessCount = state.Results.SuccessCount
		n.FailedCount = state.Results.FailedCount
		n.FailedActions = state.Results.FailedActions
		n.Message = state.Results.NotificationMessage
	}
	if state.Failure != nil {
		n.ErrorType = state.Failure.ErrorType
		n.Message = failureMessage(state.Failure.ErrorType, n.Message)
	}
	return n
}

func failureMessage(kind workflow.ErrorType, results string) string {
	var reason string
	switch kind {
	case workflow.ErrorTypeValidation:
		reason = "The request was invalid and no tasks were generated."
	case workflow.ErrorTypeGetActions:
		reason = "The actions could not be loaded and no tasks were generated."
	case workflow.ErrorTypeTimeout:
		reason = "Task generation ran out of time."
	case workflow.ErrorTypeCancelled:
		reason = "Task generation was cancelled."
	default:
		reason = "Task generation failed unexpectedly."
	}
	if results == "" {
		return reason
	}
	return reason + " " + results
}

// runObserver feeds one execution's batch events into its progress tracker
// before passing them on.
type runObserver struct {
	next     Observer
	tracker  *aggregation.ProgressTracker
	progress ProgressPublisher
	ctx      context.Context
	logger   *slog.Logger
}

func (o *runObserver) BatchStarted(b workflow.ActionBatch) {
	if o.next != nil {
		o.next.BatchStarted(b)
	}
}

func (o *runObserver) BatchFinished(result workflow.BatchResult, elapsed time.Duration) {
	update := o.tracker.BatchCompleted(len(result.ActionResults))
	if o.progress != nil {
		if err := o.progress.PublishProgress(o.ctx, update); err != nil {
			o.logger.Warn("Failed to publish progress", "execution_id", update.ExecutionID, "error", err)
		}
	}
	if o.next != nil {
		o.next.BatchFinished(result, elapsed)
	}
}

func (o *runObserver) ActionStarted(batchNumber int, actionID string) {
	if o.next != nil {
		o.next.ActionStarted(batchNumber, actionID)
	}
}

func (o *runObserver) ActionFinished(batchNumber int, result workflow.ActionResult, elapsed time.Duration) {
	if o.next != nil {
		o.next.ActionFinished(batchNumber, result, elapsed)
	}
}
