// Package workflow defines the data model shared by the task-batch
// orchestration core: the immutable execution input, action contexts,
// batches, per-action and per-batch results, the aggregated outcome and the
// serializable state envelope threaded through every workflow step.
package workflow

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// MaxIDLength bounds goal, user and action identifiers.
const MaxIDLength = 128

// CheckID enforces the identifier contract shared by the workflow and every
// persistence backend: non-empty, no whitespace, at most MaxIDLength bytes.
func CheckID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("must not be empty")
	case len(id) > MaxIDLength:
		return fmt.Errorf("longer than %d bytes", MaxIDLength)
	case strings.IndexFunc(id, unicode.IsSpace) >= 0:
		return fmt.Errorf("contains whitespace")
	}
	return nil
}

// ActionType distinguishes one-off actions from recurring ones.
type ActionType string

const (
	// ActionTypeExecution is a one-off action that is done once complete.
	ActionTypeExecution ActionType = "execution"
	// ActionTypeHabit is a recurring action.
	ActionTypeHabit ActionType = "habit"
)

// IsValid reports whether t is a known action type.
func (t ActionType) IsValid() bool {
	return t == ActionTypeExecution || t == ActionTypeHabit
}

// ActionStatus is the outcome of processing a single action.
type ActionStatus string

const (
	// ActionStatusSuccess means tasks were generated and persisted.
	ActionStatusSuccess ActionStatus = "success"
	// ActionStatusFailed means the action was written off.
	ActionStatusFailed ActionStatus = "failed"
)

// ExecutionStatus is the user-visible status of an execution.
type ExecutionStatus string

const (
	// ExecutionRunning is recorded when batch work starts.
	ExecutionRunning ExecutionStatus = "RUNNING"
	// ExecutionSucceeded means every action succeeded.
	ExecutionSucceeded ExecutionStatus = "SUCCEEDED"
	// ExecutionPartial means some, but not all, actions succeeded.
	ExecutionPartial ExecutionStatus = "PARTIAL"
	// ExecutionFailed means a structural failure or zero successes.
	ExecutionFailed ExecutionStatus = "FAILED"
)

// IsTerminal reports whether the status ends the execution.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionSucceeded || s == ExecutionPartial || s == ExecutionFailed
}

// WorkflowInput is the immutable request that starts one execution.
type WorkflowInput struct {
	// GoalID identifies the goal the actions belong to.
	GoalID string `json:"goal_id"`

	// UserID identifies the user who triggered the execution.
	UserID string `json:"user_id"`

	// ActionIDs lists the actions to generate tasks for, in presentation order.
	ActionIDs []string `json:"action_ids"`

	// ExecutionID correlates every step and is the idempotency key for persistence.
	ExecutionID string `json:"execution_id"`
}

// ParentSubGoal is the sub-goal an action was decomposed from.
type ParentSubGoal struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// ParentGoal is the top-level goal an action ultimately serves.
type ParentGoal struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Deadline    *time.Time `json:"deadline,omitempty"`
}

// GoalContext is the goal-level snapshot an execution is scoped to.
type GoalContext struct {
	GoalID      string     `json:"goal_id"`
	UserID      string     `json:"user_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Deadline    *time.Time `json:"deadline,omitempty"`
}

// ActionContext is a read-only snapshot of everything the generation service
// needs to know about one action.
type ActionContext struct {
	ActionID      string        `json:"action_id"`
	GoalID        string        `json:"goal_id"`
	Title         string        `json:"title"`
	Description   string        `json:"description"`
	Type          ActionType    `json:"type"`
	Background    string        `json:"background"`
	Constraints   string        `json:"constraints,omitempty"`
	ParentSubGoal ParentSubGoal `json:"parent_sub_goal"`
	ParentGoal    ParentGoal    `json:"parent_goal"`
}

// GeneratedTask is a concrete, time-boxed unit of work produced for an action.
type GeneratedTask struct {
	Title            string `json:"title"`
	Description      string `json:"description"`
	Type             string `json:"type"`
	EstimatedMinutes int    `json:"estimated_minutes"`
}

// ActionBatch is a bounded, ordered group of action IDs processed together.
type ActionBatch struct {
	// BatchNumber is the zero-based, stable position of the batch.
	BatchNumber int `json:"batch_number"`

	// Actions holds at most MaxBatchSize action IDs.
	Actions []string `json:"actions"`
}

// ActionError describes why an action was written off.
type ActionError struct {
	Message    string `json:"message"`
	Code       string `json:"code"`
	RetryCount int    `json:"retry_count"`
}

// ActionResult is the outcome of one action.
// A failed result always carries Error and never carries Tasks.
type ActionResult struct {
	ActionID string          `json:"action_id"`
	Status   ActionStatus    `json:"status"`
	Tasks    []GeneratedTask `json:"tasks,omitempty"`
	Error    *ActionError    `json:"error,omitempty"`
}

// Succeeded builds a success result.
func Succeeded(actionID string, tasks []GeneratedTask) ActionResult {
	return ActionResult{ActionID: actionID, Status: ActionStatusSuccess, Tasks: tasks}
}

// Failed builds a failure result. Tasks are dropped so the failed-result
// invariant holds regardless of what the caller had in hand.
func Failed(actionID, code, message string, retryCount int) ActionResult {
	return ActionResult{
		ActionID: actionID,
		Status:   ActionStatusFailed,
		Error: &ActionError{
			Message:    message,
			Code:       code,
			RetryCount: retryCount,
		},
	}
}

// BatchResult folds the results of one batch.
type BatchResult struct {
	BatchNumber   int            `json:"batch_number"`
	ActionResults []ActionResult `json:"action_results"`
	SuccessCount  int            `json:"success_count"`
	FailedCount   int            `json:"failed_count"`
}

// FailedAction is the re-submission handle for a written-off action.
type FailedAction struct {
	ActionID    string `json:"action_id"`
	BatchNumber int    `json:"batch_number"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	RetryCount  int    `json:"retry_count"`
}

// AggregatedResults is the terminal, persisted artifact of an execution.
type AggregatedResults struct {
	TotalActions        int            `json:"total_actions"`
	SuccessCount        int            `json:"success_count"`
	FailedCount         int            `json:"failed_count"`
	FailedActions       []FailedAction `json:"failed_actions"`
	AllSuccess          bool           `json:"all_success"`
	PartialSuccess      bool           `json:"partial_success"`
	NotificationMessage string         `json:"notification_message"`
}

// Status maps the aggregate onto the user-visible execution status.
func (r AggregatedResults) Status() ExecutionStatus {
	switch {
	case r.TotalActions > 0 && r.AllSuccess:
		return ExecutionSucceeded
	case r.PartialSuccess:
		return ExecutionPartial
	default:
		return ExecutionFailed
	}
}

// ProgressUpdate reports how far an execution has got.
type ProgressUpdate struct {
	ExecutionID            string        `json:"execution_id"`
	ProcessedActions       int           `json:"processed_actions"`
	TotalActions           int           `json:"total_actions"`
	CurrentBatch           int           `json:"current_batch"`
	TotalBatches           int           `json:"total_batches"`
	ProgressPercentage     float64       `json:"progress_percentage"`
	EstimatedTimeRemaining time.Duration `json:"estimated_time_remaining"`
}

// Notification tells the user how an execution ended.
type Notification struct {
	ExecutionID   string          `json:"execution_id"`
	GoalID        string          `json:"goal_id"`
	UserID        string          `json:"user_id"`
	Status        ExecutionStatus `json:"status"`
	Message       string          `json:"message"`
	SuccessCount  int             `json:"success_count"`
	FailedCount   int             `json:"failed_count"`
	FailedActions []FailedAction  `json:"failed_actions"`
	ErrorType     ErrorType       `json:"error_type,omitempty"`
}
