// Package storage persists goal and action contexts, generated tasks and
// execution status. Postgres is the system of record; Memory serves tests
// and local runs; Cached fronts either with the context caches.
package storage

import (
	"context"
	"time"

	"github.com/c360studio/taskbatch/workflow"
)

// Repository is the persistence surface the workflow needs. Goal, action
// and execution IDs are opaque strings that satisfy workflow.CheckID:
// non-empty, no whitespace, at most workflow.MaxIDLength bytes. Backends
// store them as given and must not impose a narrower format.
type Repository interface {
	// GetGoal returns the goal-level context.
	GetGoal(ctx context.Context, goalID string) (workflow.GoalContext, error)

	// GetActionContexts returns the contexts of the requested actions that
	// exist under goalID. Unknown IDs are omitted, not errors.
	GetActionContexts(ctx context.Context, goalID string, actionIDs []string) ([]workflow.ActionContext, error)

	// SaveTasks replaces the tasks of one action within one execution. It is
	// all-or-nothing, and repeating it with the same execution and action
	// leaves exactly one copy of the tasks.
	SaveTasks(ctx context.Context, executionID, actionID string, tasks []workflow.GeneratedTask) error

	// UpdateExecutionStatus records the status of an execution. results may
	// be nil while the execution is still running.
	UpdateExecutionStatus(ctx context.Context, rec ExecutionRecord) error

	// GetExecution returns the last recorded status of an execution.
	GetExecution(ctx context.Context, executionID string) (ExecutionRecord, error)
}

// ExecutionRecord is the persisted status of an execution.
type ExecutionRecord struct {
	ExecutionID string                      `json:"execution_id"`
	GoalID      string                      `json:"goal_id"`
	UserID      string                      `json:"user_id"`
	Status      workflow.ExecutionStatus    `json:"status"`
	Results     *workflow.AggregatedResults `json:"results,omitempty"`
	Error       string                      `json:"error,omitempty"`
	UpdatedAt   time.Time                   `json:"updated_at"`
}
