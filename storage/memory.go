package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/taskbatch/workflow"
)

// Fixtures seeds a Memory repository.
type Fixtures struct {
	Goals   []workflow.GoalContext   `yaml:"goals" json:"goals"`
	Actions []workflow.ActionContext `yaml:"actions" json:"actions"`
}

// LoadFixtures reads fixtures from a YAML or JSON file. Field names follow
// the JSON tags of the workflow types in both formats.
func LoadFixtures(path string) (Fixtures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Fixtures{}, fmt.Errorf("read fixtures: %w", err)
	}
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return Fixtures{}, fmt.Errorf("parse fixtures %s: %w", path, err)
	}
	normalized, err := json.Marshal(generic)
	if err != nil {
		return Fixtures{}, fmt.Errorf("normalize fixtures %s: %w", path, err)
	}
	var f Fixtures
	if err := json.Unmarshal(normalized, &f); err != nil {
		return Fixtures{}, fmt.Errorf("decode fixtures %s: %w", path, err)
	}
	if err := f.validate(); err != nil {
		return Fixtures{}, fmt.Errorf("fixtures %s: %w", path, err)
	}
	return f, nil
}

func (f Fixtures) validate() error {
	for i, g := range f.Goals {
		if err := workflow.CheckID(g.GoalID); err != nil {
			return fmt.Errorf("goals[%d].goal_id %q: %w", i, g.GoalID, err)
		}
		if err := workflow.CheckID(g.UserID); err != nil {
			return fmt.Errorf("goals[%d].user_id %q: %w", i, g.UserID, err)
		}
	}
	for i, a := range f.Actions {
		if err := workflow.CheckID(a.ActionID); err != nil {
			return fmt.Errorf("actions[%d].action_id %q: %w", i, a.ActionID, err)
		}
		if err := workflow.CheckID(a.GoalID); err != nil {
			return fmt.Errorf("actions[%d].goal_id %q: %w", i, a.GoalID, err)
		}
	}
	return nil
}

// Memory is an in-process Repository for tests and local runs.
type Memory struct {
	mu         sync.RWMutex
	goals      map[string]workflow.GoalContext
	actions    map[string]workflow.ActionContext
	tasks      map[string][]workflow.GeneratedTask
	executions map[string]ExecutionRecord

	// SaveHook, when set, runs before every SaveTasks and can fail it.
	SaveHook func(executionID, actionID string) error
}

// NewMemory creates a repository seeded with fixtures.
func NewMemory(f Fixtures) *Memory {
	m := &Memory{
		goals:      make(map[string]workflow.GoalContext),
		actions:    make(map[string]workflow.ActionContext),
		tasks:      make(map[string][]workflow.GeneratedTask),
		executions: make(map[string]ExecutionRecord),
	}
	for _, g := range f.Goals {
		m.goals[g.GoalID] = g
	}
	for _, a := range f.Actions {
		m.actions[a.ActionID] = a
	}
	return m
}

func taskKey(executionID, actionID string) string {
	return executionID + "/" + actionID
}

// GetGoal implements Repository.
func (m *Memory) GetGoal(ctx context.Context, goalID string) (workflow.GoalContext, error) {
	if err := ctx.Err(); err != nil {
		return workflow.GoalContext{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.goals[goalID]
	if !ok {
		return workflow.GoalContext{}, ErrNotFound
	}
	return g, nil
}

// GetActionContexts implements Repository.
func (m *Memory) GetActionContexts(ctx context.Context, goalID string, actionIDs []string) ([]workflow.ActionContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]workflow.ActionContext, 0, len(actionIDs))
	for _, id := range actionIDs {
		if a, ok := m.actions[id]; ok && a.GoalID == goalID {
			out = append(out, a)
		}
	}
	return out, nil
}

// SaveTasks implements Repository.
func (m *Memory) SaveTasks(ctx context.Context, executionID, actionID string, tasks []workflow.GeneratedTask) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.SaveHook != nil {
		if err := m.SaveHook(executionID, actionID); err != nil {
			return err
		}
	}
	stored := make([]workflow.GeneratedTask, len(tasks))
	copy(stored, tasks)

	m.mu.Lock()
	m.tasks[taskKey(executionID, actionID)] = stored
	m.mu.Unlock()
	return nil
}

// Tasks returns the tasks saved for an action in an execution.
func (m *Memory) Tasks(executionID, actionID string) []workflow.GeneratedTask {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tasks[taskKey(executionID, actionID)]
}

// UpdateExecutionStatus implements Repository.
func (m *Memory) UpdateExecutionStatus(ctx context.Context, rec ExecutionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	if rec.Results != nil {
		// Store a detached copy, as a database would.
		data, err := json.Marshal(rec.Results)
		if err != nil {
			return fmt.Errorf("marshal results: %w", err)
		}
		rec.Results = &workflow.AggregatedResults{}
		if err := json.Unmarshal(data, rec.Results); err != nil {
			return fmt.Errorf("unmarshal results: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.executions[rec.ExecutionID]; ok && rec.Results == nil {
		rec.Results = prev.Results
	}
	m.executions[rec.ExecutionID] = rec
	return nil
}

// GetExecution implements Repository.
func (m *Memory) GetExecution(ctx context.Context, executionID string) (ExecutionRecord, error) {
	if err := ctx.Err(); err != nil {
		return ExecutionRecord{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.executions[executionID]
	if !ok {
		return ExecutionRecord{}, ErrNotFound
	}
	return rec, nil
}
