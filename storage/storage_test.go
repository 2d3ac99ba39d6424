package storage_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/taskbatch/cache"
	"github.com/c360studio/taskbatch/storage"
	"github.com/c360studio/taskbatch/workflow"
)

const (
	goalID  = "0c7e5b1a-6f1e-4b2a-9a53-7d9f0c2e4a10"
	actionA = "a1111111-1111-4111-8111-111111111111"
	actionB = "b2222222-2222-4222-8222-222222222222"
	otherID = "c3333333-3333-4333-8333-333333333333"
)

func fixtures() storage.Fixtures {
	return storage.Fixtures{
		Goals: []workflow.GoalContext{{GoalID: goalID, UserID: "user-1", Title: "Run a marathon"}},
		Actions: []workflow.ActionContext{
			{ActionID: actionA, GoalID: goalID, Title: "Buy shoes", Type: workflow.ActionTypeExecution},
			{ActionID: actionB, GoalID: goalID, Title: "Run 5k", Type: workflow.ActionTypeHabit},
			{ActionID: otherID, GoalID: "another-goal", Title: "Not mine", Type: workflow.ActionTypeExecution},
		},
	}
}

// countingRepo counts context reads on the wrapped repository.
type countingRepo struct {
	storage.Repository
	goalReads   int
	actionReads [][]string
}

func (c *countingRepo) GetGoal(ctx context.Context, id string) (workflow.GoalContext, error) {
	c.goalReads++
	return c.Repository.GetGoal(ctx, id)
}

func (c *countingRepo) GetActionContexts(ctx context.Context, goal string, ids []string) ([]workflow.ActionContext, error) {
	c.actionReads = append(c.actionReads, ids)
	return c.Repository.GetActionContexts(ctx, goal, ids)
}

func TestMemory_GetActionContexts(t *testing.T) {
	m := storage.NewMemory(fixtures())

	got, err := m.GetActionContexts(context.Background(), goalID, []string{actionB, otherID, "missing", actionA})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, actionB, got[0].ActionID)
	assert.Equal(t, actionA, got[1].ActionID)

	_, err = m.GetGoal(context.Background(), "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMemory_SaveTasksIsIdempotent(t *testing.T) {
	m := storage.NewMemory(fixtures())
	ctx := context.Background()
	tasks := []workflow.GeneratedTask{{Title: "Measure feet"}, {Title: "Visit store"}}

	require.NoError(t, m.SaveTasks(ctx, "exec-1", actionA, tasks))
	require.NoError(t, m.SaveTasks(ctx, "exec-1", actionA, tasks))

	assert.Len(t, m.Tasks("exec-1", actionA), 2)
}

func TestMemory_ExecutionStatusKeepsResults(t *testing.T) {
	m := storage.NewMemory(fixtures())
	ctx := context.Background()
	results := &workflow.AggregatedResults{TotalActions: 2, SuccessCount: 2, AllSuccess: true}

	require.NoError(t, m.UpdateExecutionStatus(ctx, storage.ExecutionRecord{ExecutionID: "e", Status: workflow.ExecutionSucceeded, Results: results}))
	require.NoError(t, m.UpdateExecutionStatus(ctx, storage.ExecutionRecord{ExecutionID: "e", Status: workflow.ExecutionSucceeded}))

	rec, err := m.GetExecution(ctx, "e")
	require.NoError(t, err)
	require.NotNil(t, rec.Results)
	assert.Equal(t, 2, rec.Results.SuccessCount)
	assert.False(t, rec.UpdatedAt.IsZero())

	results.SuccessCount = 99
	rec, _ = m.GetExecution(ctx, "e")
	assert.Equal(t, 2, rec.Results.SuccessCount, "stored results must not alias the caller's")
}

func newCached(t *testing.T) (*storage.Cached, *countingRepo, *cache.Contexts) {
	t.Helper()
	repo := &countingRepo{Repository: storage.NewMemory(fixtures())}
	caches := cache.NewContexts(
		cache.Config{Capacity: 10, TTL: time.Minute},
		cache.Config{Capacity: 10, TTL: time.Minute},
	)
	return storage.NewCached(repo, caches, nil), repo, caches
}

func TestCached_ServesRepeatReadsFromCache(t *testing.T) {
	c, repo, caches := newCached(t)
	ctx := context.Background()

	_, err := c.GetGoal(ctx, goalID)
	require.NoError(t, err)
	_, err = c.GetGoal(ctx, goalID)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.goalReads)

	_, err = c.GetActionContexts(ctx, goalID, []string{actionA})
	require.NoError(t, err)
	got, err := c.GetActionContexts(ctx, goalID, []string{actionB, actionA})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, actionB, got[0].ActionID)
	assert.Equal(t, [][]string{{actionA}, {actionB}}, repo.actionReads, "only misses are fetched")
	assert.Equal(t, uint64(1), caches.Actions.Stats().Hits)
}

func TestCached_SaveInvalidatesActionContext(t *testing.T) {
	c, repo, caches := newCached(t)
	ctx := context.Background()

	_, err := c.GetActionContexts(ctx, goalID, []string{actionA})
	require.NoError(t, err)
	require.Equal(t, 1, caches.Actions.Len())

	require.NoError(t, c.SaveTasks(ctx, "exec-1", actionA, []workflow.GeneratedTask{{Title: "x"}}))
	assert.Equal(t, 0, caches.Actions.Len())

	_, err = c.GetActionContexts(ctx, goalID, []string{actionA})
	require.NoError(t, err)
	assert.Len(t, repo.actionReads, 2)
}

func TestCached_FailedSaveKeepsCache(t *testing.T) {
	mem := storage.NewMemory(fixtures())
	mem.SaveHook = func(string, string) error { return errors.New("disk full") }
	caches := cache.NewContexts(cache.Config{Capacity: 4, TTL: time.Minute}, cache.Config{Capacity: 4, TTL: time.Minute})
	c := storage.NewCached(mem, caches, nil)
	ctx := context.Background()

	_, err := c.GetActionContexts(ctx, goalID, []string{actionA})
	require.NoError(t, err)

	assert.Error(t, c.SaveTasks(ctx, "exec-1", actionA, nil))
	assert.Equal(t, 1, caches.Actions.Len())
}

func TestCached_DisabledCacheFallsThrough(t *testing.T) {
	repo := &countingRepo{Repository: storage.NewMemory(fixtures())}
	c := storage.NewCached(repo, cache.NewContexts(cache.Config{}, cache.Config{}), nil)

	for i := 0; i < 3; i++ {
		_, err := c.GetActionContexts(context.Background(), goalID, []string{actionA})
		require.NoError(t, err)
	}
	assert.Len(t, repo.actionReads, 3)
}

func TestLoadFixtures_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixtures.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
goals:
  - goal_id: g1
    user_id: u1
    title: Learn Go
    deadline: "2026-12-31T00:00:00Z"
actions:
  - action_id: a1
    goal_id: g1
    title: Read the tour
    type: execution
    parent_goal:
      title: Learn Go
`), 0o644))

	f, err := storage.LoadFixtures(path)
	require.NoError(t, err)
	require.Len(t, f.Goals, 1)
	require.NotNil(t, f.Goals[0].Deadline)
	assert.Equal(t, 2026, f.Goals[0].Deadline.Year())
	require.Len(t, f.Actions, 1)
	assert.Equal(t, workflow.ActionTypeExecution, f.Actions[0].Type)
	assert.Equal(t, "Learn Go", f.Actions[0].ParentGoal.Title)
}

func TestLoadFixtures_RejectsInvalidIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixtures.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
goals:
  - goal_id: g1
    user_id: u1
actions:
  - action_id: "read the tour"
    goal_id: g1
`), 0o644))

	_, err := storage.LoadFixtures(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "actions[0].action_id")
}
