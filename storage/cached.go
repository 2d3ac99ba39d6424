package storage

import (
	"context"
	"log/slog"

	"github.com/c360studio/taskbatch/cache"
	"github.com/c360studio/taskbatch/workflow"
)

// Cached fronts a Repository with the goal and action context caches.
// Reads are served from cache when possible; a successful task save drops
// the cached context of that action.
type Cached struct {
	Repository
	caches *cache.Contexts
	logger *slog.Logger
}

// NewCached wraps repo.
func NewCached(repo Repository, caches *cache.Contexts, logger *slog.Logger) *Cached {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{Repository: repo, caches: caches, logger: logger}
}

// GetGoal reads through the goal cache.
func (c *Cached) GetGoal(ctx context.Context, goalID string) (workflow.GoalContext, error) {
	if g, ok := c.caches.Goals.Get(goalID); ok {
		return g, nil
	}
	g, err := c.Repository.GetGoal(ctx, goalID)
	if err != nil {
		return workflow.GoalContext{}, err
	}
	c.caches.Goals.Set(goalID, g)
	return g, nil
}

// GetActionContexts serves cached contexts and fetches only the misses, in
// one repository call. Cached entries of another goal are treated as misses.
func (c *Cached) GetActionContexts(ctx context.Context, goalID string, actionIDs []string) ([]workflow.ActionContext, error) {
	found := make(map[string]workflow.ActionContext, len(actionIDs))
	var missing []string
	for _, id := range actionIDs {
		if a, ok := c.caches.Actions.Get(id); ok && a.GoalID == goalID {
			found[id] = a
			continue
		}
		missing = append(missing, id)
	}

	if len(missing) > 0 {
		fetched, err := c.Repository.GetActionContexts(ctx, goalID, missing)
		if err != nil {
			return nil, err
		}
		for _, a := range fetched {
			c.caches.Actions.Set(a.ActionID, a)
			found[a.ActionID] = a
		}
	}

	c.logger.Debug("Action contexts resolved",
		"goal_id", goalID,
		"requested", len(actionIDs),
		"cache_hits", len(actionIDs)-len(missing),
		"found", len(found))

	out := make([]workflow.ActionContext, 0, len(found))
	for _, id := range actionIDs {
		if a, ok := found[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

// SaveTasks saves and, on success, invalidates the action's cached context.
func (c *Cached) SaveTasks(ctx context.Context, executionID, actionID string, tasks []workflow.GeneratedTask) error {
	if err := c.Repository.SaveTasks(ctx, executionID, actionID, tasks); err != nil {
		return err
	}
	c.caches.Actions.Invalidate(actionID)
	return nil
}
