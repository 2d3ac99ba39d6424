package cache

import (
	"context"

	"github.com/c360studio/taskbatch/workflow"
)

// Contexts holds the goal-level and action-level context caches. Each has
// its own capacity, TTL and counters.
type Contexts struct {
	Goals   *Cache[workflow.GoalContext]
	Actions *Cache[workflow.ActionContext]
}

// NewContexts creates both caches.
func NewContexts(goals, actions Config, opts ...Option) *Contexts {
	return &Contexts{
		Goals:   New[workflow.GoalContext]("goal_context", goals, opts...),
		Actions: New[workflow.ActionContext]("action_context", actions, opts...),
	}
}

// Start launches both background sweeps.
func (c *Contexts) Start(ctx context.Context) {
	c.Goals.Start(ctx)
	c.Actions.Start(ctx)
}

// Stop halts both background sweeps.
func (c *Contexts) Stop() {
	c.Goals.Stop()
	c.Actions.Stop()
}

// Stats returns the counters of both caches.
func (c *Contexts) Stats() []Stats {
	return []Stats{c.Goals.Stats(), c.Actions.Stats()}
}
