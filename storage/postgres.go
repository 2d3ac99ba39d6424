package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/c360studio/taskbatch/pool"
	"github.com/c360studio/taskbatch/workflow"
)

// Schema creates the tables used by Postgres. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS goals (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	title       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	deadline    TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS sub_goals (
	id          TEXT PRIMARY KEY,
	goal_id     TEXT NOT NULL REFERENCES goals(id),
	title       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS actions (
	id          TEXT PRIMARY KEY,
	goal_id     TEXT NOT NULL REFERENCES goals(id),
	sub_goal_id TEXT REFERENCES sub_goals(id),
	title       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	type        TEXT NOT NULL,
	background  TEXT NOT NULL DEFAULT '',
	constraints TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS tasks (
	execution_id      TEXT NOT NULL,
	action_id         TEXT NOT NULL REFERENCES actions(id),
	position          INT NOT NULL,
	title             TEXT NOT NULL,
	description       TEXT NOT NULL DEFAULT '',
	type              TEXT NOT NULL,
	estimated_minutes INT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (execution_id, action_id, position)
);
CREATE TABLE IF NOT EXISTS executions (
	id         TEXT PRIMARY KEY,
	goal_id    TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	status     TEXT NOT NULL,
	results    JSONB,
	error      TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL
);
`

// Postgres is the Repository backed by a pgx pool.
type Postgres struct {
	db      *pgxpool.Pool
	tracker *pool.Tracker
	logger  *slog.Logger
}

// PostgresOption configures Postgres.
type PostgresOption func(*Postgres)

// WithTracker records every query against a pool tracker.
func WithTracker(t *pool.Tracker) PostgresOption {
	return func(p *Postgres) {
		p.tracker = t
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) PostgresOption {
	return func(p *Postgres) {
		p.logger = logger
	}
}

// NewPostgres wraps an open pool.
func NewPostgres(db *pgxpool.Pool, opts ...PostgresOption) *Postgres {
	p := &Postgres{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Open connects using the manager's persistence limits and verifies the
// connection.
func Open(ctx context.Context, dsn string, manager *pool.Manager, opts ...PostgresOption) (*Postgres, error) {
	cfg, err := manager.PGXConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	db, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	manager.TrackPGX(db)

	opts = append([]PostgresOption{WithTracker(manager.Tracker(pool.CategoryPersistence))}, opts...)
	return NewPostgres(db, opts...), nil
}

// Close closes the pool.
func (p *Postgres) Close() {
	p.db.Close()
}

// Migrate applies Schema.
func (p *Postgres) Migrate(ctx context.Context) error {
	defer p.track()()
	if _, err := p.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (p *Postgres) track() func() {
	if p.tracker == nil {
		return func() {}
	}
	return p.tracker.Acquire()
}

// GetGoal implements Repository.
func (p *Postgres) GetGoal(ctx context.Context, goalID string) (workflow.GoalContext, error) {
	defer p.track()()

	g := workflow.GoalContext{GoalID: goalID}
	err := p.db.QueryRow(ctx,
		`SELECT user_id, title, description, deadline FROM goals WHERE id = $1`, goalID).
		Scan(&g.UserID, &g.Title, &g.Description, &g.Deadline)
	if errors.Is(err, pgx.ErrNoRows) {
		return workflow.GoalContext{}, ErrNotFound
	}
	if err != nil {
		return workflow.GoalContext{}, fmt.Errorf("get goal %s: %w", goalID, err)
	}
	return g, nil
}

// GetActionContexts implements Repository.
func (p *Postgres) GetActionContexts(ctx context.Context, goalID string, actionIDs []string) ([]workflow.ActionContext, error) {
	if len(actionIDs) == 0 {
		return nil, nil
	}
	defer p.track()()

	rows, err := p.db.Query(ctx, `
		SELECT a.id, a.goal_id, a.title, a.description, a.type, a.background, a.constraints,
		       COALESCE(sg.title, ''), COALESCE(sg.description, ''),
		       g.title, g.description, g.deadline
		FROM actions a
		JOIN goals g ON g.id = a.goal_id
		LEFT JOIN sub_goals sg ON sg.id = a.sub_goal_id
		WHERE a.goal_id = $1 AND a.id = ANY($2)`, goalID, actionIDs)
	if err != nil {
		return nil, fmt.Errorf("query action contexts: %w", err)
	}
	defer rows.Close()

	var out []workflow.ActionContext
	for rows.Next() {
		var a workflow.ActionContext
		var actionType string
		if err := rows.Scan(
			&a.ActionID, &a.GoalID, &a.Title, &a.Description, &actionType, &a.Background, &a.Constraints,
			&a.ParentSubGoal.Title, &a.ParentSubGoal.Description,
			&a.ParentGoal.Title, &a.ParentGoal.Description, &a.ParentGoal.Deadline,
		); err != nil {
			return nil, fmt.Errorf("scan action context: %w", err)
		}
		a.Type = workflow.ActionType(actionType)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read action contexts: %w", err)
	}
	return out, nil
}

// SaveTasks implements Repository inside one transaction: earlier tasks of
// the same execution and action are replaced.
func (p *Postgres) SaveTasks(ctx context.Context, executionID, actionID string, tasks []workflow.GeneratedTask) error {
	defer p.track()()

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save tasks: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM tasks WHERE execution_id = $1 AND action_id = $2`, executionID, actionID)
	for i, t := range tasks {
		batch.Queue(`
			INSERT INTO tasks (execution_id, action_id, position, title, description, type, estimated_minutes)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			executionID, actionID, i, t.Title, t.Description, t.Type, t.EstimatedMinutes)
	}

	results := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("save tasks for action %s: %w", actionID, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("save tasks for action %s: %w", actionID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tasks for action %s: %w", actionID, err)
	}
	return nil
}

// UpdateExecutionStatus implements Repository as an upsert.
func (p *Postgres) UpdateExecutionStatus(ctx context.Context, rec ExecutionRecord) error {
	defer p.track()()

	var results []byte
	if rec.Results != nil {
		var err error
		if results, err = json.Marshal(rec.Results); err != nil {
			return fmt.Errorf("marshal results: %w", err)
		}
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	_, err := p.db.Exec(ctx, `
		INSERT INTO executions (id, goal_id, user_id, status, results, error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			results = COALESCE(EXCLUDED.results, executions.results),
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at`,
		rec.ExecutionID, rec.GoalID, rec.UserID, string(rec.Status), results, rec.Error, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", rec.ExecutionID, err)
	}
	return nil
}

// GetExecution implements Repository.
func (p *Postgres) GetExecution(ctx context.Context, executionID string) (ExecutionRecord, error) {
	defer p.track()()

	rec := ExecutionRecord{ExecutionID: executionID}
	var status string
	var results []byte
	err := p.db.QueryRow(ctx,
		`SELECT goal_id, user_id, status, results, error, updated_at FROM executions WHERE id = $1`, executionID).
		Scan(&rec.GoalID, &rec.UserID, &status, &results, &rec.Error, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ExecutionRecord{}, ErrNotFound
	}
	if err != nil {
		return ExecutionRecord{}, fmt.Errorf("get execution %s: %w", executionID, err)
	}

	rec.Status = workflow.ExecutionStatus(status)
	if len(results) > 0 {
		rec.Results = &workflow.AggregatedResults{}
		if err := json.Unmarshal(results, rec.Results); err != nil {
			return ExecutionRecord{}, fmt.Errorf("unmarshal results: %w", err)
		}
	}
	return rec, nil
}

// CountTasks returns how many tasks are stored for an action in an execution.
func (p *Postgres) CountTasks(ctx context.Context, executionID, actionID string) (int, error) {
	defer p.track()()

	var n int
	err := p.db.QueryRow(ctx,
		`SELECT count(*) FROM tasks WHERE execution_id = $1 AND action_id = $2`, executionID, actionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}
