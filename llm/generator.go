package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360studio/taskbatch/workflow"
)

// Generator turns one action context into tasks with a single model call.
type Generator struct {
	completer Completer
	logger    *slog.Logger
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithGeneratorLogger sets the logger.
func WithGeneratorLogger(logger *slog.Logger) GeneratorOption {
	return func(g *Generator) {
		g.logger = logger
	}
}

// NewGenerator creates a generator over completer.
func NewGenerator(completer Completer, opts ...GeneratorOption) *Generator {
	g := &Generator{completer: completer, logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type taskReply struct {
	Tasks []workflow.GeneratedTask `json:"tasks"`
}

// Generate asks the model for the tasks of one action. Transport and API
// errors are returned untouched for the retry classifier; a reply with no
// usable tasks is a *ParseError.
func (g *Generator) Generate(ctx context.Context, action workflow.ActionContext) ([]workflow.GeneratedTask, error) {
	if strings.TrimSpace(action.Title) == "" {
		return nil, workflow.NewPermanentError(fmt.Errorf("action %s has no title", action.ActionID))
	}

	resp, err := g.completer.Complete(ctx, Request{Messages: Messages(action)})
	if err != nil {
		return nil, err
	}

	tasks, err := ParseTasks(resp.Content, action.Type)
	if err != nil {
		g.logger.Warn("Unusable generation reply",
			"action_id", action.ActionID,
			"request_id", resp.RequestID,
			"error", err)
		return nil, err
	}

	g.logger.Debug("Tasks generated",
		"action_id", action.ActionID,
		"request_id", resp.RequestID,
		"tasks", len(tasks))
	return tasks, nil
}

// ParseTasks reads tasks from a model reply. It accepts {"tasks": [...]} or
// a bare array, drops entries without a title, fills a missing type from
// the action and clamps estimates into range. Too many tasks are truncated.
func ParseTasks(content string, actionType workflow.ActionType) ([]workflow.GeneratedTask, error) {
	raw := ExtractJSON(content)
	if raw == "" {
		return nil, NewParseError(ErrNoJSON)
	}

	var reply taskReply
	if strings.HasPrefix(raw, "[") {
		if err := DecodeJSON(raw, &reply.Tasks); err != nil {
			return nil, NewParseError(err)
		}
	} else if err := DecodeJSON(raw, &reply); err != nil {
		return nil, NewParseError(err)
	}

	tasks := make([]workflow.GeneratedTask, 0, len(reply.Tasks))
	for _, t := range reply.Tasks {
		t.Title = strings.TrimSpace(t.Title)
		if t.Title == "" {
			continue
		}
		t.Description = strings.TrimSpace(t.Description)
		if !workflow.ActionType(t.Type).IsValid() {
			t.Type = string(actionType)
		}
		t.EstimatedMinutes = max(MinMinutes, min(MaxMinutes, t.EstimatedMinutes))
		tasks = append(tasks, t)
		if len(tasks) == MaxTasks {
			break
		}
	}

	if len(tasks) < MinTasks {
		return nil, NewParseError(fmt.Errorf("reply contained no usable tasks"))
	}
	return tasks, nil
}
