package llm

import (
	"fmt"
	"strings"

	"github.com/c360studio/taskbatch/workflow"
)

// Task count and duration bounds requested from the model.
const (
	MinTasks   = 1
	MaxTasks   = 8
	MinMinutes = 5
	MaxMinutes = 240
)

// SystemPrompt frames the model as a task planner and fixes the reply format.
func SystemPrompt() string {
	return fmt.Sprintf(`You are a personal productivity planner. You break one action into concrete,
time-boxed tasks a person can start immediately.

Rules:
- Produce between %d and %d tasks, ordered so each can follow the previous one.
- Every task has a short imperative title and a one or two sentence description.
- estimated_minutes is a whole number between %d and %d.
- type is "execution" for one-off work or "habit" for a recurring routine.

Return ONLY valid JSON in this exact format:

`+"```json"+`
{
  "tasks": [
    {
      "title": "Draft the report outline",
      "description": "List the five sections and one key point for each.",
      "type": "execution",
      "estimated_minutes": 30
    }
  ]
}
`+"```", MinTasks, MaxTasks, MinMinutes, MaxMinutes)
}

// ActionPrompt describes one action together with its sub-goal and goal.
func ActionPrompt(action workflow.ActionContext) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## Goal: %s\n\n", orNone(action.ParentGoal.Title))
	if action.ParentGoal.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", action.ParentGoal.Description)
	}
	if action.ParentGoal.Deadline != nil {
		fmt.Fprintf(&b, "**Deadline:** %s\n\n", action.ParentGoal.Deadline.Format("2006-01-02"))
	}

	fmt.Fprintf(&b, "## Sub-goal: %s\n\n", orNone(action.ParentSubGoal.Title))
	if action.ParentSubGoal.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", action.ParentSubGoal.Description)
	}

	fmt.Fprintf(&b, "## Action: %s\n\n", action.Title)
	if action.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", action.Description)
	}
	fmt.Fprintf(&b, "**Type:** %s\n", action.Type)
	if action.Type == workflow.ActionTypeHabit {
		b.WriteString("This is a recurring habit: plan one repeatable session, not a one-time project.\n")
	}
	if action.Background != "" {
		fmt.Fprintf(&b, "**Background:** %s\n", action.Background)
	}
	if action.Constraints != "" {
		fmt.Fprintf(&b, "**Constraints:** %s\n", action.Constraints)
	}

	b.WriteString("\nGenerate the tasks for this action.")
	return b.String()
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}

// Messages builds the chat for one action.
func Messages(action workflow.ActionContext) []Message {
	return []Message{
		{Role: "system", Content: SystemPrompt()},
		{Role: "user", Content: ActionPrompt(action)},
	}
}
