package taskorchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/taskbatch/workflow"
)

// Submitter publishes execution triggers for a Component to pick up.
type Submitter struct {
	js      jetstream.JetStream
	subject string
}

// NewSubmitter creates a submitter publishing on subject.
func NewSubmitter(js jetstream.JetStream, subject string) *Submitter {
	return &Submitter{js: js, subject: subject}
}

// Submit publishes input and returns its execution ID, assigning one when
// the input has none. The ID doubles as the JetStream message ID, so a
// resubmission inside the stream's duplicate window is dropped.
func (s *Submitter) Submit(ctx context.Context, input workflow.WorkflowInput) (string, error) {
	if input.ExecutionID == "" {
		input.ExecutionID = uuid.New().String()
	}
	data, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("marshal trigger: %w", err)
	}
	if _, err := s.js.Publish(ctx, s.subject, data, jetstream.WithMsgID(input.ExecutionID)); err != nil {
		return "", fmt.Errorf("publish trigger %s: %w", input.ExecutionID, err)
	}
	return input.ExecutionID, nil
}
