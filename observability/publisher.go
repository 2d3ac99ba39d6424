package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360studio/taskbatch/workflow"
)

// Subject prefixes of everything the service publishes.
const (
	SubjectProgress      = "taskbatch.progress"
	SubjectNotifications = "taskbatch.notifications"
	SubjectAlerts        = "taskbatch.alerts"
)

// NotifyFlushTimeout bounds the flush of a notification when the caller's
// context carries no deadline.
const NotifyFlushTimeout = 5 * time.Second

// ProgressSubject returns the subject progress of one execution goes to.
func ProgressSubject(executionID string) string {
	return SubjectProgress + "." + executionID
}

// Publisher publishes progress, notifications and alerts as JSON on NATS.
// It implements machine.ProgressPublisher, machine.Notifier and AlertSink.
type Publisher struct {
	nc *nats.Conn
}

// NewPublisher creates a publisher on nc.
func NewPublisher(nc *nats.Conn) *Publisher {
	return &Publisher{nc: nc}
}

func (p *Publisher) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// PublishProgress implements machine.ProgressPublisher.
func (p *Publisher) PublishProgress(_ context.Context, update workflow.ProgressUpdate) error {
	return p.publish(ProgressSubject(update.ExecutionID), update)
}

// Notify publishes the notification on the user's subject and waits for the
// server to acknowledge the flush. Without a deadline on ctx the wait is
// bounded by NotifyFlushTimeout.
func (p *Publisher) Notify(ctx context.Context, n workflow.Notification) error {
	if err := p.publish(SubjectNotifications+"."+n.UserID, n); err != nil {
		return err
	}
	if err := p.flush(ctx); err != nil {
		return fmt.Errorf("flush notification: %w", err)
	}
	return nil
}

func (p *Publisher) flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); ok {
		return p.nc.FlushWithContext(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.nc.FlushTimeout(NotifyFlushTimeout)
}

// Alert implements AlertSink.
func (p *Publisher) Alert(_ context.Context, a Alert) error {
	return p.publish(SubjectAlerts+"."+string(a.Kind), a)
}
