package taskorchestrator

import (
	"fmt"
	"time"
)

// Config holds configuration for the task orchestrator component.
type Config struct {
	// StreamName is the JetStream stream carrying execution triggers.
	StreamName string `yaml:"stream_name" json:"stream_name"`

	// StreamSubjects are bound to the stream when EnsureStream is set.
	StreamSubjects []string `yaml:"stream_subjects" json:"stream_subjects"`

	// EnsureStream creates or updates the stream on Start instead of
	// expecting it to exist.
	EnsureStream bool `yaml:"ensure_stream" json:"ensure_stream"`

	// ConsumerName is the durable consumer name for trigger consumption.
	ConsumerName string `yaml:"consumer_name" json:"consumer_name"`

	// TriggerSubject is the subject execution triggers are published on.
	TriggerSubject string `yaml:"trigger_subject" json:"trigger_subject"`

	// Workers is the number of executions run at once.
	Workers int `yaml:"workers" json:"workers"`

	// AckWait is how long a trigger may go without a heartbeat before it is
	// redelivered.
	AckWait string `yaml:"ack_wait" json:"ack_wait"`

	// MaxDeliver bounds redeliveries of one trigger.
	MaxDeliver int `yaml:"max_deliver" json:"max_deliver"`

	// RetryDelay is the redelivery delay after a runtime failure.
	RetryDelay string `yaml:"retry_delay" json:"retry_delay"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		StreamName:     "TASKBATCH",
		StreamSubjects: []string{"taskbatch.trigger.>"},
		EnsureStream:   true,
		ConsumerName:   "task-orchestrator",
		TriggerSubject: "taskbatch.trigger.execute",
		Workers:        4,
		AckWait:        "60s",
		MaxDeliver:     3,
		RetryDelay:     "5s",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.StreamName == "" {
		return fmt.Errorf("stream_name is required")
	}
	if c.ConsumerName == "" {
		return fmt.Errorf("consumer_name is required")
	}
	if c.TriggerSubject == "" {
		return fmt.Errorf("trigger_subject is required")
	}
	if c.EnsureStream && len(c.StreamSubjects) == 0 {
		return fmt.Errorf("stream_subjects is required when ensure_stream is set")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.MaxDeliver < 1 {
		return fmt.Errorf("max_deliver must be at least 1")
	}
	for name, v := range map[string]string{"ack_wait": c.AckWait, "retry_delay": c.RetryDelay} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// GetAckWait parses the ack wait duration.
func (c *Config) GetAckWait() time.Duration {
	return parseDuration(c.AckWait, 60*time.Second)
}

// GetRetryDelay parses the redelivery delay.
func (c *Config) GetRetryDelay() time.Duration {
	return parseDuration(c.RetryDelay, 5*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
