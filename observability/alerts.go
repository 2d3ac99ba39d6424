package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/taskbatch/workflow"
)

// AlertKind names what triggered an alert.
type AlertKind string

const (
	AlertWorkflowFailed     AlertKind = "workflow_failed"
	AlertWorkflowTimeout    AlertKind = "workflow_timeout"
	AlertMultiActionFailure AlertKind = "multi_action_failure"
	AlertPartialSuccess     AlertKind = "partial_success"
	AlertFailureRate        AlertKind = "failure_rate"
)

// Severity of an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one threshold breach.
type Alert struct {
	Kind        AlertKind `json:"kind"`
	Severity    Severity  `json:"severity"`
	ExecutionID string    `json:"execution_id,omitempty"`
	GoalID      string    `json:"goal_id,omitempty"`
	Message     string    `json:"message"`
	Value       float64   `json:"value,omitempty"`
	RaisedAt    time.Time `json:"raised_at"`
}

// AlertSink delivers alerts.
type AlertSink interface {
	Alert(ctx context.Context, a Alert) error
}

// LogSink writes alerts to a logger.
type LogSink struct {
	Logger *slog.Logger
}

// Alert implements AlertSink.
func (s LogSink) Alert(_ context.Context, a Alert) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelWarn
	if a.Severity == SeverityCritical {
		level = slog.LevelError
	}
	logger.Log(context.Background(), level, "Alert raised",
		"kind", a.Kind,
		"severity", a.Severity,
		"execution_id", a.ExecutionID,
		"goal_id", a.GoalID,
		"value", a.Value,
		"message", a.Message)
	return nil
}

// AlertConfig holds the alert thresholds.
type AlertConfig struct {
	// MultiActionFailures is the failed-action count at which one execution
	// escalates.
	MultiActionFailures int `yaml:"multi_action_failures" json:"multi_action_failures"`

	// FailureRate is the fraction of failed actions in Window that raises an
	// alert.
	FailureRate float64 `yaml:"failure_rate" json:"failure_rate"`

	// Window is the sliding window for FailureRate.
	Window time.Duration `yaml:"window" json:"window"`

	// MinSamples is the number of actions the window needs before the rate
	// is judged.
	MinSamples int `yaml:"min_samples" json:"min_samples"`
}

// DefaultAlertConfig returns the standard thresholds.
func DefaultAlertConfig() AlertConfig {
	return AlertConfig{
		MultiActionFailures: 3,
		FailureRate:         0.10,
		Window:              5 * time.Minute,
		MinSamples:          10,
	}
}

type outcome struct {
	at     time.Time
	failed bool
}

// Alerter raises alerts from execution events. It implements
// machine.Observer.
type Alerter struct {
	cfg   AlertConfig
	sinks []AlertSink
	now   func() time.Time

	mu        sync.Mutex
	window    []outcome
	failures  int
	rateFired bool
}

// AlerterOption configures an Alerter.
type AlerterOption func(*Alerter)

// WithAlertClock replaces time.Now.
func WithAlertClock(now func() time.Time) AlerterOption {
	return func(a *Alerter) {
		a.now = now
	}
}

// NewAlerter creates an alerter delivering to sinks.
func NewAlerter(cfg AlertConfig, sinks []AlertSink, opts ...AlerterOption) *Alerter {
	a := &Alerter{cfg: cfg, sinks: sinks, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Alerter) raise(alert Alert) {
	alert.RaisedAt = a.now().UTC()
	for _, s := range a.sinks {
		if err := s.Alert(context.Background(), alert); err != nil {
			slog.Default().Warn("Failed to deliver alert", "kind", alert.Kind, "error", err)
		}
	}
}

func (a *Alerter) BatchStarted(workflow.ActionBatch) {}

func (a *Alerter) BatchFinished(workflow.BatchResult, time.Duration) {}

func (a *Alerter) ActionStarted(int, string) {}

// ActionFinished feeds the failure-rate window. Aborted actions are not
// counted: they say nothing about the generation service.
func (a *Alerter) ActionFinished(_ int, result workflow.ActionResult, _ time.Duration) {
	if result.Error != nil && result.Error.Code == workflow.CodeAborted {
		return
	}
	rate, n, breach := a.record(result.Status == workflow.ActionStatusFailed)
	if breach {
		a.raise(Alert{
			Kind:     AlertFailureRate,
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("%.1f%% of %d actions failed in the last %s", rate*100, n, a.cfg.Window),
			Value:    rate,
		})
	}
}

// record adds one outcome and reports whether the rate just crossed the
// threshold. A breach fires once and re-arms when the rate drops back.
func (a *Alerter) record(failed bool) (float64, int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.window = append(a.window, outcome{at: now, failed: failed})
	if failed {
		a.failures++
	}

	cutoff := now.Add(-a.cfg.Window)
	drop := 0
	for drop < len(a.window) && a.window[drop].at.Before(cutoff) {
		if a.window[drop].failed {
			a.failures--
		}
		drop++
	}
	a.window = a.window[drop:]

	n := len(a.window)
	if n == 0 || n < a.cfg.MinSamples {
		return 0, n, false
	}
	rate := float64(a.failures) / float64(n)
	if rate <= a.cfg.FailureRate {
		a.rateFired = false
		return rate, n, false
	}
	if a.rateFired {
		return rate, n, false
	}
	a.rateFired = true
	return rate, n, true
}

// FailureRate returns the failure rate over the current window and its
// sample count.
func (a *Alerter) FailureRate() (float64, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.window) == 0 {
		return 0, 0
	}
	return float64(a.failures) / float64(len(a.window)), len(a.window)
}

func (a *Alerter) StepCompleted(workflow.WorkflowState, workflow.StateName, time.Duration, error) {}

func (a *Alerter) ActionRetried(string, string, int, time.Duration, error) {}

// ExecutionCompleted raises the per-execution alerts.
func (a *Alerter) ExecutionCompleted(state workflow.WorkflowState) {
	base := Alert{ExecutionID: state.Input.ExecutionID, GoalID: state.Input.GoalID}

	if f := state.Failure; f != nil {
		alert := base
		alert.Kind, alert.Severity = AlertWorkflowFailed, SeverityCritical
		if f.ErrorType == workflow.ErrorTypeTimeout {
			alert.Kind = AlertWorkflowTimeout
		}
		alert.Message = fmt.Sprintf("execution failed in %s: %s: %s", f.State, f.ErrorType, f.Error)
		a.raise(alert)
	}

	r := state.Results
	if r == nil {
		return
	}
	if state.Failure == nil && r.SuccessCount == 0 && r.TotalActions > 0 {
		alert := base
		alert.Kind, alert.Severity = AlertWorkflowFailed, SeverityCritical
		alert.Message = fmt.Sprintf("all %d actions failed", r.TotalActions)
		alert.Value = float64(r.FailedCount)
		a.raise(alert)
	}
	if a.cfg.MultiActionFailures > 0 && r.FailedCount >= a.cfg.MultiActionFailures {
		alert := base
		alert.Kind, alert.Severity = AlertMultiActionFailure, SeverityWarning
		alert.Message = fmt.Sprintf("%d of %d actions failed", r.FailedCount, r.TotalActions)
		alert.Value = float64(r.FailedCount)
		a.raise(alert)
	}
	if r.PartialSuccess {
		alert := base
		alert.Kind, alert.Severity = AlertPartialSuccess, SeverityWarning
		alert.Message = r.NotificationMessage
		alert.Value = float64(r.FailedCount)
		a.raise(alert)
	}
}
