package observability_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/taskbatch/cache"
	"github.com/c360studio/taskbatch/observability"
	"github.com/c360studio/taskbatch/pool"
	"github.com/c360studio/taskbatch/workflow"
	"github.com/c360studio/taskbatch/workflow/machine"
)

var _ machine.Observer = (*observability.Metrics)(nil)
var _ machine.Observer = (*observability.Alerter)(nil)
var _ machine.Observer = observability.Fanout(nil)

type sinkRecorder struct {
	mu     sync.Mutex
	alerts []observability.Alert
}

func (s *sinkRecorder) Alert(_ context.Context, a observability.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *sinkRecorder) Kinds() []observability.AlertKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]observability.AlertKind, len(s.alerts))
	for i, a := range s.alerts {
		out[i] = a.Kind
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func ok(id string) workflow.ActionResult { return workflow.Succeeded(id, nil) }

func failed(id string) workflow.ActionResult {
	return workflow.Failed(id, workflow.CodeTransientExhausted, "throttled", 3)
}

func TestMetrics_RecordsExecutionEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)

	m.BatchStarted(workflow.ActionBatch{Actions: []string{"a", "b"}})
	m.ActionStarted(0, "a")
	m.ActionFinished(0, ok("a"), time.Second)
	m.ActionStarted(0, "b")
	m.ActionRetried("e", "b", 1, 2*time.Second, errors.New("throttled"))
	m.ActionFinished(0, failed("b"), 3*time.Second)
	m.BatchFinished(workflow.BatchResult{}, time.Second)
	m.StepCompleted(workflow.WorkflowState{}, workflow.StateProcessBatches, time.Second, nil)

	started := time.Now()
	m.ExecutionCompleted(workflow.WorkflowState{
		StartedAt: started,
		Status:    workflow.ExecutionPartial,
		History:   []workflow.StepRecord{{FinishedAt: started.Add(10 * time.Second)}},
	})

	names := map[string]bool{}
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["taskbatch_executions_total"])
	assert.True(t, names["taskbatch_actions_total"])
	assert.True(t, names["taskbatch_action_retries_total"])
	assert.True(t, names["taskbatch_batch_size"])

	assert.Equal(t, 1.0, counterValue(t, reg, "taskbatch_action_retries_total"))
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestRegisterCacheAndPoolStats(t *testing.T) {
	reg := prometheus.NewRegistry()
	caches := cache.NewContexts(cache.Config{Capacity: 4, TTL: time.Minute}, cache.Config{Capacity: 4, TTL: time.Minute})
	caches.Actions.Set("a", workflow.ActionContext{ActionID: "a"})
	caches.Actions.Get("a")
	caches.Actions.Get("missing")

	observability.RegisterCacheStats(reg, caches)
	observability.RegisterPoolStats(reg, pool.NewManager(nil))

	count, err := testutil.GatherAndCount(reg, "taskbatch_cache_hits_total", "taskbatch_pool_healthy")
	require.NoError(t, err)
	assert.Equal(t, 4, count, "two caches and two pool categories")
}

func TestAlerter_ExecutionAlerts(t *testing.T) {
	sink := &sinkRecorder{}
	a := observability.NewAlerter(observability.DefaultAlertConfig(), []observability.AlertSink{sink})

	a.ExecutionCompleted(workflow.WorkflowState{
		Status: workflow.ExecutionPartial,
		Results: &workflow.AggregatedResults{
			TotalActions: 8, SuccessCount: 5, FailedCount: 3, PartialSuccess: true,
		},
	})
	assert.Equal(t, []observability.AlertKind{
		observability.AlertMultiActionFailure,
		observability.AlertPartialSuccess,
	}, sink.Kinds())

	sink.alerts = nil
	a.ExecutionCompleted(workflow.WorkflowState{
		Status:  workflow.ExecutionFailed,
		Failure: &workflow.ErrorInfo{ErrorType: workflow.ErrorTypeTimeout, Error: "deadline"},
	})
	assert.Equal(t, []observability.AlertKind{observability.AlertWorkflowTimeout}, sink.Kinds())

	sink.alerts = nil
	a.ExecutionCompleted(workflow.WorkflowState{
		Status:  workflow.ExecutionFailed,
		Results: &workflow.AggregatedResults{TotalActions: 2, FailedCount: 2},
	})
	assert.Equal(t, []observability.AlertKind{observability.AlertWorkflowFailed}, sink.Kinds())

	sink.alerts = nil
	a.ExecutionCompleted(workflow.WorkflowState{
		Status:  workflow.ExecutionSucceeded,
		Results: &workflow.AggregatedResults{TotalActions: 2, SuccessCount: 2, AllSuccess: true},
	})
	assert.Empty(t, sink.Kinds())
}

func TestAlerter_FailureRateWindow(t *testing.T) {
	c := &clock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	sink := &sinkRecorder{}
	a := observability.NewAlerter(observability.DefaultAlertConfig(), []observability.AlertSink{sink},
		observability.WithAlertClock(c.Now))

	// 1 failure in 10 is exactly 10%: not a breach.
	for i := 0; i < 9; i++ {
		a.ActionFinished(0, ok("a"), 0)
	}
	a.ActionFinished(0, failed("b"), 0)
	assert.Empty(t, sink.Kinds())

	a.ActionFinished(0, failed("c"), 0)
	assert.Equal(t, []observability.AlertKind{observability.AlertFailureRate}, sink.Kinds())

	// Further failures while breached do not repeat the alert.
	a.ActionFinished(0, failed("d"), 0)
	assert.Len(t, sink.Kinds(), 1)

	// Aborted actions are ignored.
	a.ActionFinished(0, workflow.Failed("e", workflow.CodeAborted, "aborted", 0), 0)
	_, n := a.FailureRate()
	assert.Equal(t, 12, n)

	// Once the window slides past, the old outcomes drop out.
	c.Advance(6 * time.Minute)
	a.ActionFinished(0, ok("f"), 0)
	rate, n := a.FailureRate()
	assert.Equal(t, 1, n)
	assert.Zero(t, rate)
}

func connectNATS(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go srv.Start()
	require.True(t, srv.ReadyForConnections(5*time.Second))
	t.Cleanup(srv.Shutdown)

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestPublisher_PublishesOnSubjects(t *testing.T) {
	nc := connectNATS(t)

	msgs := make(chan *nats.Msg, 8)
	sub, err := nc.ChanSubscribe("taskbatch.>", msgs)
	require.NoError(t, err)
	defer sub.Unsubscribe() //nolint:errcheck
	require.NoError(t, nc.Flush())

	p := observability.NewPublisher(nc)
	ctx := context.Background()
	require.NoError(t, p.PublishProgress(ctx, workflow.ProgressUpdate{ExecutionID: "e1", ProgressPercentage: 50}))
	require.NoError(t, p.Notify(ctx, workflow.Notification{ExecutionID: "e1", UserID: "u1", Status: workflow.ExecutionSucceeded}))
	require.NoError(t, p.Alert(ctx, observability.Alert{Kind: observability.AlertPartialSuccess}))

	subjects := map[string][]byte{}
	for i := 0; i < 3; i++ {
		select {
		case m := <-msgs:
			subjects[m.Subject] = m.Data
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d messages received", i)
		}
	}

	require.Contains(t, subjects, "taskbatch.progress.e1")
	require.Contains(t, subjects, "taskbatch.notifications.u1")
	require.Contains(t, subjects, "taskbatch.alerts.partial_success")

	var update workflow.ProgressUpdate
	require.NoError(t, json.Unmarshal(subjects["taskbatch.progress.e1"], &update))
	assert.Equal(t, 50.0, update.ProgressPercentage)
}

func TestPublisher_NotifyFlushWithAndWithoutDeadline(t *testing.T) {
	nc := connectNATS(t)
	p := observability.NewPublisher(nc)
	n := workflow.Notification{ExecutionID: "e1", UserID: "u1", Status: workflow.ExecutionSucceeded}

	assert.NoError(t, p.Notify(context.Background(), n), "no deadline falls back to a bounded flush")

	withDeadline, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, p.Notify(withDeadline, n))

	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	assert.ErrorIs(t, p.Notify(cancelled, n), context.Canceled)
}

func TestFanout(t *testing.T) {
	s1, s2 := &sinkRecorder{}, &sinkRecorder{}
	f := observability.Fanout{
		observability.NewAlerter(observability.DefaultAlertConfig(), []observability.AlertSink{s1}),
		observability.NewAlerter(observability.DefaultAlertConfig(), []observability.AlertSink{s2}),
	}
	f.ExecutionCompleted(workflow.WorkflowState{Failure: &workflow.ErrorInfo{ErrorType: workflow.ErrorTypeValidation}})
	assert.Len(t, s1.Kinds(), 1)
	assert.Len(t, s2.Kinds(), 1)
}
