package taskorchestrator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	taskorchestrator "github.com/c360studio/taskbatch/processor/task-orchestrator"
	"github.com/c360studio/taskbatch/storage"
	"github.com/c360studio/taskbatch/workflow"
	"github.com/c360studio/taskbatch/workflow/machine"
)

func startJetStream(t *testing.T) jetstream.JetStream {
	t.Helper()
	srv, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	require.NoError(t, err)
	go srv.Start()
	require.True(t, srv.ReadyForConnections(5*time.Second), "nats server not ready")
	t.Cleanup(srv.Shutdown)

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	js, err := jetstream.New(nc)
	require.NoError(t, err)
	return js
}

// recordingStepper walks the success path and records each state it ran.
type recordingStepper struct {
	mu   sync.Mutex
	seen map[string][]workflow.StateName
}

func (s *recordingStepper) Step(_ context.Context, state workflow.WorkflowState) (workflow.WorkflowState, error) {
	s.mu.Lock()
	if s.seen == nil {
		s.seen = map[string][]workflow.StateName{}
	}
	id := state.Input.ExecutionID
	s.seen[id] = append(s.seen[id], state.Current)
	s.mu.Unlock()

	state.Record(workflow.StepRecord{State: state.Current})
	if state.Current == workflow.StateUpdateStatus {
		state.Status = workflow.ExecutionSucceeded
	}
	state.Current = machine.Next(state.Current, nil)
	return state, nil
}

func (s *recordingStepper) Seen(id string) []workflow.StateName {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]workflow.StateName(nil), s.seen[id]...)
}

type fixture struct {
	js        jetstream.JetStream
	states    *storage.StateStore
	stepper   *recordingStepper
	component *taskorchestrator.Component
	config    taskorchestrator.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	js := startJetStream(t)

	states, err := storage.NewStateStore(ctx, js, time.Hour)
	require.NoError(t, err)

	cfg := taskorchestrator.DefaultConfig()
	cfg.Workers = 1
	cfg.RetryDelay = "50ms"

	stepper := &recordingStepper{}
	c, err := taskorchestrator.NewComponent(cfg, js, stepper, states, nil)
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx))
	t.Cleanup(func() { _ = c.Stop(10 * time.Second) })

	return &fixture{js: js, states: states, stepper: stepper, component: c, config: cfg}
}

func (f *fixture) waitDone(t *testing.T, id string) workflow.WorkflowState {
	t.Helper()
	var state workflow.WorkflowState
	require.Eventually(t, func() bool {
		s, err := f.states.Get(context.Background(), id)
		if err != nil {
			return false
		}
		state = s
		return s.Done()
	}, 10*time.Second, 20*time.Millisecond)
	return state
}

func TestComponent_RunsSubmittedExecution(t *testing.T) {
	f := newFixture(t)
	sub := taskorchestrator.NewSubmitter(f.js, f.config.TriggerSubject)

	id, err := sub.Submit(context.Background(), workflow.WorkflowInput{
		GoalID:    "goal-1",
		UserID:    "user-1",
		ActionIDs: []string{"a"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	state := f.waitDone(t, id)
	assert.Equal(t, workflow.ExecutionSucceeded, state.Status)
	assert.Len(t, state.History, 7)

	require.Eventually(t, func() bool {
		return f.component.Stats().ExecutionsCompleted == 1
	}, 5*time.Second, 10*time.Millisecond)

	h := f.component.Health()
	assert.True(t, h.Healthy)
	assert.Equal(t, "running", h.Status)
	assert.Zero(t, h.ErrorCount)
}

func TestComponent_ResumesStoredState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stored := workflow.NewState(workflow.WorkflowInput{
		ExecutionID: "exec-resume",
		GoalID:      "goal-1",
		UserID:      "user-1",
		ActionIDs:   []string{"a"},
	})
	stored.Current = workflow.StateAggregateResults
	_, err := f.states.Put(ctx, stored)
	require.NoError(t, err)

	_, err = taskorchestrator.NewSubmitter(f.js, f.config.TriggerSubject).Submit(ctx, stored.Input)
	require.NoError(t, err)

	f.waitDone(t, "exec-resume")
	assert.Equal(t, []workflow.StateName{
		workflow.StateAggregateResults,
		workflow.StateUpdateStatus,
		workflow.StateNotify,
	}, f.stepper.Seen("exec-resume"))

	require.Eventually(t, func() bool {
		return f.component.Stats().Resumed == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestComponent_SkipsFinishedExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := []byte(`{"execution_id":"exec-dup","goal_id":"g","user_id":"u","action_ids":["a"]}`)

	_, err := f.js.Publish(ctx, f.config.TriggerSubject, data)
	require.NoError(t, err)
	f.waitDone(t, "exec-dup")

	// Published without a message ID, so the stream keeps both.
	_, err = f.js.Publish(ctx, f.config.TriggerSubject, data)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.component.Stats().Duplicates == 1
	}, 10*time.Second, 10*time.Millisecond)
	assert.Len(t, f.stepper.Seen("exec-dup"), 7, "the second trigger must not run any step")
}

func TestComponent_RejectsMalformedTrigger(t *testing.T) {
	f := newFixture(t)

	_, err := f.js.Publish(context.Background(), f.config.TriggerSubject, []byte("{not json"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.component.Stats().TriggersRejected == 1
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.component.Health().ErrorCount)
}

func TestComponent_StopIsIdempotent(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.component.Stop(10*time.Second))
	require.NoError(t, f.component.Stop(time.Second))
	assert.False(t, f.component.Health().Healthy)
	assert.Equal(t, "stopped", f.component.Health().Status)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*taskorchestrator.Config)
		ok     bool
	}{
		{"defaults", func(*taskorchestrator.Config) {}, true},
		{"missing stream", func(c *taskorchestrator.Config) { c.StreamName = "" }, false},
		{"missing consumer", func(c *taskorchestrator.Config) { c.ConsumerName = "" }, false},
		{"missing subject", func(c *taskorchestrator.Config) { c.TriggerSubject = "" }, false},
		{"no subjects to ensure", func(c *taskorchestrator.Config) { c.StreamSubjects = nil }, false},
		{"existing stream needs no subjects", func(c *taskorchestrator.Config) {
			c.StreamSubjects = nil
			c.EnsureStream = false
		}, true},
		{"zero workers", func(c *taskorchestrator.Config) { c.Workers = 0 }, false},
		{"zero deliveries", func(c *taskorchestrator.Config) { c.MaxDeliver = 0 }, false},
		{"bad ack wait", func(c *taskorchestrator.Config) { c.AckWait = "soon" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := taskorchestrator.DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestConfig_Durations(t *testing.T) {
	cfg := taskorchestrator.Config{AckWait: "", RetryDelay: "nonsense"}
	assert.Equal(t, 60*time.Second, cfg.GetAckWait())
	assert.Equal(t, 5*time.Second, cfg.GetRetryDelay())

	cfg.AckWait = "90s"
	assert.Equal(t, 90*time.Second, cfg.GetAckWait())
}
