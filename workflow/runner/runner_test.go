package runner_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/taskbatch/workflow"
	"github.com/c360studio/taskbatch/workflow/machine"
	"github.com/c360studio/taskbatch/workflow/runner"
)

// linearStepper walks the success path and leaves a marker in the actions
// map so tests can see whether memory leaks from one step into the next.
type linearStepper struct {
	mu    sync.Mutex
	seen  []workflow.StateName
	last  map[string]workflow.ActionContext
	block chan struct{}
}

func (s *linearStepper) Step(ctx context.Context, state workflow.WorkflowState) (workflow.WorkflowState, error) {
	s.mu.Lock()
	s.seen = append(s.seen, state.Current)
	shared := s.last
	s.mu.Unlock()

	if shared != nil {
		shared["leak"] = workflow.ActionContext{Title: "written after the step returned"}
	}
	if s.block != nil && state.Current == workflow.StateProcessBatches {
		select {
		case <-s.block:
		case <-ctx.Done():
			state.Failure = &workflow.ErrorInfo{ErrorType: workflow.ErrorTypeCancelled}
			state.Current = workflow.StateHandleError
			return state, ctx.Err()
		}
	}

	if state.Actions == nil {
		state.Actions = map[string]workflow.ActionContext{}
	}
	s.mu.Lock()
	s.last = state.Actions
	s.mu.Unlock()

	state.Record(workflow.StepRecord{State: state.Current})
	state.Current = machine.Next(state.Current, nil)
	return state, nil
}

func (s *linearStepper) Seen() []workflow.StateName {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]workflow.StateName(nil), s.seen...)
}

type memCheckpoint struct {
	mu     sync.Mutex
	states []workflow.WorkflowState
}

func (c *memCheckpoint) Put(_ context.Context, s workflow.WorkflowState) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, s)
	return uint64(len(c.states)), nil
}

func TestRunner_RunsToDoneThroughSerializedState(t *testing.T) {
	stepper := &linearStepper{}
	cp := &memCheckpoint{}
	r := runner.New(stepper, runner.WithCheckpointer(cp))

	state, err := r.Run(context.Background(), workflow.WorkflowInput{ExecutionID: "e1", GoalID: "g", UserID: "u", ActionIDs: []string{"a"}})
	require.NoError(t, err)

	assert.True(t, state.Done())
	assert.Equal(t, []workflow.StateName{
		workflow.StateValidateInput,
		workflow.StateGetActions,
		workflow.StateCreateBatches,
		workflow.StateProcessBatches,
		workflow.StateAggregateResults,
		workflow.StateUpdateStatus,
		workflow.StateNotify,
	}, stepper.Seen())
	assert.Len(t, state.History, 7)
	assert.NotContains(t, state.Actions, "leak", "each step must receive a decoded copy")
	assert.Len(t, cp.states, 7)
	assert.Equal(t, workflow.StateDone, cp.states[6].Current)
}

type stuckStepper struct{}

func (stuckStepper) Step(_ context.Context, s workflow.WorkflowState) (workflow.WorkflowState, error) {
	return s, nil
}

func TestRunner_StopsRunawayExecutions(t *testing.T) {
	r := runner.New(stuckStepper{})

	_, err := r.Run(context.Background(), workflow.WorkflowInput{ExecutionID: "e"})
	assert.Error(t, err)
}

func TestRunner_SubmitAndCancel(t *testing.T) {
	stepper := &linearStepper{block: make(chan struct{})}
	r := runner.New(stepper)

	id, err := r.Submit(context.Background(), workflow.WorkflowInput{GoalID: "g", UserID: "u"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		seen := stepper.Seen()
		return len(seen) > 0 && seen[len(seen)-1] == workflow.StateProcessBatches
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, r.Running())

	_, err = r.Submit(context.Background(), workflow.WorkflowInput{ExecutionID: id})
	assert.Error(t, err, "an execution ID runs once at a time")

	require.NoError(t, r.Cancel(id))
	require.NoError(t, r.Shutdown(context.Background()))
	assert.Equal(t, 0, r.Running())
	assert.Contains(t, stepper.Seen(), workflow.StateHandleError)

	assert.ErrorIs(t, r.Cancel(id), runner.ErrUnknownExecution)
	_, err = r.Submit(context.Background(), workflow.WorkflowInput{})
	assert.Error(t, err, "no work after shutdown")
}

func TestRunner_ShutdownCancelsOnDeadline(t *testing.T) {
	stepper := &linearStepper{block: make(chan struct{})}
	r := runner.New(stepper)

	_, err := r.Submit(context.Background(), workflow.WorkflowInput{GoalID: "g", UserID: "u"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r.Running() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Shutdown(ctx), context.DeadlineExceeded)
	assert.Equal(t, 0, r.Running())
}
