package observability

import (
	"time"

	"github.com/c360studio/taskbatch/workflow"
	"github.com/c360studio/taskbatch/workflow/machine"
)

// Fanout forwards every event to each observer in order.
type Fanout []machine.Observer

func (f Fanout) BatchStarted(b workflow.ActionBatch) {
	for _, o := range f {
		o.BatchStarted(b)
	}
}

func (f Fanout) BatchFinished(r workflow.BatchResult, elapsed time.Duration) {
	for _, o := range f {
		o.BatchFinished(r, elapsed)
	}
}

func (f Fanout) ActionStarted(batchNumber int, actionID string) {
	for _, o := range f {
		o.ActionStarted(batchNumber, actionID)
	}
}

func (f Fanout) ActionFinished(batchNumber int, r workflow.ActionResult, elapsed time.Duration) {
	for _, o := range f {
		o.ActionFinished(batchNumber, r, elapsed)
	}
}

func (f Fanout) StepCompleted(s workflow.WorkflowState, step workflow.StateName, elapsed time.Duration, err error) {
	for _, o := range f {
		o.StepCompleted(s, step, elapsed, err)
	}
}

func (f Fanout) ActionRetried(executionID, actionID string, retry int, delay time.Duration, err error) {
	for _, o := range f {
		o.ActionRetried(executionID, actionID, retry, delay, err)
	}
}

func (f Fanout) ExecutionCompleted(s workflow.WorkflowState) {
	for _, o := range f {
		o.ExecutionCompleted(s)
	}
}
