package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// StateName identifies a state of the execution state machine.
type StateName string

const (
	StateValidateInput    StateName = "ValidateInput"
	StateGetActions       StateName = "GetActions"
	StateCreateBatches    StateName = "CreateBatches"
	StateProcessBatches   StateName = "ProcessBatches"
	StateAggregateResults StateName = "AggregateResults"
	StateUpdateStatus     StateName = "UpdateStatus"
	StateNotify           StateName = "Notify"
	StateHandleError      StateName = "HandleError"
	StateDone             StateName = "Done"
)

// StepRecord is one entry of the append-only step history.
type StepRecord struct {
	State      StateName `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}

// WorkflowState is the envelope threaded through every step. Steps only add
// to it: once a field is set, later steps read it but never replace it. The
// whole struct round-trips through JSON between steps, so it must not carry
// anything that cannot be serialized.
type WorkflowState struct {
	// Input is the immutable request.
	Input WorkflowInput `json:"input"`

	// Current is the next state to run.
	Current StateName `json:"current"`

	// StartedAt is when ValidateInput first ran.
	StartedAt time.Time `json:"started_at"`

	// Deadline is the wall-clock cutoff for the whole execution.
	Deadline time.Time `json:"deadline"`

	// Actions holds the fetched contexts keyed by action ID.
	Actions map[string]ActionContext `json:"actions,omitempty"`

	// Batches is the partition of Input.ActionIDs.
	Batches []ActionBatch `json:"batches,omitempty"`

	// BatchResults holds one entry per processed batch, in batch order.
	BatchResults []BatchResult `json:"batch_results,omitempty"`

	// Results is the aggregate, set by AggregateResults.
	Results *AggregatedResults `json:"results,omitempty"`

	// Status is the final execution status, set by UpdateStatus or HandleError.
	Status ExecutionStatus `json:"status,omitempty"`

	// Failure is set when the execution routed through HandleError.
	Failure *ErrorInfo `json:"failure,omitempty"`

	// Notified is set once the notification was delivered.
	Notified bool `json:"notified,omitempty"`

	// History lists every step that ran, in order.
	History []StepRecord `json:"history,omitempty"`
}

// NewState creates the initial envelope for an input.
func NewState(input WorkflowInput) WorkflowState {
	ids := make([]string, len(input.ActionIDs))
	copy(ids, input.ActionIDs)
	input.ActionIDs = ids
	return WorkflowState{
		Input:   input,
		Current: StateValidateInput,
	}
}

// Done reports whether the machine reached its terminal state.
func (s *WorkflowState) Done() bool {
	return s.Current == StateDone
}

// Succeeded reports whether the execution ended without routing through HandleError.
func (s *WorkflowState) Succeeded() bool {
	return s.Done() && s.Failure == nil
}

// Record appends a step record to the history.
func (s *WorkflowState) Record(rec StepRecord) {
	s.History = append(s.History, rec)
}

// Encode serializes the envelope.
func (s WorkflowState) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode workflow state: %w", err)
	}
	return data, nil
}

// DecodeState deserializes an envelope produced by Encode.
func DecodeState(data []byte) (WorkflowState, error) {
	var s WorkflowState
	if err := json.Unmarshal(data, &s); err != nil {
		return WorkflowState{}, fmt.Errorf("decode workflow state: %w", err)
	}
	return s, nil
}

// Roundtrip passes the envelope through its serialized form, dropping any
// memory shared with the previous step.
func Roundtrip(s WorkflowState) (WorkflowState, error) {
	data, err := s.Encode()
	if err != nil {
		return WorkflowState{}, err
	}
	return DecodeState(data)
}
