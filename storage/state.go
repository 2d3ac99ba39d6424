package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/taskbatch/workflow"
)

// BucketStates holds the workflow state of every execution, keyed by
// execution ID.
const BucketStates = "TASKBATCH_STATES"

// StateStore keeps the serialized WorkflowState of each execution in a
// JetStream KV bucket, so a step can resume on any process.
type StateStore struct {
	kv jetstream.KeyValue
}

// NewStateStore opens the bucket, creating it on first use.
func NewStateStore(ctx context.Context, js jetstream.JetStream, ttl time.Duration) (*StateStore, error) {
	kv, err := getOrCreateBucket(ctx, js, BucketStates, ttl)
	if err != nil {
		return nil, fmt.Errorf("open state bucket: %w", err)
	}
	return &StateStore{kv: kv}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: "taskbatch workflow state",
		History:     5,
		TTL:         ttl,
	})
}

// Put stores the state and returns the new revision.
func (s *StateStore) Put(ctx context.Context, state workflow.WorkflowState) (uint64, error) {
	data, err := state.Encode()
	if err != nil {
		return 0, err
	}
	rev, err := s.kv.Put(ctx, state.Input.ExecutionID, data)
	if err != nil {
		return 0, fmt.Errorf("store state %s: %w", state.Input.ExecutionID, err)
	}
	return rev, nil
}

// Create stores the initial state and fails if the execution already exists.
func (s *StateStore) Create(ctx context.Context, state workflow.WorkflowState) (uint64, error) {
	data, err := state.Encode()
	if err != nil {
		return 0, err
	}
	rev, err := s.kv.Create(ctx, state.Input.ExecutionID, data)
	if err != nil {
		return 0, fmt.Errorf("create state %s: %w", state.Input.ExecutionID, err)
	}
	return rev, nil
}

// Get loads the state of an execution.
func (s *StateStore) Get(ctx context.Context, executionID string) (workflow.WorkflowState, error) {
	entry, err := s.kv.Get(ctx, executionID)
	if err != nil {
		if isNotFound(err) {
			return workflow.WorkflowState{}, ErrNotFound
		}
		return workflow.WorkflowState{}, fmt.Errorf("get state %s: %w", executionID, err)
	}
	return workflow.DecodeState(entry.Value())
}

// Delete removes the state of an execution.
func (s *StateStore) Delete(ctx context.Context, executionID string) error {
	if err := s.kv.Delete(ctx, executionID); err != nil && !isNotFound(err) {
		return fmt.Errorf("delete state %s: %w", executionID, err)
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}
