package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/taskbatch/storage"
	"github.com/c360studio/taskbatch/workflow"
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

func TestStateStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewStateStore(ctx, startJetStream(t), time.Hour)
	require.NoError(t, err)

	state := workflow.NewState(workflow.WorkflowInput{
		GoalID:      goalID,
		UserID:      "user-1",
		ActionIDs:   []string{actionA, actionB},
		ExecutionID: "exec-1",
	})
	_, err = store.Create(ctx, state)
	require.NoError(t, err)

	_, err = store.Create(ctx, state)
	assert.Error(t, err, "second create for the same execution must fail")

	state.Current = workflow.StateGetActions
	_, err = store.Put(ctx, state)
	require.NoError(t, err)

	got, err := store.Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateGetActions, got.Current)
	assert.Equal(t, []string{actionA, actionB}, got.Input.ActionIDs)

	require.NoError(t, store.Delete(ctx, "exec-1"))
	_, err = store.Get(ctx, "exec-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStateStore_Missing(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewStateStore(ctx, startJetStream(t), 0)
	require.NoError(t, err)

	_, err = store.Get(ctx, "never")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
