package batch_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/taskbatch/batch"
	"github.com/c360studio/taskbatch/workflow"
)

func ids(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("action-%02d", i)
	}
	return out
}

func TestPartition_Completeness(t *testing.T) {
	for n := 1; n <= 50; n++ {
		input := ids(n)
		batches := batch.Partition(input, 8)

		require.Len(t, batches, batch.Count(n, 8), "n=%d", n)
		seen := make(map[string]int)
		for i, b := range batches {
			assert.Equal(t, i, b.BatchNumber)
			assert.LessOrEqual(t, len(b.Actions), 8)
			assert.NotEmpty(t, b.Actions)
			for _, id := range b.Actions {
				seen[id]++
			}
		}
		assert.Equal(t, input, batch.Flatten(batches), "n=%d", n)
		for _, id := range input {
			assert.Equal(t, 1, seen[id], "n=%d id=%s", n, id)
		}
	}
}

func TestPartition_SeventeenActions(t *testing.T) {
	batches := batch.Partition(ids(17), 8)

	var sizes []int
	for _, b := range batches {
		sizes = append(sizes, len(b.Actions))
	}
	assert.Equal(t, []int{8, 8, 1}, sizes)
	assert.Equal(t, "action-16", batches[2].Actions[0])
}

func TestPartition_BatchNumberIsIndexOverSize(t *testing.T) {
	input := ids(30)
	batches := batch.Partition(input, 8)
	for _, b := range batches {
		for _, id := range b.Actions {
			var idx int
			_, err := fmt.Sscanf(id, "action-%d", &idx)
			require.NoError(t, err)
			assert.Equal(t, idx/8, b.BatchNumber)
		}
	}
}

func TestPartition_DoesNotAliasInput(t *testing.T) {
	input := ids(3)
	batches := batch.Partition(input, 8)
	input[0] = "changed"
	assert.Equal(t, "action-00", batches[0].Actions[0])
}

func TestPartition_Empty(t *testing.T) {
	assert.Empty(t, batch.Partition(nil, 8))
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, batch.DefaultConfig().Validate())
	assert.Equal(t, 24, batch.DefaultConfig().MaxInFlightActions())

	bad := batch.DefaultConfig()
	bad.MaxConcurrentBatches = 0
	assert.Error(t, bad.Validate())
}

func succeed(ctx context.Context, batchNumber int, actionID string) workflow.ActionResult {
	return workflow.Succeeded(actionID, []workflow.GeneratedTask{{Title: "t"}})
}

func TestScheduler_AllSucceed(t *testing.T) {
	s := batch.NewScheduler(batch.DefaultConfig())
	results := s.Run(context.Background(), s.Partition(ids(8)), succeed)

	require.Len(t, results, 1)
	assert.Equal(t, 8, results[0].SuccessCount)
	assert.Equal(t, 0, results[0].FailedCount)
}

func TestScheduler_ConcurrencyBounds(t *testing.T) {
	s := batch.NewScheduler(batch.DefaultConfig())

	var running, peak atomic.Int64
	slow := func(ctx context.Context, batchNumber int, actionID string) workflow.ActionResult {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return workflow.Succeeded(actionID, nil)
	}

	results := s.Run(context.Background(), s.Partition(ids(80)), slow)
	require.Len(t, results, 10)

	peakBatches, peakActions := s.Gauge().Peak()
	assert.LessOrEqual(t, peakBatches, 3)
	assert.LessOrEqual(t, peakActions, 24)
	assert.LessOrEqual(t, int(peak.Load()), 24)
	assert.Greater(t, peakBatches, 1, "batches should overlap")

	batches, actions := s.Gauge().InFlight()
	assert.Zero(t, batches)
	assert.Zero(t, actions)
}

func TestScheduler_SeventeenActionsNeverExceedThreeBatches(t *testing.T) {
	s := batch.NewScheduler(batch.DefaultConfig())
	fn := func(ctx context.Context, batchNumber int, actionID string) workflow.ActionResult {
		time.Sleep(time.Millisecond)
		return workflow.Succeeded(actionID, nil)
	}

	results := s.Run(context.Background(), s.Partition(ids(17)), fn)

	require.Len(t, results, 3)
	assert.Equal(t, 8, results[0].SuccessCount)
	assert.Equal(t, 8, results[1].SuccessCount)
	assert.Equal(t, 1, results[2].SuccessCount)
	peakBatches, _ := s.Gauge().Peak()
	assert.LessOrEqual(t, peakBatches, 3)
}

func TestScheduler_FailureDoesNotBlockSiblings(t *testing.T) {
	s := batch.NewScheduler(batch.DefaultConfig())
	fn := func(ctx context.Context, batchNumber int, actionID string) workflow.ActionResult {
		if batchNumber == 0 {
			return workflow.Failed(actionID, workflow.CodePermanent, "rejected", 0)
		}
		return workflow.Succeeded(actionID, nil)
	}

	results := s.Run(context.Background(), s.Partition(ids(16)), fn)

	assert.Equal(t, 8, results[0].FailedCount)
	assert.Equal(t, 8, results[1].SuccessCount)
}

func TestScheduler_PanicBecomesFailedAction(t *testing.T) {
	s := batch.NewScheduler(batch.DefaultConfig())
	fn := func(ctx context.Context, batchNumber int, actionID string) workflow.ActionResult {
		if actionID == "action-01" {
			panic("boom")
		}
		return workflow.Succeeded(actionID, nil)
	}

	results := s.Run(context.Background(), s.Partition(ids(3)), fn)

	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].SuccessCount)
	failed := results[0].ActionResults[1]
	assert.Equal(t, workflow.ActionStatusFailed, failed.Status)
	assert.Equal(t, workflow.CodeInternal, failed.Error.Code)
}

func TestScheduler_AbortStopsFurtherBatches(t *testing.T) {
	cfg := batch.DefaultConfig()
	cfg.MaxConcurrentBatches = 1
	s := batch.NewScheduler(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int64
	fn := func(ctx context.Context, batchNumber int, actionID string) workflow.ActionResult {
		calls.Add(1)
		if batchNumber == 0 {
			cancel()
		}
		return workflow.Succeeded(actionID, nil)
	}

	results := s.Run(ctx, s.Partition(ids(24)), fn)
	require.Len(t, results, 3)

	// Batch 0 was in flight when the abort arrived; its started actions finish.
	assert.Positive(t, results[0].SuccessCount)
	for _, r := range results[1:] {
		assert.Equal(t, 0, r.SuccessCount)
		assert.Equal(t, 8, r.FailedCount)
		for _, ar := range r.ActionResults {
			assert.Equal(t, workflow.CodeAborted, ar.Error.Code)
		}
	}
	assert.LessOrEqual(t, calls.Load(), int64(8))
}

type recordingObserver struct {
	mu             sync.Mutex
	batchesStarted int
	batchesDone    int
	actionsStarted int
	actionsDone    int
}

func (o *recordingObserver) BatchStarted(workflow.ActionBatch) {
	o.mu.Lock()
	o.batchesStarted++
	o.mu.Unlock()
}

func (o *recordingObserver) BatchFinished(workflow.BatchResult, time.Duration) {
	o.mu.Lock()
	o.batchesDone++
	o.mu.Unlock()
}

func (o *recordingObserver) ActionStarted(int, string) {
	o.mu.Lock()
	o.actionsStarted++
	o.mu.Unlock()
}

func (o *recordingObserver) ActionFinished(int, workflow.ActionResult, time.Duration) {
	o.mu.Lock()
	o.actionsDone++
	o.mu.Unlock()
}

func TestScheduler_Observer(t *testing.T) {
	obs := &recordingObserver{}
	s := batch.NewScheduler(batch.DefaultConfig(), batch.WithObserver(obs))

	s.Run(context.Background(), s.Partition(ids(17)), succeed)

	assert.Equal(t, 3, obs.batchesStarted)
	assert.Equal(t, 3, obs.batchesDone)
	assert.Equal(t, 17, obs.actionsStarted)
	assert.Equal(t, 17, obs.actionsDone)
}
