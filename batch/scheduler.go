package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/c360studio/taskbatch/workflow"
	"github.com/c360studio/taskbatch/workflow/aggregation"
)

// ActionFunc processes one action and reports its outcome. It never returns
// an error: every failure is expressed as a failed ActionResult so one action
// cannot take down its batch.
type ActionFunc func(ctx context.Context, batchNumber int, actionID string) workflow.ActionResult

// Observer receives batch and action lifecycle events. Calls arrive from
// many goroutines at once.
type Observer interface {
	BatchStarted(batch workflow.ActionBatch)
	BatchFinished(result workflow.BatchResult, elapsed time.Duration)
	ActionStarted(batchNumber int, actionID string)
	ActionFinished(batchNumber int, result workflow.ActionResult, elapsed time.Duration)
}

// Gauge tracks in-flight work and the highest level observed.
type Gauge struct {
	batches     atomic.Int64
	actions     atomic.Int64
	peakBatches atomic.Int64
	peakActions atomic.Int64
}

func raise(cur, peak *atomic.Int64) {
	n := cur.Add(1)
	for {
		p := peak.Load()
		if n <= p || peak.CompareAndSwap(p, n) {
			return
		}
	}
}

// InFlight returns the batches and actions currently running.
func (g *Gauge) InFlight() (batches, actions int) {
	return int(g.batches.Load()), int(g.actions.Load())
}

// Peak returns the highest concurrent batches and actions observed.
func (g *Gauge) Peak() (batches, actions int) {
	return int(g.peakBatches.Load()), int(g.peakActions.Load())
}

// Scheduler runs batches with bounded concurrency. A Scheduler is safe for
// concurrent use; limits apply per Run.
type Scheduler struct {
	config   Config
	logger   *slog.Logger
	observer Observer
	gauge    *Gauge
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithObserver registers a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		s.observer = o
	}
}

// WithGauge shares an in-flight gauge with the caller.
func WithGauge(g *Gauge) Option {
	return func(s *Scheduler) {
		s.gauge = g
	}
}

// NewScheduler creates a scheduler. Invalid limits fall back to defaults.
func NewScheduler(cfg Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.MaxBatchSize < 1 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.MaxConcurrentBatches < 1 {
		cfg.MaxConcurrentBatches = def.MaxConcurrentBatches
	}
	if cfg.MaxConcurrentActions < 1 {
		cfg.MaxConcurrentActions = def.MaxConcurrentActions
	}

	s := &Scheduler{
		config: cfg,
		logger: slog.Default(),
		gauge:  &Gauge{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective limits.
func (s *Scheduler) Config() Config {
	return s.config
}

// Gauge returns the in-flight gauge.
func (s *Scheduler) Gauge() *Gauge {
	return s.gauge
}

// Partition splits ids using the configured batch size.
func (s *Scheduler) Partition(ids []string) []workflow.ActionBatch {
	return Partition(ids, s.config.MaxBatchSize)
}

// Run processes every batch and returns one BatchResult per input batch, in
// input order. Batches are independent: a failed action or batch never
// cancels a sibling. Once ctx is done no further batch or action is started,
// and everything not started is reported failed with code ABORTED.
func (s *Scheduler) Run(ctx context.Context, batches []workflow.ActionBatch, fn ActionFunc) []workflow.BatchResult {
	results := make([]workflow.BatchResult, len(batches))

	// A plain group: an error here must not cancel sibling batches.
	var g errgroup.Group
	g.SetLimit(s.config.MaxConcurrentBatches)

	for i, b := range batches {
		if ctx.Err() != nil {
			results[i] = s.aborted(b, "execution aborted before batch started")
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				results[i] = s.aborted(b, "execution aborted before batch started")
				return nil
			}
			results[i] = s.runBatch(ctx, b, fn)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (s *Scheduler) runBatch(ctx context.Context, b workflow.ActionBatch, fn ActionFunc) workflow.BatchResult {
	raise(&s.gauge.batches, &s.gauge.peakBatches)
	defer s.gauge.batches.Add(-1)

	start := time.Now()
	s.logger.Debug("Batch started", "batch", b.BatchNumber, "actions", len(b.Actions))
	if s.observer != nil {
		s.observer.BatchStarted(b)
	}

	results := make([]workflow.ActionResult, len(b.Actions))
	sem := semaphore.NewWeighted(int64(s.config.MaxConcurrentActions))
	var wg sync.WaitGroup

	for i, actionID := range b.Actions {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = workflow.Failed(actionID, workflow.CodeAborted, "execution aborted before action started", 0)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = s.runAction(ctx, b.BatchNumber, actionID, fn)
		}()
	}
	wg.Wait()

	result := aggregation.FoldBatch(b.BatchNumber, results)
	elapsed := time.Since(start)
	s.logger.Debug("Batch finished",
		"batch", b.BatchNumber,
		"succeeded", result.SuccessCount,
		"failed", result.FailedCount,
		"duration", elapsed)
	if s.observer != nil {
		s.observer.BatchFinished(result, elapsed)
	}
	return result
}

func (s *Scheduler) runAction(ctx context.Context, batchNumber int, actionID string, fn ActionFunc) (result workflow.ActionResult) {
	raise(&s.gauge.actions, &s.gauge.peakActions)
	defer s.gauge.actions.Add(-1)

	start := time.Now()
	if s.observer != nil {
		s.observer.ActionStarted(batchNumber, actionID)
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Action panicked", "batch", batchNumber, "action_id", actionID, "panic", r)
			result = workflow.Failed(actionID, workflow.CodeInternal, fmt.Sprintf("panic: %v", r), 0)
		}
		if result.ActionID == "" {
			result.ActionID = actionID
		}
		if s.observer != nil {
			s.observer.ActionFinished(batchNumber, result, time.Since(start))
		}
	}()

	return fn(ctx, batchNumber, actionID)
}

func (s *Scheduler) aborted(b workflow.ActionBatch, reason string) workflow.BatchResult {
	s.logger.Info("Batch skipped", "batch", b.BatchNumber, "reason", reason)
	results := make([]workflow.ActionResult, len(b.Actions))
	for i, id := range b.Actions {
		results[i] = workflow.Failed(id, workflow.CodeAborted, reason, 0)
	}
	return aggregation.FoldBatch(b.BatchNumber, results)
}
