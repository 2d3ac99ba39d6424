package aggregation

import (
	"sync"
	"time"

	"github.com/c360studio/taskbatch/workflow"
)

// Percentage returns processed/total*100 clamped to [0, 100].
func Percentage(processed, total int) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(processed) / float64(total) * 100
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

// ProgressTracker turns batch completions, which arrive in any order from
// concurrent batches, into monotone progress updates.
type ProgressTracker struct {
	executionID  string
	totalActions int
	totalBatches int
	now          func() time.Time
	started      time.Time

	mu        sync.Mutex
	processed int
	batches   int
}

// NewProgressTracker starts tracking an execution.
func NewProgressTracker(executionID string, totalActions, totalBatches int, now func() time.Time) *ProgressTracker {
	if now == nil {
		now = time.Now
	}
	return &ProgressTracker{
		executionID:  executionID,
		totalActions: totalActions,
		totalBatches: totalBatches,
		now:          now,
		started:      now(),
	}
}

// BatchCompleted records a finished batch of the given size and returns
// the resulting update.
func (p *ProgressTracker) BatchCompleted(actions int) workflow.ProgressUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()

	if actions > 0 {
		p.processed = min(p.processed+actions, p.totalActions)
	}
	if p.batches < p.totalBatches {
		p.batches++
	}
	return p.snapshotLocked()
}

// Snapshot returns the current update without recording anything.
func (p *ProgressTracker) Snapshot() workflow.ProgressUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *ProgressTracker) snapshotLocked() workflow.ProgressUpdate {
	u := workflow.ProgressUpdate{
		ExecutionID:        p.executionID,
		ProcessedActions:   p.processed,
		TotalActions:       p.totalActions,
		CurrentBatch:       p.batches,
		TotalBatches:       p.totalBatches,
		ProgressPercentage: Percentage(p.processed, p.totalActions),
	}
	if p.processed > 0 && p.processed < p.totalActions {
		perAction := p.now().Sub(p.started) / time.Duration(p.processed)
		u.EstimatedTimeRemaining = perAction * time.Duration(p.totalActions-p.processed)
	}
	return u
}
