// Package batch partitions an ordered list of action IDs into bounded batches
// and runs them with bounded concurrency at two levels: batches in flight and
// actions in flight within one batch.
package batch

import (
	"fmt"

	"github.com/c360studio/taskbatch/workflow"
)

// Default limits.
const (
	DefaultMaxBatchSize         = 8
	DefaultMaxConcurrentBatches = 3
	DefaultMaxConcurrentActions = 8
)

// Config holds the partitioning and concurrency limits.
type Config struct {
	// MaxBatchSize is the largest number of actions in one batch.
	MaxBatchSize int `yaml:"max_batch_size" json:"max_batch_size"`

	// MaxConcurrentBatches bounds the batches in flight at once.
	MaxConcurrentBatches int `yaml:"max_concurrent_batches" json:"max_concurrent_batches"`

	// MaxConcurrentActions bounds the actions in flight within one batch.
	MaxConcurrentActions int `yaml:"max_concurrent_actions" json:"max_concurrent_actions"`
}

// DefaultConfig returns 8 actions per batch, 3 batches and 8 actions in flight.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:         DefaultMaxBatchSize,
		MaxConcurrentBatches: DefaultMaxConcurrentBatches,
		MaxConcurrentActions: DefaultMaxConcurrentActions,
	}
}

// Validate checks the limits.
func (c Config) Validate() error {
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("max_batch_size must be positive, got %d", c.MaxBatchSize)
	}
	if c.MaxConcurrentBatches < 1 {
		return fmt.Errorf("max_concurrent_batches must be positive, got %d", c.MaxConcurrentBatches)
	}
	if c.MaxConcurrentActions < 1 {
		return fmt.Errorf("max_concurrent_actions must be positive, got %d", c.MaxConcurrentActions)
	}
	return nil
}

// MaxInFlightActions is the ceiling on concurrent action work across all
// batches of one run.
func (c Config) MaxInFlightActions() int {
	return c.MaxConcurrentBatches * c.MaxConcurrentActions
}

// Partition splits ids into consecutive batches of at most size entries.
// Batch i holds ids[i*size : (i+1)*size], so concatenating the batches in
// batch number order reproduces the input.
func Partition(ids []string, size int) []workflow.ActionBatch {
	if size < 1 {
		size = DefaultMaxBatchSize
	}
	if len(ids) == 0 {
		return nil
	}

	batches := make([]workflow.ActionBatch, 0, Count(len(ids), size))
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		actions := make([]string, end-start)
		copy(actions, ids[start:end])
		batches = append(batches, workflow.ActionBatch{
			BatchNumber: start / size,
			Actions:     actions,
		})
	}
	return batches
}

// Count returns how many batches n actions need.
func Count(n, size int) int {
	if n <= 0 || size < 1 {
		return 0
	}
	return (n + size - 1) / size
}

// Flatten concatenates batches in batch number order.
func Flatten(batches []workflow.ActionBatch) []string {
	var out []string
	for _, b := range batches {
		out = append(out, b.Actions...)
	}
	return out
}
