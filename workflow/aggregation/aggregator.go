// Package aggregation folds per-action outcomes into per-batch results and
// per-batch results into the execution-level aggregate. Everything here is
// derived purely from its inputs.
package aggregation

import (
	"fmt"
	"sort"

	"github.com/c360studio/taskbatch/workflow"
)

// FoldBatch partitions the action results of one batch on status.
func FoldBatch(batchNumber int, results []workflow.ActionResult) workflow.BatchResult {
	out := workflow.BatchResult{
		BatchNumber:   batchNumber,
		ActionResults: make([]workflow.ActionResult, len(results)),
	}
	copy(out.ActionResults, results)

	for _, r := range results {
		if r.Status == workflow.ActionStatusSuccess {
			out.SuccessCount++
		} else {
			out.FailedCount++
		}
	}
	return out
}

// Aggregate sums batch results into the execution aggregate. Batches are
// ordered by batch number first so failed actions are listed in batch, then
// action order no matter which batch finished first.
func Aggregate(batches []workflow.BatchResult) workflow.AggregatedResults {
	ordered := make([]workflow.BatchResult, len(batches))
	copy(ordered, batches)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].BatchNumber < ordered[j].BatchNumber
	})

	agg := workflow.AggregatedResults{FailedActions: []workflow.FailedAction{}}
	for _, b := range ordered {
		agg.TotalActions += len(b.ActionResults)
		agg.SuccessCount += b.SuccessCount
		agg.FailedCount += b.FailedCount

		for _, r := range b.ActionResults {
			if r.Status == workflow.ActionStatusSuccess {
				continue
			}
			fa := workflow.FailedAction{ActionID: r.ActionID, BatchNumber: b.BatchNumber}
			if r.Error != nil {
				fa.Code = r.Error.Code
				fa.Message = r.Error.Message
				fa.RetryCount = r.Error.RetryCount
			}
			agg.FailedActions = append(agg.FailedActions, fa)
		}
	}

	agg.AllSuccess = agg.FailedCount == 0
	agg.PartialSuccess = agg.SuccessCount > 0 && agg.FailedCount > 0
	agg.NotificationMessage = NotificationMessage(agg.TotalActions, agg.SuccessCount, agg.FailedCount)
	return agg
}

// NotificationMessage summarizes the counts for the user. The text depends
// on the three counts only.
func NotificationMessage(total, success, failed int) string {
	switch {
	case total == 0:
		return "No actions were processed."
	case failed == 0:
		return fmt.Sprintf("Tasks were generated for all %s.", plural(total, "action"))
	case success == 0:
		return fmt.Sprintf("Task generation failed for all %s. Please try again.", plural(total, "action"))
	default:
		return fmt.Sprintf("Tasks were generated for %d of %s. %s failed and can be resubmitted.",
			success, plural(total, "action"), plural(failed, "action"))
	}
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

// Check verifies the arithmetic invariants of an aggregate.
func Check(agg workflow.AggregatedResults) error {
	if agg.SuccessCount+agg.FailedCount != agg.TotalActions {
		return fmt.Errorf("success %d + failed %d != total %d", agg.SuccessCount, agg.FailedCount, agg.TotalActions)
	}
	if agg.AllSuccess != (agg.FailedCount == 0) {
		return fmt.Errorf("all_success=%v with %d failures", agg.AllSuccess, agg.FailedCount)
	}
	partial := agg.SuccessCount > 0 && agg.SuccessCount < agg.TotalActions
	if agg.PartialSuccess != partial {
		return fmt.Errorf("partial_success=%v with %d of %d succeeded", agg.PartialSuccess, agg.SuccessCount, agg.TotalActions)
	}
	if len(agg.FailedActions) != agg.FailedCount {
		return fmt.Errorf("%d failed actions listed for failed count %d", len(agg.FailedActions), agg.FailedCount)
	}
	return nil
}
