package runner

import (
	"fmt"
	"time"
)

type poolResult string

const (
	poolDone      poolResult = "done"
	poolPaused    poolResult = "paused"
	poolCancelled poolResult = "cancelled"
)

// completionWait bounds the wait for a worker completion so pause and
// cancel signals are observed promptly.
const completionWait = 500 * time.Millisecond

// runChunkPool schedules worker calls for each index over a bounded pool.
// Submission follows the input order; completion order is unconstrained.
// Worker panics are swallowed — chunk state is the worker's responsibility
// and a crashed worker leaves its chunk in a non-done state for retry.
func (r *Runner) runChunkPool(jobID string, indices []int, concurrency int, worker func(idx int)) poolResult {
	if concurrency < 1 {
		concurrency = 1
	}

	completions := make(chan struct{}, len(indices))
	inFlight := 0
	next := 0

	launch := func(idx int) {
		go func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error().
						Str("job_id", jobID).
						Int("chunk", idx).
						Str("panic", fmt.Sprintf("%v", rec)).
						Msg("Recovered from panic in chunk worker")
				}
				completions <- struct{}{}
			}()
			worker(idx)
		}()
	}

	for {
		if r.store.IsCancelled(jobID) {
			// Stop submitting. Unsubmitted chunks are already pending and
			// Cancel rewrote any in-flight ones; workers notice on their own.
			return poolCancelled
		}

		paused := r.store.IsPaused(jobID)
		if paused && inFlight == 0 {
			return poolPaused
		}

		for !paused && inFlight < concurrency && next < len(indices) {
			launch(indices[next])
			next++
			inFlight++
		}

		if inFlight == 0 && next >= len(indices) {
			return poolDone
		}

		select {
		case <-completions:
			inFlight--
		case <-time.After(completionWait):
		}
	}
}
