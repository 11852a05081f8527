// Package background runs job-level functions on a fixed-size worker pool,
// guaranteeing at most one in-flight task per job id.
package background

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/zhu-jl18/novel-proofer/internal/common"
	"github.com/zhu-jl18/novel-proofer/internal/models"
)

type task struct {
	jobID string
	fn    func()
}

// Dispatcher owns the job pool. Submissions for a job id already queued or
// running fail with a conflict; the job function itself is responsible for
// all job-state updates — the dispatcher never touches the store.
type Dispatcher struct {
	logger *common.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []task
	inFlight  map[string]bool
	callbacks map[string][]func()
	shutdown  bool

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher with the given pool size (min 1) and
// starts its workers.
func NewDispatcher(maxWorkers int, logger *common.Logger) *Dispatcher {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	d := &Dispatcher{
		logger:    logger,
		inFlight:  make(map[string]bool),
		callbacks: make(map[string][]func()),
	}
	d.cond = sync.NewCond(&d.mu)

	for i := 0; i < maxWorkers; i++ {
		d.wg.Add(1)
		go d.workLoop(i)
	}
	return d
}

// Submit enqueues fn for jobID. Fails with a conflict while a task for the
// same job id is queued or running, so a job can never race itself.
func (d *Dispatcher) Submit(jobID string, fn func()) error {
	if jobID == "" {
		return fmt.Errorf("%w: job_id is required", models.ErrInvalidInput)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.shutdown {
		return fmt.Errorf("%w: dispatcher is shut down", models.ErrConflict)
	}
	if d.inFlight[jobID] {
		return fmt.Errorf("%w: job %s is already in flight", models.ErrConflict, jobID)
	}

	d.inFlight[jobID] = true
	d.queue = append(d.queue, task{jobID: jobID, fn: fn})
	d.cond.Signal()
	return nil
}

// AddDoneCallback runs cb once the current in-flight task for jobID
// finishes, or immediately when the job is not in flight. Panics in cb are
// logged, never propagated.
func (d *Dispatcher) AddDoneCallback(jobID string, cb func()) {
	d.mu.Lock()
	if d.inFlight[jobID] {
		d.callbacks[jobID] = append(d.callbacks[jobID], cb)
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	d.runCallback(jobID, cb)
}

// InFlight reports whether a task for jobID is queued or running.
func (d *Dispatcher) InFlight(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight[jobID]
}

// Shutdown prevents new submissions. With wait=true it blocks until queued
// and running tasks drain; otherwise pending tasks are dropped (their done
// callbacks still fire) and only running tasks complete.
func (d *Dispatcher) Shutdown(wait bool) {
	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		return
	}
	d.shutdown = true

	var dropped []task
	if !wait {
		dropped = d.queue
		d.queue = nil
	}
	d.cond.Broadcast()
	d.mu.Unlock()

	for _, t := range dropped {
		d.finish(t.jobID)
	}

	d.wg.Wait()
}

func (d *Dispatcher) workLoop(worker int) {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.shutdown {
			d.cond.Wait()
		}
		if len(d.queue) == 0 && d.shutdown {
			d.mu.Unlock()
			return
		}
		t := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.run(worker, t)
		d.finish(t.jobID)
	}
}

// run executes one task with panic recovery.
func (d *Dispatcher) run(worker int, t task) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Int("worker", worker).
				Str("job_id", t.jobID).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(debug.Stack())).
				Msg("Recovered from panic in background job")
		}
	}()
	t.fn()
}

// finish releases the in-flight slot and fires queued callbacks.
func (d *Dispatcher) finish(jobID string) {
	d.mu.Lock()
	delete(d.inFlight, jobID)
	cbs := d.callbacks[jobID]
	delete(d.callbacks, jobID)
	d.mu.Unlock()

	for _, cb := range cbs {
		d.runCallback(jobID, cb)
	}
}

func (d *Dispatcher) runCallback(jobID string, cb func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("job_id", jobID).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Recovered from panic in job done callback")
		}
	}()
	cb()
}
