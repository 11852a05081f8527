package runner

import (
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhu-jl18/novel-proofer/internal/common"
	"github.com/zhu-jl18/novel-proofer/internal/jobs"
	"github.com/zhu-jl18/novel-proofer/internal/llm"
	"github.com/zhu-jl18/novel-proofer/internal/models"
	"github.com/zhu-jl18/novel-proofer/internal/storage/workfs"
)

// TestCrashAndResume simulates a process death mid-process with two of four
// chunks done; a fresh store heals the snapshot and a resume completes the
// remainder without re-processing finished chunks.
func TestCrashAndResume(t *testing.T) {
	root := t.TempDir()
	logger := common.NewSilentLogger()

	files, err := workfs.NewStore(logger, root)
	require.NoError(t, err)

	store1 := jobs.NewStore(jobs.WithPersistDir(files.StateDir()), jobs.WithPersistInterval(time.Hour))

	stub := &stubLLM{}
	r1 := New(store1, files, stub, models.DefaultLLMOptions(), logger, false)

	// Four paragraphs, each its own chunk past the first-chunk budget.
	para := strings.Repeat("字", 1100) + "\n\n"
	text := para + para + para + strings.Repeat("书", 1100) + "\n"

	jobID := workfs.NewJobID()
	require.NoError(t, files.WriteInputCacheFromUpload(jobID, "novel.txt", strings.NewReader(text), 0))
	fmtOpts := models.DefaultFormatOptions()
	fmtOpts.MaxChunkChars = 1200
	_, err = store1.CreateWithID(jobID, "novel.txt", "novel_rev.txt", fmtOpts, true)
	require.NoError(t, err)

	r1.RunJob(jobID, models.LLMOptions{})
	snap := store1.Get(jobID)
	require.Equal(t, 4, snap.TotalChunks)

	// Process only the first two chunks, then "crash" with the rest marked
	// as a worker would leave them mid-flight.
	_, err = store1.Resume(jobID)
	require.NoError(t, err)
	f64 := func(v float64) *float64 { return &v }
	st := func(v models.JobState) *models.JobState { return &v }
	ph := func(v models.JobPhase) *models.JobPhase { return &v }
	cs := func(v models.ChunkState) *models.ChunkState { return &v }

	_, err = store1.Update(jobID, jobs.Patch{State: st(models.JobStateRunning), Phase: ph(models.PhaseProcess)})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		r1.processChunk(jobID, i, llm.ConfigFromOptions(models.LLMOptions{}, models.DefaultLLMOptions()), fmtOpts)
	}
	require.NoError(t, store1.UpdateChunk(jobID, 2, jobs.ChunkPatch{State: cs(models.ChunkProcessing), StartedAt: f64(1)}))
	store1.FlushPersistence(jobID)
	store1.Close()

	// Restart: new store over the same state dir.
	store2 := jobs.NewStore(jobs.WithPersistDir(files.StateDir()), jobs.WithPersistInterval(time.Hour))
	t.Cleanup(store2.Close)
	count, err := store2.LoadPersistedJobs()
	require.NoError(t, err)
	require.Equal(t, 1, count)

	healed := store2.Get(jobID)
	require.NotNil(t, healed)
	assert.Equal(t, models.JobStatePaused, healed.State)
	assert.Equal(t, models.PhaseProcess, healed.Phase)
	assert.Equal(t, 2, healed.DoneChunks)
	assert.Equal(t, models.ChunkPending, healed.Chunks[2].State)
	assert.Equal(t, models.ChunkPending, healed.Chunks[3].State)

	// Resume on the healed store completes the job.
	var processed int32
	stub2 := &stubLLM{fn: func(_ llm.CallConfig, text string, _ llm.CallOptions) (llm.Result, error) {
		atomic.AddInt32(&processed, 1)
		return llm.Result{Text: text, RawText: text}, nil
	}}
	r2 := New(store2, files, stub2, models.DefaultLLMOptions(), logger, false)

	_, err = store2.Resume(jobID)
	require.NoError(t, err)
	r2.ResumePausedJob(jobID, models.LLMOptions{})

	final := store2.Get(jobID)
	assert.Equal(t, models.JobStatePaused, final.State)
	assert.Equal(t, models.PhaseMerge, final.Phase)
	assert.Equal(t, 4, final.DoneChunks)
	assert.Equal(t, int32(2), atomic.LoadInt32(&processed), "done chunks must not be re-processed")

	require.NoError(t, r2.MergeOutputs(jobID, nil))
	final = store2.Get(jobID)
	assert.Equal(t, models.JobStateDone, final.State)
	_, err = os.Stat(final.OutputPath)
	assert.NoError(t, err)
}

// TestCancellationLiveness bounds how long a cancel takes to settle while a
// slow model call is in flight: well under the per-request LLM timeout.
func TestCancellationLiveness(t *testing.T) {
	f := newFixture(t)
	f.llm.fn = func(_ llm.CallConfig, text string, opts llm.CallOptions) (llm.Result, error) {
		for {
			if opts.ShouldStop() {
				code := llm.StatusCancelled
				return llm.Result{}, &llm.Error{Code: &code, Message: "cancelled"}
			}
			time.Sleep(20 * time.Millisecond)
		}
	}

	para := strings.Repeat("字", 150) + "\n\n"
	job := f.createJob(t, strings.Repeat(para, 30), 300)

	f.runner.RunJob(job.JobID, models.LLMOptions{})
	snap := f.store.Get(job.JobID)
	require.GreaterOrEqual(t, snap.TotalChunks, 10)

	_, err := f.store.Resume(job.JobID)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		f.runner.ResumePausedJob(job.JobID, models.LLMOptions{})
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	start := time.Now()
	_, err = f.store.Cancel(job.JobID)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
	assert.Less(t, time.Since(start), 2*time.Second)

	snap = f.store.Get(job.JobID)
	assert.Equal(t, models.JobStateCancelled, snap.State)
	for _, c := range snap.Chunks {
		assert.False(t, c.State.InFlight())
	}
}

// TestSchedulerSubmissionOrder verifies chunks are submitted in ascending
// index order even though completion order is unconstrained.
func TestSchedulerSubmissionOrder(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var order []int

	indices := []int{0, 1, 2, 3, 4}
	result := f.runner.runChunkPool("ffffffffffffffffffffffffffffffff", indices, 1, func(idx int) {
		mu.Lock()
		order = append(order, idx)
		mu.Unlock()
	})

	assert.Equal(t, poolDone, result)
	assert.Equal(t, indices, order, "serial pool must preserve submission order")
}

// TestSchedulerBoundedConcurrency verifies the pool never exceeds its size.
func TestSchedulerBoundedConcurrency(t *testing.T) {
	f := newFixture(t)

	var running, peak int32
	indices := make([]int, 30)
	for i := range indices {
		indices[i] = i
	}

	result := f.runner.runChunkPool("ffffffffffffffffffffffffffffffff", indices, 4, func(int) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&running, -1)
	})

	assert.Equal(t, poolDone, result)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(4))
}
