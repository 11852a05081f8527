package runner

import (
	"context"
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

// stubLLM lets each test script the model's behavior.
type stubLLM struct {
	calls int32
	fn    func(cfg llm.CallConfig, text string, opts llm.CallOptions) (llm.Result, error)
}

func (s *stubLLM) Call(_ context.Context, cfg llm.CallConfig, text string, opts llm.CallOptions) (llm.Result, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.fn == nil {
		return llm.Result{Text: text, RawText: text}, nil
	}
	return s.fn(cfg, text, opts)
}

type fixture struct {
	store  *jobs.Store
	files  *workfs.Store
	llm    *stubLLM
	runner *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	files, err := workfs.NewStore(common.NewSilentLogger(), t.TempDir())
	require.NoError(t, err)

	store := jobs.NewStore()
	t.Cleanup(store.Close)

	stub := &stubLLM{}
	r := New(store, files, stub, models.DefaultLLMOptions(), common.NewSilentLogger(), true)

	return &fixture{store: store, files: files, llm: stub, runner: r}
}

// createJob registers a job whose input cache holds text.
func (f *fixture) createJob(t *testing.T, text string, maxChunkChars int) *models.Job {
	t.Helper()

	jobID := workfs.NewJobID()
	require.NoError(t, f.files.WriteInputCacheFromUpload(jobID, "novel.txt", strings.NewReader(text), 0))

	fmtOpts := models.DefaultFormatOptions()
	fmtOpts.MaxChunkChars = maxChunkChars

	job, err := f.store.CreateWithID(jobID, "novel.txt", "novel_rev.txt", fmtOpts, true)
	require.NoError(t, err)
	return job
}

// resume flips paused → queued and runs the process phase synchronously.
func (f *fixture) resume(t *testing.T, jobID string) {
	t.Helper()
	_, err := f.store.Resume(jobID)
	require.NoError(t, err)
	f.runner.ResumePausedJob(jobID, models.LLMOptions{Model: "stub-model"})
}

func TestHappyPathSingleChunk(t *testing.T) {
	f := newFixture(t)
	job := f.createJob(t, "第1章\n\n正文一。\n正文二。\n", 2000)

	// VALIDATE ends parked at paused/process.
	f.runner.RunJob(job.JobID, models.LLMOptions{Model: "stub-model"})

	snap := f.store.Get(job.JobID)
	require.NotNil(t, snap)
	assert.Equal(t, models.JobStatePaused, snap.State)
	assert.Equal(t, models.PhaseProcess, snap.Phase)
	assert.Equal(t, 1, snap.TotalChunks)
	assert.NotNil(t, snap.StartedAt)
	assert.NotEmpty(t, snap.WorkDir)

	// PROCESS ends parked at paused/merge.
	f.resume(t, job.JobID)

	snap = f.store.Get(job.JobID)
	assert.Equal(t, models.JobStatePaused, snap.State)
	assert.Equal(t, models.PhaseMerge, snap.Phase)
	assert.Equal(t, 1, snap.DoneChunks)
	assert.Equal(t, "stub-model", snap.LastLLMModel)

	// MERGE publishes the output.
	require.NoError(t, f.runner.MergeOutputs(job.JobID, nil))

	snap = f.store.Get(job.JobID)
	assert.Equal(t, models.JobStateDone, snap.State)
	assert.Equal(t, models.PhaseDone, snap.Phase)
	require.NotEmpty(t, snap.OutputPath)

	data, err := os.ReadFile(snap.OutputPath)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "第1章")
	assert.Contains(t, content, "　　正文一。")
	assert.Contains(t, content, "　　正文二。")

	// Paragraph invariant: no adjacent non-blank lines.
	lines := strings.Split(content, "\n")
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i-1]) != "" && strings.TrimSpace(lines[i]) != "" {
			t.Fatalf("adjacent non-blank lines: %q / %q", lines[i-1], lines[i])
		}
	}

	// Default cleanup removed the work dir.
	workDir, err := f.files.WorkDir(job.JobID)
	require.NoError(t, err)
	_, err = os.Stat(workDir)
	assert.True(t, os.IsNotExist(err))
}

func TestMultiChunkPipeline(t *testing.T) {
	f := newFixture(t)

	var b strings.Builder
	for i := 0; i < 100; i++ {
		b.WriteString(strings.Repeat("字", 120))
		b.WriteString("\n")
	}
	job := f.createJob(t, b.String(), 2000)

	f.runner.RunJob(job.JobID, models.LLMOptions{})
	snap := f.store.Get(job.JobID)
	require.GreaterOrEqual(t, snap.TotalChunks, 2)

	f.resume(t, job.JobID)
	snap = f.store.Get(job.JobID)
	assert.Equal(t, models.PhaseMerge, snap.Phase)
	assert.Equal(t, snap.TotalChunks, snap.DoneChunks)

	counts := snap.CountChunks()
	assert.GreaterOrEqual(t, counts[models.ChunkDone], 2)

	require.NoError(t, f.runner.MergeOutputs(job.JobID, nil))
	snap = f.store.Get(job.JobID)
	assert.Equal(t, models.JobStateDone, snap.State)
}

func TestBlankChunkSkipsLLM(t *testing.T) {
	f := newFixture(t)
	job := f.createJob(t, "\n\n\n", 2000)

	f.runner.RunJob(job.JobID, models.LLMOptions{})
	f.resume(t, job.JobID)

	snap := f.store.Get(job.JobID)
	assert.Equal(t, models.PhaseMerge, snap.Phase)
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.llm.calls), "blank chunks must not reach the LLM")
	assert.Equal(t, 1, snap.Stats["llm_skipped_blank_chunks"])
}

func TestEmptyOutputIsChunkError(t *testing.T) {
	f := newFixture(t)
	f.llm.fn = func(_ llm.CallConfig, _ string, _ llm.CallOptions) (llm.Result, error) {
		return llm.Result{Text: "   "}, nil
	}
	job := f.createJob(t, "正文内容。\n", 2000)

	f.runner.RunJob(job.JobID, models.LLMOptions{})
	f.resume(t, job.JobID)

	snap := f.store.Get(job.JobID)
	assert.Equal(t, models.JobStateError, snap.State)
	assert.Equal(t, models.PhaseProcess, snap.Phase)
	assert.Equal(t, models.ChunkError, snap.Chunks[0].State)
	assert.Contains(t, snap.Error, "1 of 1 chunks failed")

	// No out/ file for the failed chunk.
	outPath, err := f.files.OutChunkPath(job.JobID, 0)
	require.NoError(t, err)
	_, err = os.Stat(outPath)
	assert.True(t, os.IsNotExist(err))
}

func TestOutputTooLongIsError(t *testing.T) {
	f := newFixture(t)
	f.llm.fn = func(_ llm.CallConfig, text string, _ llm.CallOptions) (llm.Result, error) {
		return llm.Result{Text: text + text}, nil
	}
	job := f.createJob(t, strings.Repeat("字", 300)+"\n", 2000)

	f.runner.RunJob(job.JobID, models.LLMOptions{})
	f.resume(t, job.JobID)

	snap := f.store.Get(job.JobID)
	assert.Equal(t, models.JobStateError, snap.State)
	assert.Contains(t, snap.Chunks[0].LastErrorMessage, "too long")
}

func TestChunkZeroExemptFromLowerBound(t *testing.T) {
	f := newFixture(t)
	f.llm.fn = func(_ llm.CallConfig, text string, _ llm.CallOptions) (llm.Result, error) {
		// Shrink every chunk well below the 0.85 lower bound.
		runes := []rune(text)
		return llm.Result{Text: string(runes[:len(runes)/2]) + "\n"}, nil
	}

	// Two paragraphs big enough that the enlarged first-chunk budget still
	// splits them, each >=200 chars so the ratio gate applies.
	para := strings.Repeat("字", 1100) + "\n\n"
	job := f.createJob(t, para+strings.Repeat("书", 1100)+"\n", 300)

	f.runner.RunJob(job.JobID, models.LLMOptions{})
	snap := f.store.Get(job.JobID)
	require.Equal(t, 2, snap.TotalChunks)

	f.resume(t, job.JobID)

	snap = f.store.Get(job.JobID)
	assert.Equal(t, models.ChunkDone, snap.Chunks[0].State, "chunk 0 may shrink (front-matter stripping)")
	assert.Equal(t, models.ChunkError, snap.Chunks[1].State, "later chunks must hold the lower bound")
	assert.Equal(t, models.JobStateError, snap.State)
}

func TestLLMErrorRecordsCode(t *testing.T) {
	f := newFixture(t)
	code := 400
	f.llm.fn = func(_ llm.CallConfig, _ string, _ llm.CallOptions) (llm.Result, error) {
		return llm.Result{}, &llm.Error{Code: &code, Message: "HTTP 400 from LLM"}
	}
	job := f.createJob(t, "正文。\n", 2000)

	f.runner.RunJob(job.JobID, models.LLMOptions{})
	f.resume(t, job.JobID)

	snap := f.store.Get(job.JobID)
	assert.Equal(t, models.JobStateError, snap.State)
	require.NotNil(t, snap.Chunks[0].LastErrorCode)
	assert.Equal(t, 400, *snap.Chunks[0].LastErrorCode)
	assert.Contains(t, snap.Error, "HTTP 400")
}

func TestRetryCallbackFlipsChunkState(t *testing.T) {
	f := newFixture(t)
	f.llm.fn = func(_ llm.CallConfig, text string, opts llm.CallOptions) (llm.Result, error) {
		// Simulate the client's retry reporting: one transient 500, then ok.
		code := 500
		opts.OnRetry(1, &code, "HTTP 500 from LLM")
		return llm.Result{Text: text, Retries: 1, LastCode: &code, LastMsg: "HTTP 500 from LLM"}, nil
	}
	job := f.createJob(t, "正文。\n", 2000)

	f.runner.RunJob(job.JobID, models.LLMOptions{})
	f.resume(t, job.JobID)

	snap := f.store.Get(job.JobID)
	assert.Equal(t, models.PhaseMerge, snap.Phase, "transient failure recovers")
	assert.Equal(t, models.ChunkDone, snap.Chunks[0].State)
	assert.Equal(t, 1, snap.Chunks[0].Retries)
	require.NotNil(t, snap.Chunks[0].LastErrorCode)
	assert.Equal(t, 500, *snap.Chunks[0].LastErrorCode)
	assert.Equal(t, 1, snap.LastRetryCount)
}

func TestCancelDuringLLMCall(t *testing.T) {
	f := newFixture(t)
	f.llm.fn = func(_ llm.CallConfig, text string, opts llm.CallOptions) (llm.Result, error) {
		// A slow model: poll should-stop like the real client does.
		for i := 0; i < 100; i++ {
			if opts.ShouldStop != nil && opts.ShouldStop() {
				code := llm.StatusCancelled
				return llm.Result{}, &llm.Error{Code: &code, Message: "cancelled"}
			}
			time.Sleep(50 * time.Millisecond)
		}
		return llm.Result{Text: text}, nil
	}
	job := f.createJob(t, "正文内容若干。\n", 2000)

	f.runner.RunJob(job.JobID, models.LLMOptions{})

	done := make(chan struct{})
	go func() {
		f.resume(t, job.JobID)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	_, err := f.store.Cancel(job.JobID)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process phase did not observe cancellation promptly")
	}

	snap := f.store.Get(job.JobID)
	assert.Equal(t, models.JobStateCancelled, snap.State)
	assert.Empty(t, snap.OutputPath)
	for _, c := range snap.Chunks {
		assert.False(t, c.State.InFlight(), "chunk %d left in flight", c.Index)
	}
}

func TestPauseDuringProcess(t *testing.T) {
	f := newFixture(t)

	block := make(chan struct{})
	var entered int32
	f.llm.fn = func(_ llm.CallConfig, text string, _ llm.CallOptions) (llm.Result, error) {
		atomic.AddInt32(&entered, 1)
		<-block
		return llm.Result{Text: text, RawText: text}, nil
	}

	// Enough text for several chunks.
	para := strings.Repeat("字", 150) + "\n\n"
	job := f.createJob(t, strings.Repeat(para, 40), 300)

	f.runner.RunJob(job.JobID, models.LLMOptions{})
	snap := f.store.Get(job.JobID)
	require.GreaterOrEqual(t, snap.TotalChunks, 5)

	_, err := f.store.Resume(job.JobID)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		f.runner.ResumePausedJob(job.JobID, models.LLMOptions{MaxConcurrency: 2})
		close(done)
	}()

	// Wait until workers are inside the LLM call, then pause. In-flight
	// workers run to completion; nothing new is submitted.
	require.Eventually(t, func() bool { return atomic.LoadInt32(&entered) > 0 }, 2*time.Second, 10*time.Millisecond)
	_, err = f.store.Pause(job.JobID)
	require.NoError(t, err)
	close(block)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not pause")
	}

	snap = f.store.Get(job.JobID)
	assert.Equal(t, models.JobStatePaused, snap.State)
	assert.Equal(t, models.PhaseProcess, snap.Phase)
	assert.Less(t, snap.DoneChunks, snap.TotalChunks)

	// Resuming finishes the rest.
	f.resume(t, job.JobID)
	snap = f.store.Get(job.JobID)
	assert.Equal(t, models.PhaseMerge, snap.Phase)
	assert.Equal(t, snap.TotalChunks, snap.DoneChunks)
}

func TestRetryFailedChunksAfterError(t *testing.T) {
	f := newFixture(t)

	var fail atomic.Bool
	fail.Store(true)
	f.llm.fn = func(_ llm.CallConfig, text string, _ llm.CallOptions) (llm.Result, error) {
		if fail.Load() {
			code := 502
			return llm.Result{}, &llm.Error{Code: &code, Message: "HTTP 502 from LLM"}
		}
		return llm.Result{Text: text, RawText: text}, nil
	}
	job := f.createJob(t, "正文内容。\n", 2000)

	f.runner.RunJob(job.JobID, models.LLMOptions{})
	f.resume(t, job.JobID)

	snap := f.store.Get(job.JobID)
	require.Equal(t, models.JobStateError, snap.State)

	// Retry with a healthy upstream.
	fail.Store(false)
	_, err := f.store.Reopen(job.JobID)
	require.NoError(t, err)
	f.runner.RetryFailedChunks(job.JobID, models.LLMOptions{})

	snap = f.store.Get(job.JobID)
	assert.Equal(t, models.JobStatePaused, snap.State)
	assert.Equal(t, models.PhaseMerge, snap.Phase)
	assert.Equal(t, snap.TotalChunks, snap.DoneChunks)
}

func TestMergeRequiresPausedMerge(t *testing.T) {
	f := newFixture(t)
	job := f.createJob(t, "正文。\n", 2000)

	err := f.runner.MergeOutputs(job.JobID, nil)
	assert.ErrorIs(t, err, models.ErrConflict)

	f.runner.RunJob(job.JobID, models.LLMOptions{})
	err = f.runner.MergeOutputs(job.JobID, nil)
	assert.ErrorIs(t, err, models.ErrConflict, "paused/process is not mergeable")
}

func TestMergeKeepsDebugDirWhenRequested(t *testing.T) {
	f := newFixture(t)
	job := f.createJob(t, "正文。\n", 2000)

	f.runner.RunJob(job.JobID, models.LLMOptions{})
	f.resume(t, job.JobID)

	keep := false
	require.NoError(t, f.runner.MergeOutputs(job.JobID, &keep))

	workDir, err := f.files.WorkDir(job.JobID)
	require.NoError(t, err)
	_, err = os.Stat(workDir)
	assert.NoError(t, err, "work dir must survive cleanup_debug_dir=false")

	// resp/ holds the raw LLM responses when retention is on.
	respPath, err := f.files.RespChunkPath(job.JobID, 0)
	require.NoError(t, err)
	_, err = os.Stat(respPath)
	assert.NoError(t, err)
}

func TestMergeSeamAcrossChunks(t *testing.T) {
	f := newFixture(t)

	para := strings.Repeat("字", 1100) + "\n\n"
	job := f.createJob(t, para+strings.Repeat("书", 1100)+"\n", 300)

	f.runner.RunJob(job.JobID, models.LLMOptions{})
	snap := f.store.Get(job.JobID)
	require.Equal(t, 2, snap.TotalChunks)

	f.resume(t, job.JobID)
	keep := false
	require.NoError(t, f.runner.MergeOutputs(job.JobID, &keep))

	snap = f.store.Get(job.JobID)
	data, err := os.ReadFile(snap.OutputPath)
	require.NoError(t, err)

	lines := strings.Split(string(data), "\n")
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i-1]) != "" && strings.TrimSpace(lines[i]) != "" {
			t.Fatalf("missing blank line at merged seam: %q / %q", lines[i-1], lines[i])
		}
	}
}

func TestValidatePauseParksAtValidate(t *testing.T) {
	f := newFixture(t)

	para := strings.Repeat("字", 150) + "\n\n"
	job := f.createJob(t, strings.Repeat(para, 50), 300)

	_, err := f.store.Pause(job.JobID)
	require.NoError(t, err)

	f.runner.RunJob(job.JobID, models.LLMOptions{})

	snap := f.store.Get(job.JobID)
	assert.Equal(t, models.JobStatePaused, snap.State)
	assert.Equal(t, models.PhaseValidate, snap.Phase)

	// Resume re-runs validation to completion.
	f.resume(t, job.JobID)
	snap = f.store.Get(job.JobID)
	assert.Equal(t, models.PhaseProcess, snap.Phase)
	assert.Greater(t, snap.TotalChunks, 0)
}

func TestFirstChunkGetsFrontMatterPrompt(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var prompts []string
	f.llm.fn = func(cfg llm.CallConfig, text string, _ llm.CallOptions) (llm.Result, error) {
		mu.Lock()
		prompts = append(prompts, cfg.SystemPrompt)
		mu.Unlock()
		return llm.Result{Text: text, RawText: text}, nil
	}

	para := strings.Repeat("字", 1100) + "\n\n"
	job := f.createJob(t, para+strings.Repeat("书", 1100)+"\n", 300)

	f.runner.RunJob(job.JobID, models.LLMOptions{})
	_, err := f.store.Resume(job.JobID)
	require.NoError(t, err)
	f.runner.ResumePausedJob(job.JobID, models.LLMOptions{MaxConcurrency: 1})

	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[0], llm.FirstChunkSystemPromptPrefix)
	assert.NotContains(t, prompts[1], llm.FirstChunkSystemPromptPrefix)
}
