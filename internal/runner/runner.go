// Package runner drives a job through its phases: VALIDATE chunks the input
// and applies deterministic rules, PROCESS fans chunks out to the LLM over a
// bounded worker pool, MERGE concatenates accepted outputs into the final
// manuscript. Every phase cooperates with pause and cancel.
package runner

import (
	"fmt"
	"os"
	"time"

	"github.com/zhu-jl18/novel-proofer/internal/common"
	"github.com/zhu-jl18/novel-proofer/internal/formatting"
	"github.com/zhu-jl18/novel-proofer/internal/interfaces"
	"github.com/zhu-jl18/novel-proofer/internal/jobs"
	"github.com/zhu-jl18/novel-proofer/internal/llm"
	"github.com/zhu-jl18/novel-proofer/internal/models"
	"github.com/zhu-jl18/novel-proofer/internal/storage/workfs"
)

// Runner orchestrates job phases. It owns no job state of its own — every
// observable fact lives in the job store.
type Runner struct {
	store       *jobs.Store
	files       *workfs.Store
	llm         interfaces.LLMCaller
	llmDefaults models.LLMOptions
	logger      *common.Logger
	writeResp   bool
}

// New creates a runner.
func New(store *jobs.Store, files *workfs.Store, caller interfaces.LLMCaller, llmDefaults models.LLMOptions, logger *common.Logger, writeResp bool) *Runner {
	return &Runner{
		store:       store,
		files:       files,
		llm:         caller,
		llmDefaults: llmDefaults,
		logger:      logger,
		writeResp:   writeResp,
	}
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

func ptr[T any](v T) *T { return &v }

// RunJob performs the VALIDATE phase: stream the cached input into chunks,
// apply deterministic rules, write pre/ artifacts, and park the job at
// paused/process so the caller confirms before LLM spend begins.
func (r *Runner) RunJob(jobID string, llmOpts models.LLMOptions) {
	job := r.store.Get(jobID)
	if job == nil {
		return
	}
	if job.State == models.JobStateCancelled || r.store.IsCancelled(jobID) {
		return
	}

	cfg := llm.ConfigFromOptions(llmOpts, r.llmDefaults)

	workDir, err := r.files.EnsureWorkDir(jobID)
	if err != nil {
		r.failJob(jobID, fmt.Sprintf("failed to create work dir: %v", err))
		return
	}

	if _, err := r.store.Update(jobID, jobs.Patch{
		State:     ptr(models.JobStateRunning),
		Phase:     ptr(models.PhaseValidate),
		StartedAt: ptr(nowSeconds()),
		WorkDir:   ptr(workDir),
	}); err != nil {
		r.logger.Warn().Err(err).Str("job_id", jobID).Msg("Validate: cannot mark job running")
		return
	}

	inputPath, err := r.files.InputCachePath(jobID)
	if err != nil {
		r.failJob(jobID, err.Error())
		return
	}
	input, err := os.Open(inputPath)
	if err != nil {
		r.failJob(jobID, fmt.Sprintf("failed to open input cache: %v", err))
		return
	}
	defer input.Close()

	maxChars, firstChunkMax := formatting.ClampChunkParams(job.Format.MaxChunkChars)

	var interrupted error
	total := 0
	localStats := make(map[string]int)

	err = formatting.IterChunksByLines(input, maxChars, firstChunkMax, func(chunk string) error {
		if r.store.IsCancelled(jobID) {
			interrupted = models.ErrCancelled
			return interrupted
		}
		if r.store.IsPaused(jobID) {
			interrupted = fmt.Errorf("paused")
			return interrupted
		}

		fixed, stats := formatting.ApplyRules(chunk, job.Format)
		formatting.MergeStats(localStats, stats)

		prePath, perr := r.files.PreChunkPath(jobID, total)
		if perr != nil {
			return perr
		}
		if werr := workfs.WriteFileAtomic(prePath, []byte(fixed)); werr != nil {
			return werr
		}
		total++
		return nil
	})

	r.store.MergeStats(jobID, localStats)

	if err != nil {
		switch {
		case interrupted == models.ErrCancelled:
			// Cancel already rewrote job state; nothing to do.
		case interrupted != nil:
			r.store.Update(jobID, jobs.Patch{
				State: ptr(models.JobStatePaused),
				Phase: ptr(models.PhaseValidate),
			})
		default:
			r.failJob(jobID, fmt.Sprintf("validate failed: %v", err))
		}
		return
	}

	if err := r.store.InitChunks(jobID, total, cfg.Model); err != nil {
		r.failJob(jobID, err.Error())
		return
	}

	r.store.Update(jobID, jobs.Patch{
		State: ptr(models.JobStatePaused),
		Phase: ptr(models.PhaseProcess),
	})

	r.logger.Info().
		Str("job_id", jobID).
		Int("total_chunks", total).
		Msg("Validate complete; awaiting resume")
}

// ResumePausedJob continues a job the store has already flipped back to
// queued. A job paused mid-validate re-runs VALIDATE (chunking is
// deterministic and pre/ writes are idempotent); a job at process runs the
// chunk pool; a job already past process parks back at merge.
func (r *Runner) ResumePausedJob(jobID string, llmOpts models.LLMOptions) {
	job := r.store.Get(jobID)
	if job == nil {
		return
	}

	switch job.Phase {
	case models.PhaseValidate:
		r.RunJob(jobID, llmOpts)
	case models.PhaseProcess:
		r.processChunks(jobID, llmOpts)
	case models.PhaseMerge:
		r.store.Update(jobID, jobs.Patch{
			State: ptr(models.JobStatePaused),
			Phase: ptr(models.PhaseMerge),
		})
	}
}

// RetryFailedChunks re-runs only the chunks that never reached done. Done
// chunks are never reprocessed, so the target set matches a plain resume.
func (r *Runner) RetryFailedChunks(jobID string, llmOpts models.LLMOptions) {
	r.processChunks(jobID, llmOpts)
}

// processChunks is the PROCESS phase body shared by resume and retry.
func (r *Runner) processChunks(jobID string, llmOpts models.LLMOptions) {
	job := r.store.Get(jobID)
	if job == nil {
		return
	}
	if job.State == models.JobStateCancelled || r.store.IsCancelled(jobID) {
		return
	}

	cfg := llm.ConfigFromOptions(llmOpts, r.llmDefaults)

	// Target every chunk not yet done.
	var indices []int
	for i := range job.Chunks {
		if job.Chunks[i].State != models.ChunkDone {
			indices = append(indices, i)
		}
	}

	for _, idx := range indices {
		r.store.UpdateChunk(jobID, idx, jobs.ChunkPatch{State: ptr(models.ChunkPending)})
	}

	if _, err := r.store.Update(jobID, jobs.Patch{
		State:        ptr(models.JobStateQueued),
		Phase:        ptr(models.PhaseProcess),
		LastLLMModel: ptr(cfg.Model),
	}); err != nil {
		r.logger.Warn().Err(err).Str("job_id", jobID).Msg("Process: cannot queue job")
		return
	}
	r.store.Update(jobID, jobs.Patch{State: ptr(models.JobStateRunning)})

	result := r.runChunkPool(jobID, indices, cfg.MaxConcurrency, func(idx int) {
		r.processChunk(jobID, idx, cfg, job.Format)
	})

	switch result {
	case poolCancelled:
		// Cancel already rewrote job and chunk state.
		return
	case poolPaused:
		r.store.Update(jobID, jobs.Patch{
			State: ptr(models.JobStatePaused),
			Phase: ptr(models.PhaseProcess),
		})
		return
	}

	// Deterministic pass over accepted outputs: the LLM may have violated
	// invariants the rules enforce.
	r.reapplyRulesToOutputs(jobID, job.Format)

	final := r.store.Get(jobID)
	if final == nil {
		return
	}
	counts := final.CountChunks()
	if counts[models.ChunkError] > 0 {
		msg := aggregateChunkErrors(final)
		r.store.Update(jobID, jobs.Patch{
			State:      ptr(models.JobStateError),
			Phase:      ptr(models.PhaseProcess),
			Error:      ptr(msg),
			FinishedAt: ptr(nowSeconds()),
		})
		return
	}

	r.store.Update(jobID, jobs.Patch{
		State: ptr(models.JobStatePaused),
		Phase: ptr(models.PhaseMerge),
	})
	r.logger.Info().Str("job_id", jobID).Msg("Process complete; awaiting merge")
}

// reapplyRulesToOutputs re-runs the deterministic rules over each accepted
// chunk output in place.
func (r *Runner) reapplyRulesToOutputs(jobID string, fmtOpts models.FormatOptions) {
	job := r.store.Get(jobID)
	if job == nil {
		return
	}
	for i := range job.Chunks {
		if job.Chunks[i].State != models.ChunkDone {
			continue
		}
		outPath, err := r.files.OutChunkPath(jobID, i)
		if err != nil {
			continue
		}
		data, err := os.ReadFile(outPath)
		if err != nil {
			continue
		}
		fixed, _ := formatting.ApplyRules(string(data), fmtOpts)
		if fixed == string(data) {
			continue
		}
		if err := workfs.WriteFileAtomic(outPath, []byte(fixed)); err != nil {
			r.logger.Warn().Err(err).Str("job_id", jobID).Int("chunk", i).Msg("Post-LLM rule pass write failed")
		}
	}
}

// aggregateChunkErrors builds the human job-level error message.
func aggregateChunkErrors(job *models.Job) string {
	failed := 0
	first := ""
	var firstCode *int
	for i := range job.Chunks {
		c := &job.Chunks[i]
		if c.State != models.ChunkError {
			continue
		}
		failed++
		if first == "" {
			first = c.LastErrorMessage
			firstCode = c.LastErrorCode
		}
	}
	msg := fmt.Sprintf("%d of %d chunks failed", failed, job.TotalChunks)
	if first != "" {
		if firstCode != nil {
			msg += fmt.Sprintf("; first error (HTTP %d): %s", *firstCode, first)
		} else {
			msg += "; first error: " + first
		}
	}
	return msg
}

// MergeOutputs performs the MERGE phase: concatenate out/ files in index
// order with the paragraph-separation invariant, run the streaming indent
// pass, and publish the final manuscript atomically. Valid only from
// paused/merge with every chunk done.
func (r *Runner) MergeOutputs(jobID string, cleanupDebugDir *bool) error {
	job := r.store.Get(jobID)
	if job == nil {
		return fmt.Errorf("%w: job %s", models.ErrNotFound, jobID)
	}
	if job.State == models.JobStateCancelled || r.store.IsCancelled(jobID) {
		return fmt.Errorf("%w: job is cancelled", models.ErrConflict)
	}
	if job.State != models.JobStatePaused || job.Phase != models.PhaseMerge {
		return fmt.Errorf("%w: merge requires paused/merge, job is %s/%s", models.ErrConflict, job.State, job.Phase)
	}
	if job.TotalChunks == 0 || job.DoneChunks != job.TotalChunks {
		return fmt.Errorf("%w: merge requires all chunks done (%d/%d)", models.ErrConflict, job.DoneChunks, job.TotalChunks)
	}

	cleanup := job.CleanupDebugDir
	if cleanupDebugDir != nil {
		cleanup = *cleanupDebugDir
		r.store.Update(jobID, jobs.Patch{CleanupDebug: ptr(cleanup)})
	}

	outputPath, err := r.files.OutputFilePath(jobID, job.OutputFilename)
	if err != nil {
		return err
	}

	if err := r.mergeChunkFiles(jobID, job, outputPath); err != nil {
		r.failJob(jobID, fmt.Sprintf("merge failed: %v", err))
		return err
	}

	r.store.Update(jobID, jobs.Patch{
		State:      ptr(models.JobStateDone),
		Phase:      ptr(models.PhaseDone),
		OutputPath: ptr(outputPath),
		FinishedAt: ptr(nowSeconds()),
	})

	if cleanup {
		if _, err := r.files.CleanupWorkDir(jobID); err != nil {
			r.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to remove work dir after merge")
		}
	}

	r.logger.Info().Str("job_id", jobID).Str("output", outputPath).Msg("Merge complete")
	return nil
}

// mergeChunkFiles streams per-chunk outputs through the merger into a
// scratch file, then streams the indent pass into the final target.
func (r *Runner) mergeChunkFiles(jobID string, job *models.Job, outputPath string) error {
	scratch, err := workfs.CreateAtomic(outputPath)
	if err != nil {
		return err
	}
	defer scratch.Abort()

	m := formatting.NewMerger(scratch)
	for i := 0; i < job.TotalChunks; i++ {
		outPath, perr := r.files.OutChunkPath(jobID, i)
		if perr != nil {
			return perr
		}
		data, rerr := os.ReadFile(outPath)
		if rerr != nil {
			return fmt.Errorf("%w: missing chunk output %d", models.ErrNotFound, i)
		}
		if err := m.Write(string(data), i == job.TotalChunks-1); err != nil {
			return err
		}
	}

	// The merged scratch stays a temp file; the indent pass writes the only
	// published artifact.
	if err := scratch.File.Sync(); err != nil {
		return err
	}
	if _, err := scratch.File.Seek(0, 0); err != nil {
		return err
	}
	merged, err := os.Open(scratch.File.Name())
	if err != nil {
		return err
	}
	defer merged.Close()

	final, err := workfs.CreateAtomic(outputPath)
	if err != nil {
		return err
	}
	defer final.Abort()

	if err := formatting.StreamParagraphIndent(merged, final, job.Format); err != nil {
		return err
	}
	return final.Commit()
}

// failJob records a job-level error unless the job was cancelled meanwhile.
func (r *Runner) failJob(jobID, msg string) {
	if r.store.IsCancelled(jobID) {
		return
	}
	r.logger.Warn().Str("job_id", jobID).Str("error", msg).Msg("Job failed")
	r.store.Update(jobID, jobs.Patch{
		State:      ptr(models.JobStateError),
		Error:      ptr(msg),
		FinishedAt: ptr(nowSeconds()),
	})
}
