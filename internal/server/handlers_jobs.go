package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/zhu-jl18/novel-proofer/internal/models"
	"github.com/zhu-jl18/novel-proofer/internal/storage/workfs"
)

// handleJobCreate accepts a multipart upload (file + optional options JSON),
// decodes the input into the cache, registers the job, and submits the
// VALIDATE phase to the dispatcher.
func (s *Server) handleJobCreate(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, "multipart upload required: "+err.Error())
		return
	}

	opts := models.DefaultJobOptions()
	jobID := workfs.NewJobID()
	uploadedName := ""
	sawFile := false

	for {
		part, perr := mr.NextPart()
		if perr == io.EOF {
			break
		}
		if perr != nil {
			WriteError(w, r, http.StatusBadRequest, "failed to read multipart body: "+perr.Error())
			return
		}

		switch part.FormName() {
		case "options":
			raw, rerr := io.ReadAll(io.LimitReader(part, 1<<20))
			if rerr != nil {
				WriteError(w, r, http.StatusBadRequest, "failed to read options: "+rerr.Error())
				return
			}
			if len(raw) > 0 {
				if jerr := json.Unmarshal(raw, &opts); jerr != nil {
					WriteError(w, r, http.StatusBadRequest, "options must be valid JSON: "+jerr.Error())
					return
				}
			}
		case "file":
			if sawFile {
				WriteError(w, r, http.StatusBadRequest, "multiple file parts")
				return
			}
			sawFile = true
			uploadedName = workfs.SafeFilename(part.FileName())
			if werr := s.app.Files.WriteInputCacheFromUpload(jobID, uploadedName, part, s.app.Config.Storage.MaxUploadBytes); werr != nil {
				WriteKindError(w, r, werr)
				return
			}
		}
		part.Close()
	}

	if !sawFile {
		WriteError(w, r, http.StatusBadRequest, "file part is required")
		return
	}

	outputName := workfs.DeriveOutputFilename(uploadedName, opts.Output.Suffix)

	job, err := s.app.Jobs.CreateWithID(jobID, uploadedName, outputName, clampFormat(opts.Format), opts.Output.CleanupDebugDir)
	if err != nil {
		s.cleanupOrphanInput(jobID)
		WriteKindError(w, r, err)
		return
	}

	llmOpts := opts.LLM
	if err := s.app.Dispatcher.Submit(jobID, func() {
		s.app.Runner.RunJob(jobID, llmOpts)
	}); err != nil {
		WriteKindError(w, r, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"job": jobToOut(job)})
}

func clampFormat(f models.FormatOptions) models.FormatOptions {
	if f.MaxChunkChars <= 0 {
		f.MaxChunkChars = models.DefaultFormatOptions().MaxChunkChars
	}
	return f
}

func (s *Server) cleanupOrphanInput(jobID string) {
	if _, err := s.app.Files.CleanupInputCache(jobID); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to cleanup orphaned input cache")
	}
}

// handleJobList returns all job summaries, newest first.
func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"jobs": s.app.Jobs.ListSummaries()})
}

// getJob validates the id and fetches a snapshot, writing the error response
// on failure.
func (s *Server) getJob(w http.ResponseWriter, r *http.Request, jobID string) (*models.Job, bool) {
	id, err := workfs.ValidateJobID(jobID)
	if err != nil {
		WriteKindError(w, r, err)
		return nil, false
	}
	job := s.app.Jobs.Get(id)
	if job == nil {
		WriteError(w, r, http.StatusNotFound, "job not found: "+id)
		return nil, false
	}
	return job, true
}

// handleJobGet returns job detail, optionally with a filtered, paged chunk
// listing (query: chunks=1, state, limit, offset).
func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	job, ok := s.getJob(w, r, jobID)
	if !ok {
		return
	}

	resp := JobGetResponse{Job: jobToOut(job)}

	q := r.URL.Query()
	if q.Get("chunks") == "1" || q.Get("chunks") == "true" {
		stateFilter := models.ChunkState(q.Get("state"))
		limit := queryInt(q.Get("limit"), 100)
		offset := queryInt(q.Get("offset"), 0)

		var filtered []models.Chunk
		for i := range job.Chunks {
			if stateFilter != "" && job.Chunks[i].State != stateFilter {
				continue
			}
			filtered = append(filtered, job.Chunks[i])
		}

		total := len(filtered)
		if offset > total {
			offset = total
		}
		end := total
		if limit > 0 && offset+limit < total {
			end = offset + limit
		}

		resp.Chunks = filtered[offset:end]
		resp.ChunkCounts = job.CountChunks()
		hasMore := end < total
		resp.HasMore = &hasMore
	}

	WriteJSON(w, http.StatusOK, resp)
}

func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// handleJobInputStats reports the non-whitespace character count of the
// cached input.
func (s *Server) handleJobInputStats(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	job, ok := s.getJob(w, r, jobID)
	if !ok {
		return
	}

	chars, err := s.app.Files.CountInputChars(job.JobID)
	if err != nil {
		if os.IsNotExist(err) {
			WriteError(w, r, http.StatusNotFound, "input cache not found")
			return
		}
		WriteKindError(w, r, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"job_id": job.JobID, "input_chars": chars})
}

// handleJobDownload streams the final manuscript.
func (s *Server) handleJobDownload(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	job, ok := s.getJob(w, r, jobID)
	if !ok {
		return
	}
	if job.State != models.JobStateDone || job.OutputPath == "" {
		WriteError(w, r, http.StatusConflict, "job output is not ready")
		return
	}

	f, err := os.Open(job.OutputPath)
	if err != nil {
		WriteError(w, r, http.StatusNotFound, "output file missing")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename*=UTF-8''%s", strings.ReplaceAll(job.OutputFilename, `"`, "")))
	io.Copy(w, f)
}

// handleJobCancel requests cooperative cancellation.
func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	job, ok := s.getJob(w, r, jobID)
	if !ok {
		return
	}

	cancelled, err := s.app.Jobs.Cancel(job.JobID)
	if err != nil {
		WriteKindError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "job": jobToOut(cancelled)})
}

// handleJobPause requests cooperative suspension.
func (s *Server) handleJobPause(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	job, ok := s.getJob(w, r, jobID)
	if !ok {
		return
	}

	paused, err := s.app.Jobs.Pause(job.JobID)
	if err != nil {
		WriteKindError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "job": jobToOut(paused)})
}

// handleJobResume lifts a pause and re-submits the job, optionally with
// overriding LLM parameters.
func (s *Server) handleJobResume(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	job, ok := s.getJob(w, r, jobID)
	if !ok {
		return
	}

	var req ResumeRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	llmOpts := models.LLMOptions{}
	if req.LLM != nil {
		llmOpts = *req.LLM
	}

	if s.app.Dispatcher.InFlight(job.JobID) {
		WriteError(w, r, http.StatusConflict, "job is already in flight")
		return
	}

	resumed, err := s.app.Jobs.Resume(job.JobID)
	if err != nil {
		WriteKindError(w, r, err)
		return
	}

	if err := s.app.Dispatcher.Submit(job.JobID, func() {
		s.app.Runner.ResumePausedJob(job.JobID, llmOpts)
	}); err != nil {
		WriteKindError(w, r, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "job": jobToOut(resumed)})
}

// handleJobRetryFailed re-runs the chunks of a failed job that never
// reached done.
func (s *Server) handleJobRetryFailed(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	job, ok := s.getJob(w, r, jobID)
	if !ok {
		return
	}

	var req ResumeRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	llmOpts := models.LLMOptions{}
	if req.LLM != nil {
		llmOpts = *req.LLM
	}

	reopened, err := s.app.Jobs.Reopen(job.JobID)
	if err != nil {
		WriteKindError(w, r, err)
		return
	}

	if err := s.app.Dispatcher.Submit(job.JobID, func() {
		s.app.Runner.RetryFailedChunks(job.JobID, llmOpts)
	}); err != nil {
		WriteKindError(w, r, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "job": jobToOut(reopened)})
}

// handleJobMerge runs the MERGE phase synchronously.
func (s *Server) handleJobMerge(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	job, ok := s.getJob(w, r, jobID)
	if !ok {
		return
	}

	var req MergeRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	if s.app.Dispatcher.InFlight(job.JobID) {
		WriteError(w, r, http.StatusConflict, "job is already in flight")
		return
	}

	if err := s.app.Runner.MergeOutputs(job.JobID, req.CleanupDebugDir); err != nil {
		WriteKindError(w, r, err)
		return
	}

	merged := s.app.Jobs.Get(job.JobID)
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "job": jobToOut(merged)})
}

// handleJobReset destroys the job: registry entry, work dir, input cache,
// and persisted state.
func (s *Server) handleJobReset(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	job, ok := s.getJob(w, r, jobID)
	if !ok {
		return
	}
	if s.app.Dispatcher.InFlight(job.JobID) {
		WriteError(w, r, http.StatusConflict, "job is in flight; cancel first")
		return
	}

	if _, err := s.app.Files.CleanupWorkDir(job.JobID); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.JobID).Msg("Reset: failed to remove work dir")
	}
	if _, err := s.app.Files.CleanupInputCache(job.JobID); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.JobID).Msg("Reset: failed to remove input cache")
	}
	if err := s.app.Jobs.Delete(job.JobID); err != nil {
		WriteKindError(w, r, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleJobCleanupDebug removes the work directory, keeping the job.
func (s *Server) handleJobCleanupDebug(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	job, ok := s.getJob(w, r, jobID)
	if !ok {
		return
	}
	if s.app.Dispatcher.InFlight(job.JobID) {
		WriteError(w, r, http.StatusConflict, "job is in flight")
		return
	}

	removed, err := s.app.Files.CleanupWorkDir(job.JobID)
	if err != nil {
		WriteKindError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "removed": removed})
}

// handleJobRerunAll copies the job's cached input into a fresh job and
// starts it from VALIDATE.
func (s *Server) handleJobRerunAll(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	job, ok := s.getJob(w, r, jobID)
	if !ok {
		return
	}

	var req ResumeRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	llmOpts := models.LLMOptions{}
	if req.LLM != nil {
		llmOpts = *req.LLM
	}

	newID := workfs.NewJobID()
	if err := s.app.Files.CopyInputCache(job.JobID, newID); err != nil {
		if os.IsNotExist(err) {
			WriteError(w, r, http.StatusNotFound, "input cache not found")
			return
		}
		WriteKindError(w, r, err)
		return
	}

	newJob, err := s.app.Jobs.CreateWithID(newID, job.InputFilename, job.OutputFilename, job.Format, job.CleanupDebugDir)
	if err != nil {
		s.cleanupOrphanInput(newID)
		WriteKindError(w, r, err)
		return
	}

	if err := s.app.Dispatcher.Submit(newID, func() {
		s.app.Runner.RunJob(newID, llmOpts)
	}); err != nil {
		WriteKindError(w, r, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "job": jobToOut(newJob)})
}

// handlePurgeAll resets every job not excluded and not in flight.
func (s *Server) handlePurgeAll(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req PurgeAllRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	excluded := make(map[string]bool, len(req.Exclude))
	for _, id := range req.Exclude {
		excluded[strings.ToLower(strings.TrimSpace(id))] = true
	}

	purged := 0
	for _, summary := range s.app.Jobs.ListSummaries() {
		if excluded[summary.JobID] || s.app.Dispatcher.InFlight(summary.JobID) {
			continue
		}
		if _, err := s.app.Files.CleanupWorkDir(summary.JobID); err != nil {
			s.logger.Warn().Err(err).Str("job_id", summary.JobID).Msg("Purge: failed to remove work dir")
		}
		if _, err := s.app.Files.CleanupInputCache(summary.JobID); err != nil {
			s.logger.Warn().Err(err).Str("job_id", summary.JobID).Msg("Purge: failed to remove input cache")
		}
		if err := s.app.Jobs.Delete(summary.JobID); err == nil {
			purged++
		}
	}

	WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "purged": purged})
}
