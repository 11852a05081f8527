package server

import (
	"path/filepath"

	"github.com/zhu-jl18/novel-proofer/internal/models"
)

// JobProgress summarizes chunk completion.
type JobProgress struct {
	TotalChunks int `json:"total_chunks"`
	DoneChunks  int `json:"done_chunks"`
	Percent     int `json:"percent"`
}

// JobOut is the API projection of a job. Filesystem locations are reported
// relative to the output root; the output path appears only once the job is
// done.
type JobOut struct {
	ID              string               `json:"id"`
	State           models.JobState      `json:"state"`
	Phase           models.JobPhase      `json:"phase"`
	CreatedAt       float64              `json:"created_at"`
	StartedAt       *float64             `json:"started_at"`
	FinishedAt      *float64             `json:"finished_at"`
	InputFilename   string               `json:"input_filename"`
	OutputFilename  string               `json:"output_filename"`
	OutputPath      *string              `json:"output_path"`
	DebugDir        string               `json:"debug_dir"`
	Progress        JobProgress          `json:"progress"`
	Format          models.FormatOptions `json:"format"`
	LastErrorCode   *int                 `json:"last_error_code"`
	LastRetryCount  int                  `json:"last_retry_count"`
	LLMModel        string               `json:"llm_model,omitempty"`
	Stats           map[string]int       `json:"stats"`
	Error           string               `json:"error,omitempty"`
	CleanupDebugDir bool                 `json:"cleanup_debug_dir"`
}

func jobToOut(job *models.Job) JobOut {
	out := JobOut{
		ID:             job.JobID,
		State:          job.State,
		Phase:          job.Phase,
		CreatedAt:      job.CreatedAt,
		StartedAt:      job.StartedAt,
		FinishedAt:     job.FinishedAt,
		InputFilename:  job.InputFilename,
		OutputFilename: job.OutputFilename,
		DebugDir:       "output/.jobs/" + job.JobID + "/",
		Progress: JobProgress{
			TotalChunks: job.TotalChunks,
			DoneChunks:  job.DoneChunks,
			Percent:     job.Percent(),
		},
		Format:          job.Format,
		LastErrorCode:   job.LastErrorCode,
		LastRetryCount:  job.LastRetryCount,
		LLMModel:        job.LastLLMModel,
		Stats:           job.Stats,
		Error:           job.Error,
		CleanupDebugDir: job.CleanupDebugDir,
	}
	if job.State == models.JobStateDone && job.OutputPath != "" {
		rel := "output/" + filepath.Base(job.OutputPath)
		out.OutputPath = &rel
	}
	return out
}

// JobGetResponse is the detail response, with optional chunk paging.
type JobGetResponse struct {
	Job         JobOut                    `json:"job"`
	Chunks      []models.Chunk            `json:"chunks,omitempty"`
	ChunkCounts map[models.ChunkState]int `json:"chunk_counts,omitempty"`
	HasMore     *bool                     `json:"has_more,omitempty"`
}

// ResumeRequest optionally overrides LLM parameters at resume time.
type ResumeRequest struct {
	LLM *models.LLMOptions `json:"llm"`
}

// MergeRequest optionally overrides debug-dir retention at merge time.
type MergeRequest struct {
	CleanupDebugDir *bool `json:"cleanup_debug_dir"`
}

// FormatRequest is the one-shot formatting request.
type FormatRequest struct {
	Text   string                `json:"text"`
	Format *models.FormatOptions `json:"format"`
	LLM    *models.LLMOptions    `json:"llm"`
}

// PurgeAllRequest lists job ids to keep.
type PurgeAllRequest struct {
	Exclude []string `json:"exclude"`
}
