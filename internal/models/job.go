package models

// JobState is the runtime status of a proofreading job.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStatePaused    JobState = "paused"
	JobStateDone      JobState = "done"
	JobStateError     JobState = "error"
	JobStateCancelled JobState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	return s == JobStateDone || s == JobStateError || s == JobStateCancelled
}

// JobPhase is the pipeline stage a job is in.
type JobPhase string

const (
	PhaseValidate JobPhase = "validate"
	PhaseProcess  JobPhase = "process"
	PhaseMerge    JobPhase = "merge"
	PhaseDone     JobPhase = "done"
)

// ChunkState is the runtime status of a single chunk.
type ChunkState string

const (
	ChunkPending    ChunkState = "pending"
	ChunkProcessing ChunkState = "processing"
	ChunkRetrying   ChunkState = "retrying"
	ChunkDone       ChunkState = "done"
	ChunkError      ChunkState = "error"
)

// InFlight reports whether the chunk is owned by a live worker.
// Such states cannot survive a process restart and are healed to pending.
func (s ChunkState) InFlight() bool {
	return s == ChunkProcessing || s == ChunkRetrying
}

// Chunk records the lifecycle of one unit of LLM work.
// Timestamps are seconds since epoch, matching the persisted snapshot schema.
type Chunk struct {
	Index            int        `json:"index"`
	State            ChunkState `json:"state"`
	StartedAt        *float64   `json:"started_at"`
	FinishedAt       *float64   `json:"finished_at"`
	Retries          int        `json:"retries"`
	LastErrorCode    *int       `json:"last_error_code"`
	LastErrorMessage string     `json:"last_error_message,omitempty"`
	LLMModel         string     `json:"llm_model,omitempty"`
	InputChars       *int       `json:"input_chars"`
	OutputChars      *int       `json:"output_chars"`
}

// Job is one proofreading task. The job store owns the canonical instance;
// everything handed out of the store is a deep copy.
type Job struct {
	JobID      string   `json:"job_id"`
	State      JobState `json:"state"`
	Phase      JobPhase `json:"phase"`
	CreatedAt  float64  `json:"created_at"`
	StartedAt  *float64 `json:"started_at"`
	FinishedAt *float64 `json:"finished_at"`

	InputFilename  string `json:"input_filename"`
	OutputFilename string `json:"output_filename"`
	OutputPath     string `json:"output_path,omitempty"`
	WorkDir        string `json:"work_dir,omitempty"`

	// Format is frozen for the job's lifetime once validation begins.
	Format FormatOptions `json:"format"`

	TotalChunks int `json:"total_chunks"`
	DoneChunks  int `json:"done_chunks"`

	LastErrorCode   *int           `json:"last_error_code"`
	LastRetryCount  int            `json:"last_retry_count"`
	LastLLMModel    string         `json:"last_llm_model,omitempty"`
	Stats           map[string]int `json:"stats"`
	Error           string         `json:"error,omitempty"`
	CleanupDebugDir bool           `json:"cleanup_debug_dir"`

	Chunks []Chunk `json:"chunk_statuses"`
}

// Clone returns a deep copy safe to hand outside the store lock.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.StartedAt = clonePtr(j.StartedAt)
	cp.FinishedAt = clonePtr(j.FinishedAt)
	cp.LastErrorCode = clonePtr(j.LastErrorCode)
	if j.Stats != nil {
		cp.Stats = make(map[string]int, len(j.Stats))
		for k, v := range j.Stats {
			cp.Stats[k] = v
		}
	}
	if j.Chunks != nil {
		cp.Chunks = make([]Chunk, len(j.Chunks))
		for i := range j.Chunks {
			cp.Chunks[i] = *j.Chunks[i].Clone()
		}
	}
	return &cp
}

// Clone returns a deep copy of the chunk.
func (c *Chunk) Clone() *Chunk {
	cp := *c
	cp.StartedAt = clonePtr(c.StartedAt)
	cp.FinishedAt = clonePtr(c.FinishedAt)
	cp.LastErrorCode = clonePtr(c.LastErrorCode)
	cp.InputChars = clonePtr(c.InputChars)
	cp.OutputChars = clonePtr(c.OutputChars)
	return &cp
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// CountChunks tallies chunk states.
func (j *Job) CountChunks() map[ChunkState]int {
	counts := make(map[ChunkState]int)
	for i := range j.Chunks {
		counts[j.Chunks[i].State]++
	}
	return counts
}

// Percent returns completion as an integer percentage.
func (j *Job) Percent() int {
	if j.TotalChunks <= 0 {
		return 0
	}
	return int(float64(j.DoneChunks) / float64(j.TotalChunks) * 100)
}

// JobSummary is the compact listing form of a job.
type JobSummary struct {
	JobID          string   `json:"id"`
	State          JobState `json:"state"`
	Phase          JobPhase `json:"phase"`
	CreatedAt      float64  `json:"created_at"`
	InputFilename  string   `json:"input_filename"`
	OutputFilename string   `json:"output_filename"`
	TotalChunks    int      `json:"total_chunks"`
	DoneChunks     int      `json:"done_chunks"`
	Percent        int      `json:"percent"`
	LastErrorCode  *int     `json:"last_error_code"`
	LLMModel       string   `json:"llm_model,omitempty"`
}

// Summary derives the listing form.
func (j *Job) Summary() JobSummary {
	return JobSummary{
		JobID:          j.JobID,
		State:          j.State,
		Phase:          j.Phase,
		CreatedAt:      j.CreatedAt,
		InputFilename:  j.InputFilename,
		OutputFilename: j.OutputFilename,
		TotalChunks:    j.TotalChunks,
		DoneChunks:     j.DoneChunks,
		Percent:        j.Percent(),
		LastErrorCode:  clonePtr(j.LastErrorCode),
		LLMModel:       j.LastLLMModel,
	}
}
