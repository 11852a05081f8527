// Package jobs implements the authoritative in-memory job registry with
// snapshot-style reads, guarded state transitions, throttled durable
// persistence to per-job JSON files, and startup healing.
package jobs

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zhu-jl18/novel-proofer/internal/common"
	"github.com/zhu-jl18/novel-proofer/internal/metrics"
	"github.com/zhu-jl18/novel-proofer/internal/models"
	"github.com/zhu-jl18/novel-proofer/internal/storage/workfs"
)

// Store is the process-wide job registry. All mutations happen under one
// mutex; every read returns a deep copy so callers never alias internal
// state. When constructed with a persist directory, a flusher goroutine
// writes throttled snapshots; terminal transitions flush synchronously.
type Store struct {
	mu             sync.Mutex
	jobs           map[string]*models.Job
	cancelRequests map[string]bool
	pauseRequests  map[string]bool

	logger *common.Logger

	persistDir string
	interval   time.Duration

	seqs       map[string]uint64
	dirtySince map[string]time.Time

	signal chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	// persistLock serializes on-disk snapshot writes.
	persistLock sync.Mutex
}

// Option configures the store.
type Option func(*Store)

// WithPersistDir enables durable persistence under dir.
func WithPersistDir(dir string) Option {
	return func(s *Store) { s.persistDir = dir }
}

// WithPersistInterval overrides the flusher interval.
func WithPersistInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *common.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// NewStore creates a job store. With a persist directory configured the
// flusher goroutine starts immediately; call Close to stop it.
func NewStore(opts ...Option) *Store {
	s := &Store{
		jobs:           make(map[string]*models.Job),
		cancelRequests: make(map[string]bool),
		pauseRequests:  make(map[string]bool),
		logger:         common.NewSilentLogger(),
		interval:       5 * time.Second,
		seqs:           make(map[string]uint64),
		dirtySince:     make(map[string]time.Time),
		signal:         make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.persistDir != "" {
		s.wg.Add(1)
		go s.flushLoop()
	}
	return s
}

// Close stops the flusher after a final flush of all dirty jobs.
func (s *Store) Close() {
	if s.persistDir == "" {
		return
	}
	close(s.stopCh)
	s.wg.Wait()
	s.FlushPersistence("")
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// Create registers a new job in queued/validate and persists an initial
// snapshot synchronously.
func (s *Store) Create(inputFilename, outputFilename string, format models.FormatOptions, cleanupDebugDir bool) (*models.Job, error) {
	return s.CreateWithID(workfs.NewJobID(), inputFilename, outputFilename, format, cleanupDebugDir)
}

// CreateWithID registers a job under a caller-chosen id, letting the HTTP
// layer spool the upload under the final id before the record exists.
func (s *Store) CreateWithID(jobID, inputFilename, outputFilename string, format models.FormatOptions, cleanupDebugDir bool) (*models.Job, error) {
	jobID, err := workfs.ValidateJobID(jobID)
	if err != nil {
		return nil, err
	}
	job := &models.Job{
		JobID:           jobID,
		State:           models.JobStateQueued,
		Phase:           models.PhaseValidate,
		CreatedAt:       nowSeconds(),
		InputFilename:   inputFilename,
		OutputFilename:  outputFilename,
		Format:          format,
		Stats:           make(map[string]int),
		CleanupDebugDir: cleanupDebugDir,
	}

	s.mu.Lock()
	if _, exists := s.jobs[job.JobID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: job %s already exists", models.ErrConflict, job.JobID)
	}
	s.jobs[job.JobID] = job
	s.markDirtyLocked(job.JobID)
	snapshot := job.Clone()
	s.mu.Unlock()

	metrics.JobsCreated.Inc()

	if err := s.writeSnapshot(snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Get returns a snapshot of the job, or nil when unknown.
func (s *Store) Get(jobID string) *models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[jobID].Clone()
}

// ListSummaries returns all jobs in creation order, newest first.
func (s *Store) ListSummaries() []models.JobSummary {
	s.mu.Lock()
	summaries := make([]models.JobSummary, 0, len(s.jobs))
	for _, job := range s.jobs {
		summaries = append(summaries, job.Summary())
	}
	s.mu.Unlock()

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].CreatedAt != summaries[j].CreatedAt {
			return summaries[i].CreatedAt > summaries[j].CreatedAt
		}
		return summaries[i].JobID < summaries[j].JobID
	})
	return summaries
}

// Patch is a partial job update. Nil fields are left untouched.
type Patch struct {
	State          *models.JobState
	Phase          *models.JobPhase
	StartedAt      *float64
	FinishedAt     *float64
	OutputPath     *string
	WorkDir        *string
	TotalChunks    *int
	DoneChunks     *int
	LastErrorCode  *int
	LastLLMModel   *string
	Error          *string
	CleanupDebug   *bool
	Format         *models.FormatOptions
}

// Update applies a guarded patch:
//
//   - updates against a cancelled job are dropped (terminal);
//   - started_at is monotonic — once set it is never overwritten;
//   - paused → queued/running is rejected (resume is the only path out);
//   - a transition into a terminal state clears the pause request.
func (s *Store) Update(jobID string, patch Patch) (*models.Job, error) {
	s.mu.Lock()

	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: job %s", models.ErrNotFound, jobID)
	}

	if job.State == models.JobStateCancelled {
		snapshot := job.Clone()
		s.mu.Unlock()
		return snapshot, nil
	}

	// Terminal states are immutable through plain updates; Reopen and
	// Delete are the only ways out of done/error.
	if patch.State != nil && job.State.Terminal() {
		patch.State = nil
	}

	if patch.State != nil && job.State == models.JobStatePaused {
		if *patch.State == models.JobStateQueued || *patch.State == models.JobStateRunning {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: job %s is paused; use resume", models.ErrConflict, jobID)
		}
	}

	applyPatchLocked(job, patch)

	terminal := patch.State != nil && patch.State.Terminal()
	if terminal {
		delete(s.pauseRequests, jobID)
		metrics.JobsFinished.WithLabelValues(string(*patch.State)).Inc()
	}

	s.markDirtyLocked(jobID)
	snapshot := job.Clone()
	s.mu.Unlock()

	if terminal {
		s.flushJob(snapshot)
	} else {
		s.kickFlusher()
	}
	return snapshot, nil
}

func applyPatchLocked(job *models.Job, patch Patch) {
	if patch.State != nil {
		job.State = *patch.State
	}
	if patch.Phase != nil {
		job.Phase = *patch.Phase
	}
	if patch.StartedAt != nil && job.StartedAt == nil {
		v := *patch.StartedAt
		job.StartedAt = &v
	}
	if patch.FinishedAt != nil {
		v := *patch.FinishedAt
		job.FinishedAt = &v
	}
	if patch.OutputPath != nil {
		job.OutputPath = *patch.OutputPath
	}
	if patch.WorkDir != nil {
		job.WorkDir = *patch.WorkDir
	}
	if patch.TotalChunks != nil {
		job.TotalChunks = *patch.TotalChunks
	}
	if patch.DoneChunks != nil {
		job.DoneChunks = *patch.DoneChunks
	}
	if patch.LastErrorCode != nil {
		v := *patch.LastErrorCode
		job.LastErrorCode = &v
	}
	if patch.LastLLMModel != nil {
		job.LastLLMModel = *patch.LastLLMModel
	}
	if patch.Error != nil {
		job.Error = *patch.Error
	}
	if patch.CleanupDebug != nil {
		job.CleanupDebugDir = *patch.CleanupDebug
	}
	if patch.Format != nil {
		job.Format = *patch.Format
	}
}

// InitChunks allocates the chunk list in pending state and resets the done
// counter. Called once VALIDATE knows the chunk count.
func (s *Store) InitChunks(jobID string, totalChunks int, llmModel string) error {
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		s.kickFlusher()
	}()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: job %s", models.ErrNotFound, jobID)
	}
	if job.State == models.JobStateCancelled {
		return nil
	}

	job.TotalChunks = totalChunks
	job.DoneChunks = 0
	job.Chunks = make([]models.Chunk, totalChunks)
	for i := range job.Chunks {
		job.Chunks[i] = models.Chunk{Index: i, State: models.ChunkPending, LLMModel: llmModel}
	}
	s.markDirtyLocked(jobID)
	return nil
}

// ChunkPatch is a partial chunk update. Nil fields are left untouched.
type ChunkPatch struct {
	State            *models.ChunkState
	StartedAt        *float64
	FinishedAt       *float64
	Retries          *int
	LastErrorCode    *int
	LastErrorMessage *string
	LLMModel         *string
	InputChars       *int
	OutputChars      *int
}

// UpdateChunk applies a chunk patch, maintaining done_chunks: leaving done
// decrements, entering done increments. Dropped when the job is cancelled.
func (s *Store) UpdateChunk(jobID string, index int, patch ChunkPatch) error {
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		s.kickFlusher()
	}()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: job %s", models.ErrNotFound, jobID)
	}
	if job.State == models.JobStateCancelled {
		return nil
	}
	if index < 0 || index >= len(job.Chunks) {
		return fmt.Errorf("%w: chunk %d of job %s", models.ErrInvalidInput, index, jobID)
	}

	chunk := &job.Chunks[index]
	wasDone := chunk.State == models.ChunkDone

	if patch.State != nil {
		chunk.State = *patch.State
	}
	if patch.StartedAt != nil {
		v := *patch.StartedAt
		chunk.StartedAt = &v
	}
	if patch.FinishedAt != nil {
		v := *patch.FinishedAt
		chunk.FinishedAt = &v
	}
	if patch.Retries != nil {
		chunk.Retries = *patch.Retries
	}
	if patch.LastErrorCode != nil {
		v := *patch.LastErrorCode
		chunk.LastErrorCode = &v
	}
	if patch.LastErrorMessage != nil {
		chunk.LastErrorMessage = *patch.LastErrorMessage
	}
	if patch.LLMModel != nil {
		chunk.LLMModel = *patch.LLMModel
	}
	if patch.InputChars != nil {
		v := *patch.InputChars
		chunk.InputChars = &v
	}
	if patch.OutputChars != nil {
		v := *patch.OutputChars
		chunk.OutputChars = &v
	}

	isDone := chunk.State == models.ChunkDone
	if wasDone && !isDone {
		job.DoneChunks--
	} else if !wasDone && isDone {
		job.DoneChunks++
	}

	s.markDirtyLocked(jobID)
	return nil
}

// AddRetry bumps job- and chunk-level retry counters and last-error fields.
func (s *Store) AddRetry(jobID string, index, inc int, code *int, msg string) {
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		s.kickFlusher()
	}()

	job, ok := s.jobs[jobID]
	if !ok {
		return
	}

	job.LastRetryCount += inc
	if code != nil {
		v := *code
		job.LastErrorCode = &v
	}
	if index >= 0 && index < len(job.Chunks) {
		chunk := &job.Chunks[index]
		chunk.Retries += inc
		if code != nil {
			v := *code
			chunk.LastErrorCode = &v
		} else {
			chunk.LastErrorCode = nil
		}
		chunk.LastErrorMessage = msg
	}
	s.markDirtyLocked(jobID)
}

// AddStat increments one counter in the job stats map.
func (s *Store) AddStat(jobID, key string, inc int) {
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		s.kickFlusher()
	}()

	job, ok := s.jobs[jobID]
	if !ok {
		return
	}
	if job.Stats == nil {
		job.Stats = make(map[string]int)
	}
	job.Stats[key] += inc
	s.markDirtyLocked(jobID)
}

// MergeStats folds a stats delta into the job stats map.
func (s *Store) MergeStats(jobID string, delta map[string]int) {
	if len(delta) == 0 {
		return
	}
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		s.kickFlusher()
	}()

	job, ok := s.jobs[jobID]
	if !ok {
		return
	}
	if job.Stats == nil {
		job.Stats = make(map[string]int)
	}
	for k, v := range delta {
		job.Stats[k] += v
	}
	s.markDirtyLocked(jobID)
}

// Cancel flags the job cancelled, stamps finished_at, and resets any
// in-flight chunk back to pending. The snapshot flushes immediately.
func (s *Store) Cancel(jobID string) (*models.Job, error) {
	s.mu.Lock()

	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: job %s", models.ErrNotFound, jobID)
	}

	s.cancelRequests[jobID] = true
	delete(s.pauseRequests, jobID)

	if !job.State.Terminal() {
		job.State = models.JobStateCancelled
		now := nowSeconds()
		job.FinishedAt = &now
		metrics.JobsFinished.WithLabelValues(string(models.JobStateCancelled)).Inc()
	}
	for i := range job.Chunks {
		chunk := &job.Chunks[i]
		if chunk.State.InFlight() {
			chunk.State = models.ChunkPending
			chunk.StartedAt = nil
			if chunk.LastErrorMessage == "" {
				chunk.LastErrorMessage = "cancelled"
			}
		}
	}

	s.markDirtyLocked(jobID)
	snapshot := job.Clone()
	s.mu.Unlock()

	s.flushJob(snapshot)
	return snapshot, nil
}

// Pause requests cooperative suspension. Valid only from queued/running.
func (s *Store) Pause(jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", models.ErrNotFound, jobID)
	}
	if job.State != models.JobStateQueued && job.State != models.JobStateRunning {
		return nil, fmt.Errorf("%w: cannot pause job in state %s", models.ErrConflict, job.State)
	}
	s.pauseRequests[jobID] = true
	return job.Clone(), nil
}

// Resume lifts a pause. Valid only from paused; the job returns to queued
// and the caller re-submits it to the dispatcher.
func (s *Store) Resume(jobID string) (*models.Job, error) {
	s.mu.Lock()

	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: job %s", models.ErrNotFound, jobID)
	}
	if job.State != models.JobStatePaused {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot resume job in state %s", models.ErrConflict, job.State)
	}

	delete(s.pauseRequests, jobID)
	job.State = models.JobStateQueued
	s.markDirtyLocked(jobID)
	snapshot := job.Clone()
	s.mu.Unlock()

	s.kickFlusher()
	return snapshot, nil
}

// Reopen moves a failed job back to queued so failed chunks can be
// retried. This is the only path out of the error state; plain updates
// never leave a terminal state.
func (s *Store) Reopen(jobID string) (*models.Job, error) {
	s.mu.Lock()

	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: job %s", models.ErrNotFound, jobID)
	}
	if job.State != models.JobStateError {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot retry job in state %s", models.ErrConflict, job.State)
	}

	job.State = models.JobStateQueued
	job.Error = ""
	job.FinishedAt = nil
	s.markDirtyLocked(jobID)
	snapshot := job.Clone()
	s.mu.Unlock()

	s.kickFlusher()
	return snapshot, nil
}

// Delete removes the job from the registry and deletes its snapshot file.
func (s *Store) Delete(jobID string) error {
	s.mu.Lock()
	_, ok := s.jobs[jobID]
	delete(s.jobs, jobID)
	delete(s.cancelRequests, jobID)
	delete(s.pauseRequests, jobID)
	delete(s.seqs, jobID)
	delete(s.dirtySince, jobID)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: job %s", models.ErrNotFound, jobID)
	}
	return s.removeSnapshotFile(jobID)
}

// IsCancelled is the fast predicate workers poll for cooperative interruption.
func (s *Store) IsCancelled(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelRequests[jobID]
}

// IsPaused is the fast predicate the scheduler polls to stop submitting.
func (s *Store) IsPaused(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pauseRequests[jobID]
}
