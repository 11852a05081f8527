package jobs

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/zhu-jl18/novel-proofer/internal/models"
)

// LoadPersistedJobs restores jobs from the persist directory, healing
// impossible in-flight states: no worker survives a restart, so running
// jobs become paused and in-flight chunks become pending. Returns the
// number of jobs restored.
func (s *Store) LoadPersistedJobs() (int, error) {
	if s.persistDir == "" {
		return 0, nil
	}

	entries, err := os.ReadDir(s.persistDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.persistDir, entry.Name())

		job, ok := s.readSnapshotFile(path)
		if !ok {
			continue
		}

		healJob(job)

		s.mu.Lock()
		if _, exists := s.jobs[job.JobID]; !exists {
			s.jobs[job.JobID] = job
			loaded++
		}
		s.mu.Unlock()
	}

	if loaded > 0 {
		s.logger.Info().Int("count", loaded).Msg("Restored persisted jobs")
	}
	return loaded, nil
}

// readSnapshotFile parses one state file. Minor version drift is tolerated
// (logged and accepted); files without a job_id are rejected.
func (s *Store) readSnapshotFile(path string) (*models.Job, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("Failed to read job snapshot")
		return nil, false
	}

	var env snapshotEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("Failed to parse job snapshot")
		return nil, false
	}
	if env.Job == nil || env.Job.JobID == "" {
		s.logger.Warn().Str("path", path).Msg("Job snapshot has no job_id; skipping")
		return nil, false
	}
	if env.Version != snapshotVersion {
		s.logger.Warn().
			Int("version", env.Version).
			Str("job_id", env.Job.JobID).
			Msg("Job snapshot version drift; healing on load")
	}
	if env.Job.Stats == nil {
		env.Job.Stats = make(map[string]int)
	}
	return env.Job, true
}

// healJob rewrites impossible states after a restart:
//
//  1. queued/running jobs become paused (finished_at cleared);
//  2. processing/retrying chunks become pending with cleared timestamps;
//  3. done_chunks is recomputed from the chunk list;
//  4. total_chunks covers at least the chunk list length;
//  5. phase is normalized from the chunk population.
func healJob(job *models.Job) {
	if job.State == models.JobStateQueued || job.State == models.JobStateRunning {
		job.State = models.JobStatePaused
		job.FinishedAt = nil
	}

	done := 0
	anyNotDone := false
	for i := range job.Chunks {
		chunk := &job.Chunks[i]
		if chunk.State.InFlight() {
			chunk.State = models.ChunkPending
			chunk.StartedAt = nil
			chunk.FinishedAt = nil
		}
		if chunk.State == models.ChunkDone {
			done++
		} else {
			anyNotDone = true
		}
	}
	job.DoneChunks = done
	if len(job.Chunks) > job.TotalChunks {
		job.TotalChunks = len(job.Chunks)
	}

	switch {
	case job.State == models.JobStateDone:
		job.Phase = models.PhaseDone
	case len(job.Chunks) == 0:
		job.Phase = models.PhaseValidate
	case anyNotDone:
		job.Phase = models.PhaseProcess
	default:
		job.Phase = models.PhaseMerge
	}
}
