package jobs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zhu-jl18/novel-proofer/internal/models"
	"github.com/zhu-jl18/novel-proofer/internal/storage/workfs"
)

// snapshotVersion is the current job-state file schema version. Version 1
// files (no phase field) are still accepted and healed on load.
const snapshotVersion = 2

// snapshotEnvelope is the top-level shape of a persisted job file.
type snapshotEnvelope struct {
	Version int         `json:"version"`
	Job     *models.Job `json:"job"`
}

func (s *Store) snapshotPath(jobID string) string {
	return filepath.Join(s.persistDir, jobID+".json")
}

// markDirtyLocked bumps the job's sequence number and records when it first
// became dirty. Must be called with s.mu held.
func (s *Store) markDirtyLocked(jobID string) {
	if s.persistDir == "" {
		return
	}
	s.seqs[jobID]++
	if _, ok := s.dirtySince[jobID]; !ok {
		s.dirtySince[jobID] = time.Now()
	}
}

// kickFlusher wakes the flusher without blocking.
func (s *Store) kickFlusher() {
	if s.persistDir == "" {
		return
	}
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// flushLoop is the dedicated flusher: it wakes on dirty signals or a timer
// and writes any job that has been dirty for at least the interval.
func (s *Store) flushLoop() {
	defer s.wg.Done()

	tick := s.interval / 2
	if tick < 50*time.Millisecond {
		tick = 50 * time.Millisecond
	}
	timer := time.NewTicker(tick)
	defer timer.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-s.signal:
		case <-timer.C:
		}
		s.flushDue()
	}
}

// flushDue captures snapshots of jobs whose dirty age exceeds the interval
// and writes them outside the registry lock. The dirty mark is cleared only
// if the sequence number did not advance during the write.
func (s *Store) flushDue() {
	type pending struct {
		job *models.Job
		seq uint64
	}

	now := time.Now()
	var due []pending

	s.mu.Lock()
	for jobID, since := range s.dirtySince {
		if now.Sub(since) < s.interval {
			continue
		}
		if job, ok := s.jobs[jobID]; ok {
			due = append(due, pending{job: job.Clone(), seq: s.seqs[jobID]})
		} else {
			delete(s.dirtySince, jobID)
		}
	}
	s.mu.Unlock()

	for _, p := range due {
		if err := s.writeSnapshot(p.job); err != nil {
			s.logger.Warn().Err(err).Str("job_id", p.job.JobID).Msg("Failed to flush job snapshot")
			continue
		}
		s.mu.Lock()
		if s.seqs[p.job.JobID] == p.seq {
			delete(s.dirtySince, p.job.JobID)
		}
		s.mu.Unlock()
	}
}

// FlushPersistence forces an immediate snapshot write for one job, or for
// every dirty job when jobID is empty.
func (s *Store) FlushPersistence(jobID string) {
	if s.persistDir == "" {
		return
	}

	var snapshots []*models.Job
	s.mu.Lock()
	if jobID != "" {
		if job, ok := s.jobs[jobID]; ok {
			snapshots = append(snapshots, job.Clone())
		}
	} else {
		for id := range s.dirtySince {
			if job, ok := s.jobs[id]; ok {
				snapshots = append(snapshots, job.Clone())
			}
		}
	}
	s.mu.Unlock()

	for _, snapshot := range snapshots {
		s.flushJob(snapshot)
	}
}

// flushJob writes one snapshot and clears its dirty mark when no newer
// mutation raced the write.
func (s *Store) flushJob(snapshot *models.Job) {
	if s.persistDir == "" || snapshot == nil {
		return
	}

	s.mu.Lock()
	seq := s.seqs[snapshot.JobID]
	s.mu.Unlock()

	if err := s.writeSnapshot(snapshot); err != nil {
		s.logger.Warn().Err(err).Str("job_id", snapshot.JobID).Msg("Failed to write job snapshot")
		return
	}

	s.mu.Lock()
	if s.seqs[snapshot.JobID] == seq {
		delete(s.dirtySince, snapshot.JobID)
	}
	s.mu.Unlock()
}

// writeSnapshot serializes one job snapshot to its state file atomically.
// Compact JSON keeps write volume down on large chunk lists.
func (s *Store) writeSnapshot(job *models.Job) error {
	if s.persistDir == "" {
		return nil
	}

	s.persistLock.Lock()
	defer s.persistLock.Unlock()

	data, err := json.Marshal(snapshotEnvelope{Version: snapshotVersion, Job: job})
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.JobID, err)
	}
	return workfs.WriteFileAtomic(s.snapshotPath(job.JobID), data)
}

func (s *Store) removeSnapshotFile(jobID string) error {
	if s.persistDir == "" {
		return nil
	}
	s.persistLock.Lock()
	defer s.persistLock.Unlock()

	if err := os.Remove(s.snapshotPath(jobID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
