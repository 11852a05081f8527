package jobs

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhu-jl18/novel-proofer/internal/models"
)

func newPersistentStore(t *testing.T, dir string, interval time.Duration) *Store {
	t.Helper()
	s := NewStore(WithPersistDir(dir), WithPersistInterval(interval))
	t.Cleanup(s.Close)
	return s
}

func readSnapshot(t *testing.T, dir, jobID string) snapshotEnvelope {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, jobID+".json"))
	require.NoError(t, err)
	var env snapshotEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestCreatePersistsSynchronously(t *testing.T) {
	dir := t.TempDir()
	s := newPersistentStore(t, dir, time.Hour)

	job := createTestJob(t, s)

	env := readSnapshot(t, dir, job.JobID)
	assert.Equal(t, 2, env.Version)
	assert.Equal(t, job.JobID, env.Job.JobID)
	assert.Equal(t, models.JobStateQueued, env.Job.State)
}

func TestThrottledFlushWritesAfterInterval(t *testing.T) {
	dir := t.TempDir()
	s := newPersistentStore(t, dir, 150*time.Millisecond)

	job := createTestJob(t, s)
	_, err := s.Update(job.JobID, Patch{Phase: ptrPhase(models.PhaseProcess)})
	require.NoError(t, err)

	// Immediately after the mutation the disk may still hold the old phase.
	require.Eventually(t, func() bool {
		env := readSnapshot(t, dir, job.JobID)
		return env.Job.Phase == models.PhaseProcess
	}, 2*time.Second, 20*time.Millisecond, "flusher should write within the interval")
}

func ptrPhase(p models.JobPhase) *models.JobPhase { return &p }

func TestTerminalTransitionFlushesImmediately(t *testing.T) {
	dir := t.TempDir()
	s := newPersistentStore(t, dir, time.Hour)

	job := createTestJob(t, s)
	_, err := s.Update(job.JobID, Patch{State: statePtr(models.JobStateError), Error: strPtr("boom")})
	require.NoError(t, err)

	env := readSnapshot(t, dir, job.JobID)
	assert.Equal(t, models.JobStateError, env.Job.State)
	assert.Equal(t, "boom", env.Job.Error)
}

func TestCancelFlushesImmediately(t *testing.T) {
	dir := t.TempDir()
	s := newPersistentStore(t, dir, time.Hour)

	job := createTestJob(t, s)
	_, err := s.Cancel(job.JobID)
	require.NoError(t, err)

	env := readSnapshot(t, dir, job.JobID)
	assert.Equal(t, models.JobStateCancelled, env.Job.State)
}

func TestFlushPersistenceForcesWrite(t *testing.T) {
	dir := t.TempDir()
	s := newPersistentStore(t, dir, time.Hour)

	job := createTestJob(t, s)
	require.NoError(t, s.InitChunks(job.JobID, 2, "m"))
	s.FlushPersistence(job.JobID)

	env := readSnapshot(t, dir, job.JobID)
	assert.Len(t, env.Job.Chunks, 2)
}

func TestDeleteRemovesSnapshotFile(t *testing.T) {
	dir := t.TempDir()
	s := newPersistentStore(t, dir, time.Hour)

	job := createTestJob(t, s)
	path := filepath.Join(dir, job.JobID+".json")
	_, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, s.Delete(job.JobID))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestPersistenceRoundTripWithHealing(t *testing.T) {
	dir := t.TempDir()
	s := newPersistentStore(t, dir, time.Hour)

	job := createTestJob(t, s)
	require.NoError(t, s.InitChunks(job.JobID, 4, "model-x"))
	_, err := s.Update(job.JobID, Patch{
		State:     statePtr(models.JobStateRunning),
		Phase:     ptrPhase(models.PhaseProcess),
		StartedAt: f64Ptr(1000),
	})
	require.NoError(t, err)

	require.NoError(t, s.UpdateChunk(job.JobID, 0, ChunkPatch{State: chunkPtr(models.ChunkDone)}))
	require.NoError(t, s.UpdateChunk(job.JobID, 1, ChunkPatch{State: chunkPtr(models.ChunkDone)}))
	require.NoError(t, s.UpdateChunk(job.JobID, 2, ChunkPatch{State: chunkPtr(models.ChunkProcessing), StartedAt: f64Ptr(2000)}))
	s.FlushPersistence(job.JobID)

	// Simulate a crash: a fresh store reads the same directory.
	restored := newPersistentStore(t, dir, time.Hour)
	count, err := restored.LoadPersistedJobs()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	snap := restored.Get(job.JobID)
	require.NotNil(t, snap)
	assert.Equal(t, models.JobStatePaused, snap.State, "running jobs heal to paused")
	assert.Equal(t, models.PhaseProcess, snap.Phase)
	assert.Nil(t, snap.FinishedAt)
	assert.Equal(t, 2, snap.DoneChunks)
	assert.Equal(t, models.ChunkPending, snap.Chunks[2].State, "in-flight chunks heal to pending")
	assert.Nil(t, snap.Chunks[2].StartedAt)
	assert.Equal(t, models.ChunkPending, snap.Chunks[3].State)
	assert.Equal(t, "model-x", snap.Chunks[0].LLMModel)
}

func TestHealPhaseNormalization(t *testing.T) {
	dir := t.TempDir()

	cases := []struct {
		name      string
		job       models.Job
		wantState models.JobState
		wantPhase models.JobPhase
	}{
		{
			name:      "no chunks goes to validate",
			job:       models.Job{JobID: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", State: models.JobStateQueued},
			wantState: models.JobStatePaused,
			wantPhase: models.PhaseValidate,
		},
		{
			name: "all done but not done state goes to merge",
			job: models.Job{
				JobID: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
				State: models.JobStateRunning,
				Chunks: []models.Chunk{
					{Index: 0, State: models.ChunkDone},
					{Index: 1, State: models.ChunkDone},
				},
			},
			wantState: models.JobStatePaused,
			wantPhase: models.PhaseMerge,
		},
		{
			name: "error chunks go to process",
			job: models.Job{
				JobID: "cccccccccccccccccccccccccccccccc",
				State: models.JobStatePaused,
				Chunks: []models.Chunk{
					{Index: 0, State: models.ChunkDone},
					{Index: 1, State: models.ChunkError},
				},
			},
			wantState: models.JobStatePaused,
			wantPhase: models.PhaseProcess,
		},
		{
			name: "done state stays done",
			job: models.Job{
				JobID:  "dddddddddddddddddddddddddddddddd",
				State:  models.JobStateDone,
				Chunks: []models.Chunk{{Index: 0, State: models.ChunkDone}},
			},
			wantState: models.JobStateDone,
			wantPhase: models.PhaseDone,
		},
	}

	for _, tc := range cases {
		data, err := json.Marshal(snapshotEnvelope{Version: 2, Job: &tc.job})
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, tc.job.JobID+".json"), data, 0o644))
	}

	s := newPersistentStore(t, dir, time.Hour)
	count, err := s.LoadPersistedJobs()
	require.NoError(t, err)
	assert.Equal(t, len(cases), count)

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			snap := s.Get(tc.job.JobID)
			require.NotNil(t, snap)
			assert.Equal(t, tc.wantState, snap.State)
			assert.Equal(t, tc.wantPhase, snap.Phase)
		})
	}
}

func TestLoadToleratesVersionDriftAndGarbage(t *testing.T) {
	dir := t.TempDir()

	// Version 1 file (no phase) is accepted and healed.
	v1 := []byte(`{"version":1,"job":{"job_id":"eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee","state":"running","chunk_statuses":[{"index":0,"state":"processing"}]}}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee.json"), v1, 0o644))

	// Garbage and id-less files are skipped.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "noid.json"), []byte(`{"version":2,"job":{}}`), 0o644))

	s := newPersistentStore(t, dir, time.Hour)
	count, err := s.LoadPersistedJobs()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	snap := s.Get("eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee")
	require.NotNil(t, snap)
	assert.Equal(t, models.JobStatePaused, snap.State)
	assert.Equal(t, models.PhaseProcess, snap.Phase)
	assert.Equal(t, models.ChunkPending, snap.Chunks[0].State)
	assert.Equal(t, 1, snap.TotalChunks)
}

func TestSnapshotIsCompactJSON(t *testing.T) {
	dir := t.TempDir()
	s := newPersistentStore(t, dir, time.Hour)

	job := createTestJob(t, s)
	data, err := os.ReadFile(filepath.Join(dir, job.JobID+".json"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "\n  ", "writers write compact JSON")
}
