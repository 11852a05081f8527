package jobs

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhu-jl18/novel-proofer/internal/models"
)

// TestConcurrentChunkUpdatesKeepCounterConsistent hammers one job with
// parallel chunk transitions and verifies the done counter never drifts
// from the chunk list.
func TestConcurrentChunkUpdatesKeepCounterConsistent(t *testing.T) {
	s := newTestStore(t)
	job := createTestJob(t, s)

	const chunks = 64
	require.NoError(t, s.InitChunks(job.JobID, chunks, "m"))

	var wg sync.WaitGroup
	for i := 0; i < chunks; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			states := []models.ChunkState{
				models.ChunkProcessing,
				models.ChunkRetrying,
				models.ChunkDone,
				models.ChunkPending,
				models.ChunkDone,
			}
			for _, st := range states {
				_ = s.UpdateChunk(job.JobID, idx, ChunkPatch{State: chunkPtr(st)})
			}
		}(i)
	}
	wg.Wait()

	snap := s.Get(job.JobID)
	done := 0
	for _, c := range snap.Chunks {
		if c.State == models.ChunkDone {
			done++
		}
	}
	assert.Equal(t, done, snap.DoneChunks)
	assert.Equal(t, chunks, snap.DoneChunks)
}

// TestConcurrentReadersNeverObserveTornState interleaves snapshot reads
// with mutations; every snapshot must be internally consistent.
func TestConcurrentReadersNeverObserveTornState(t *testing.T) {
	s := newTestStore(t)
	job := createTestJob(t, s)
	require.NoError(t, s.InitChunks(job.JobID, 16, "m"))

	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		i := 0
		for {
			select {
			case <-stop:
				return
			default:
			}
			idx := i % 16
			_ = s.UpdateChunk(job.JobID, idx, ChunkPatch{State: chunkPtr(models.ChunkDone)})
			_ = s.UpdateChunk(job.JobID, idx, ChunkPatch{State: chunkPtr(models.ChunkPending)})
			i++
		}
	}()

	for reader := 0; reader < 4; reader++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			deadline := time.Now().Add(200 * time.Millisecond)
			for time.Now().Before(deadline) {
				snap := s.Get(job.JobID)
				done := 0
				for _, c := range snap.Chunks {
					if c.State == models.ChunkDone {
						done++
					}
				}
				if done != snap.DoneChunks {
					t.Errorf("torn snapshot: counter %d, actual %d", snap.DoneChunks, done)
					return
				}
			}
		}()
	}

	time.Sleep(250 * time.Millisecond)
	close(stop)
	wg.Wait()
}

// TestConcurrentCancelAndUpdates races cancel against workers; the final
// state must be cancelled with no in-flight chunks, regardless of ordering.
func TestConcurrentCancelAndUpdates(t *testing.T) {
	s := newTestStore(t)

	for round := 0; round < 20; round++ {
		job := createTestJob(t, s)
		require.NoError(t, s.InitChunks(job.JobID, 8, "m"))

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				_ = s.UpdateChunk(job.JobID, idx, ChunkPatch{State: chunkPtr(models.ChunkProcessing)})
				_ = s.UpdateChunk(job.JobID, idx, ChunkPatch{State: chunkPtr(models.ChunkRetrying)})
			}(i)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Cancel(job.JobID)
		}()
		wg.Wait()

		// Workers may have raced the cancel, but UpdateChunk drops writes to a
		// cancelled job; a repeat Cancel succeeds and leaves the job cancelled.
		_, err := s.Cancel(job.JobID)
		require.NoError(t, err)

		snap := s.Get(job.JobID)
		assert.Equal(t, models.JobStateCancelled, snap.State)
		for _, c := range snap.Chunks {
			assert.False(t, c.State.InFlight(), "round %d chunk %d in flight", round, c.Index)
		}
	}
}

// TestManyJobsPersistUnderLoad creates jobs concurrently with a short
// flush interval and verifies every snapshot file lands on disk.
func TestManyJobsPersistUnderLoad(t *testing.T) {
	dir := t.TempDir()
	s := newPersistentStore(t, dir, 50*time.Millisecond)

	const n = 30
	var wg sync.WaitGroup
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, err := s.Create(fmt.Sprintf("in-%d.txt", i), fmt.Sprintf("out-%d.txt", i), models.DefaultFormatOptions(), true)
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = job.JobID
			_ = s.InitChunks(job.JobID, 4, "m")
			_ = s.UpdateChunk(job.JobID, 0, ChunkPatch{State: chunkPtr(models.ChunkDone)})
		}(i)
	}
	wg.Wait()

	s.FlushPersistence("")

	for _, id := range ids {
		require.NotEmpty(t, id)
		env := readSnapshot(t, dir, id)
		assert.Equal(t, id, env.Job.JobID)
		assert.Equal(t, 1, env.Job.DoneChunks)
	}
}
