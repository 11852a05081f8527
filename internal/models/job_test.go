package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobCloneIsDeep(t *testing.T) {
	started := 10.0
	code := 503
	job := &Job{
		JobID:     "abc",
		State:     JobStateRunning,
		Phase:     PhaseProcess,
		StartedAt: &started,
		Stats:     map[string]int{"x": 1},
		Chunks: []Chunk{
			{Index: 0, State: ChunkDone, LastErrorCode: &code},
		},
	}

	cp := job.Clone()
	require.NotNil(t, cp)

	*cp.StartedAt = 99
	cp.Stats["x"] = 42
	cp.Chunks[0].State = ChunkError
	*cp.Chunks[0].LastErrorCode = 400

	assert.Equal(t, 10.0, *job.StartedAt)
	assert.Equal(t, 1, job.Stats["x"])
	assert.Equal(t, ChunkDone, job.Chunks[0].State)
	assert.Equal(t, 503, *job.Chunks[0].LastErrorCode)
}

func TestCloneNil(t *testing.T) {
	var job *Job
	assert.Nil(t, job.Clone())
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, JobStateDone.Terminal())
	assert.True(t, JobStateError.Terminal())
	assert.True(t, JobStateCancelled.Terminal())
	assert.False(t, JobStateQueued.Terminal())
	assert.False(t, JobStateRunning.Terminal())
	assert.False(t, JobStatePaused.Terminal())
}

func TestChunkInFlight(t *testing.T) {
	assert.True(t, ChunkProcessing.InFlight())
	assert.True(t, ChunkRetrying.InFlight())
	assert.False(t, ChunkPending.InFlight())
	assert.False(t, ChunkDone.InFlight())
	assert.False(t, ChunkError.InFlight())
}

func TestPercent(t *testing.T) {
	job := &Job{TotalChunks: 4, DoneChunks: 1}
	assert.Equal(t, 25, job.Percent())

	job = &Job{}
	assert.Equal(t, 0, job.Percent())
}

func TestCountChunks(t *testing.T) {
	job := &Job{Chunks: []Chunk{
		{State: ChunkDone},
		{State: ChunkDone},
		{State: ChunkError},
		{State: ChunkPending},
	}}
	counts := job.CountChunks()
	assert.Equal(t, 2, counts[ChunkDone])
	assert.Equal(t, 1, counts[ChunkError])
	assert.Equal(t, 1, counts[ChunkPending])
}

func TestSummaryProjection(t *testing.T) {
	code := 500
	job := &Job{
		JobID:          "abc",
		State:          JobStateError,
		Phase:          PhaseProcess,
		TotalChunks:    10,
		DoneChunks:     5,
		LastErrorCode:  &code,
		LastLLMModel:   "m",
		InputFilename:  "in.txt",
		OutputFilename: "out.txt",
	}
	sum := job.Summary()
	assert.Equal(t, "abc", sum.JobID)
	assert.Equal(t, 50, sum.Percent)
	require.NotNil(t, sum.LastErrorCode)
	assert.Equal(t, 500, *sum.LastErrorCode)

	// The summary's pointer is its own copy.
	*sum.LastErrorCode = 1
	assert.Equal(t, 500, *job.LastErrorCode)
}
