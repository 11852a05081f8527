// Package interfaces declares the seams between the runner and its
// collaborators so tests can substitute fakes.
package interfaces

import (
	"context"

	"github.com/zhu-jl18/novel-proofer/internal/llm"
	"github.com/zhu-jl18/novel-proofer/internal/models"
)

// LLMCaller is the resilient streaming LLM exchange the per-chunk worker
// uses. Implemented by llm.Client; stubbed in runner tests.
type LLMCaller interface {
	Call(ctx context.Context, cfg llm.CallConfig, userText string, opts llm.CallOptions) (llm.Result, error)
}

// JobRunner is the phase orchestration surface the HTTP layer drives.
type JobRunner interface {
	RunJob(jobID string, llmOpts models.LLMOptions)
	ResumePausedJob(jobID string, llmOpts models.LLMOptions)
	RetryFailedChunks(jobID string, llmOpts models.LLMOptions)
	MergeOutputs(jobID string, cleanupDebugDir *bool) error
	FormatText(ctx context.Context, text string, fmtOpts models.FormatOptions, llmOpts *models.LLMOptions) (string, map[string]int, error)
}
