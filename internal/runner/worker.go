package runner

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/zhu-jl18/novel-proofer/internal/jobs"
	"github.com/zhu-jl18/novel-proofer/internal/llm"
	"github.com/zhu-jl18/novel-proofer/internal/metrics"
	"github.com/zhu-jl18/novel-proofer/internal/models"
	"github.com/zhu-jl18/novel-proofer/internal/storage/workfs"
)

const (
	// Output length gate for inputs of at least ratioMinInputChars chars.
	ratioMinInputChars = 200
	ratioLowerBound    = 0.85
	ratioUpperBound    = 1.15

	// Caps for aligning chunk seams to the input.
	maxLeadingBlanks  = 10
	maxTrailingBlanks = 3
)

// processChunk runs the full per-chunk pipeline for one index: read the
// rule-fixed input, call the LLM resiliently, gate the output length, align
// paragraph seams, and publish out/N.txt. Any failure records chunk-level
// error state and never crashes the scheduler.
func (r *Runner) processChunk(jobID string, idx int, cfg llm.CallConfig, fmtOpts models.FormatOptions) {
	if r.store.IsCancelled(jobID) {
		return
	}

	prePath, err := r.files.PreChunkPath(jobID, idx)
	if err != nil {
		r.chunkError(jobID, idx, nil, err.Error())
		return
	}
	data, err := os.ReadFile(prePath)
	if err != nil {
		r.chunkError(jobID, idx, nil, fmt.Sprintf("failed to read chunk input: %v", err))
		return
	}
	text := string(data)
	inputChars := utf8.RuneCountInString(text)

	r.store.UpdateChunk(jobID, idx, jobs.ChunkPatch{
		State:      ptr(models.ChunkProcessing),
		StartedAt:  ptr(nowSeconds()),
		InputChars: ptr(inputChars),
		LLMModel:   ptr(cfg.Model),
	})

	// Whitespace-only chunks skip the LLM entirely.
	if strings.TrimSpace(text) == "" {
		outPath, perr := r.files.OutChunkPath(jobID, idx)
		if perr == nil {
			perr = workfs.WriteFileAtomic(outPath, data)
		}
		if perr != nil {
			r.chunkError(jobID, idx, nil, perr.Error())
			return
		}
		r.store.UpdateChunk(jobID, idx, jobs.ChunkPatch{
			State:       ptr(models.ChunkDone),
			FinishedAt:  ptr(nowSeconds()),
			OutputChars: ptr(inputChars),
		})
		r.store.AddStat(jobID, "llm_skipped_blank_chunks", 1)
		metrics.ChunksProcessed.WithLabelValues("skipped_blank").Inc()
		return
	}

	callCfg := cfg
	if idx == 0 {
		// The first chunk may carry site front-matter the model must strip.
		callCfg = cfg.WithSystemPromptPrefix(llm.FirstChunkSystemPromptPrefix)
	}

	callStart := time.Now()
	result, err := r.llm.Call(context.Background(), callCfg, text, llm.CallOptions{
		ShouldStop: func() bool { return r.store.IsCancelled(jobID) },
		OnRetry: func(attempt int, code *int, msg string) {
			r.store.UpdateChunk(jobID, idx, jobs.ChunkPatch{State: ptr(models.ChunkRetrying)})
			r.store.AddRetry(jobID, idx, 1, code, msg)
			metrics.LLMRetries.Inc()
		},
	})
	metrics.LLMRequestSeconds.Observe(time.Since(callStart).Seconds())
	if err != nil {
		if llmErr, ok := err.(*llm.Error); ok {
			if llmErr.IsCancelled() {
				// The cancel path owns chunk state.
				return
			}
			r.chunkError(jobID, idx, llmErr.Code, llmErr.Message)
			return
		}
		r.chunkError(jobID, idx, nil, err.Error())
		return
	}
	if r.store.IsCancelled(jobID) {
		return
	}

	if result.Retries > 0 {
		r.store.AddRetry(jobID, idx, 0, result.LastCode, result.LastMsg)
	}

	if r.writeResp {
		if respPath, perr := r.files.RespChunkPath(jobID, idx); perr == nil {
			if werr := workfs.WriteFileAtomic(respPath, []byte(result.RawText)); werr != nil {
				r.logger.Warn().Err(werr).Str("job_id", jobID).Int("chunk", idx).Msg("Failed to write raw response")
			}
		}
	}

	if msg, ok := validateOutputLength(idx, text, result.Text); !ok {
		r.chunkError(jobID, idx, nil, msg)
		return
	}

	final := alignChunkSeams(text, result.Text)

	outPath, err := r.files.OutChunkPath(jobID, idx)
	if err == nil {
		err = workfs.WriteFileAtomic(outPath, []byte(final))
	}
	if err != nil {
		r.chunkError(jobID, idx, nil, fmt.Sprintf("failed to write chunk output: %v", err))
		return
	}

	r.store.UpdateChunk(jobID, idx, jobs.ChunkPatch{
		State:       ptr(models.ChunkDone),
		FinishedAt:  ptr(nowSeconds()),
		OutputChars: ptr(utf8.RuneCountInString(final)),
	})
	r.store.AddStat(jobID, "llm_chunks", 1)
	metrics.ChunksProcessed.WithLabelValues("done").Inc()
}

// chunkError records a chunk failure; no out/ file is written.
func (r *Runner) chunkError(jobID string, idx int, code *int, msg string) {
	metrics.ChunksProcessed.WithLabelValues("error").Inc()
	patch := jobs.ChunkPatch{
		State:            ptr(models.ChunkError),
		FinishedAt:       ptr(nowSeconds()),
		LastErrorMessage: ptr(msg),
	}
	if code != nil {
		patch.LastErrorCode = code
	}
	r.store.UpdateChunk(jobID, idx, patch)
}

// validateOutputLength enforces the emptiness and length-ratio gates.
// Chunk 0 is exempt from the lower bound: front-matter stripping may
// legitimately shrink it.
func validateOutputLength(idx int, input, output string) (string, bool) {
	inLen := utf8.RuneCountInString(input)
	if strings.TrimSpace(input) != "" && strings.TrimSpace(output) == "" {
		return "LLM returned empty output for non-empty input", false
	}
	if inLen < ratioMinInputChars {
		return "", true
	}

	outLen := utf8.RuneCountInString(output)
	ratio := float64(outLen) / float64(inLen)
	if ratio < ratioLowerBound && idx != 0 {
		return fmt.Sprintf("LLM output too short: ratio %.2f below %.2f", ratio, ratioLowerBound), false
	}
	if ratio > ratioUpperBound {
		return fmt.Sprintf("LLM output too long: ratio %.2f above %.2f", ratio, ratioUpperBound), false
	}
	return "", true
}

// alignChunkSeams rewrites the output's leading blank lines and trailing
// newlines to match the input, so paragraph boundaries survive across chunk
// seams regardless of what the model did at the edges.
func alignChunkSeams(input, output string) string {
	wantLead := countLeadingNewlines(input, maxLeadingBlanks)
	wantTrail := countTrailingNewlines(input, maxTrailingBlanks)

	out := strings.TrimLeft(output, "\n")
	out = strings.TrimRight(out, "\n")
	return strings.Repeat("\n", wantLead) + out + strings.Repeat("\n", wantTrail)
}

func countLeadingNewlines(s string, limit int) int {
	n := 0
	for _, r := range s {
		if r != '\n' {
			break
		}
		n++
		if n >= limit {
			break
		}
	}
	return n
}

func countTrailingNewlines(s string, limit int) int {
	n := 0
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] != '\n' {
			break
		}
		n++
		if n >= limit {
			break
		}
	}
	return n
}
