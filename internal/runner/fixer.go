package runner

import (
	"context"

	"github.com/zhu-jl18/novel-proofer/internal/formatting"
	"github.com/zhu-jl18/novel-proofer/internal/llm"
	"github.com/zhu-jl18/novel-proofer/internal/models"
)

// FormatText runs the whole pipeline over an in-memory text: chunk, apply
// rules, optionally post-edit each chunk with the LLM, merge. Intended for
// small one-shot requests; big manuscripts go through the job pipeline.
func (r *Runner) FormatText(ctx context.Context, text string, fmtOpts models.FormatOptions, llmOpts *models.LLMOptions) (string, map[string]int, error) {
	stats := make(map[string]int)

	maxChars, firstChunkMax := formatting.ClampChunkParams(fmtOpts.MaxChunkChars)
	if llmOpts == nil {
		firstChunkMax = maxChars
	}
	chunks := formatting.ChunkByLinesWithFirstChunkMax(text, maxChars, firstChunkMax)

	parts := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		fixed, chunkStats := formatting.ApplyRules(chunk, fmtOpts)
		formatting.MergeStats(stats, chunkStats)

		if llmOpts != nil {
			cfg := llm.ConfigFromOptions(*llmOpts, r.llmDefaults)
			if i == 0 {
				cfg = cfg.WithSystemPromptPrefix(llm.FirstChunkSystemPromptPrefix)
			}
			result, err := r.llm.Call(ctx, cfg, fixed, llm.CallOptions{})
			if err != nil {
				return "", stats, err
			}
			fixed = result.Text
			stats["llm_chunks"]++
		}

		parts = append(parts, fixed)
	}

	return formatting.MergeTextParts(parts), stats, nil
}
