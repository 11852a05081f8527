// Package llm implements the streaming client for OpenAI-compatible
// chat-completion endpoints (and the Gemini provider), with retry on
// transient failures, cooperative cancellation, and think-tag scrubbing.
package llm

import (
	"time"

	"github.com/zhu-jl18/novel-proofer/internal/models"
)

// CallConfig is the resolved per-call configuration. It is immutable for
// the duration of one Call; per-chunk prompt adjustments copy it.
type CallConfig struct {
	Provider string // "" / "openai" for OpenAI-compatible SSE, "gemini" for the genai SDK
	BaseURL  string
	APIKey   string

	Model          string
	Temperature    float64
	TimeoutSeconds float64

	MaxConcurrency int

	SystemPrompt string
	ExtraParams  map[string]any

	// FilterThinkTags controls the <think>…</think> post-filter.
	FilterThinkTags bool
}

// Timeout returns the per-request timeout as a duration.
func (c *CallConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 180 * time.Second
	}
	return time.Duration(c.TimeoutSeconds * float64(time.Second))
}

// WithSystemPromptPrefix returns a copy whose system prompt is prefixed.
func (c CallConfig) WithSystemPromptPrefix(prefix string) CallConfig {
	c.SystemPrompt = prefix + "\n\n" + c.SystemPrompt
	return c
}

// ConfigFromOptions resolves request-level options over server defaults into
// a call configuration. Zero-valued request fields fall back to defaults,
// except Temperature, which is always taken from the request.
func ConfigFromOptions(opts, defaults models.LLMOptions) CallConfig {
	pick := func(v, def string) string {
		if v != "" {
			return v
		}
		return def
	}
	cfg := CallConfig{
		Provider:        pick(opts.Provider, defaults.Provider),
		BaseURL:         pick(opts.BaseURL, defaults.BaseURL),
		APIKey:          pick(opts.APIKey, defaults.APIKey),
		Model:           pick(opts.Model, defaults.Model),
		Temperature:     opts.Temperature,
		TimeoutSeconds:  opts.TimeoutSeconds,
		MaxConcurrency:  opts.MaxConcurrency,
		SystemPrompt:    DefaultSystemPrompt,
		ExtraParams:     opts.ExtraParams,
		FilterThinkTags: true,
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = defaults.TimeoutSeconds
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 180
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaults.MaxConcurrency
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 20
	}
	if cfg.ExtraParams == nil {
		cfg.ExtraParams = defaults.ExtraParams
	}
	return cfg
}
