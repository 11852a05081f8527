package models

// FormatOptions configures the deterministic text rules and chunking.
// Bounds: MaxChunkChars is clamped to [200, 4000] at validate time.
type FormatOptions struct {
	MaxChunkChars int `json:"max_chunk_chars" toml:"max_chunk_chars"`

	// Layout rules
	ParagraphIndent          bool `json:"paragraph_indent" toml:"paragraph_indent"`
	IndentWithFullwidthSpace bool `json:"indent_with_fullwidth_space" toml:"indent_with_fullwidth_space"`
	NormalizeBlankLines      bool `json:"normalize_blank_lines" toml:"normalize_blank_lines"`
	TrimTrailingSpaces       bool `json:"trim_trailing_spaces" toml:"trim_trailing_spaces"`

	// Punctuation rules
	NormalizeEllipsis        bool `json:"normalize_ellipsis" toml:"normalize_ellipsis"`
	NormalizeEmDash          bool `json:"normalize_em_dash" toml:"normalize_em_dash"`
	NormalizeCJKPunctuation  bool `json:"normalize_cjk_punctuation" toml:"normalize_cjk_punctuation"`
	FixCJKPunctuationSpacing bool `json:"fix_cjk_punct_spacing" toml:"fix_cjk_punct_spacing"`

	// Ambiguous in mixed-script text; default off.
	NormalizeQuotes bool `json:"normalize_quotes" toml:"normalize_quotes"`
}

// DefaultFormatOptions returns the defaults used when a create request omits options.
func DefaultFormatOptions() FormatOptions {
	return FormatOptions{
		MaxChunkChars:            2000,
		ParagraphIndent:          true,
		IndentWithFullwidthSpace: true,
		NormalizeBlankLines:      true,
		TrimTrailingSpaces:       true,
		NormalizeEllipsis:        true,
		NormalizeEmDash:          true,
		NormalizeCJKPunctuation:  true,
		FixCJKPunctuationSpacing: true,
		NormalizeQuotes:          false,
	}
}

// LLMOptions is the request-level LLM configuration attached to a job
// at create/resume time. Zero values fall back to configured defaults,
// except Temperature, which is used as given.
type LLMOptions struct {
	Provider       string         `json:"provider,omitempty" toml:"provider"`
	BaseURL        string         `json:"base_url" toml:"base_url"`
	APIKey         string         `json:"api_key" toml:"api_key"`
	Model          string         `json:"model" toml:"model"`
	Temperature    float64        `json:"temperature" toml:"temperature"`
	TimeoutSeconds float64        `json:"timeout_seconds" toml:"timeout_seconds"`
	MaxConcurrency int            `json:"max_concurrency" toml:"max_concurrency"`
	ExtraParams    map[string]any `json:"extra_params,omitempty" toml:"-"`
}

// DefaultLLMOptions returns the request defaults matching the wire contract.
func DefaultLLMOptions() LLMOptions {
	return LLMOptions{
		Temperature:    0.0,
		TimeoutSeconds: 180.0,
		MaxConcurrency: 20,
	}
}

// OutputOptions controls naming and retention of job artifacts.
type OutputOptions struct {
	Suffix          string `json:"suffix" toml:"suffix"`
	CleanupDebugDir bool   `json:"cleanup_debug_dir" toml:"cleanup_debug_dir"`
}

// DefaultOutputOptions returns the output defaults.
func DefaultOutputOptions() OutputOptions {
	return OutputOptions{Suffix: "_rev", CleanupDebugDir: true}
}

// JobOptions is the full option envelope accepted by job creation.
type JobOptions struct {
	Format FormatOptions `json:"format"`
	LLM    LLMOptions    `json:"llm"`
	Output OutputOptions `json:"output"`
}

// DefaultJobOptions returns the complete default envelope.
func DefaultJobOptions() JobOptions {
	return JobOptions{
		Format: DefaultFormatOptions(),
		LLM:    DefaultLLMOptions(),
		Output: DefaultOutputOptions(),
	}
}
