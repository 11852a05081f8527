package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/zhu-jl18/novel-proofer/internal/models"
)

// Config holds all configuration for the proofreading service.
type Config struct {
	Environment string        `toml:"environment"`
	Server      ServerConfig  `toml:"server"`
	Storage     StorageConfig `toml:"storage"`
	Jobs        JobsConfig    `toml:"jobs"`
	LLM         LLMConfig     `toml:"llm"`
	Logging     LoggingConfig `toml:"logging"`
	Auth        AuthConfig    `toml:"auth"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// StorageConfig holds the output root under which all artifacts live:
// final outputs, input cache, per-job work dirs, persisted state, logs.
type StorageConfig struct {
	OutputDir      string `toml:"output_dir"`
	MaxUploadBytes int64  `toml:"max_upload_bytes"`
}

// JobsConfig holds background dispatcher and persistence tuning.
type JobsConfig struct {
	MaxWorkers      int    `toml:"max_workers"`
	PersistInterval string `toml:"persist_interval"` // duration string, default "5s"
	WriteResponses  bool   `toml:"write_responses"`  // always keep resp/ files
}

// GetMaxWorkers returns the job pool size, honoring the env override.
func (c *JobsConfig) GetMaxWorkers() int {
	n := c.MaxWorkers
	if v := EnvInt("NOVEL_PROOFER_JOB_MAX_WORKERS", 0); v > 0 {
		n = v
	}
	if n < 1 {
		n = 2
	}
	return n
}

// GetPersistInterval parses the flusher interval, honoring the env override.
// Floor is 100ms so a misconfigured value cannot busy-spin the flusher.
func (c *JobsConfig) GetPersistInterval() time.Duration {
	d, err := time.ParseDuration(c.PersistInterval)
	if err != nil || d <= 0 {
		d = 5 * time.Second
	}
	if v := EnvFloat("NOVEL_PROOFER_JOB_PERSIST_INTERVAL_S", 0); v > 0 {
		d = time.Duration(v * float64(time.Second))
	}
	if d < 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	return d
}

// WriteRespFiles reports whether raw LLM responses should always be kept.
func (c *JobsConfig) WriteRespFiles() bool {
	return c.WriteResponses || EnvTruthy("NOVEL_PROOFER_LLM_WRITE_RESP")
}

// LLMConfig holds server-side defaults for LLM calls. Per-job request
// options override any of these.
type LLMConfig struct {
	Provider       string  `toml:"provider"`
	BaseURL        string  `toml:"base_url"`
	APIKey         string  `toml:"api_key"`
	Model          string  `toml:"model"`
	Temperature    float64 `toml:"temperature"`
	Timeout        string  `toml:"timeout"` // duration string, default "180s"
	MaxConcurrency int     `toml:"max_concurrency"`
	GlobalRPS      float64 `toml:"global_rps"` // 0 disables the global limiter
}

// GetTimeout parses and returns the per-request timeout duration.
func (c *LLMConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		return 180 * time.Second
	}
	return d
}

// Defaults converts the server-side config into request-level defaults.
func (c *LLMConfig) Defaults() models.LLMOptions {
	opts := models.DefaultLLMOptions()
	opts.Provider = c.Provider
	opts.BaseURL = c.BaseURL
	opts.APIKey = c.APIKey
	opts.Model = c.Model
	opts.Temperature = c.Temperature
	opts.TimeoutSeconds = c.GetTimeout().Seconds()
	if c.MaxConcurrency > 0 {
		opts.MaxConcurrency = c.MaxConcurrency
	}
	if extra, err := EnvJSONObject("NOVEL_PROOFER_LLM_EXTRA_PARAMS"); err == nil && extra != nil {
		opts.ExtraParams = extra
	}
	return opts
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `toml:"level"`
	FilePath   string `toml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

// AuthConfig holds the optional bearer-token authentication settings for
// the control API. An empty secret disables auth entirely.
type AuthConfig struct {
	JWTSecret   string `toml:"jwt_secret"`
	TokenExpiry string `toml:"token_expiry"` // duration string, default "24h"
}

// GetTokenExpiry parses and returns the token expiry duration.
func (c *AuthConfig) GetTokenExpiry() time.Duration {
	d, err := time.ParseDuration(c.TokenExpiry)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// NewDefaultConfig returns a Config with sensible defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			OutputDir:      "output",
			MaxUploadBytes: 200 * 1024 * 1024,
		},
		Jobs: JobsConfig{
			MaxWorkers:      2,
			PersistInterval: "5s",
		},
		LLM: LLMConfig{
			Temperature:    0.0,
			Timeout:        "180s",
			MaxConcurrency: 20,
		},
		Logging: LoggingConfig{
			Level:      "info",
			FilePath:   "output/logs/proofer.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
		Auth: AuthConfig{
			TokenExpiry: "24h",
		},
	}
}

// LoadConfig loads configuration from files with environment overrides.
// Later files override earlier ones; missing files are skipped.
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies NOVEL_PROOFER_* environment overrides.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("NOVEL_PROOFER_ENV"); env != "" {
		config.Environment = env
	}

	if host := os.Getenv("NOVEL_PROOFER_HOST"); host != "" {
		config.Server.Host = host
	}

	if port := os.Getenv("NOVEL_PROOFER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if level := os.Getenv("NOVEL_PROOFER_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if dir := os.Getenv("NOVEL_PROOFER_OUTPUT_DIR"); dir != "" {
		config.Storage.OutputDir = dir
		config.Logging.FilePath = filepath.Join(dir, "logs", "proofer.log")
	}

	if v := os.Getenv("NOVEL_PROOFER_LLM_BASE_URL"); v != "" {
		config.LLM.BaseURL = v
	}
	if v := os.Getenv("NOVEL_PROOFER_LLM_API_KEY"); v != "" {
		config.LLM.APIKey = v
	}
	if v := os.Getenv("NOVEL_PROOFER_LLM_MODEL"); v != "" {
		config.LLM.Model = v
	}
	if v := os.Getenv("NOVEL_PROOFER_LLM_PROVIDER"); v != "" {
		config.LLM.Provider = v
	}
	if v := EnvInt("NOVEL_PROOFER_LLM_MAX_CONCURRENCY", 0); v > 0 {
		config.LLM.MaxConcurrency = v
	}

	if v := os.Getenv("NOVEL_PROOFER_AUTH_JWT_SECRET"); v != "" {
		config.Auth.JWTSecret = v
	}
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
