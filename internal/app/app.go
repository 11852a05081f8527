// Package app wires configuration, logging, storage, the job store, the
// dispatcher, the LLM client, and the runner into one shared core used by
// cmd/proofer-server.
package app

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zhu-jl18/novel-proofer/internal/background"
	"github.com/zhu-jl18/novel-proofer/internal/common"
	"github.com/zhu-jl18/novel-proofer/internal/interfaces"
	"github.com/zhu-jl18/novel-proofer/internal/jobs"
	"github.com/zhu-jl18/novel-proofer/internal/llm"
	"github.com/zhu-jl18/novel-proofer/internal/runner"
	"github.com/zhu-jl18/novel-proofer/internal/storage/workfs"
)

// App holds all initialized services and configuration.
type App struct {
	Config      *common.Config
	Logger      *common.Logger
	Files       *workfs.Store
	Jobs        *jobs.Store
	Dispatcher  *background.Dispatcher
	Runner      interfaces.JobRunner
	LLMClient   *llm.Client
	StartupTime time.Time
}

// getBinaryDir returns the directory containing the executable.
func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// NewApp initializes the application core. configPath may be empty, in
// which case NOVEL_PROOFER_CONFIG and the binary directory are consulted.
func NewApp(configPath string) (*App, error) {
	startupStart := time.Now()

	common.LoadVersionFromFile()

	binDir := getBinaryDir()

	if configPath == "" {
		configPath = os.Getenv("NOVEL_PROOFER_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join(binDir, "proofer-service.toml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "config/proofer-service.toml" // fallback for development
		}
	}

	config, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := common.NewLoggerFromConfig(config.Logging)

	files, err := workfs.NewStore(logger, config.Storage.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize artifact store: %w", err)
	}

	jobStore := jobs.NewStore(
		jobs.WithLogger(logger),
		jobs.WithPersistDir(files.StateDir()),
		jobs.WithPersistInterval(config.Jobs.GetPersistInterval()),
	)
	if _, err := jobStore.LoadPersistedJobs(); err != nil {
		logger.Warn().Err(err).Msg("Failed to load persisted jobs")
	}

	llmClient := llm.NewClient(
		llm.WithLogger(logger),
		llm.WithGlobalRPS(config.LLM.GlobalRPS),
	)

	jobRunner := runner.New(
		jobStore,
		files,
		llmClient,
		config.LLM.Defaults(),
		logger,
		config.Jobs.WriteRespFiles(),
	)

	dispatcher := background.NewDispatcher(config.Jobs.GetMaxWorkers(), logger)

	a := &App{
		Config:      config,
		Logger:      logger,
		Files:       files,
		Jobs:        jobStore,
		Dispatcher:  dispatcher,
		Runner:      jobRunner,
		LLMClient:   llmClient,
		StartupTime: startupStart,
	}

	logger.Info().Dur("startup", time.Since(startupStart)).Msg("App initialized")

	return a, nil
}

// Close releases all resources. Shutdown order: dispatcher first so no job
// function mutates the store mid-flush, then the store's flusher.
func (a *App) Close() {
	if a.Dispatcher != nil {
		a.Dispatcher.Shutdown(false)
		a.Dispatcher = nil
	}
	if a.Jobs != nil {
		a.Jobs.Close()
		a.Jobs = nil
	}
}
