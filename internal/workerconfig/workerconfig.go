package workerconfig

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/leadgrid/harvester/pkg/analysis"
	"github.com/leadgrid/harvester/pkg/browser"
	"github.com/leadgrid/harvester/pkg/collector"
	"github.com/leadgrid/harvester/pkg/db/models"
	"github.com/leadgrid/harvester/pkg/dispatch"
	"github.com/leadgrid/harvester/pkg/llm/openai"
	"github.com/leadgrid/harvester/pkg/store"
)

// Config holds the worker-process assembly settings not owned by any
// single package.
type Config struct {
	// BrowserDriver names the registered automation backend.
	BrowserDriver string

	// PoolCapacity caps concurrently open browser sessions on this host.
	PoolCapacity int

	// StaleSweepEnabled turns the stale-processing sweep on or off.
	// Disable it when an operator wants stranded claims inspected by
	// hand before they are re-queued.
	StaleSweepEnabled bool

	// StaleAfter is how old a processing claim must be, with its
	// worker's heartbeat silent, before the sweep resets it to pending.
	StaleAfter time.Duration

	// SweepInterval is how often the sweep runs.
	SweepInterval time.Duration

	Logger *logrus.Logger
}

// NewConfig creates a worker assembly Config from environment variables.
func NewConfig() (*Config, error) {
	poolCapacity, _ := strconv.Atoi(getEnvOrDefault("BROWSER_POOL_CAPACITY", "2"))

	staleAfter, err := time.ParseDuration(getEnvOrDefault("WORKER_STALE_AFTER", "30m"))
	if err != nil {
		return nil, fmt.Errorf("invalid WORKER_STALE_AFTER: %w", err)
	}
	sweepInterval, err := time.ParseDuration(getEnvOrDefault("WORKER_SWEEP_INTERVAL", "5m"))
	if err != nil {
		return nil, fmt.Errorf("invalid WORKER_SWEEP_INTERVAL: %w", err)
	}

	config := &Config{
		BrowserDriver:     os.Getenv("BROWSER_DRIVER"),
		PoolCapacity:      poolCapacity,
		StaleSweepEnabled: getEnvOrDefault("WORKER_STALE_SWEEP", "on") != "off",
		StaleAfter:        staleAfter,
		SweepInterval:     sweepInterval,
		Logger:            logrus.New(),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the configuration and fills defaults for zero values.
func (c *Config) Validate() error {
	if c.BrowserDriver == "" {
		return fmt.Errorf("BROWSER_DRIVER environment variable is required")
	}
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.PoolCapacity < 1 {
		c.PoolCapacity = 2
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	return nil
}

// Worker is the fully assembled worker process: shared stores, browser
// pool, collection pipeline and the dispatch API over all of them.
type Worker struct {
	Tasks    *store.TaskStore
	Queue    *store.VideoQueue
	Comments *store.CommentStore
	Workers  *store.WorkerStore
	Accounts *store.AccountStore
	Analysis *store.AnalysisStore
	Pool     *browser.Pool
	Pipeline *collector.Pipeline
	Server   *dispatch.Server

	dispatchCfg *dispatch.Config
	cfg         *Config
	logger      *logrus.Logger
}

// Build wires all worker components against one database handle.
func Build(db *gorm.DB, cfg *Config) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := cfg.Logger

	factory, err := browser.Driver(cfg.BrowserDriver)
	if err != nil {
		return nil, err
	}
	pool, err := browser.NewPool(cfg.PoolCapacity, factory, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create browser pool: %w", err)
	}

	tasks := store.NewTaskStore(db, logger)
	queue := store.NewVideoQueue(db, logger)
	comments := store.NewCommentStore(db, logger)
	workers := store.NewWorkerStore(db, logger)
	accounts := store.NewAccountStore(db, logger)
	analysisStore := store.NewAnalysisStore(db, logger)

	collectorCfg, err := collector.NewConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load collector config: %w", err)
	}
	collectorCfg.Logger = logger

	dispatchCfg, err := dispatch.NewConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load dispatch config: %w", err)
	}
	dispatchCfg.Logger = logger

	pipeline, err := collector.NewPipeline(tasks, queue, comments, pool, dispatchCfg.WorkerIP, collectorCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create collection pipeline: %w", err)
	}

	// Analysis needs model credentials; a worker without them still
	// collects and serves reads.
	var analyzer dispatch.KeywordAnalyzer
	if os.Getenv("OPENAI_API_KEY") != "" {
		llmCfg, err := openai.NewConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load llm config: %w", err)
		}
		llmCfg.Logger = logger
		model, err := openai.NewClient(llmCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create llm client: %w", err)
		}

		analysisCfg, err := analysis.NewConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load analysis config: %w", err)
		}
		analysisCfg.Logger = logger
		analyzer, err = analysis.NewAnalyzer(comments, analysisStore, model, analysisCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create analyzer: %w", err)
		}
	} else {
		logger.Info("OPENAI_API_KEY not set, analysis endpoint disabled")
	}

	server, err := dispatch.NewServer(tasks, accounts, comments, workers, pool, pipeline, analyzer, dispatchCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch server: %w", err)
	}

	return &Worker{
		Tasks:       tasks,
		Queue:       queue,
		Comments:    comments,
		Workers:     workers,
		Accounts:    accounts,
		Analysis:    analysisStore,
		Pool:        pool,
		Pipeline:    pipeline,
		Server:      server,
		dispatchCfg: dispatchCfg,
		cfg:         cfg,
		logger:      logger,
	}, nil
}

// Register announces this worker in the shared registry so dispatchers
// and the stale sweep can see it.
func (w *Worker) Register(ctx context.Context) error {
	return w.Workers.UpsertHeartbeat(ctx, w.dispatchCfg.WorkerIP, w.dispatchCfg.WorkerName, models.WorkerStatusActive)
}

// RunStaleSweeper periodically re-queues processing claims whose worker
// stopped heartbeating. Blocks until the context is canceled.
func (w *Worker) RunStaleSweeper(ctx context.Context) {
	if !w.cfg.StaleSweepEnabled {
		w.logger.Info("Stale-processing sweep disabled")
		return
	}

	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()

	w.logger.WithFields(logrus.Fields{
		"interval":    w.cfg.SweepInterval,
		"stale_after": w.cfg.StaleAfter,
	}).Info("Stale-processing sweep started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, err := w.Queue.ReleaseStaleProcessing(ctx, w.cfg.StaleAfter)
			if err != nil {
				w.logger.WithError(err).Warn("Stale-processing sweep failed")
				continue
			}
			if released > 0 {
				w.logger.WithField("released", released).Info("Re-queued stale processing claims")
			}
			if err := w.Workers.Touch(ctx, w.dispatchCfg.WorkerIP); err != nil {
				w.logger.WithError(err).Debug("Failed to refresh worker heartbeat")
			}
		}
	}
}

// getEnvOrDefault returns the environment variable value or a default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
