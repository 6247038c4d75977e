package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/leadgrid/harvester/internal/workerconfig"
	"github.com/leadgrid/harvester/pkg/db"
	"github.com/leadgrid/harvester/pkg/logging"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		// Only log warning since .env is optional
		logrus.WithError(err).Warn("Error loading .env file")
	}

	// Initialize logger
	log := logrus.New()
	log.SetFormatter(&logging.ColoredJSONFormatter{})

	// Get log level from environment
	logLevel := os.Getenv("LOG_LEVEL")
	if level, err := logrus.ParseLevel(logLevel); err == nil {
		log.SetLevel(level)
	} else {
		log.SetLevel(logrus.InfoLevel)
		log.WithFields(logrus.Fields{
			"attempted_level": logLevel,
			"default_level":   "INFO",
		}).Warn("Invalid log level specified, defaulting to INFO")
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.SetupDatabase(log)
	if err != nil {
		log.WithError(err).Fatal("Failed to set up database")
	}

	cfg, err := workerconfig.NewConfig()
	if err != nil {
		log.WithError(err).Fatal("Failed to load worker config")
	}
	cfg.Logger = log

	worker, err := workerconfig.Build(database, cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to assemble worker")
	}

	if err := worker.Register(ctx); err != nil {
		log.WithError(err).Fatal("Failed to register worker")
	}

	go worker.RunStaleSweeper(ctx)

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Info("Received shutdown signal")
		cancel()
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), worker.Server.ShutdownTimeout())
		defer shutdownCancel()
		if err := worker.Server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Dispatch server shutdown was not clean")
		}
	}()

	log.Info("Starting collection worker")

	if err := worker.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("Dispatch server stopped with error")
	}

	worker.Pool.ForceStopAll()
	log.Info("Worker shutdown complete")
}
