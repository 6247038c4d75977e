package dispatch

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds the HTTP dispatch server settings.
type Config struct {
	// ListenAddr is the host:port the control API binds to.
	ListenAddr string

	// WorkerIP identifies this worker in the shared store. It is the
	// value recorded on claimed tasks and videos, so it must be stable
	// across restarts.
	WorkerIP string

	// WorkerName is a human-readable label for the worker registry.
	WorkerName string

	// MaxConcurrentTasks caps how many collection runs this process
	// accepts at once.
	MaxConcurrentTasks int

	// DeleteWait bounds how long delete_task waits for a local run to
	// wind down before deleting rows anyway.
	DeleteWait time.Duration

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration

	Logger *logrus.Logger
}

// NewConfig creates a dispatch Config from environment variables.
// WORKER_IP is required; everything else has defaults.
func NewConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	workerIP := os.Getenv("WORKER_IP")
	if workerIP == "" {
		return nil, fmt.Errorf("WORKER_IP environment variable is required")
	}

	workerName := getEnvOrDefault("WORKER_NAME", "")
	if workerName == "" {
		if hostname, err := os.Hostname(); err == nil {
			workerName = hostname
		} else {
			workerName = workerIP
		}
	}

	maxTasks, _ := strconv.Atoi(getEnvOrDefault("DISPATCH_MAX_TASKS", "2"))

	deleteWait, err := time.ParseDuration(getEnvOrDefault("DISPATCH_DELETE_WAIT", "10s"))
	if err != nil {
		return nil, fmt.Errorf("invalid DISPATCH_DELETE_WAIT: %w", err)
	}
	shutdownTimeout, err := time.ParseDuration(getEnvOrDefault("DISPATCH_SHUTDOWN_TIMEOUT", "15s"))
	if err != nil {
		return nil, fmt.Errorf("invalid DISPATCH_SHUTDOWN_TIMEOUT: %w", err)
	}

	config := &Config{
		ListenAddr:         getEnvOrDefault("DISPATCH_LISTEN_ADDR", ":8080"),
		WorkerIP:           workerIP,
		WorkerName:         workerName,
		MaxConcurrentTasks: maxTasks,
		DeleteWait:         deleteWait,
		ShutdownTimeout:    shutdownTimeout,
		Logger:             logrus.New(),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the configuration and fills defaults for zero values.
func (c *Config) Validate() error {
	if c.WorkerIP == "" {
		return fmt.Errorf("worker IP is required")
	}
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.WorkerName == "" {
		c.WorkerName = c.WorkerIP
	}
	if c.MaxConcurrentTasks < 1 {
		c.MaxConcurrentTasks = 1
	}
	if c.DeleteWait <= 0 {
		c.DeleteWait = 10 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
	return nil
}

// getEnvOrDefault returns the environment variable value or a default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
