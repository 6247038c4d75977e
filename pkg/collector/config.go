package collector

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds tuning for the ingestion loop and the per-task pipeline.
type Config struct {
	// Batching
	BatchSize        int
	MaxCommentLength int

	// Scroll ladder
	BaseScrollStep  int
	MaxScrollStep   int
	BurstThreshold  int
	BaseWait        time.Duration
	MaxWait         time.Duration
	RecoveryAfter   int
	MaxScrollRounds int

	// Gestures per second against the page
	GestureRate float64

	// Captcha handling: how long to wait for manual resolution before
	// the video is failed.
	CaptchaWait time.Duration

	// EndMarkerSelector, when set, names the platform's explicit
	// end-of-comments element. Its presence short-circuits the slower
	// height-convergence check.
	EndMarkerSelector string

	// Pipeline
	VideoWorkers int

	Logger *logrus.Logger
}

// NewConfig creates a collector Config from environment variables with
// defaults suitable for lazy-loading comment sections.
func NewConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	batchSize, _ := strconv.Atoi(getEnvOrDefault("COLLECTOR_BATCH_SIZE", "50"))
	maxLen, _ := strconv.Atoi(getEnvOrDefault("COLLECTOR_MAX_COMMENT_LENGTH", "500"))
	baseStep, _ := strconv.Atoi(getEnvOrDefault("COLLECTOR_BASE_SCROLL_STEP", "600"))
	maxStep, _ := strconv.Atoi(getEnvOrDefault("COLLECTOR_MAX_SCROLL_STEP", "4800"))
	burst, _ := strconv.Atoi(getEnvOrDefault("COLLECTOR_BURST_THRESHOLD", "10"))
	recoveryAfter, _ := strconv.Atoi(getEnvOrDefault("COLLECTOR_RECOVERY_AFTER", "5"))
	maxRounds, _ := strconv.Atoi(getEnvOrDefault("COLLECTOR_MAX_SCROLL_ROUNDS", "200"))
	gestureRate, _ := strconv.ParseFloat(getEnvOrDefault("COLLECTOR_GESTURE_RATE", "2"), 64)
	videoWorkers, _ := strconv.Atoi(getEnvOrDefault("COLLECTOR_VIDEO_WORKERS", "1"))

	baseWait, err := time.ParseDuration(getEnvOrDefault("COLLECTOR_BASE_WAIT", "1s"))
	if err != nil {
		return nil, fmt.Errorf("invalid COLLECTOR_BASE_WAIT: %w", err)
	}
	maxWait, err := time.ParseDuration(getEnvOrDefault("COLLECTOR_MAX_WAIT", "30s"))
	if err != nil {
		return nil, fmt.Errorf("invalid COLLECTOR_MAX_WAIT: %w", err)
	}
	captchaWait, err := time.ParseDuration(getEnvOrDefault("COLLECTOR_CAPTCHA_WAIT", "5m"))
	if err != nil {
		return nil, fmt.Errorf("invalid COLLECTOR_CAPTCHA_WAIT: %w", err)
	}

	config := &Config{
		BatchSize:         batchSize,
		MaxCommentLength:  maxLen,
		BaseScrollStep:    baseStep,
		MaxScrollStep:     maxStep,
		BurstThreshold:    burst,
		BaseWait:          baseWait,
		MaxWait:           maxWait,
		RecoveryAfter:     recoveryAfter,
		MaxScrollRounds:   maxRounds,
		GestureRate:       gestureRate,
		CaptchaWait:       captchaWait,
		EndMarkerSelector: os.Getenv("COLLECTOR_END_MARKER_SELECTOR"),
		VideoWorkers:      videoWorkers,
		Logger:            logrus.New(),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the configuration and fills defaults for zero values.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.BaseScrollStep < 1 || c.MaxScrollStep < c.BaseScrollStep {
		return fmt.Errorf("scroll steps must satisfy 0 < base <= max")
	}
	if c.BaseWait <= 0 || c.MaxWait < c.BaseWait {
		return fmt.Errorf("waits must satisfy 0 < base <= max")
	}
	if c.RecoveryAfter < 1 {
		return fmt.Errorf("recovery threshold must be positive")
	}
	if c.MaxScrollRounds < 1 {
		return fmt.Errorf("max scroll rounds must be positive")
	}
	if c.GestureRate <= 0 {
		return fmt.Errorf("gesture rate must be positive")
	}
	if c.MaxCommentLength < 1 {
		c.MaxCommentLength = 500
	}
	if c.BurstThreshold < 1 {
		c.BurstThreshold = 10
	}
	if c.VideoWorkers < 1 {
		c.VideoWorkers = 1
	}
	if c.CaptchaWait <= 0 {
		c.CaptchaWait = 5 * time.Minute
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
