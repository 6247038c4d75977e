package analysis

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds tuning for the comment analysis stages.
type Config struct {
	// BatchSize is how many comments go into one classification prompt.
	BatchSize int

	// MaxRetries is how many times a malformed model response is retried
	// before the batch fails.
	MaxRetries int

	// Filter thresholds, measured in runes of normalized content.
	MinCommentLength int
	MaxCommentLength int

	// BannedSubstrings drop a comment outright when present,
	// case-insensitive. Typically spam markers and link shorteners.
	BannedSubstrings []string

	Logger *logrus.Logger
}

// NewConfig creates an analysis Config from environment variables.
func NewConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	batchSize, _ := strconv.Atoi(getEnvOrDefault("ANALYSIS_BATCH_SIZE", "20"))
	maxRetries, _ := strconv.Atoi(getEnvOrDefault("ANALYSIS_MAX_RETRIES", "2"))
	minLen, _ := strconv.Atoi(getEnvOrDefault("ANALYSIS_MIN_COMMENT_LENGTH", "8"))
	maxLen, _ := strconv.Atoi(getEnvOrDefault("ANALYSIS_MAX_COMMENT_LENGTH", "500"))

	var banned []string
	if raw := os.Getenv("ANALYSIS_BANNED_SUBSTRINGS"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				banned = append(banned, s)
			}
		}
	}

	config := &Config{
		BatchSize:        batchSize,
		MaxRetries:       maxRetries,
		MinCommentLength: minLen,
		MaxCommentLength: maxLen,
		BannedSubstrings: banned,
		Logger:           logrus.New(),
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
		c.BatchSize = 20
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 2
	}
	if c.MinCommentLength < 1 {
		c.MinCommentLength = 8
	}
	if c.MaxCommentLength < c.MinCommentLength {
		c.MaxCommentLength = 500
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
