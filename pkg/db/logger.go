package db

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/leadgrid/harvester/pkg/logging"
)

// defaultSlowThreshold flags queries slow enough to matter for claim
// latency; SKIP LOCKED claims are expected to return in single-digit
// milliseconds.
const defaultSlowThreshold = 200 * time.Millisecond

// QueryLogger bridges GORM's logger.Interface onto logrus. Claim
// lookups routinely come back empty, so record-not-found results are
// logged as ordinary traces, not errors.
type QueryLogger struct {
	logger        *logrus.Logger
	slowThreshold time.Duration
}

// NewQueryLogger creates the store-side query logger. The slow-query
// threshold is read from DB_SLOW_QUERY_THRESHOLD when set.
func NewQueryLogger(baseLogger *logrus.Logger) *QueryLogger {
	if _, ok := baseLogger.Formatter.(*logging.ColoredJSONFormatter); !ok {
		baseLogger.SetFormatter(logging.NewColoredJSONFormatter())
	}

	threshold := defaultSlowThreshold
	if raw := os.Getenv("DB_SLOW_QUERY_THRESHOLD"); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			threshold = parsed
		}
	}

	return &QueryLogger{
		logger:        baseLogger,
		slowThreshold: threshold,
	}
}

// LogMode implements logger.Interface. Verbosity is governed by the
// logrus level, so the GORM level is ignored.
func (l *QueryLogger) LogMode(level logger.LogLevel) logger.Interface {
	return l
}

// Info implements logger.Interface
func (l *QueryLogger) Info(ctx context.Context, msg string, args ...interface{}) {
	l.logger.WithContext(ctx).WithField("source", "store").Debugf(msg, args...)
}

// Warn implements logger.Interface
func (l *QueryLogger) Warn(ctx context.Context, msg string, args ...interface{}) {
	l.logger.WithContext(ctx).WithField("source", "store").Warnf(msg, args...)
}

// Error implements logger.Interface
func (l *QueryLogger) Error(ctx context.Context, msg string, args ...interface{}) {
	l.logger.WithContext(ctx).WithField("source", "store").Errorf(msg, args...)
}

// Trace implements logger.Interface
func (l *QueryLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	elapsed := time.Since(begin)
	sql, rows := fc()

	fields := logrus.Fields{
		"source":  "store",
		"rows":    rows,
		"sql":     sql,
		"elapsed": elapsed.String(),
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		fields["error"] = err
		l.logger.WithContext(ctx).WithFields(fields).Error("query failed")
	case elapsed > l.slowThreshold:
		fields["threshold"] = l.slowThreshold.String()
		l.logger.WithContext(ctx).WithFields(fields).Warn("slow query")
	default:
		l.logger.WithContext(ctx).WithFields(fields).Debug("query executed")
	}
}
