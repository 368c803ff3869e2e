package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/schema-migrator/internal/logging"
)

// GormLogger implements GORM's logger.Interface on top of slog.
type GormLogger struct {
	logger    *slog.Logger
	slowQuery time.Duration
	level     gormlogger.LogLevel
}

// NewGormLogger creates a GORM logger writing to logger. A nil logger falls
// back to slog.Default().
func NewGormLogger(logger *slog.Logger, slowQuery time.Duration) gormlogger.Interface {
	if logger == nil {
		logger = slog.Default()
	}
	return &GormLogger{
		logger:    logger.With("source", "gorm"),
		slowQuery: slowQuery,
		level:     gormlogger.Warn,
	}
}

// LogMode implements GORM's logger.Interface
func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

// Info implements GORM's logger.Interface
func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Info {
		l.loggerFor(ctx).InfoContext(ctx, fmt.Sprintf(msg, data...))
	}
}

// Warn implements GORM's logger.Interface
func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.loggerFor(ctx).WarnContext(ctx, fmt.Sprintf(msg, data...))
	}
}

// Error implements GORM's logger.Interface
func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Error {
		l.loggerFor(ctx).ErrorContext(ctx, fmt.Sprintf(msg, data...))
	}
}

// Trace implements GORM's logger.Interface
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	logger := l.loggerFor(ctx).With("duration", elapsed, "rows_affected", rows, "sql", sql)

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= gormlogger.Error:
		logger.ErrorContext(ctx, "SQL error", "error", err)
	case l.slowQuery > 0 && elapsed > l.slowQuery && l.level >= gormlogger.Warn:
		logger.WarnContext(ctx, "slow SQL", "threshold", l.slowQuery)
	case l.level >= gormlogger.Info:
		logger.DebugContext(ctx, "SQL query")
	}
}

func (l *GormLogger) loggerFor(ctx context.Context) *slog.Logger {
	if logger := logging.FromContext(ctx); logger != nil {
		return logger.With("source", "gorm")
	}
	return l.logger
}
