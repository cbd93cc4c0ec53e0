// Package logging provides structured logging built on logrus.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/natefinch/lumberjack"
	"github.com/sirupsen/logrus"
)

// Config controls logger construction.
type Config struct {
	Level      string
	Format     string
	Output     string
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger is a component-scoped logrus entry.
type Logger struct {
	*logrus.Entry
}

// New creates a logger for a service with the given level and format.
func New(service, level, format string) *Logger {
	log, _ := NewFromConfig(service, Config{Level: level, Format: format})
	return log
}

// NewDefault creates an info-level JSON logger for a component.
func NewDefault(component string) *Logger {
	return New(component, "info", "json")
}

// NewFromConfig creates a logger honoring output settings. File output is
// rotated by lumberjack.
func NewFromConfig(component string, cfg Config) (*Logger, error) {
	base := logrus.New()

	level := logrus.InfoLevel
	var err error
	if raw := strings.TrimSpace(cfg.Level); raw != "" {
		if level, err = logrus.ParseLevel(raw); err != nil {
			level = logrus.InfoLevel
		}
	}
	base.SetLevel(level)

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "text":
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	default:
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	}

	var out io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "file") && cfg.FilePath != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    orDefault(cfg.MaxSizeMB, 50),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 14),
			Compress:   true,
		}
	}
	base.SetOutput(out)

	return &Logger{Entry: logrus.NewEntry(base).WithField("component", component)}, err
}

// SetOutput redirects the underlying logger, used by tests.
func (l *Logger) SetOutput(w io.Writer) {
	l.Logger.SetOutput(w)
}

// Named returns a child logger for another component sharing the same sink.
func (l *Logger) Named(component string) *Logger {
	return &Logger{Entry: l.Entry.WithField("component", component)}
}

// WithContext returns an entry stamped with the trace, user and role found in ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Entry.WithContext(ctx)
	if traceID := GetTraceID(ctx); traceID != "" {
		entry = entry.WithField("trace_id", traceID)
	}
	if userID := GetUserID(ctx); userID != "" {
		entry = entry.WithField("user_id", userID)
	}
	if role := GetRole(ctx); role != "" {
		entry = entry.WithField("role", role)
	}
	return entry
}

// LogRequest records a completed HTTP request.
func (l *Logger) LogRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status":      status,
		"duration_ms": duration.Milliseconds(),
	})
	switch {
	case status >= 500:
		entry.Error("request failed")
	case status >= 400:
		entry.Warn("request rejected")
	default:
		entry.Info("request completed")
	}
}

// LogSecurityEvent records an event relevant to abuse or authentication.
func (l *Logger) LogSecurityEvent(ctx context.Context, event string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(fields).WithField("security_event", event).Warn("security event")
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
