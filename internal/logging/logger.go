// Package logging initializes the structured runtime log.
package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Option configures RuntimeLogger creation.
type Option func(*newOptions)

type newOptions struct {
	sessionID string
	level     log.Level
}

// WithSessionID configures the session_id field used in emitted log records.
func WithSessionID(sessionID string) Option {
	return func(opts *newOptions) {
		opts.sessionID = strings.TrimSpace(sessionID)
	}
}

// WithLevel configures the minimum emitted log level.
func WithLevel(level log.Level) Option {
	return func(opts *newOptions) {
		opts.level = level
	}
}

// RuntimeLogger writes structured JSON logs to disk.
type RuntimeLogger struct {
	Logger *log.Logger
	file   *os.File
	path   string
}

// New initializes logging under ~/.helmsman/logs without writing to stdout,
// which belongs to the operator-facing event stream.
func New(ctx context.Context, options ...Option) (*RuntimeLogger, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	logDir := filepath.Join(homeDir, ".helmsman", "logs")
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	resolved := resolveOptions(options)
	timestamp := time.Now().UTC().Format("20060102-150405")
	fileName := fmt.Sprintf("helmsman-%s.log", timestamp)
	if resolved.sessionID != "" {
		fileName = fmt.Sprintf("helmsman-%s-%s.log", timestamp, resolved.sessionID)
	}
	filePath := filepath.Join(logDir, fileName)
	// #nosec G304 -- filePath is constructed from trusted local paths.
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	logger := log.NewWithOptions(file, log.Options{
		Level:           resolved.level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	logger.SetFormatter(log.JSONFormatter)
	if resolved.sessionID != "" {
		logger = logger.With("session_id", resolved.sessionID)
	}
	logger.With("log_file", filePath).Info("logger initialized")

	_ = ctx
	return &RuntimeLogger{Logger: logger, file: file, path: filePath}, nil
}

// Close flushes and closes the log file.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Path returns the current log file path.
func (r *RuntimeLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

func resolveOptions(options []Option) newOptions {
	resolved := newOptions{level: log.InfoLevel}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(&resolved)
	}
	return resolved
}
