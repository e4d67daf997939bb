// Package telemetry collects sari's ambient observability stack:
// zap structured logging, Prometheus metrics, and a bounded JSONL
// audit sink for daemon lifecycle events.
package telemetry

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process-wide zap logger: a production config
// with its level raised to Debug when debug is set (the CLI passes its
// -v/--verbose flag; no environment variable is read).
func NewLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	return logger, nil
}

// Component returns a sub-logger carrying the given component field,
// using zap's own With(...) scoping — sari's single daemon process has
// one sink shared across components, not a file-per-category split.
func Component(log *zap.Logger, name string) *zap.Logger {
	return log.With(zap.String("component", name))
}
