// Package telemetry constructs the process-wide zerolog logger. All output
// goes to a file, never stdout/stderr, since the dashboard owns the
// terminal (grounded on original_source's init_tracing, which writes to
// codex-usage.log with ansi disabled).
package telemetry

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// New opens (or creates) the log file at path and returns a logger at the
// given level ("debug", "info", "warn", "error"; unknown values fall back
// to info).
func New(path, level string) (zerolog.Logger, func() error, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("open log file: %w", err)
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	logger := zerolog.New(file).Level(lvl).With().Timestamp().Logger()
	return logger, file.Close, nil
}
