// Package observability holds the process-wide logger and metrics.
package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles.
const (
	ProfileStructured = "structured"
	ProfileConsole    = "console"
)

// CLILogger is the logger used by commands. It discards output until one of
// the Init functions runs.
var CLILogger = zap.NewNop()

// InitCLILogger configures CLILogger for interactive use: console encoding on
// stderr, debug level when verbose.
func InitCLILogger(name string, verbose bool) {
	level := "info"
	if verbose {
		level = "debug"
	}
	logger, err := newLogger(level, ProfileConsole)
	if err != nil {
		CLILogger = zap.NewNop()
		return
	}
	CLILogger = logger.Named(name)
}

// InitLogger configures CLILogger from the logging config.
func InitLogger(level, profile string) error {
	logger, err := newLogger(level, profile)
	if err != nil {
		return err
	}
	CLILogger = logger
	return nil
}

// Sync flushes CLILogger. Errors from syncing a terminal are ignored.
func Sync() {
	_ = CLILogger.Sync()
}

func newLogger(level, profile string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch strings.ToLower(strings.TrimSpace(profile)) {
	case "", ProfileStructured:
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case ProfileConsole:
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.DisableStacktrace = true
	default:
		return nil, fmt.Errorf("unknown logging profile %q", profile)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}
