// Package observability provides the structured logger and Prometheus
// metrics shared by every server component.
package observability

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cory-johannsen/storyweave/internal/config"
)

// Logger bundles a zap logger with the level that controls it, so the
// level can be changed at runtime through Level's HTTP handler.
type Logger struct {
	*zap.Logger
	Level zap.AtomicLevel
}

// NewLogger creates a structured logger from the given logging configuration.
//
// Precondition: cfg.Level must be one of "debug", "info", "warn", "error".
// Precondition: cfg.Format must be "json" or "console".
// Postcondition: Returns a configured zap.Logger or a non-nil error.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	l, err := NewLeveledLogger(cfg)
	if err != nil {
		return nil, err
	}
	return l.Logger, nil
}

// NewLeveledLogger is NewLogger but also exposes the atomic level.
//
// Postcondition: An empty cfg.Output writes to stderr.
func NewLeveledLogger(cfg config.LoggingConfig) (*Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}

	var zapCfg zap.Config
	switch cfg.Format {
	case "json":
		zapCfg = zap.NewProductionConfig()
	case "console":
		zapCfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	output := cfg.Output
	if output == "" {
		output = "stderr"
	}
	zapCfg.OutputPaths = []string{output}
	zapCfg.ErrorOutputPaths = []string{"stderr"}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build(zap.Fields(zap.String("service", "storyweave")))
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return &Logger{Logger: logger, Level: zapCfg.Level}, nil
}

// ForSession returns a child logger tagged with the session id.
func ForSession(logger *zap.Logger, sessionID string) *zap.Logger {
	return logger.With(zap.String("session_id", sessionID))
}
