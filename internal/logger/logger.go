// Package logger builds the process-wide zap logger from config.
package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the level and encoding of the logger.
type Config struct {
	Level      string `yaml:"level" envconfig:"level"`
	Encoding   string `yaml:"encoding" envconfig:"encoding"`
	TimeFormat string `yaml:"time_format" envconfig:"time_format"`
}

// ToZapLevel converts the configured level, falling back to info.
func (c Config) ToZapLevel() zapcore.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New builds a logger. Debug level uses the development config with colored levels.
func New(cfg Config) (*zap.Logger, error) {
	var zapConfig zap.Config
	if cfg.ToZapLevel() == zapcore.DebugLevel {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(cfg.ToZapLevel())

	switch strings.ToLower(cfg.Encoding) {
	case "console", "text":
		zapConfig.Encoding = "console"
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "", "json":
		zapConfig.Encoding = "json"
	default:
		return nil, fmt.Errorf("unknown log encoding %q", cfg.Encoding)
	}

	switch strings.ToLower(cfg.TimeFormat) {
	case "epoch":
		zapConfig.EncoderConfig.EncodeTime = zapcore.EpochTimeEncoder
	case "rfc3339":
		zapConfig.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	default:
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}
