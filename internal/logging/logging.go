// Package logging builds the process-wide zap logger.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"chlorine-monitor/internal/config"
)

// New returns a sugared logger for the configured level. Development mode
// switches to the console encoder with caller and stack traces on warnings.
func New(cfg config.LogConfig) (*zap.SugaredLogger, error) {
	level, err := zapcore.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

// Must is New for main packages; an invalid level falls back to info.
func Must(cfg config.LogConfig) *zap.SugaredLogger {
	l, err := New(cfg)
	if err == nil {
		return l
	}
	l, _ = New(config.LogConfig{Level: "info", Development: cfg.Development})
	l.Warnf("invalid log config, using info: %v", err)
	return l
}
