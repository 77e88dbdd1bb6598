// Package logging provides the structured logger shared by every component
// of the node: a thin wrapper around zap with optional file rotation.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls logger construction.
type Config struct {
	Level    string // debug, info, warn, error
	NodeID   string
	FilePath string // if non-empty, logs are rotated into this file as well as stderr
	MaxSizeMB int
	MaxBackups int
	MaxAgeDays int
}

// DefaultConfig returns sane defaults for a node that has not configured
// anything explicitly.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		MaxSizeMB:  50,
		MaxBackups: 5,
		MaxAgeDays: 14,
	}
}

// Logger wraps a zap logger with a few node-scoped convenience methods.
type Logger struct {
	*zap.Logger
}

// New builds a Logger from cfg. It never fails on a bad level string; it
// falls back to info.
func New(cfg Config) (*Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	encoder := zapcore.NewJSONEncoder(encoderConfig)

	writers := []zapcore.WriteSyncer{zapcore.AddSync(os.Stderr)}
	if cfg.FilePath != "" {
		writers = append(writers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(writers...), level)
	zl := zap.New(core, zap.AddCaller())

	if cfg.NodeID != "" {
		zl = zl.With(zap.String("node_id", cfg.NodeID))
	}

	return &Logger{zl}, nil
}

// With returns a child logger carrying the given fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{l.Logger.With(fields...)}
}

// Component returns a child logger tagged with the owning component name,
// the idiom used throughout this repository to scope log lines to their
// owning actor.
func (l *Logger) Component(name string) *Logger {
	return l.With(zap.String("component", name))
}

// Nop returns a Logger that discards everything, for tests that do not care
// about log output.
func Nop() *Logger {
	return &Logger{zap.NewNop()}
}
