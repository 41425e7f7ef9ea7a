// Package logging wraps zap with the DEBUG ENABLE FLAG of spec §6: a
// single environment variable, read once at Store construction, that
// turns on diagnostic log entries for merges and mesh events.
package logging

import (
	"os"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DebugEnvVar is the environment variable the core reads to decide
// whether diagnostic logging is on. No other environment variable
// affects core behavior.
const DebugEnvVar = "PLURESDB_DEBUG"

// DebugEnabled reads DebugEnvVar once. Any value that strconv.ParseBool
// accepts as true enables debug logging; everything else, including an
// unset variable, leaves it off.
func DebugEnabled() bool {
	v, ok := os.LookupEnv(DebugEnvVar)
	if !ok {
		return false
	}
	enabled, err := strconv.ParseBool(v)
	return err == nil && enabled
}

// Logger wraps *zap.Logger with PluresDB-specific context helpers.
type Logger struct {
	*zap.Logger
}

// New builds a Logger at info level, or debug level when debugEnabled is
// true.
func New(debugEnabled bool) (*Logger, error) {
	level := zapcore.InfoLevel
	if debugEnabled {
		level = zapcore.DebugLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{Logger: logger}, nil
}

// Nop returns a Logger that discards everything, for tests and embedders
// that don't want PluresDB writing to stdout.
func Nop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

func (l *Logger) WithPeerID(peerID string) *zap.Logger {
	return l.With(zap.String("peer_id", peerID))
}

func (l *Logger) WithRecordID(id string) *zap.Logger {
	return l.With(zap.String("record_id", id))
}

func (l *Logger) WithError(err error) *zap.Logger {
	return l.With(zap.Error(err))
}
