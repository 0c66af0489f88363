// Package logger provides the shared application logger.
//
// The logger is a zap sugared logger behind package-level functions so that
// call sites do not need to thread a logger instance through every
// constructor. Initialize must be called once at startup; until then the
// package falls back to a production logger with default settings.
package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu  sync.Mutex
	log *zap.SugaredLogger
)

// Initialize configures the global logger. When debug is true, output is
// human-readable console encoding at debug level; otherwise JSON at info
// level.
func Initialize(debug bool) {
	mu.Lock()
	defer mu.Unlock()

	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// zap only fails to build on invalid config; fall back to a no-op
		// logger rather than panicking during startup.
		l = zap.NewNop()
	}
	log = l.Sugar()
}

func get() *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	if log == nil {
		l, _ := zap.NewProduction(zap.AddCallerSkip(1))
		log = l.Sugar()
	}
	return log
}

// Sync flushes buffered log entries. Safe to call on shutdown.
func Sync() {
	_ = get().Sync()
}

// Debugf logs a formatted message at debug level.
func Debugf(format string, args ...any) { get().Debugf(format, args...) }

// Infof logs a formatted message at info level.
func Infof(format string, args ...any) { get().Infof(format, args...) }

// Warnf logs a formatted message at warn level.
func Warnf(format string, args ...any) { get().Warnf(format, args...) }

// Errorf logs a formatted message at error level.
func Errorf(format string, args ...any) { get().Errorf(format, args...) }

// Fatalf logs a formatted message at fatal level and exits.
func Fatalf(format string, args ...any) { get().Fatalf(format, args...) }

// Info logs a message at info level.
func Info(args ...any) { get().Info(args...) }

// Warn logs a message at warn level.
func Warn(args ...any) { get().Warn(args...) }

// Error logs a message at error level.
func Error(args ...any) { get().Error(args...) }
