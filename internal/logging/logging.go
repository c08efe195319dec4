// Package logging provides the process-wide zap logger.
//
// Loggers carried in a context (see WithSession) take precedence over the
// global one, so every line of an upload carries its session id.
package logging

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey struct{}

// loggers pairs the global logger with a copy that skips the package-level
// wrappers when reporting the caller.
type loggers struct {
	base    *zap.Logger
	wrapped *zap.Logger
}

var (
	global      atomic.Pointer[loggers]
	defaultOnce sync.Once
	level       = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
}

// Init builds the global logger from cfg. Unknown levels fall back to info.
func Init(cfg Config) error {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(cfg.Level)); err != nil {
		l = zapcore.InfoLevel
	}
	level.SetLevel(l)

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	if cfg.OutputPath != "" {
		zc.OutputPaths = []string{cfg.OutputPath}
	}

	logger, err := zc.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return err
	}
	Replace(logger)
	return nil
}

// Replace installs logger as the global logger.
func Replace(logger *zap.Logger) {
	global.Store(&loggers{base: logger, wrapped: logger.WithOptions(zap.AddCallerSkip(1))})
}

// SetLevel changes the level of a logger built by Init.
func SetLevel(l string) error {
	return level.UnmarshalText([]byte(l))
}

// Sync flushes buffered log entries.
func Sync() error {
	if g := global.Load(); g != nil {
		return g.base.Sync()
	}
	return nil
}

func current() *loggers {
	if g := global.Load(); g != nil {
		return g
	}
	defaultOnce.Do(func() {
		if global.Load() == nil {
			logger, err := zap.NewProduction()
			if err != nil {
				logger = zap.NewNop()
			}
			Replace(logger)
		}
	})
	return global.Load()
}

// L returns the global logger.
func L() *zap.Logger {
	return current().base
}

// WithContext returns the logger carried by ctx, or the global logger.
func WithContext(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(contextKey{}).(*zap.Logger); ok {
			return logger
		}
	}
	return L()
}

// WithSession returns a context whose logger tags every entry with the
// upload session id.
func WithSession(ctx context.Context, sessionID string) context.Context {
	logger := WithContext(ctx).With(zap.String("session_id", sessionID))
	return context.WithValue(ctx, contextKey{}, logger)
}

func Debug(msg string, fields ...zap.Field) { current().wrapped.Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field) { current().wrapped.Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field) { current().wrapped.Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { current().wrapped.Error(msg, fields...) }

// Field constructors, so callers need not import zap.
func String(key, val string) zap.Field { return zap.String(key, val) }
func Int(key string, val int) zap.Field { return zap.Int(key, val) }
func Int64(key string, val int64) zap.Field { return zap.Int64(key, val) }
func Err(err error) zap.Field { return zap.Error(err) }
func Duration(key string, val time.Duration) zap.Field { return zap.Duration(key, val) }
