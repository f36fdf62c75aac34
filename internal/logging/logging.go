// Package logging holds the process logger. Package-level helpers log
// through it directly; request and operation code logs through the logger
// carried by its context.
package logging

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey struct{}

// loggers pairs the process logger with a copy that skips the helper
// frame, so both report the caller that logged.
type loggers struct {
	base   *zap.Logger
	helper *zap.Logger
}

var (
	current atomic.Pointer[loggers]
	level   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

func init() {
	install(zap.NewNop())
}

func install(l *zap.Logger) {
	current.Store(&loggers{base: l, helper: l.WithOptions(zap.AddCallerSkip(1))})
}

// Config selects the level, encoding and destination of log output.
type Config struct {
	Level string
	// Format is json or console.
	Format string
	// OutputPath is stdout, stderr or a file path. Empty means stderr.
	OutputPath string
}

// Init replaces the process logger. An unknown level falls back to info.
func Init(cfg Config) error {
	if err := SetLevel(cfg.Level); err != nil {
		level.SetLevel(zapcore.InfoLevel)
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	if cfg.OutputPath != "" {
		zc.OutputPaths = []string{cfg.OutputPath}
	}
	l, err := zc.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	install(l)
	return nil
}

// InitNop discards all output.
func InitNop() { install(zap.NewNop()) }

// SetLevel changes the level of the running logger.
func SetLevel(name string) error {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return fmt.Errorf("log level %q: %w", name, err)
	}
	level.SetLevel(l)
	return nil
}

// Sync flushes buffered output.
func Sync() error { return current.Load().base.Sync() }

// WithContext returns the logger carried by ctx, or the process logger.
func WithContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok {
		return l
	}
	return current.Load().base
}

func with(ctx context.Context, fields ...zap.Field) context.Context {
	return context.WithValue(ctx, ctxKey{}, WithContext(ctx).With(fields...))
}

// WithOperation tags the context logger with a batch operation.
func WithOperation(ctx context.Context, operationID, kind string) context.Context {
	return with(ctx, zap.String("operation_id", operationID), zap.String("operation", kind))
}

// WithActor tags the context logger with the acting user.
func WithActor(ctx context.Context, actorID string) context.Context {
	return with(ctx, zap.String("actor", actorID))
}

func Debug(msg string, fields ...zap.Field) { current.Load().helper.Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { current.Load().helper.Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { current.Load().helper.Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { current.Load().helper.Error(msg, fields...) }
