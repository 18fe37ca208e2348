package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/levenlabs/go-llog"
)

var (
	defaultLogLevel slog.LevelVar
	defaultLogger   = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
		Level:     &defaultLogLevel,
	}))
)

func init() {
	defaultLogLevel.Set(slog.LevelInfo)
}

type contextKey struct{}

var loggerKey = contextKey{}

// Ctx returns the logger from the context. If no logger is found, it returns the default logger.
func Ctx(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return defaultLogger
}

// With returns a new context with the given logger.
func With(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithDevice returns a new context whose logger tags every record with the
// device id.
func WithDevice(ctx context.Context, deviceID string) context.Context {
	return With(ctx, Ctx(ctx).With(slog.String("deviceID", deviceID)))
}

// WithCommand tags every record with the command id.
func WithCommand(ctx context.Context, commandID string) context.Context {
	return With(ctx, Ctx(ctx).With(slog.String("commandID", commandID)))
}

func SetDefaultLogLevel(level slog.Level) {
	defaultLogLevel.Set(level)
}

// DefaultLogLevel returns the level of the default logger.
func DefaultLogLevel() slog.Level {
	return defaultLogLevel.Level()
}

// LevelFromLLog maps the level lflag configured on llog to slog.
func LevelFromLLog() (slog.Level, error) {
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		return slog.LevelDebug, nil
	case llog.InfoLevel:
		return slog.LevelInfo, nil
	case llog.WarnLevel:
		return slog.LevelWarn, nil
	case llog.ErrorLevel:
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level: %s", llog.GetLevel().String())
}
