package observability

import (
	"context"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hanko-field/dropin/internal/platform/requestctx"
)

// NewLogger builds the process logger: JSON on stdout using Cloud Logging's field names
// (severity, timestamp, message). LOG_LEVEL selects the level and defaults to info.
func NewLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.DisableStacktrace = true
	cfg.OutputPaths = []string{"stdout"}
	if level, err := zapcore.ParseLevel(strings.TrimSpace(os.Getenv("LOG_LEVEL"))); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(level)
	}
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.LevelKey = "severity"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	cfg.EncoderConfig.EncodeLevel = encodeSeverity
	return cfg.Build()
}

func encodeSeverity(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	switch level {
	case zapcore.WarnLevel:
		enc.AppendString("WARNING")
	case zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		enc.AppendString("CRITICAL")
	default:
		enc.AppendString(strings.ToUpper(level.String()))
	}
}

// WithLogger injects the logger into the provided context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}

// EventLogger is the event-style logging hook taken by components that are not HTTP aware.
type EventLogger func(ctx context.Context, event string, fields map[string]any)

// NewEventLogger routes event-style log calls onto zap. Events ending in ".failed" or ".error"
// log at warn level. The context logger wins over base when present.
func NewEventLogger(base *zap.Logger) EventLogger {
	if base == nil {
		base = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := requestctx.Logger(ctx)
		if logger == requestctx.NoopLogger() {
			logger = base
		}
		keys := make([]string, 0, len(fields))
		for key := range fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		zapFields := make([]zap.Field, 0, len(keys)+1)
		for _, key := range keys {
			zapFields = append(zapFields, zap.Any(key, fields[key]))
		}
		if id := requestctx.SessionID(ctx); id != "" && fields["sessionID"] == nil {
			zapFields = append(zapFields, zap.String("session_id", id))
		}
		if strings.HasSuffix(event, ".failed") || strings.HasSuffix(event, ".error") {
			logger.Warn(event, zapFields...)
			return
		}
		logger.Info(event, zapFields...)
	}
}
