// Package requestctx carries request-scoped values (logger, trace identifiers, the addressed
// session) between HTTP middleware and the services below them.
package requestctx

import (
	"context"

	"go.uber.org/zap"
)

type (
	loggerKey  struct{}
	traceKey   struct{}
	sessionKey struct{}
)

var noopLogger = zap.NewNop()

// TraceInfo identifies the server span of the current request.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// WithLogger stores logger on ctx; a nil logger stores the shared no-op logger.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		logger = noopLogger
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// Logger never returns nil. Callers compare against NoopLogger to detect a missing logger.
func Logger(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && logger != nil {
			return logger
		}
	}
	return noopLogger
}

func NoopLogger() *zap.Logger { return noopLogger }

func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return context.WithValue(ctx, traceKey{}, info)
}

func Trace(ctx context.Context) (TraceInfo, bool) {
	info, ok := ctx.Value(traceKey{}).(TraceInfo)
	return info, ok
}

// TraceID returns "" outside a traced request.
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// WithSessionID records the Drop-In session addressed by the request.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
