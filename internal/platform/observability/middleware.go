package observability

import (
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hanko-field/dropin/internal/platform/httpx"
	"github.com/hanko-field/dropin/internal/platform/requestctx"
)

// InjectLoggerMiddleware makes logger the request-scoped logger for everything downstream.
func InjectLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(requestctx.WithLogger(r.Context(), logger)))
		})
	}
}

// RequestLoggerMiddleware enriches the request logger with request, trace and client fields and
// emits one completion entry per request. The entry level follows the response class.
func RequestLoggerMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			logger := requestctx.Logger(ctx).With(requestFields(r)...)
			r = r.WithContext(requestctx.WithLogger(ctx, logger))

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			panicked := true
			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				if panicked && status < http.StatusInternalServerError {
					status = http.StatusInternalServerError
				}
				logCompletion(logger, r, status, int64(ww.BytesWritten()), time.Since(start), panicked)
			}()

			next.ServeHTTP(ww, r)
			panicked = false
		})
	}
}

func requestFields(r *http.Request) []zap.Field {
	ctx := r.Context()
	info, _ := requestctx.Trace(ctx)
	fields := []zap.Field{
		zap.String("request_id", middleware.GetReqID(ctx)),
		zap.String("method", SanitizeMethod(r.Method)),
		zap.String("path", SanitizeRoute(r.URL.Path)),
	}
	if info.TraceID != "" {
		fields = append(fields, zap.String("trace_id", info.TraceID))
		if info.ProjectID != "" {
			fields = append(fields, zap.String("logging.googleapis.com/trace",
				"projects/"+info.ProjectID+"/traces/"+info.TraceID))
		}
	}
	if ip := clientIP(r.RemoteAddr); ip != "" {
		fields = append(fields, zap.String("remote_ip", ip))
	}
	return fields
}

// logCompletion runs after routing, which is the first point where chi knows the route pattern.
func logCompletion(logger *zap.Logger, r *http.Request, status int, bytes int64, latency time.Duration, panicked bool) {
	route := SanitizeRoute(routePattern(r))

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(semconv.HTTPResponseStatusCode(status), semconv.HTTPRoute(route))
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
	} else {
		span.SetStatus(codes.Ok, "")
	}

	fields := []zap.Field{
		zap.String("route", route),
		zap.Int("status", status),
		zap.Duration("latency", latency),
		zap.Int64("bytes", bytes),
	}
	switch {
	case panicked || status >= http.StatusInternalServerError:
		logger.Error("request completed", fields...)
	case status >= http.StatusBadRequest:
		logger.Warn("request completed", fields...)
	default:
		logger.Info("request completed", fields...)
	}
}

// SessionContextMiddleware records the {sessionID} route parameter on the request context and logger.
// It must run inside the chi route that declares the parameter.
func SessionContextMiddleware(param string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := SanitizeSessionID(strings.TrimSpace(chi.URLParam(r, param)))
			if sessionID == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := requestctx.WithSessionID(r.Context(), sessionID)
			ctx = requestctx.WithLogger(ctx, requestctx.Logger(ctx).With(zap.String("session_id", sessionID)))
			trace.SpanFromContext(ctx).SetAttributes(attribute.String("dropin.session_id", sessionID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RecoveryMiddleware turns a panic into a logged stack and a JSON 500.
func RecoveryMiddleware(fallback *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				ctx := r.Context()
				logger := requestctx.Logger(ctx)
				if logger == requestctx.NoopLogger() && fallback != nil {
					logger = fallback
				}
				logger.Error("panic recovered", zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
				httpx.WriteError(ctx, w, httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

func clientIP(remoteAddr string) string {
	addr := strings.TrimSpace(remoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return sanitizeString(addr, 64)
}
