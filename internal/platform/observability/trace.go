package observability

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/hanko-field/dropin/internal/platform/requestctx"
)

const cloudTraceHeader = "X-Cloud-Trace-Context"

var (
	tracer        = otel.Tracer("github.com/hanko-field/dropin/internal/platform/observability")
	w3cPropagator = propagation.TraceContext{}
)

// TraceMiddleware starts a server span per request and stores its identifiers on the context.
// A parent is taken from X-Cloud-Trace-Context (set by the Google front end) and, failing that,
// from a W3C traceparent header sent by instrumented mobile shells.
func TraceMiddleware(projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.Start(remoteParent(r), spanNameFromRequest(r),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(requestAttributes(r)...),
			)
			defer span.End()

			info := requestctx.TraceInfo{ProjectID: projectID}
			if sc := span.SpanContext(); sc.IsValid() {
				info.TraceID = sc.TraceID().String()
				info.SpanID = sc.SpanID().String()
				info.Sampled = sc.IsSampled()
				w.Header().Set(cloudTraceHeader, cloudTraceContext{
					traceID: sc.TraceID(),
					spanID:  sc.SpanID(),
					sampled: sc.IsSampled(),
				}.String())
			}

			next.ServeHTTP(w, r.WithContext(requestctx.WithTrace(ctx, info)))
		})
	}
}

func remoteParent(r *http.Request) context.Context {
	ctx := r.Context()
	if parent, ok := parseCloudTraceContext(r.Header.Get(cloudTraceHeader)); ok {
		return trace.ContextWithRemoteSpanContext(ctx, parent.spanContext())
	}
	return w3cPropagator.Extract(ctx, propagation.HeaderCarrier(r.Header))
}

// cloudTraceContext is the decoded form of TRACE_ID/SPAN_ID;o=OPTIONS.
type cloudTraceContext struct {
	traceID trace.TraceID
	spanID  trace.SpanID
	sampled bool
}

func parseCloudTraceContext(header string) (cloudTraceContext, bool) {
	traceHex, rest, ok := strings.Cut(strings.TrimSpace(header), "/")
	if !ok {
		return cloudTraceContext{}, false
	}
	traceID, err := trace.TraceIDFromHex(strings.TrimSpace(traceHex))
	if err != nil {
		return cloudTraceContext{}, false
	}
	spanPart, options, _ := strings.Cut(rest, ";")
	spanID, ok := parseCloudSpanID(strings.TrimSpace(spanPart))
	if !ok {
		return cloudTraceContext{}, false
	}
	return cloudTraceContext{
		traceID: traceID,
		spanID:  spanID,
		sampled: strings.TrimSpace(options) == "o=1",
	}, true
}

// parseCloudSpanID accepts the documented unsigned decimal form and the short hex form some
// proxies forward.
func parseCloudSpanID(value string) (trace.SpanID, bool) {
	var id trace.SpanID
	if n, err := strconv.ParseUint(value, 10, 64); err == nil && n != 0 {
		binary.BigEndian.PutUint64(id[:], n)
		return id, true
	}
	if value == "" || len(value) > 16 {
		return trace.SpanID{}, false
	}
	id, err := trace.SpanIDFromHex(strings.Repeat("0", 16-len(value)) + value)
	if err != nil {
		return trace.SpanID{}, false
	}
	return id, true
}

func (c cloudTraceContext) spanContext() trace.SpanContext {
	var flags trace.TraceFlags
	if c.sampled {
		flags = trace.FlagsSampled
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    c.traceID,
		SpanID:     c.spanID,
		TraceFlags: flags,
		Remote:     true,
	})
}

func (c cloudTraceContext) String() string {
	option := 0
	if c.sampled {
		option = 1
	}
	return fmt.Sprintf("%s/%d;o=%d", c.traceID, binary.BigEndian.Uint64(c.spanID[:]), option)
}

// sessionSegment returns the index of the path segment holding a session id, or -1.
func sessionSegment(segments []string) int {
	for i := 1; i < len(segments); i++ {
		if segments[i-1] == "sessions" && segments[i] != "" && !strings.HasPrefix(segments[i], ":") {
			return i
		}
	}
	return -1
}

// spanNameFromRequest collapses session ids so span names stay low-cardinality.
func spanNameFromRequest(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	segments := strings.Split(path, "/")
	if i := sessionSegment(segments); i >= 0 {
		segments[i] = "{sessionID}"
	}
	return r.Method + " " + strings.Join(segments, "/")
}

func requestAttributes(r *http.Request) []attribute.KeyValue {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	attrs := []attribute.KeyValue{
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.URLScheme(scheme),
		semconv.URLPath(r.URL.Path),
	}
	if r.Host != "" {
		attrs = append(attrs, semconv.ServerAddress(r.Host))
	}
	if ua := r.UserAgent(); ua != "" {
		attrs = append(attrs, semconv.UserAgentOriginal(ua))
	}
	segments := strings.Split(r.URL.Path, "/")
	if i := sessionSegment(segments); i >= 0 {
		attrs = append(attrs, attribute.String("dropin.session_id", SanitizeSessionID(segments[i])))
	}
	return attrs
}
