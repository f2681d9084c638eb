package httpx

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/dropin/internal/platform/requestctx"
)

// Error is the JSON error envelope returned by every endpoint.
type Error struct {
	Code       string
	Message    string
	Status     int
	RetryAfter time.Duration
	Details    map[string]any
}

// NewError builds an envelope; a zero status means 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    clean(code, 80),
		Message: clean(message, 512),
		Status:  status,
	}
}

func (e Error) Error() string {
	return e.Code + ": " + e.Message
}

// WithDetails merges extra top-level fields into the envelope.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	e.Details = merged
	return e
}

// WithRetryAfter asks the client to back off; WriteError emits it as a Retry-After header.
func (e Error) WithRetryAfter(d time.Duration) Error {
	e.RetryAfter = d
	return e
}

// WriteError writes err with request, trace and session identifiers taken from ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	if err.Status == 0 {
		err.Status = http.StatusInternalServerError
	}
	body := map[string]any{
		"error":   err.Code,
		"message": err.Message,
		"status":  err.Status,
	}
	setIf(body, "request_id", clean(middleware.GetReqID(ctx), 80))
	setIf(body, "trace_id", clean(requestctx.TraceID(ctx), 64))
	setIf(body, "session_id", requestctx.SessionID(ctx))
	for k, v := range err.Details {
		body[k] = v
	}
	if err.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(err.RetryAfter.Seconds()))))
	}
	WriteJSON(w, err.Status, body)
}

// WriteJSON encodes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// DecodeJSON reads a bounded JSON body into dst, rejecting unknown fields.
func DecodeJSON(r *http.Request, dst any, limit int64) error {
	if limit <= 0 {
		limit = 64 << 10
	}
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, limit))
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func setIf(body map[string]any, key, value string) {
	if value != "" {
		body[key] = value
	}
}

func clean(value string, limit int) string {
	value = strings.TrimSpace(strings.NewReplacer("\n", " ", "\r", " ").Replace(value))
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
