package handlers

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/hanko-field/dropin/internal/platform/httpx"
	"github.com/hanko-field/dropin/internal/platform/requestctx"
	"github.com/hanko-field/dropin/internal/repositories"
	"github.com/hanko-field/dropin/internal/services"
)

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	system services.SystemService
	build  services.BuildInfo
	clock  func() time.Time
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthSystemService sets the service consulted by /readyz.
func WithHealthSystemService(svc services.SystemService) HealthOption {
	return func(h *HealthHandlers) {
		h.system = svc
	}
}

// WithHealthBuildInfo sets the build metadata reported by /healthz.
func WithHealthBuildInfo(info services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = info
	}
}

// WithHealthClock injects a clock for tests.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewHealthHandlers constructs probe handlers. Without a system service /readyz reports ok.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.clock()
	}
	return h
}

// Healthz reports liveness with build metadata.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.clock().UTC()
	payload := map[string]any{
		"status":    repositories.HealthStatusOK,
		"uptime":    now.Sub(h.build.StartedAt).String(),
		"timestamp": now.Format(time.RFC3339),
	}
	if h.build.Version != "" {
		payload["version"] = h.build.Version
	}
	if h.build.CommitSHA != "" {
		payload["commitSha"] = h.build.CommitSHA
	}
	if h.build.Environment != "" {
		payload["environment"] = h.build.Environment
	}
	httpx.WriteJSON(w, http.StatusOK, payload)
}

type readinessResponse struct {
	services.SystemHealthReport
	Details []string `json:"details,omitempty"`
}

// Readyz reports dependency health. Anything other than ok answers 503.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.system == nil {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"status":    repositories.HealthStatusOK,
			"timestamp": h.clock().UTC().Format(time.RFC3339),
		})
		return
	}

	report, err := h.system.HealthReport(ctx)
	if err != nil {
		requestctx.Logger(ctx).Warn("readiness check failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("health_unavailable", "health report unavailable", http.StatusServiceUnavailable))
		return
	}

	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	var details []string
	for _, name := range names {
		check := report.Checks[name]
		if check.Status != repositories.HealthStatusOK && check.Detail != "" {
			details = append(details, fmt.Sprintf("%s: %s", name, check.Detail))
		}
	}

	status := http.StatusOK
	if report.Status != repositories.HealthStatusOK {
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, status, readinessResponse{SystemHealthReport: report, Details: details})
}
