package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hanko-field/dropin/internal/dropin"
	"github.com/hanko-field/dropin/internal/platform/auth"
	"github.com/hanko-field/dropin/internal/platform/httpx"
	"github.com/hanko-field/dropin/internal/platform/requestctx"
	"github.com/hanko-field/dropin/internal/services"
)

type errorMapping struct {
	target     error
	code       string
	message    string
	status     int
	retryAfter time.Duration
}

var serviceErrorMappings = []errorMapping{
	{target: services.ErrSessionNotFound, code: "session_not_found", message: "session not found", status: http.StatusNotFound},
	{target: services.ErrInvalidInput, code: "invalid_request", status: http.StatusBadRequest},
	{target: services.ErrRateLimited, code: "rate_limited", message: "too many requests", status: http.StatusTooManyRequests, retryAfter: time.Second},
	{target: services.ErrStaleCallback, code: "stale_callback", message: "callback does not match the pending action", status: http.StatusConflict},
	{target: services.ErrStepUpUnverified, code: "step_up_unverified", message: "step-up result could not be confirmed with the payment provider", status: http.StatusConflict},
	{target: services.ErrServiceClosed, code: "service_unavailable", message: "service is shutting down", status: http.StatusServiceUnavailable},
	{target: dropin.ErrSessionClosed, code: "session_closed", message: "session already finished", status: http.StatusConflict},
	{target: dropin.ErrNotReady, code: "session_not_ready", message: "session configuration is still loading", status: http.StatusConflict},
	{target: dropin.ErrFlowInProgress, code: "flow_in_progress", message: "another payment flow is in progress", status: http.StatusConflict},
	{target: dropin.ErrUnsupportedMethod, code: "unsupported_method", message: "payment method not offered in this session", status: http.StatusUnprocessableEntity},
	{target: dropin.ErrUnknownVaultedMethod, code: "unknown_vaulted_method", message: "vaulted payment method not found", status: http.StatusUnprocessableEntity},
	{target: dropin.ErrVaultManagerUnavailable, code: "vault_manager_unavailable", message: "vault management is not allowed for this session", status: http.StatusForbidden},
	{target: auth.ErrRestoreTokenInvalid, code: "invalid_restore_token", message: "restore token is invalid", status: http.StatusBadRequest},
	{target: auth.ErrRestoreTokenExpired, code: "restore_token_expired", message: "restore token has expired", status: http.StatusGone},
	{target: context.DeadlineExceeded, code: "timeout", message: "request timed out", status: http.StatusGatewayTimeout},
}

func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	for _, mapping := range serviceErrorMappings {
		if !errors.Is(err, mapping.target) {
			continue
		}
		message := mapping.message
		if message == "" {
			message = err.Error()
		}
		envelope := httpx.NewError(mapping.code, message, mapping.status).
			WithRetryAfter(mapping.retryAfter).
			WithDetails(errorDetails(err))
		httpx.WriteError(ctx, w, envelope)
		return
	}
	requestctx.Logger(ctx).Error("dropin request failed", zap.Error(err))
	httpx.WriteError(ctx, w, httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError))
}

// errorDetails lifts machine-readable context out of typed service errors.
func errorDetails(err error) map[string]any {
	var stale *services.StaleCallbackError
	if errors.As(err, &stale) && stale.Current != "" {
		return map[string]any{"current_action_id": stale.Current}
	}
	return nil
}

func writeBadRequest(ctx context.Context, w http.ResponseWriter, message string) {
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", message, http.StatusBadRequest))
}
