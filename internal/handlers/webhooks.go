package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hanko-field/dropin/internal/payments"
	"github.com/hanko-field/dropin/internal/platform/httpx"
	"github.com/hanko-field/dropin/internal/platform/requestctx"
	"github.com/hanko-field/dropin/internal/services"
)

const (
	maxWebhookBodySize    = 512 << 10
	stripeSignatureHeader = "Stripe-Signature"
)

// StepUpParser verifies and decodes PSP step-up webhooks.
type StepUpParser interface {
	ParseStepUp(payload []byte, signature string) (payments.StepUpNotification, bool, error)
}

// WebhookHandlers receives PSP notifications that complete pending step-up actions.
type WebhookHandlers struct {
	svc    services.DropInService
	parser StepUpParser
}

// NewWebhookHandlers constructs the webhook handlers.
func NewWebhookHandlers(svc services.DropInService, parser StepUpParser) *WebhookHandlers {
	return &WebhookHandlers{svc: svc, parser: parser}
}

// Routes registers webhook endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stripe", h.stripe)
}

func (h *WebhookHandlers) stripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := requestctx.Logger(ctx)

	if h.parser == nil || h.svc == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "webhook processing is not configured", http.StatusServiceUnavailable))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodySize))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "webhook payload too large", http.StatusRequestEntityTooLarge))
		return
	}

	notification, ok, err := h.parser.ParseStepUp(body, r.Header.Get(stripeSignatureHeader))
	switch {
	case errors.Is(err, payments.ErrWebhookSignature):
		logger.Warn("stripe webhook signature rejected", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
		return
	case err != nil:
		logger.Warn("stripe webhook payload rejected", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", "webhook payload could not be decoded", http.StatusBadRequest))
		return
	case !ok:
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	logger = logger.With(
		zap.String("eventID", notification.EventID),
		zap.String("sessionID", notification.SessionID),
		zap.String("result", string(notification.Result)),
	)
	err = h.svc.CompleteStepUp(ctx, services.StepUpCompletion{
		EventID:   notification.EventID,
		SessionID: notification.SessionID,
		ActionID:  notification.ActionID,
		Event:     notification.Event(),
	})
	switch {
	case errors.Is(err, services.ErrSessionNotFound):
		logger.Info("stripe webhook for unknown session ignored")
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	case err != nil:
		// A non-2xx answer makes Stripe redeliver the event.
		logger.Error("stripe webhook processing failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("webhook_processing_failed", "webhook could not be processed", http.StatusServiceUnavailable))
	default:
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "processed"})
	}
}
