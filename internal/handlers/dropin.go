package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/dropin/internal/domain"
	"github.com/hanko-field/dropin/internal/dropin"
	"github.com/hanko-field/dropin/internal/platform/auth"
	"github.com/hanko-field/dropin/internal/platform/httpx"
	"github.com/hanko-field/dropin/internal/platform/observability"
	"github.com/hanko-field/dropin/internal/services"
)

const (
	maxSessionBodySize  = 32 << 10
	maxCallbackBodySize = 256 << 10
	sessionIDParam      = "sessionID"
)

// DropInHandlers exposes Drop-In session operations over HTTP.
type DropInHandlers struct {
	svc services.DropInService
}

// NewDropInHandlers constructs the session handlers.
func NewDropInHandlers(svc services.DropInService) *DropInHandlers {
	return &DropInHandlers{svc: svc}
}

// Routes registers the session endpoints. Callers mount it under a group that carries credentials.
func (h *DropInHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/sessions", h.createSession)
	r.Post("/sessions:restore", h.restoreSession)
	r.Route("/sessions/{"+sessionIDParam+"}", func(rt chi.Router) {
		rt.Use(observability.SessionContextMiddleware(sessionIDParam))
		rt.Get("/", h.getSession)
		rt.Get("/vaulted-methods", h.vaultedMethods)
		rt.Post("/selection", h.selectMethod)
		rt.Post("/vaulted-selection", h.selectVaultedMethod)
		rt.Post("/vault-manager", h.openVaultManager)
		rt.Post("/callbacks", h.callback)
		rt.Post("/cancel", h.cancel)
	})
}

func (h *DropInHandlers) createSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	authz, ok := h.authorization(w, r)
	if !ok {
		return
	}
	var req domain.DropInRequest
	if err := httpx.DecodeJSON(r, &req, maxSessionBodySize); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(ctx, w, "request body must be a valid drop-in request")
		return
	}
	view, err := h.svc.CreateSession(ctx, services.CreateSessionCommand{Authorization: authz, Request: req})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, view)
}

type restoreSessionRequest struct {
	RestoreToken string `json:"restoreToken"`
}

func (h *DropInHandlers) restoreSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	authz, ok := h.authorization(w, r)
	if !ok {
		return
	}
	var req restoreSessionRequest
	if err := httpx.DecodeJSON(r, &req, maxSessionBodySize); err != nil {
		writeBadRequest(ctx, w, "request body must contain restoreToken")
		return
	}
	token := strings.TrimSpace(req.RestoreToken)
	if token == "" {
		writeBadRequest(ctx, w, "restoreToken is required")
		return
	}
	view, err := h.svc.RestoreSession(ctx, services.RestoreSessionCommand{Authorization: authz, Token: token})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, view)
}

func (h *DropInHandlers) getSession(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.sessionRef(w, r)
	if !ok {
		return
	}
	view, err := h.svc.GetSession(r.Context(), ref)
	h.respond(w, r, view, err)
}

func (h *DropInHandlers) vaultedMethods(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ref, ok := h.sessionRef(w, r)
	if !ok {
		return
	}
	refresh := false
	if raw := strings.TrimSpace(r.URL.Query().Get("refresh")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeBadRequest(ctx, w, "refresh must be a boolean")
			return
		}
		refresh = parsed
	}
	view, err := h.svc.VaultedMethods(ctx, services.VaultedMethodsQuery{SessionRef: ref, Refresh: refresh})
	h.respond(w, r, view, err)
}

type selectMethodRequest struct {
	Kind            domain.PaymentMethodKind `json:"kind"`
	Amount          string                   `json:"amount,omitempty"`
	VaultPreference domain.VaultPreference   `json:"vaultPreference,omitempty"`
}

func (h *DropInHandlers) selectMethod(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ref, ok := h.sessionRef(w, r)
	if !ok {
		return
	}
	var req selectMethodRequest
	if err := httpx.DecodeJSON(r, &req, maxSessionBodySize); err != nil {
		writeBadRequest(ctx, w, "request body must contain a payment method kind")
		return
	}
	view, err := h.svc.SelectMethod(ctx, services.SelectMethodCommand{
		SessionRef:      ref,
		Kind:            req.Kind,
		Amount:          req.Amount,
		VaultPreference: req.VaultPreference,
	})
	h.respond(w, r, view, err)
}

type selectVaultedMethodRequest struct {
	Nonce string `json:"nonce"`
}

func (h *DropInHandlers) selectVaultedMethod(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ref, ok := h.sessionRef(w, r)
	if !ok {
		return
	}
	var req selectVaultedMethodRequest
	if err := httpx.DecodeJSON(r, &req, maxSessionBodySize); err != nil {
		writeBadRequest(ctx, w, "request body must contain a nonce")
		return
	}
	nonce := strings.TrimSpace(req.Nonce)
	if nonce == "" {
		writeBadRequest(ctx, w, "nonce is required")
		return
	}
	view, err := h.svc.SelectVaultedMethod(ctx, services.SelectVaultedMethodCommand{SessionRef: ref, Nonce: nonce})
	h.respond(w, r, view, err)
}

func (h *DropInHandlers) openVaultManager(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.sessionRef(w, r)
	if !ok {
		return
	}
	view, err := h.svc.OpenVaultManager(r.Context(), ref)
	h.respond(w, r, view, err)
}

type callbackErrorPayload struct {
	Kind    domain.ErrorKind `json:"kind"`
	Code    string           `json:"code,omitempty"`
	Message string           `json:"message,omitempty"`
}

type callbackRequest struct {
	Type       services.CallbackType            `json:"type"`
	ActionID   string                           `json:"actionId,omitempty"`
	ProbeID    string                           `json:"probeId,omitempty"`
	Ready      bool                             `json:"ready,omitempty"`
	Method     *domain.PaymentMethodDescriptor  `json:"method,omitempty"`
	Methods    []domain.PaymentMethodDescriptor `json:"methods,omitempty"`
	DeviceData string                           `json:"deviceData,omitempty"`
	Error      *callbackErrorPayload            `json:"error,omitempty"`
}

func (h *DropInHandlers) callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ref, ok := h.sessionRef(w, r)
	if !ok {
		return
	}
	var req callbackRequest
	if err := httpx.DecodeJSON(r, &req, maxCallbackBodySize); err != nil {
		writeBadRequest(ctx, w, "request body must be a valid callback")
		return
	}
	if strings.TrimSpace(string(req.Type)) == "" {
		writeBadRequest(ctx, w, "callback type is required")
		return
	}
	cmd := services.CallbackCommand{
		SessionRef: ref,
		Type:       services.CallbackType(strings.TrimSpace(string(req.Type))),
		ActionID:   strings.TrimSpace(req.ActionID),
		ProbeID:    strings.TrimSpace(req.ProbeID),
		Ready:      req.Ready,
		Method:     req.Method,
		Methods:    req.Methods,
		DeviceData: req.DeviceData,
	}
	if req.Error != nil {
		cmd.Error = &services.CallbackError{Kind: req.Error.Kind, Code: req.Error.Code, Message: req.Error.Message}
	}
	view, err := h.svc.Callback(ctx, cmd)
	h.respond(w, r, view, err)
}

type cancelRequest struct {
	Reason dropin.CancelReason `json:"reason,omitempty"`
}

func (h *DropInHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ref, ok := h.sessionRef(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if err := httpx.DecodeJSON(r, &req, maxSessionBodySize); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(ctx, w, "request body must be a valid cancel request")
		return
	}
	switch req.Reason {
	case "", dropin.CancelBackNavigation, dropin.CancelOutsideTap:
	default:
		writeBadRequest(ctx, w, "reason must be back or outside_tap")
		return
	}
	view, err := h.svc.Cancel(ctx, services.CancelCommand{SessionRef: ref, Reason: req.Reason})
	h.respond(w, r, view, err)
}

func (h *DropInHandlers) respond(w http.ResponseWriter, r *http.Request, payload any, err error) {
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, payload)
}

func (h *DropInHandlers) authorization(w http.ResponseWriter, r *http.Request) (domain.AuthorizationContext, bool) {
	authz, ok := auth.AuthorizationFromContext(r.Context())
	if !ok {
		httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return domain.AuthorizationContext{}, false
	}
	return authz, true
}

func (h *DropInHandlers) sessionRef(w http.ResponseWriter, r *http.Request) (services.SessionRef, bool) {
	authz, ok := h.authorization(w, r)
	if !ok {
		return services.SessionRef{}, false
	}
	sessionID := strings.TrimSpace(chi.URLParam(r, sessionIDParam))
	if sessionID == "" {
		writeBadRequest(r.Context(), w, "session id is required")
		return services.SessionRef{}, false
	}
	return services.SessionRef{SessionID: sessionID, Authorization: authz}, true
}
