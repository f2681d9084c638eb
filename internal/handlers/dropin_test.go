package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/dropin/internal/domain"
	"github.com/hanko-field/dropin/internal/dropin"
	"github.com/hanko-field/dropin/internal/platform/auth"
	"github.com/hanko-field/dropin/internal/services"
)

type stubDropInService struct {
	view services.SessionView
	err  error

	created     services.CreateSessionCommand
	restored    services.RestoreSessionCommand
	ref         services.SessionRef
	query       services.VaultedMethodsQuery
	selected    services.SelectMethodCommand
	vaulted     services.SelectVaultedMethodCommand
	callback    services.CallbackCommand
	cancelled   services.CancelCommand
	completion  services.StepUpCompletion
	completeErr error
}

func (s *stubDropInService) CreateSession(_ context.Context, cmd services.CreateSessionCommand) (services.SessionView, error) {
	s.created = cmd
	return s.view, s.err
}

func (s *stubDropInService) RestoreSession(_ context.Context, cmd services.RestoreSessionCommand) (services.SessionView, error) {
	s.restored = cmd
	return s.view, s.err
}

func (s *stubDropInService) GetSession(_ context.Context, ref services.SessionRef) (services.SessionView, error) {
	s.ref = ref
	return s.view, s.err
}

func (s *stubDropInService) VaultedMethods(_ context.Context, query services.VaultedMethodsQuery) (services.VaultedMethodsView, error) {
	s.query = query
	return services.VaultedMethodsView{Methods: s.view.VaultedMethods, Loaded: s.view.VaultLoaded}, s.err
}

func (s *stubDropInService) SelectMethod(_ context.Context, cmd services.SelectMethodCommand) (services.SessionView, error) {
	s.selected = cmd
	return s.view, s.err
}

func (s *stubDropInService) SelectVaultedMethod(_ context.Context, cmd services.SelectVaultedMethodCommand) (services.SessionView, error) {
	s.vaulted = cmd
	return s.view, s.err
}

func (s *stubDropInService) OpenVaultManager(_ context.Context, ref services.SessionRef) (services.SessionView, error) {
	s.ref = ref
	return s.view, s.err
}

func (s *stubDropInService) Callback(_ context.Context, cmd services.CallbackCommand) (services.SessionView, error) {
	s.callback = cmd
	return s.view, s.err
}

func (s *stubDropInService) Cancel(_ context.Context, cmd services.CancelCommand) (services.SessionView, error) {
	s.cancelled = cmd
	return s.view, s.err
}

func (s *stubDropInService) CompleteStepUp(_ context.Context, completion services.StepUpCompletion) error {
	s.completion = completion
	return s.completeErr
}

func (s *stubDropInService) Sweep(context.Context) (services.SweepReport, error) {
	return services.SweepReport{}, nil
}

func (s *stubDropInService) LiveSessions() int { return 0 }

func (s *stubDropInService) Shutdown(context.Context) error { return nil }

var _ services.DropInService = (*stubDropInService)(nil)

var testAuthorization = domain.AuthorizationContext{
	Kind:       domain.AuthorizationSessionToken,
	MerchantID: "merchant_1",
}

func newDropInRouter(svc services.DropInService, authenticated bool) chi.Router {
	opts := []Option{WithDropInRoutes(NewDropInHandlers(svc).Routes)}
	if authenticated {
		opts = append(opts, WithDropInMiddlewares(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(auth.WithAuthorization(r.Context(), testAuthorization)))
			})
		}))
	}
	return NewRouter(opts...)
}

func serve(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse error response: %v", err)
	}
	code, _ := body["error"].(string)
	return code
}

func TestDropInHandlersCreateSession(t *testing.T) {
	svc := &stubDropInService{view: services.SessionView{SessionID: "sess_1", Phase: dropin.PhaseInitializing, Version: 1}}
	router := newDropInRouter(svc, true)

	rr := serve(router, http.MethodPost, "/api/v1/dropin/sessions", `{"amount":"10.00","currency":"usd","vaultManagerEnabled":true}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if svc.created.Authorization.MerchantID != "merchant_1" {
		t.Fatalf("expected authorization forwarded, got %+v", svc.created.Authorization)
	}
	if svc.created.Request.Amount != "10.00" || !svc.created.Request.VaultManagerEnabled {
		t.Fatalf("unexpected request %+v", svc.created.Request)
	}

	var body services.SessionView
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.SessionID != "sess_1" || body.Version != 1 {
		t.Fatalf("unexpected view %+v", body)
	}

	rr = serve(router, http.MethodPost, "/api/v1/dropin/sessions", "")
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected empty body to create a default session, got %d", rr.Code)
	}

	rr = serve(router, http.MethodPost, "/api/v1/dropin/sessions", `{"amount":"1","unknown":true}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for unknown field, got %d", rr.Code)
	}
}

func TestDropInHandlersRequireAuthorization(t *testing.T) {
	router := newDropInRouter(&stubDropInService{}, false)
	rr := serve(router, http.MethodGet, "/api/v1/dropin/sessions/sess_1", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestDropInHandlersRestoreSession(t *testing.T) {
	svc := &stubDropInService{view: services.SessionView{SessionID: "sess_1"}}
	router := newDropInRouter(svc, true)

	rr := serve(router, http.MethodPost, "/api/v1/dropin/sessions:restore", `{"restoreToken":" tok "}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if svc.restored.Token != "tok" {
		t.Fatalf("expected trimmed token, got %q", svc.restored.Token)
	}

	rr = serve(router, http.MethodPost, "/api/v1/dropin/sessions:restore", `{"restoreToken":""}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}

	svc.err = fmt.Errorf("open: %w", auth.ErrRestoreTokenExpired)
	rr = serve(router, http.MethodPost, "/api/v1/dropin/sessions:restore", `{"restoreToken":"tok"}`)
	if rr.Code != http.StatusGone {
		t.Fatalf("expected status 410, got %d", rr.Code)
	}
}

func TestDropInHandlersSessionOperations(t *testing.T) {
	svc := &stubDropInService{view: services.SessionView{SessionID: "sess_1", Phase: dropin.PhaseSelecting}}
	router := newDropInRouter(svc, true)

	rr := serve(router, http.MethodGet, "/api/v1/dropin/sessions/sess_1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get: expected status 200, got %d", rr.Code)
	}
	if svc.ref.SessionID != "sess_1" || svc.ref.Authorization.MerchantID != "merchant_1" {
		t.Fatalf("get: unexpected ref %+v", svc.ref)
	}

	rr = serve(router, http.MethodGet, "/api/v1/dropin/sessions/sess_1/vaulted-methods?refresh=true", "")
	if rr.Code != http.StatusOK || !svc.query.Refresh {
		t.Fatalf("vaulted: expected refresh query, got %d %+v", rr.Code, svc.query)
	}
	rr = serve(router, http.MethodGet, "/api/v1/dropin/sessions/sess_1/vaulted-methods?refresh=maybe", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("vaulted: expected status 400, got %d", rr.Code)
	}

	rr = serve(router, http.MethodPost, "/api/v1/dropin/sessions/sess_1/selection", `{"kind":"paypal","amount":"5.00","vaultPreference":"vault"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("selection: expected status 200, got %d", rr.Code)
	}
	if svc.selected.Kind != domain.KindPayPal || svc.selected.Amount != "5.00" || svc.selected.VaultPreference != "vault" {
		t.Fatalf("selection: unexpected command %+v", svc.selected)
	}

	rr = serve(router, http.MethodPost, "/api/v1/dropin/sessions/sess_1/vaulted-selection", `{"nonce":"pm_1"}`)
	if rr.Code != http.StatusOK || svc.vaulted.Nonce != "pm_1" {
		t.Fatalf("vaulted selection: unexpected %d %+v", rr.Code, svc.vaulted)
	}
	rr = serve(router, http.MethodPost, "/api/v1/dropin/sessions/sess_1/vaulted-selection", `{"nonce":" "}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("vaulted selection: expected status 400, got %d", rr.Code)
	}

	rr = serve(router, http.MethodPost, "/api/v1/dropin/sessions/sess_1/vault-manager", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("vault manager: expected status 200, got %d", rr.Code)
	}

	rr = serve(router, http.MethodPost, "/api/v1/dropin/sessions/sess_1/cancel", "")
	if rr.Code != http.StatusOK || svc.cancelled.Reason != "" {
		t.Fatalf("cancel: unexpected %d %+v", rr.Code, svc.cancelled)
	}
	rr = serve(router, http.MethodPost, "/api/v1/dropin/sessions/sess_1/cancel", `{"reason":"outside_tap"}`)
	if rr.Code != http.StatusOK || svc.cancelled.Reason != dropin.CancelOutsideTap {
		t.Fatalf("cancel: unexpected %d %+v", rr.Code, svc.cancelled)
	}
	rr = serve(router, http.MethodPost, "/api/v1/dropin/sessions/sess_1/cancel", `{"reason":"shake"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("cancel: expected status 400, got %d", rr.Code)
	}
}

func TestDropInHandlersCallback(t *testing.T) {
	svc := &stubDropInService{view: services.SessionView{SessionID: "sess_1"}}
	router := newDropInRouter(svc, true)

	body := `{"type":"nonce_created","actionId":"act_1","method":{"kind":"paypal","nonce":"pp_1","display":{"email":"a@b.test"}},"deviceData":"{}"}`
	rr := serve(router, http.MethodPost, "/api/v1/dropin/sessions/sess_1/callbacks", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if svc.callback.Type != services.CallbackNonceCreated || svc.callback.ActionID != "act_1" {
		t.Fatalf("unexpected callback %+v", svc.callback)
	}
	if svc.callback.Method == nil || svc.callback.Method.Nonce != "pp_1" || svc.callback.DeviceData != "{}" {
		t.Fatalf("unexpected method %+v", svc.callback.Method)
	}

	body = `{"type":"flow_failed","actionId":"act_1","error":{"kind":"server_failure","code":"down","message":"gateway"}}`
	rr = serve(router, http.MethodPost, "/api/v1/dropin/sessions/sess_1/callbacks", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if svc.callback.Error == nil || svc.callback.Error.Code != "down" || svc.callback.Error.Kind != domain.ErrorServerFailure {
		t.Fatalf("unexpected callback error %+v", svc.callback.Error)
	}

	rr = serve(router, http.MethodPost, "/api/v1/dropin/sessions/sess_1/callbacks", `{"actionId":"act_1"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for missing type, got %d", rr.Code)
	}
}

func TestDropInHandlersErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{err: services.ErrSessionNotFound, status: http.StatusNotFound, code: "session_not_found"},
		{err: fmt.Errorf("%w: amount must be decimal", services.ErrInvalidInput), status: http.StatusBadRequest, code: "invalid_request"},
		{err: services.ErrRateLimited, status: http.StatusTooManyRequests, code: "rate_limited"},
		{err: services.ErrStaleCallback, status: http.StatusConflict, code: "stale_callback"},
		{err: services.ErrStepUpUnverified, status: http.StatusConflict, code: "step_up_unverified"},
		{err: services.ErrServiceClosed, status: http.StatusServiceUnavailable, code: "service_unavailable"},
		{err: dropin.ErrSessionClosed, status: http.StatusConflict, code: "session_closed"},
		{err: dropin.ErrFlowInProgress, status: http.StatusConflict, code: "flow_in_progress"},
		{err: dropin.ErrUnsupportedMethod, status: http.StatusUnprocessableEntity, code: "unsupported_method"},
		{err: dropin.ErrVaultManagerUnavailable, status: http.StatusForbidden, code: "vault_manager_unavailable"},
		{err: context.DeadlineExceeded, status: http.StatusGatewayTimeout, code: "timeout"},
		{err: errors.New("boom"), status: http.StatusInternalServerError, code: "internal_error"},
	}

	for _, tc := range tests {
		t.Run(tc.code, func(t *testing.T) {
			router := newDropInRouter(&stubDropInService{err: tc.err}, true)
			rr := serve(router, http.MethodGet, "/api/v1/dropin/sessions/sess_1", "")
			if rr.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, rr.Code)
			}
			if code := decodeError(t, rr); code != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, code)
			}
		})
	}
}

func TestDropInHandlersStaleCallbackNamesPendingAction(t *testing.T) {
	svc := &stubDropInService{err: &services.StaleCallbackError{ActionID: "act_old", Current: "act_2"}}
	router := newDropInRouter(svc, true)

	rr := serve(router, http.MethodPost, "/api/v1/dropin/sessions/sess_1/callbacks", `{"type":"flow_cancelled","actionId":"act_old"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse error response: %v", err)
	}
	if body["error"] != "stale_callback" || body["current_action_id"] != "act_2" {
		t.Fatalf("unexpected body %v", body)
	}

	svc.err = services.ErrStaleCallback
	rr = serve(router, http.MethodPost, "/api/v1/dropin/sessions/sess_1/callbacks", `{"type":"flow_cancelled","actionId":"act_old"}`)
	body = nil
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse error response: %v", err)
	}
	if _, ok := body["current_action_id"]; ok {
		t.Fatalf("expected no action details without a typed error, got %v", body)
	}
}
