package di

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"

	"github.com/hanko-field/dropin/internal/payments"
	"github.com/hanko-field/dropin/internal/platform/config"
)

type fakeSetupIntents struct{}

func (fakeSetupIntents) New(*stripe.SetupIntentParams) (*stripe.SetupIntent, error) {
	return &stripe.SetupIntent{ID: "seti_test", Status: stripe.SetupIntentStatusSucceeded}, nil
}

func (fakeSetupIntents) Get(id string, _ *stripe.SetupIntentParams) (*stripe.SetupIntent, error) {
	return &stripe.SetupIntent{ID: id, Status: stripe.SetupIntentStatusSucceeded}, nil
}

const merchantConfigJSON = `[{"merchantId":"merchant_1","card":{"supportedNetworks":["visa"]},"payPalEnabled":true}]`

func testConfig(t *testing.T) config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "merchants.json")
	if err := os.WriteFile(path, []byte(merchantConfigJSON), 0o600); err != nil {
		t.Fatalf("write merchant config: %v", err)
	}
	return config.Config{
		SessionStore: config.SessionStoreConfig{
			Backend:            config.SessionBackendMemory,
			TTL:                time.Hour,
			MerchantConfigFile: path,
		},
		PSP: config.PSPConfig{
			ReturnURL:           "https://merchant.test/return",
			StripeWebhookSecret: "whsec_test",
		},
		Authorization: config.AuthorizationConfig{
			SessionTokens: map[string]string{"merchant_1": "tok_live"},
		},
		Sessions: config.SessionConfig{
			Retention:          time.Minute,
			SweepInterval:      10 * time.Millisecond,
			WalletProbeTimeout: time.Second,
			RestoreTokenKey:    "restore-secret",
			RestoreTokenTTL:    time.Hour,
		},
		RateLimits: config.RateLimitConfig{
			CallbacksPerSecond:     10,
			CallbackBurst:          10,
			SessionCreatePerMinute: 10,
		},
	}
}

func TestNewContainerServesSessions(t *testing.T) {
	ctx := context.Background()
	container, err := NewContainer(ctx, testConfig(t),
		WithStripeClients(&payments.StripeClients{SetupIntents: fakeSetupIntents{}}),
	)
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}
	defer func() {
		if err := container.Close(ctx); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}()

	if container.Services.DropIn == nil || container.Services.System == nil {
		t.Fatalf("expected dropin and system services, got %+v", container.Services)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/dropin/sessions", strings.NewReader(`{"amount":"10.00","currency":"usd"}`))
	req.Header.Set("Authorization", "Bearer merchant_1:tok_live")
	rr := httptest.NewRecorder()
	container.Router.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/dropin/sessions", nil)
	rr = httptest.NewRecorder()
	container.Router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 without credential, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	container.Router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	container.Router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", strings.NewReader("{}")))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected unsigned webhook to be rejected, got %d", rr.Code)
	}

	if live := container.Services.DropIn.LiveSessions(); live != 1 {
		t.Fatalf("expected one live session, got %d", live)
	}
}

func TestContainerRunSweeperStopsWithContext(t *testing.T) {
	container, err := NewContainer(context.Background(), testConfig(t),
		WithStripeClients(&payments.StripeClients{SetupIntents: fakeSetupIntents{}}),
	)
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}
	defer container.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- container.RunSweeper(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunSweeper: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after context cancellation")
	}
}

func TestNewContainerRejectsMissingStripeCredentials(t *testing.T) {
	if _, err := NewContainer(context.Background(), testConfig(t)); err == nil {
		t.Fatal("expected error without stripe api key")
	}
}

func TestLoadMerchantConfigs(t *testing.T) {
	configs, err := loadMerchantConfigs("")
	if err != nil || configs != nil {
		t.Fatalf("expected empty seed, got %v %v", configs, err)
	}

	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte(`[{"payPalEnabled":true}]`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := loadMerchantConfigs(path); err == nil {
		t.Fatal("expected error for entry without merchant id")
	}

	yamlPath := filepath.Join(t.TempDir(), "merchants.yaml")
	seed := "- merchantId: merchant_2\n  threeDSecureEnabled: true\n  card:\n    supportedNetworks: [visa, mastercard]\n"
	if err := os.WriteFile(yamlPath, []byte(seed), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	configs, err = loadMerchantConfigs(yamlPath)
	if err != nil {
		t.Fatalf("loadMerchantConfigs: %v", err)
	}
	snapshot, ok := configs["merchant_2"]
	if !ok || !snapshot.ThreeDSecureEnabled || len(snapshot.Card.SupportedNetworks) != 2 {
		t.Fatalf("unexpected yaml seed: %+v", configs)
	}
}
