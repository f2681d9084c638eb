package payments

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/paymentmethod"
)

// Logger defines the logging contract for gateway operations.
type Logger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentMethodAPI interface {
	List(params *stripe.PaymentMethodListParams) *paymentmethod.Iter
}

type stripeCustomerAPI interface {
	Get(id string, params *stripe.CustomerParams) (*stripe.Customer, error)
}

type stripeSetupIntentAPI interface {
	New(params *stripe.SetupIntentParams) (*stripe.SetupIntent, error)
	Get(id string, params *stripe.SetupIntentParams) (*stripe.SetupIntent, error)
}

// StripeClients groups the narrow Stripe sub-APIs used by the Drop-In collaborators.
type StripeClients struct {
	PaymentMethods stripePaymentMethodAPI
	Customers      stripeCustomerAPI
	SetupIntents   stripeSetupIntentAPI
}

// StripeConfig configures the Stripe-backed collaborators.
type StripeConfig struct {
	APIKey    string
	AccountID string
	ReturnURL string
	Backends  *stripe.Backends
	Clients   *StripeClients
	Logger    Logger
	Clock     func() time.Time
}

type stripeBase struct {
	api     StripeClients
	account string
	logger  Logger
	clock   func() time.Time
}

func newStripeBase(cfg StripeConfig) (stripeBase, error) {
	var clients StripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		apiKey := strings.TrimSpace(cfg.APIKey)
		if apiKey == "" {
			return stripeBase{}, errors.New("stripe: api key is required")
		}
		sc := client.New(apiKey, cfg.Backends)
		clients = StripeClients{
			PaymentMethods: sc.PaymentMethods,
			Customers:      sc.Customers,
			SetupIntents:   sc.SetupIntents,
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return stripeBase{
		api:     clients,
		account: strings.TrimSpace(cfg.AccountID),
		logger:  logger,
		clock:   func() time.Time { return clock().UTC() },
	}, nil
}

func (b stripeBase) scope(ctx context.Context, params *stripe.Params) {
	params.Context = ctx
	if b.account != "" {
		params.SetStripeAccount(b.account)
	}
}
