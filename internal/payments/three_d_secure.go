package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"

	"github.com/hanko-field/dropin/internal/domain"
	"github.com/hanko-field/dropin/internal/dropin"
)

// Setup intent metadata keys that tie a Stripe webhook back to its Drop-In session.
const (
	MetadataSessionID = "dropin_session_id"
	MetadataActionID  = "dropin_action_id"
	MetadataNonce     = "dropin_nonce"
	metadataAmount    = "dropin_amount"
	metadataCurrency  = "dropin_currency"
)

// ParamSetupIntent is the challenge action parameter naming the setup intent to confirm.
const ParamSetupIntent = "setup_intent"

// StripeThreeDSecure starts issuer step-up by confirming a card setup intent.
type StripeThreeDSecure struct {
	stripeBase
	returnURL string
}

// NewStripeThreeDSecure constructs the step-up flow.
func NewStripeThreeDSecure(cfg StripeConfig) (*StripeThreeDSecure, error) {
	base, err := newStripeBase(cfg)
	if err != nil {
		return nil, err
	}
	if base.api.SetupIntents == nil {
		return nil, fmt.Errorf("stripe: setup intent client is required")
	}
	returnURL := strings.TrimSpace(cfg.ReturnURL)
	if returnURL == "" {
		return nil, fmt.Errorf("stripe: return url is required for 3-D Secure")
	}
	return &StripeThreeDSecure{stripeBase: base, returnURL: returnURL}, nil
}

// StartStepUp confirms a setup intent for the nonce. When the issuer asks for a challenge the returned
// action carries the redirect; otherwise completion arrives through the setup intent webhook.
func (s *StripeThreeDSecure) StartStepUp(ctx context.Context, req dropin.ThreeDSecureRequest) (domain.ClientAction, error) {
	nonce := strings.TrimSpace(req.Nonce)
	if nonce == "" {
		return domain.ClientAction{}, ErrMissingNonce
	}

	mode := "automatic"
	if req.ChallengeRequested {
		mode = "any"
	}
	params := &stripe.SetupIntentParams{
		Confirm:            stripe.Bool(true),
		PaymentMethod:      stripe.String(nonce),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		ReturnURL:          stripe.String(s.returnURL),
		PaymentMethodOptions: &stripe.SetupIntentPaymentMethodOptionsParams{
			Card: &stripe.SetupIntentPaymentMethodOptionsCardParams{
				RequestThreeDSecure: stripe.String(mode),
			},
		},
	}
	if req.Authorization.CanListVaultedMethods() {
		params.Customer = stripe.String(strings.TrimSpace(req.Authorization.CustomerID))
	}
	s.scope(ctx, &params.Params)
	params.AddMetadata(MetadataSessionID, req.SessionID)
	params.AddMetadata(MetadataActionID, req.ActionID)
	params.AddMetadata(MetadataNonce, nonce)
	if req.Amount != "" {
		params.AddMetadata(metadataAmount, req.Amount)
	}
	if req.Currency != "" {
		params.AddMetadata(metadataCurrency, strings.ToUpper(req.Currency))
	}

	intent, err := s.api.SetupIntents.New(params)
	if err != nil {
		return domain.ClientAction{}, ClassifyStripeError("stripe.setup_intents.create", err)
	}

	s.logger(ctx, "payments.stripe.step_up.created", map[string]any{
		"setupIntentId": intent.ID,
		"status":        string(intent.Status),
		"challenge":     req.ChallengeRequested,
	})

	switch intent.Status {
	case stripe.SetupIntentStatusRequiresPaymentMethod, stripe.SetupIntentStatusCanceled:
		return domain.ClientAction{}, setupIntentError("stripe.setup_intents.create", intent)
	}

	action := domain.ClientAction{
		ID:   req.ActionID,
		Type: domain.ActionThreeDSecureChallenge,
		Params: map[string]string{
			ParamSetupIntent: intent.ID,
			"client_secret":  intent.ClientSecret,
			"status":         string(intent.Status),
		},
	}
	if intent.NextAction != nil && intent.NextAction.RedirectToURL != nil {
		action.URL = intent.NextAction.RedirectToURL.URL
	}
	return action, nil
}

// VerifyStepUp reads the setup intent behind a challenge action and reports the outcome Stripe
// recorded for it. Intents still waiting on the customer yield ErrStepUpPending.
func (s *StripeThreeDSecure) VerifyStepUp(ctx context.Context, action domain.ClientAction) (dropin.Event, error) {
	intentID := strings.TrimSpace(action.Params[ParamSetupIntent])
	if intentID == "" {
		return nil, ErrMissingSetupIntent
	}
	params := &stripe.SetupIntentParams{}
	s.scope(ctx, &params.Params)
	params.AddExpand("payment_method")

	intent, err := s.api.SetupIntents.Get(intentID, params)
	if err != nil {
		return nil, ClassifyStripeError("stripe.setup_intents.get", err)
	}
	if intent == nil {
		return nil, setupIntentError("stripe.setup_intents.get", nil)
	}
	actionID := strings.TrimSpace(intent.Metadata[MetadataActionID])
	if actionID != action.ID {
		return nil, fmt.Errorf("%w: %s was created for %q", ErrStepUpMismatch, intent.ID, actionID)
	}

	notification := StepUpNotification{
		SetupIntentID: intent.ID,
		SessionID:     strings.TrimSpace(intent.Metadata[MetadataSessionID]),
		ActionID:      actionID,
	}
	switch intent.Status {
	case stripe.SetupIntentStatusSucceeded:
		notification.Result = StepUpResultSucceeded
		notification.Method = upgradedDescriptor(intent)
	case stripe.SetupIntentStatusCanceled:
		notification.Result = StepUpResultCancelled
	case stripe.SetupIntentStatusRequiresPaymentMethod:
		notification.Result = StepUpResultFailed
		notification.Err = setupIntentError("stripe.setup_intents.get", intent)
	default:
		return nil, fmt.Errorf("%w: setup intent %s is %s", ErrStepUpPending, intent.ID, intent.Status)
	}
	s.logger(ctx, "payments.stripe.step_up.verified", map[string]any{
		"setupIntentId": intent.ID,
		"status":        string(intent.Status),
	})
	return notification.Event(), nil
}

// setupIntentError converts the intent's last setup error into a GatewayError.
func setupIntentError(op string, intent *stripe.SetupIntent) error {
	if intent == nil {
		return &GatewayError{Op: op, Message: "setup intent missing", Kind: domain.ErrorUnclassified}
	}
	detail, err := lastSetupError(intent)
	if err != nil {
		return &GatewayError{Op: op, Code: string(intent.Status), Message: "setup intent error unreadable", Kind: domain.ErrorUnclassified, Err: err}
	}
	if detail.Code == "" && detail.Message == "" {
		return &GatewayError{Op: op, Code: string(intent.Status), Message: "setup intent was not authenticated", Kind: domain.ErrorUnclassified}
	}
	code := detail.Code
	if detail.DeclineCode != "" {
		code = detail.DeclineCode
	}
	kind := domain.ErrorUnclassified
	if detail.Type == string(stripe.ErrorTypeInvalidRequest) {
		kind = domain.ErrorConfigurationInvalid
	}
	return &GatewayError{Op: op, Code: code, Message: detail.Message, Kind: kind}
}

type setupErrorDetail struct {
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
	Type        string `json:"type"`
}

// lastSetupError reads the wire form of the last setup error.
func lastSetupError(intent *stripe.SetupIntent) (setupErrorDetail, error) {
	if intent.LastSetupError == nil {
		return setupErrorDetail{}, nil
	}
	raw, err := json.Marshal(intent.LastSetupError)
	if err != nil {
		return setupErrorDetail{}, err
	}
	return decodeSetupError(raw)
}

func decodeSetupError(raw []byte) (setupErrorDetail, error) {
	var detail setupErrorDetail
	if err := json.Unmarshal(raw, &detail); err != nil {
		return setupErrorDetail{}, fmt.Errorf("decode last setup error: %w", err)
	}
	return detail, nil
}
