package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/hanko-field/dropin/internal/domain"
	"github.com/hanko-field/dropin/internal/dropin"
)

var (
	// ErrWebhookSignature indicates the payload signature could not be verified.
	ErrWebhookSignature = errors.New("payments: invalid webhook signature")
	// ErrWebhookPayload indicates a verified payload that could not be decoded.
	ErrWebhookPayload = errors.New("payments: invalid webhook payload")
)

const (
	eventSetupIntentSucceeded = "setup_intent.succeeded"
	eventSetupIntentFailed    = "setup_intent.setup_failed"
	eventSetupIntentCanceled  = "setup_intent.canceled"
)

// StepUpResult is the outcome reported by a setup intent webhook.
type StepUpResult string

const (
	StepUpResultSucceeded StepUpResult = "succeeded"
	StepUpResultFailed    StepUpResult = "failed"
	StepUpResultCancelled StepUpResult = "cancelled"
)

// StepUpNotification is a verified step-up completion addressed to a session.
type StepUpNotification struct {
	EventID       string
	SetupIntentID string
	SessionID     string
	ActionID      string
	Result        StepUpResult
	Method        domain.PaymentMethodDescriptor
	Err           error
}

// Event converts the notification into the session event it completes.
func (n StepUpNotification) Event() dropin.Event {
	switch n.Result {
	case StepUpResultSucceeded:
		return dropin.StepUpSucceeded{ActionID: n.ActionID, Method: n.Method}
	case StepUpResultCancelled:
		return dropin.StepUpCancelled{ActionID: n.ActionID}
	default:
		return dropin.StepUpFailed{ActionID: n.ActionID, Err: n.Err}
	}
}

// WebhookVerifier authenticates Stripe webhook deliveries.
type WebhookVerifier struct {
	secret    string
	tolerance time.Duration
}

// NewWebhookVerifier constructs a verifier for the endpoint signing secret.
func NewWebhookVerifier(secret string, tolerance time.Duration) (*WebhookVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &WebhookVerifier{secret: secret, tolerance: tolerance}, nil
}

// ParseStepUp verifies payload and decodes a setup intent step-up notification. Events unrelated to
// Drop-In step-up are reported with ok false and no error.
func (v *WebhookVerifier) ParseStepUp(payload []byte, signature string) (StepUpNotification, bool, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return StepUpNotification{}, false, fmt.Errorf("%w: %v", ErrWebhookSignature, err)
	}

	var result StepUpResult
	switch string(event.Type) {
	case eventSetupIntentSucceeded:
		result = StepUpResultSucceeded
	case eventSetupIntentFailed:
		result = StepUpResultFailed
	case eventSetupIntentCanceled:
		result = StepUpResultCancelled
	default:
		return StepUpNotification{}, false, nil
	}
	if event.Data == nil {
		return StepUpNotification{}, false, ErrWebhookPayload
	}

	var intent stripe.SetupIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return StepUpNotification{}, false, fmt.Errorf("%w: %v", ErrWebhookPayload, err)
	}
	sessionID := strings.TrimSpace(intent.Metadata[MetadataSessionID])
	if sessionID == "" {
		return StepUpNotification{}, false, nil
	}

	notification := StepUpNotification{
		EventID:       event.ID,
		SetupIntentID: intent.ID,
		SessionID:     sessionID,
		ActionID:      strings.TrimSpace(intent.Metadata[MetadataActionID]),
		Result:        result,
	}
	switch result {
	case StepUpResultSucceeded:
		notification.Method = upgradedDescriptor(&intent)
	case StepUpResultFailed:
		notification.Err = setupIntentError("stripe.webhook.setup_intent", &intent)
	}
	return notification, true, nil
}

// upgradedDescriptor describes the authenticated method. An unexpanded payment method yields a
// descriptor carrying only the nonce; the session keeps the candidate's kind and display.
func upgradedDescriptor(intent *stripe.SetupIntent) domain.PaymentMethodDescriptor {
	if intent.PaymentMethod != nil {
		if descriptor, ok := DescriptorFromPaymentMethod(intent.PaymentMethod); ok {
			return descriptor
		}
		if intent.PaymentMethod.ID != "" {
			return domain.PaymentMethodDescriptor{Nonce: intent.PaymentMethod.ID}
		}
	}
	return domain.PaymentMethodDescriptor{Nonce: strings.TrimSpace(intent.Metadata[MetadataNonce])}
}
