package dropin

import (
	"context"

	"github.com/hanko-field/dropin/internal/domain"
)

// ConfigurationFetcher resolves the merchant/gateway configuration for an authorization.
type ConfigurationFetcher interface {
	FetchConfiguration(ctx context.Context, auth domain.AuthorizationContext) (domain.ConfigurationSnapshot, error)
}

// DeviceDataCollector returns an opaque device fingerprint. Failures are non-fatal.
type DeviceDataCollector interface {
	CollectDeviceData(ctx context.Context, sessionID string, cfg domain.ConfigurationSnapshot) (string, error)
}

// VaultLister lists the customer's vaulted payment methods in vault order.
type VaultLister interface {
	ListVaultedMethods(ctx context.Context, auth domain.AuthorizationContext) ([]domain.PaymentMethodDescriptor, error)
}

// FlowRequest describes a client-side flow the host must run to tokenise a method.
type FlowRequest struct {
	SessionID string
	ActionID  string
	Type      domain.ActionType
	Params    map[string]string
}

// FlowLauncher prepares the client action for a tokenisation, card entry or vault manager flow.
type FlowLauncher interface {
	Launch(ctx context.Context, req FlowRequest) (domain.ClientAction, error)
}

// ThreeDSecureRequest is handed to the step-up flow. An empty Amount leaves the amount to the gateway.
type ThreeDSecureRequest struct {
	SessionID          string
	ActionID           string
	Nonce              string
	Amount             string
	Currency           string
	ChallengeRequested bool
	Authorization      domain.AuthorizationContext
}

// ThreeDSecureFlow starts issuer step-up authentication. Its completion arrives later as a
// StepUpSucceeded, StepUpFailed or StepUpCancelled event.
type ThreeDSecureFlow interface {
	StartStepUp(ctx context.Context, req ThreeDSecureRequest) (domain.ClientAction, error)
}

// LastUsedStore persists the most recent successful kind for future session defaults.
type LastUsedStore interface {
	LoadLastUsed(ctx context.Context, auth domain.AuthorizationContext) (domain.PaymentMethodKind, error)
	SaveLastUsed(ctx context.Context, auth domain.AuthorizationContext, kind domain.PaymentMethodKind) error
}

// AnalyticsSink receives best-effort analytics signals. Implementations must not block.
type AnalyticsSink interface {
	Emit(ctx context.Context, event domain.AnalyticsEvent)
}

// ResultSink receives the terminal result of a session. It is invoked exactly once per session.
type ResultSink interface {
	Deliver(ctx context.Context, sessionID string, result domain.SessionResult)
}

// Executor runs an effect off the control loop and feeds the returned event, if any, back into it.
type Executor interface {
	Go(name string, fn func(ctx context.Context) Event)
}
