package domain

import "time"

// Analytics signal names emitted by a session.
const (
	SignalAppeared              = "appeared"
	SignalVaultedCardSelected   = "vaulted-card.select"
	SignalVaultManagerAppeared  = "manager.appeared"
	SignalExitSuccess           = "sdk.exit.success"
	SignalExitCanceled          = "sdk.exit.canceled"
	SignalExitDeveloperError    = "sdk.exit.developer-error"
	SignalExitConfigurationErr  = "sdk.exit.configuration-exception"
	SignalExitServerError       = "sdk.exit.server-error"
	SignalExitServerUnavailable = "sdk.exit.server-unavailable"
	SignalExitSDKError          = "sdk.exit.sdk-error"
)

// AnalyticsEvent is a best-effort signal describing session progress.
type AnalyticsEvent struct {
	SessionID  string            `json:"sessionId"`
	MerchantID string            `json:"merchantId,omitempty"`
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}

// ExitSignal maps an error classification to its analytics exit signal.
func ExitSignal(kind ErrorKind) string {
	switch kind {
	case ErrorAuthenticationFailure, ErrorAuthorizationFailure, ErrorUpgradeRequired:
		return SignalExitDeveloperError
	case ErrorConfigurationInvalid:
		return SignalExitConfigurationErr
	case ErrorServerFailure:
		return SignalExitServerError
	case ErrorServiceUnavailable:
		return SignalExitServerUnavailable
	default:
		return SignalExitSDKError
	}
}
