package domain

import (
	"strings"
	"time"
)

// PaymentMethodKind enumerates the payment rails a Drop-In session can present.
type PaymentMethodKind string

const (
	// KindCard identifies a tokenised card.
	KindCard PaymentMethodKind = "card"
	// KindPayPal identifies a PayPal account or one-time payment.
	KindPayPal PaymentMethodKind = "paypal"
	// KindVenmo identifies a Venmo account.
	KindVenmo PaymentMethodKind = "venmo"
	// KindGooglePay identifies a Google Pay wallet card.
	KindGooglePay PaymentMethodKind = "google_pay"
	// KindUnknown is the selection kind used to open the card entry flow.
	KindUnknown PaymentMethodKind = "unknown"
)

// ParsePaymentMethodKind normalises client supplied kind names.
func ParsePaymentMethodKind(raw string) (PaymentMethodKind, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "card", "credit_card":
		return KindCard, true
	case "paypal":
		return KindPayPal, true
	case "venmo", "pay_with_venmo":
		return KindVenmo, true
	case "google_pay", "googlepay", "google_payment":
		return KindGooglePay, true
	case "unknown":
		return KindUnknown, true
	default:
		return "", false
	}
}

// CardNetwork names a card brand supported by the gateway.
type CardNetwork string

const (
	CardNetworkVisa       CardNetwork = "visa"
	CardNetworkMastercard CardNetwork = "mastercard"
	CardNetworkAmex       CardNetwork = "american_express"
	CardNetworkDiscover   CardNetwork = "discover"
	CardNetworkJCB        CardNetwork = "jcb"
	CardNetworkDiners     CardNetwork = "diners_club"
	CardNetworkMaestro    CardNetwork = "maestro"
	CardNetworkUnionPay   CardNetwork = "union_pay"
)

// DisplayMetadata carries presentation-only fields for a payment method.
type DisplayMetadata struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Network     string `json:"network,omitempty"`
	LastFour    string `json:"lastFour,omitempty"`
	Email       string `json:"email,omitempty"`
	Username    string `json:"username,omitempty"`
}

// PaymentMethodDescriptor describes a tokenised payment method. Values are never mutated after
// creation; a new descriptor replaces an old one.
type PaymentMethodDescriptor struct {
	Kind               PaymentMethodKind `json:"kind"`
	Nonce              string            `json:"nonce"`
	IsVaultEligible    bool              `json:"isVaultEligible,omitempty"`
	IsNetworkTokenized bool              `json:"isNetworkTokenized,omitempty"`
	IsDefault          bool              `json:"isDefault,omitempty"`
	Display            DisplayMetadata   `json:"display"`
}

// VaultPreference expresses whether a newly tokenised method should be vaulted.
type VaultPreference string

const (
	VaultPreferenceDefault VaultPreference = ""
	VaultPreferenceVault   VaultPreference = "vault"
	VaultPreferenceSkip    VaultPreference = "skip"
)

// SelectionRequest is a user-initiated intent to pay with a rail. It is consumed immediately.
type SelectionRequest struct {
	Kind            PaymentMethodKind
	Amount          string
	VaultPreference VaultPreference
}

// ThreeDSecureRequest configures merchant-requested step-up verification.
type ThreeDSecureRequest struct {
	Amount             string `json:"amount,omitempty"`
	ChallengeRequested bool   `json:"challengeRequested,omitempty"`
}

// PayPalRequest configures the PayPal rail.
type PayPalRequest struct {
	Amount                      string `json:"amount,omitempty"`
	Currency                    string `json:"currency,omitempty"`
	BillingAgreementDescription string `json:"billingAgreementDescription,omitempty"`
	DisplayName                 string `json:"displayName,omitempty"`
}

// GooglePayRequest carries the merchant's wallet transaction parameters.
type GooglePayRequest struct {
	TotalPrice  string `json:"totalPrice,omitempty"`
	Currency    string `json:"currency,omitempty"`
	Environment string `json:"environment,omitempty"`
	MerchantID  string `json:"merchantId,omitempty"`
}

// DropInRequest captures the merchant's options for a session.
type DropInRequest struct {
	Amount              string               `json:"amount,omitempty"`
	Currency            string               `json:"currency,omitempty"`
	CollectDeviceData   bool                 `json:"collectDeviceData,omitempty"`
	RequestThreeDSecure bool                 `json:"requestThreeDSecure,omitempty"`
	ThreeDSecure        *ThreeDSecureRequest `json:"threeDSecure,omitempty"`
	PayPal              *PayPalRequest       `json:"payPal,omitempty"`
	GooglePay           *GooglePayRequest    `json:"googlePay,omitempty"`
	DisablePayPal       bool                 `json:"disablePayPal,omitempty"`
	DisableVenmo        bool                 `json:"disableVenmo,omitempty"`
	DisableCard         bool                 `json:"disableCard,omitempty"`
	DisableGooglePay    bool                 `json:"disableGooglePay,omitempty"`
	VaultVenmo          bool                 `json:"vaultVenmo,omitempty"`
	VaultCardDefault    bool                 `json:"vaultCardDefault,omitempty"`
	VaultManagerEnabled bool                 `json:"vaultManagerEnabled,omitempty"`
}

// PayPalEnabled reports whether the merchant left the PayPal rail on.
func (r DropInRequest) PayPalEnabled() bool { return !r.DisablePayPal }

// VenmoEnabled reports whether the merchant left the Venmo rail on.
func (r DropInRequest) VenmoEnabled() bool { return !r.DisableVenmo }

// CardEnabled reports whether the merchant left the card rail on.
func (r DropInRequest) CardEnabled() bool { return !r.DisableCard }

// GooglePayEnabled reports whether the merchant enabled Google Pay and supplied a wallet request.
func (r DropInRequest) GooglePayEnabled() bool { return !r.DisableGooglePay && r.GooglePay != nil }

// CardConfiguration describes the gateway's card settings.
type CardConfiguration struct {
	SupportedNetworks []CardNetwork `json:"supportedNetworks,omitempty"`
}

// GooglePayConfiguration describes the gateway's wallet settings.
type GooglePayConfiguration struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Environment string `json:"environment,omitempty"`
	MerchantID  string `json:"merchantId,omitempty"`
}

// ConfigurationSnapshot holds the merchant/gateway feature flags fetched once per session.
type ConfigurationSnapshot struct {
	MerchantID          string                 `json:"merchantId"`
	Environment         string                 `json:"environment,omitempty"`
	Card                CardConfiguration      `json:"card"`
	UnionPayEnabled     bool                   `json:"unionPayEnabled,omitempty"`
	PayPalEnabled       bool                   `json:"payPalEnabled,omitempty"`
	VenmoEnabled        bool                   `json:"venmoEnabled,omitempty"`
	GooglePay           GooglePayConfiguration `json:"googlePay"`
	ThreeDSecureEnabled bool                   `json:"threeDSecureEnabled,omitempty"`
	FetchedAt           time.Time              `json:"fetchedAt"`
}

// AuthorizationKind distinguishes the credential used to open a session.
type AuthorizationKind string

const (
	// AuthorizationSessionToken is a time-limited token that cannot list vaulted methods.
	AuthorizationSessionToken AuthorizationKind = "session_token"
	// AuthorizationClientToken is a customer-bound credential that can list vaulted methods.
	AuthorizationClientToken AuthorizationKind = "client_token"
)

// AuthorizationContext is the resolved credential for a session.
type AuthorizationContext struct {
	Kind       AuthorizationKind `json:"kind"`
	MerchantID string            `json:"merchantId"`
	CustomerID string            `json:"customerId,omitempty"`
	ExpiresAt  time.Time         `json:"expiresAt,omitempty"`
}

// CanListVaultedMethods reports whether the credential permits vaulted method lookup.
func (a AuthorizationContext) CanListVaultedMethods() bool {
	return a.Kind == AuthorizationClientToken && strings.TrimSpace(a.CustomerID) != ""
}

// StepUpContext tracks step-up authentication within the current result cycle.
type StepUpContext struct {
	InProgress      bool   `json:"inProgress"`
	TargetNonce     string `json:"targetNonce,omitempty"`
	RequestedAmount string `json:"requestedAmount,omitempty"`
}

// ActionType names the client-side action a host must perform for an in-flight flow.
type ActionType string

const (
	ActionPayPalOneTimePayment    ActionType = "paypal.one_time_payment"
	ActionPayPalBillingAgreement  ActionType = "paypal.billing_agreement"
	ActionVenmoAuthorizeAccount   ActionType = "venmo.authorize_account"
	ActionGooglePayRequestPayment ActionType = "google_pay.request_payment"
	ActionGooglePayIsReadyToPay   ActionType = "google_pay.is_ready_to_pay"
	ActionCardEntry               ActionType = "card.entry"
	ActionVaultManager            ActionType = "vault.manager"
	ActionThreeDSecureChallenge   ActionType = "three_d_secure.challenge"
)

// ClientAction instructs the host to continue a flow out of band.
type ClientAction struct {
	ID     string            `json:"id"`
	Type   ActionType        `json:"type"`
	URL    string            `json:"url,omitempty"`
	Params map[string]string `json:"params,omitempty"`
}
