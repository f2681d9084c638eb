package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hanko-field/dropin/internal/domain"
	"github.com/hanko-field/dropin/internal/dropin"
	"github.com/hanko-field/dropin/internal/platform/auth"
	"github.com/hanko-field/dropin/internal/repositories"
)

var (
	// ErrSessionNotFound indicates the session does not exist or belongs to another merchant.
	ErrSessionNotFound = errors.New("dropin service: session not found")
	// ErrInvalidInput indicates a malformed command.
	ErrInvalidInput = errors.New("dropin service: invalid input")
	// ErrRateLimited indicates the caller exceeded its request budget.
	ErrRateLimited = errors.New("dropin service: rate limited")
	// ErrStaleCallback indicates a callback for a client action that is no longer pending.
	ErrStaleCallback = errors.New("dropin service: stale callback")
	// ErrServiceClosed indicates Shutdown has been called.
	ErrServiceClosed = errors.New("dropin service: closed")
	// ErrStepUpUnverified indicates a reported step-up success the PSP does not confirm.
	ErrStepUpUnverified = errors.New("dropin service: step-up not verified")
)

// StaleCallbackError names the action a rejected callback referenced and the one actually pending.
type StaleCallbackError struct {
	ActionID string
	Current  string
}

func (e *StaleCallbackError) Error() string {
	return fmt.Sprintf("%s: action %q is not pending", ErrStaleCallback, e.ActionID)
}

func (e *StaleCallbackError) Unwrap() error { return ErrStaleCallback }

// DropInService drives Drop-In sessions on behalf of the HTTP surface and the PSP webhook.
type DropInService interface {
	CreateSession(ctx context.Context, cmd CreateSessionCommand) (SessionView, error)
	RestoreSession(ctx context.Context, cmd RestoreSessionCommand) (SessionView, error)
	GetSession(ctx context.Context, ref SessionRef) (SessionView, error)
	VaultedMethods(ctx context.Context, query VaultedMethodsQuery) (VaultedMethodsView, error)
	SelectMethod(ctx context.Context, cmd SelectMethodCommand) (SessionView, error)
	SelectVaultedMethod(ctx context.Context, cmd SelectVaultedMethodCommand) (SessionView, error)
	OpenVaultManager(ctx context.Context, ref SessionRef) (SessionView, error)
	Callback(ctx context.Context, cmd CallbackCommand) (SessionView, error)
	Cancel(ctx context.Context, cmd CancelCommand) (SessionView, error)
	CompleteStepUp(ctx context.Context, notification StepUpCompletion) error
	Sweep(ctx context.Context) (SweepReport, error)
	LiveSessions() int
	Shutdown(ctx context.Context) error
}

// SystemService serves health reports.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// ResultPublisher forwards terminal session results to the merchant backend.
type ResultPublisher interface {
	PublishResult(ctx context.Context, message SessionResultMessage) (string, error)
}

// StepUpVerifier reads the outcome the PSP recorded for a step-up challenge. Unfinished challenges
// are reported as errors.
type StepUpVerifier interface {
	VerifyStepUp(ctx context.Context, action domain.ClientAction) (dropin.Event, error)
}

// RestoreSealer seals and opens restore tokens.
type RestoreSealer interface {
	Seal(claims auth.RestoreClaims) (string, error)
	Open(token string) (auth.RestoreClaims, error)
}

// SessionResultMessage is the payload published once a session reaches its result.
type SessionResultMessage struct {
	SessionID   string               `json:"sessionId"`
	MerchantID  string               `json:"merchantId"`
	CustomerID  string               `json:"customerId,omitempty"`
	Result      domain.SessionResult `json:"result"`
	CompletedAt time.Time            `json:"completedAt"`
}

// SessionRef addresses a session on behalf of an authorised merchant.
type SessionRef struct {
	SessionID     string
	Authorization domain.AuthorizationContext
}

// CreateSessionCommand opens a new session.
type CreateSessionCommand struct {
	Authorization domain.AuthorizationContext
	Request       domain.DropInRequest
}

// RestoreSessionCommand rebuilds a session from a restore token after the screen was recreated.
type RestoreSessionCommand struct {
	Authorization domain.AuthorizationContext
	Token         string
}

// VaultedMethodsQuery reads the vaulted methods, optionally forcing a refetch.
type VaultedMethodsQuery struct {
	SessionRef
	Refresh bool
}

// SelectMethodCommand is a tap on a payment rail.
type SelectMethodCommand struct {
	SessionRef
	Kind            domain.PaymentMethodKind
	Amount          string
	VaultPreference domain.VaultPreference
}

// SelectVaultedMethodCommand is a tap on a vaulted method.
type SelectVaultedMethodCommand struct {
	SessionRef
	Nonce string
}

// CancelCommand ends the session on back navigation or an outside tap.
type CancelCommand struct {
	SessionRef
	Reason dropin.CancelReason
}

// CallbackType names the out-of-band completion reported by the host.
type CallbackType string

const (
	CallbackNonceCreated       CallbackType = "nonce_created"
	CallbackFlowCancelled      CallbackType = "flow_cancelled"
	CallbackFlowFailed         CallbackType = "flow_failed"
	CallbackStepUpSucceeded    CallbackType = "step_up_succeeded"
	CallbackStepUpFailed       CallbackType = "step_up_failed"
	CallbackStepUpCancelled    CallbackType = "step_up_cancelled"
	CallbackCardEntrySucceeded CallbackType = "card_entry_succeeded"
	CallbackCardEntryCancelled CallbackType = "card_entry_cancelled"
	CallbackCardEntryFailed    CallbackType = "card_entry_failed"
	CallbackVaultManagerClosed CallbackType = "vault_manager_closed"
	CallbackWalletReadiness    CallbackType = "wallet_readiness"
)

// CallbackError is the host's description of a failed flow.
type CallbackError struct {
	Kind    domain.ErrorKind
	Code    string
	Message string
}

// CallbackCommand reports the completion of a client action.
type CallbackCommand struct {
	SessionRef
	Type       CallbackType
	ActionID   string
	ProbeID    string
	Ready      bool
	Method     *domain.PaymentMethodDescriptor
	Methods    []domain.PaymentMethodDescriptor
	DeviceData string
	Error      *CallbackError
}

// StepUpCompletion is a verified step-up result delivered by the PSP.
type StepUpCompletion struct {
	EventID   string
	SessionID string
	ActionID  string
	Event     dropin.Event
}

// SessionView is the externally visible state of a session.
type SessionView struct {
	SessionID        string                           `json:"sessionId"`
	Phase            dropin.Phase                     `json:"phase"`
	SupportedMethods []domain.PaymentMethodKind       `json:"supportedMethods"`
	PreferredKind    domain.PaymentMethodKind         `json:"preferredKind,omitempty"`
	WalletReady      bool                             `json:"walletReady"`
	WalletProbeID    string                           `json:"walletProbeId,omitempty"`
	VaultedMethods   []domain.PaymentMethodDescriptor `json:"vaultedMethods"`
	VaultLoaded      bool                             `json:"vaultLoaded"`
	VaultRefreshing  bool                             `json:"vaultRefreshing"`
	VaultManagerOpen bool                             `json:"vaultManagerOpen"`
	PendingAction    *domain.ClientAction             `json:"pendingAction,omitempty"`
	StepUpInProgress bool                             `json:"stepUpInProgress"`
	Result           *domain.SessionResult            `json:"result,omitempty"`
	RestoreToken     string                           `json:"restoreToken,omitempty"`
	Version          int64                            `json:"version"`
	UpdatedAt        time.Time                        `json:"updatedAt"`
}

// VaultedMethodsView lists the vaulted methods available in the session.
type VaultedMethodsView struct {
	Methods    []domain.PaymentMethodDescriptor `json:"methods"`
	Loaded     bool                             `json:"loaded"`
	Refreshing bool                             `json:"refreshing"`
}

// SweepReport summarises one sweep pass.
type SweepReport struct {
	Evicted int `json:"evicted"`
	Deleted int `json:"deleted"`
}

// SystemHealthReport is the readiness payload enriched with build metadata.
type SystemHealthReport struct {
	repositories.HealthReport
	Version     string        `json:"version,omitempty"`
	CommitSHA   string        `json:"commitSha,omitempty"`
	Environment string        `json:"environment,omitempty"`
	Uptime      time.Duration `json:"uptimeNs"`
	Sessions    int           `json:"liveSessions"`
}
