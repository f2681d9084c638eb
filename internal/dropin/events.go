package dropin

import (
	"github.com/hanko-field/dropin/internal/domain"
)

// Event is an input to the session control loop: either a user command or the completion of an
// asynchronous flow.
type Event interface {
	EventName() string
}

// command marks events that originate from a user action. Commands report errors to the caller;
// callbacks that no longer apply are dropped.
type command interface {
	Event
	isCommand()
}

// CancelReason records how the user dismissed the sheet.
type CancelReason string

const (
	CancelBackNavigation CancelReason = "back"
	CancelOutsideTap     CancelReason = "outside_tap"
)

type (
	// ConfigurationLoaded carries the fetched configuration and the stored last-used kind.
	ConfigurationLoaded struct {
		Snapshot domain.ConfigurationSnapshot
		LastUsed domain.PaymentMethodKind
	}
	// ConfigurationFailed reports a configuration fetch failure.
	ConfigurationFailed struct{ Err error }
	// DeviceDataCollected carries the session fingerprint.
	DeviceDataCollected struct{ Data string }
	// DeviceDataFailed reports a fingerprint failure. It never ends the session.
	DeviceDataFailed struct{ Err error }
	// WalletReadinessResolved answers a wallet probe. The host answers probes it was shown; an
	// unanswered probe resolves as not ready when its timeout fires.
	WalletReadinessResolved struct {
		ProbeID string
		Ready   bool
	}

	// MethodSelected is a user tap on a rail.
	MethodSelected struct{ Request domain.SelectionRequest }
	// VaultedMethodSelected is a user tap on a vaulted method.
	VaultedMethodSelected struct{ Nonce string }
	// VaultManagerRequested opens the vault manager.
	VaultManagerRequested struct{}
	// VaultRefreshRequested asks for a cached read or forced refetch of vaulted methods.
	VaultRefreshRequested struct{ Force bool }
	// UserCancelled is back navigation or an outside tap.
	UserCancelled struct{ Reason CancelReason }

	// FlowLaunched reports that a client action is ready for the host.
	FlowLaunched struct {
		ActionID string
		Action   domain.ClientAction
	}
	// FlowLaunchFailed reports that a flow could not be prepared.
	FlowLaunchFailed struct {
		ActionID string
		Err      error
	}
	// NonceCreated is a tokenisation result.
	NonceCreated struct {
		Method     domain.PaymentMethodDescriptor
		DeviceData string
	}
	// FlowCancelled reports that the user abandoned a tokenisation flow.
	FlowCancelled struct{}
	// FlowFailed reports a tokenisation error.
	FlowFailed struct{ Err error }

	// StepUpLaunched reports that the step-up challenge is ready for the host.
	StepUpLaunched struct {
		ActionID string
		Action   domain.ClientAction
	}
	// StepUpSucceeded carries the upgraded descriptor. A non-empty ActionID names the step-up
	// cycle the result belongs to; results for any other cycle are dropped.
	StepUpSucceeded struct {
		ActionID string
		Method   domain.PaymentMethodDescriptor
	}
	// StepUpFailed reports a step-up failure.
	StepUpFailed struct {
		ActionID string
		Err      error
	}
	// StepUpCancelled reports that the user abandoned the challenge.
	StepUpCancelled struct{ ActionID string }

	// CardEntrySucceeded is a card entry screen result.
	CardEntrySucceeded struct {
		Method     domain.PaymentMethodDescriptor
		DeviceData string
	}
	// CardEntryCancelled reports that the card entry screen closed without a result.
	CardEntryCancelled struct{}
	// CardEntryFailed reports a card entry error.
	CardEntryFailed struct{ Err error }

	// VaultManagerClosed carries the vaulted list reported by the vault manager.
	VaultManagerClosed struct{ Methods []domain.PaymentMethodDescriptor }
	// VaultFetchCompleted finishes a vaulted methods fetch.
	VaultFetchCompleted struct {
		FetchID string
		Methods []domain.PaymentMethodDescriptor
		Err     error
	}
)

func (ConfigurationLoaded) EventName() string     { return "configuration.loaded" }
func (ConfigurationFailed) EventName() string     { return "configuration.failed" }
func (DeviceDataCollected) EventName() string     { return "device_data.collected" }
func (DeviceDataFailed) EventName() string        { return "device_data.failed" }
func (WalletReadinessResolved) EventName() string { return "wallet.readiness" }
func (MethodSelected) EventName() string          { return "selection.method" }
func (VaultedMethodSelected) EventName() string   { return "selection.vaulted" }
func (VaultManagerRequested) EventName() string   { return "vault_manager.requested" }
func (VaultRefreshRequested) EventName() string   { return "vault.refresh_requested" }
func (UserCancelled) EventName() string           { return "user.cancelled" }
func (FlowLaunched) EventName() string            { return "flow.launched" }
func (FlowLaunchFailed) EventName() string        { return "flow.launch_failed" }
func (NonceCreated) EventName() string            { return "flow.nonce_created" }
func (FlowCancelled) EventName() string           { return "flow.cancelled" }
func (FlowFailed) EventName() string              { return "flow.failed" }
func (StepUpLaunched) EventName() string          { return "step_up.launched" }
func (StepUpSucceeded) EventName() string         { return "step_up.succeeded" }
func (StepUpFailed) EventName() string            { return "step_up.failed" }
func (StepUpCancelled) EventName() string         { return "step_up.cancelled" }
func (CardEntrySucceeded) EventName() string      { return "card_entry.succeeded" }
func (CardEntryCancelled) EventName() string      { return "card_entry.cancelled" }
func (CardEntryFailed) EventName() string         { return "card_entry.failed" }
func (VaultManagerClosed) EventName() string      { return "vault_manager.closed" }
func (VaultFetchCompleted) EventName() string     { return "vault.fetch_completed" }

func (MethodSelected) isCommand()        {}
func (VaultedMethodSelected) isCommand() {}
func (VaultManagerRequested) isCommand() {}
func (VaultRefreshRequested) isCommand() {}
func (UserCancelled) isCommand()         {}
