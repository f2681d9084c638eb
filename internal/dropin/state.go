package dropin

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hanko-field/dropin/internal/domain"
)

// Phase is the orchestrator state.
type Phase string

const (
	PhaseInitializing         Phase = "initializing"
	PhaseSelecting            Phase = "selecting"
	PhaseAwaitingTokenization Phase = "awaiting_tokenization"
	PhaseAwaitingStepUp       Phase = "awaiting_step_up"
	PhaseAwaitingVaultRefresh Phase = "awaiting_vault_refresh"
	PhaseFinalizing           Phase = "finalizing"
	PhaseTerminal             Phase = "terminal"
)

// PendingSelection records the in-flight tokenisation cycle.
type PendingSelection struct {
	Kind            domain.PaymentMethodKind `json:"kind"`
	Amount          string                   `json:"amount,omitempty"`
	VaultPreference domain.VaultPreference   `json:"vaultPreference,omitempty"`
	Vaulted         bool                     `json:"vaulted,omitempty"`
}

// PendingFetch records the in-flight vaulted methods fetch.
type PendingFetch struct {
	ID     string `json:"id"`
	Forced bool   `json:"forced"`
}

// StagedVault holds a fetched vaulted set until the wallet readiness re-probe it triggered resolves.
type StagedVault struct {
	Methods []domain.PaymentMethodDescriptor `json:"methods"`
}

// State is the serialisable session state. It is restored verbatim when a screen is recreated.
type State struct {
	SessionID        string                           `json:"sessionId"`
	Phase            Phase                            `json:"phase"`
	Request          domain.DropInRequest             `json:"request"`
	Authorization    domain.AuthorizationContext      `json:"authorization"`
	Configuration    *domain.ConfigurationSnapshot    `json:"configuration,omitempty"`
	SupportedMethods []domain.PaymentMethodKind       `json:"supportedMethods"`
	PreferredKind    domain.PaymentMethodKind         `json:"preferredKind,omitempty"`
	WalletReady      bool                             `json:"walletReady"`
	WalletProbeID    string                           `json:"walletProbeId,omitempty"`
	Vaulted          []domain.PaymentMethodDescriptor `json:"vaulted,omitempty"`
	VaultLoaded      bool                             `json:"vaultLoaded"`
	VaultFetch       *PendingFetch                    `json:"vaultFetch,omitempty"`
	StagedVault      *StagedVault                     `json:"stagedVault,omitempty"`
	VaultManagerOpen bool                             `json:"vaultManagerOpen,omitempty"`
	Selection        *PendingSelection                `json:"selection,omitempty"`
	ActionID         string                           `json:"actionId,omitempty"`
	PendingAction    *domain.ClientAction             `json:"pendingAction,omitempty"`
	StepUp           domain.StepUpContext             `json:"stepUp"`
	Candidate        *domain.PaymentMethodDescriptor  `json:"candidate,omitempty"`
	DeviceData       string                           `json:"deviceData,omitempty"`
	Result           *domain.SessionResult            `json:"result,omitempty"`
	Version          int64                            `json:"version"`
	CreatedAt        time.Time                        `json:"createdAt"`
	UpdatedAt        time.Time                        `json:"updatedAt"`
}

// NewState builds the initial state of a session.
func NewState(sessionID string, req domain.DropInRequest, auth domain.AuthorizationContext, now time.Time) State {
	return State{
		SessionID:        sessionID,
		Phase:            PhaseInitializing,
		Request:          req,
		Authorization:    auth,
		SupportedMethods: []domain.PaymentMethodKind{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Terminal reports whether the session has emitted its result.
func (s State) Terminal() bool { return s.Phase == PhaseTerminal }

// Clone returns a deep copy so callers outside the control loop never share slices with it.
func (s State) Clone() State {
	out := s
	if s.Configuration != nil {
		cfg := *s.Configuration
		cfg.Card.SupportedNetworks = append([]domain.CardNetwork(nil), s.Configuration.Card.SupportedNetworks...)
		out.Configuration = &cfg
	}
	out.SupportedMethods = append([]domain.PaymentMethodKind{}, s.SupportedMethods...)
	if s.Vaulted != nil {
		out.Vaulted = append([]domain.PaymentMethodDescriptor(nil), s.Vaulted...)
	}
	if s.VaultFetch != nil {
		fetch := *s.VaultFetch
		out.VaultFetch = &fetch
	}
	if s.StagedVault != nil {
		out.StagedVault = &StagedVault{Methods: append([]domain.PaymentMethodDescriptor(nil), s.StagedVault.Methods...)}
	}
	if s.Selection != nil {
		sel := *s.Selection
		out.Selection = &sel
	}
	if s.PendingAction != nil {
		action := *s.PendingAction
		if s.PendingAction.Params != nil {
			action.Params = make(map[string]string, len(s.PendingAction.Params))
			for k, v := range s.PendingAction.Params {
				action.Params[k] = v
			}
		}
		out.PendingAction = &action
	}
	if s.Candidate != nil {
		candidate := *s.Candidate
		out.Candidate = &candidate
	}
	if s.Result != nil {
		result := *s.Result
		out.Result = &result
	}
	return out
}

// MarshalState encodes state for persistence.
func MarshalState(s State) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("dropin: encode state: %w", err)
	}
	return data, nil
}

// UnmarshalState decodes persisted state.
func UnmarshalState(data []byte) (State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("dropin: decode state: %w", err)
	}
	if s.SessionID == "" || s.Phase == "" {
		return State{}, fmt.Errorf("dropin: decode state: incomplete state")
	}
	if s.SupportedMethods == nil {
		s.SupportedMethods = []domain.PaymentMethodKind{}
	}
	return s, nil
}
