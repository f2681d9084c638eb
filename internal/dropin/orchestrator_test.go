package dropin

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanko-field/dropin/internal/domain"
)

func googlePayRequest() domain.DropInRequest {
	return domain.DropInRequest{
		Currency:            "USD",
		RequestThreeDSecure: true,
		GooglePay:           &domain.GooglePayRequest{TotalPrice: "10.00", Currency: "USD"},
	}
}

func TestOrchestratorPayPalOneTimePaymentSucceeds(t *testing.T) {
	h := newHarness(t, withRequest(googlePayRequest()))
	h.start()

	require.Equal(t, PhaseSelecting, h.orch.state.Phase)
	assert.Equal(t, []domain.PaymentMethodKind{domain.KindPayPal, domain.KindCard}, h.orch.state.SupportedMethods)

	h.answerWalletProbe(true)
	assert.Equal(t, []domain.PaymentMethodKind{domain.KindPayPal, domain.KindCard, domain.KindGooglePay}, h.orch.state.SupportedMethods)

	require.NoError(t, h.handle(MethodSelected{Request: domain.SelectionRequest{Kind: domain.KindPayPal, Amount: "10.00"}}))
	require.Equal(t, PhaseAwaitingTokenization, h.orch.state.Phase)
	h.drain()

	flow := h.launcher.last()
	assert.Equal(t, domain.ActionPayPalOneTimePayment, flow.Type)
	assert.Equal(t, "10.00", flow.Params[ParamAmount])
	require.NotNil(t, h.orch.state.PendingAction)
	assert.Equal(t, domain.ActionPayPalOneTimePayment, h.orch.state.PendingAction.Type)

	require.NoError(t, h.handle(NonceCreated{Method: domain.PaymentMethodDescriptor{Kind: domain.KindPayPal, Nonce: "paypal-nonce"}}))
	require.Equal(t, PhaseTerminal, h.orch.state.Phase)
	h.drain()

	results := h.results.all()
	require.Len(t, results, 1)
	assert.Equal(t, domain.OutcomeSuccess, results[0].Outcome)
	require.NotNil(t, results[0].Method)
	assert.Equal(t, "paypal-nonce", results[0].Method.Nonce)
	assert.Zero(t, h.threeDS.count())
	assert.Equal(t, []domain.PaymentMethodKind{domain.KindPayPal}, h.lastUsed.saved)
	assert.Contains(t, h.analytics.names(), domain.SignalAppeared)
	assert.Contains(t, h.analytics.names(), domain.SignalExitSuccess)
}

func TestOrchestratorVaultedCardStepUpFailureRefreshesVault(t *testing.T) {
	h := newHarness(t, withClientToken(cardDescriptor("vaulted-card")))
	h.start()
	require.Equal(t, PhaseSelecting, h.orch.state.Phase)
	require.Equal(t, 1, h.vault.callCount())
	require.Equal(t, 1, h.orch.Vaulted().Len())

	h.phases = nil
	require.NoError(t, h.handle(VaultedMethodSelected{Nonce: "vaulted-card"}))
	h.drain()
	require.Equal(t, 1, h.threeDS.count())
	assert.Empty(t, h.threeDS.requests[0].Amount)
	assert.Equal(t, "vaulted-card", h.threeDS.requests[0].Nonce)

	require.NoError(t, h.handle(StepUpFailed{Err: errors.New("challenge failed")}))
	require.Equal(t, 1, h.vault.callCount())
	h.drain()

	assert.Equal(t, 2, h.vault.callCount())
	assert.Equal(t, []Phase{
		PhaseAwaitingStepUp,
		PhaseAwaitingStepUp,
		PhaseAwaitingVaultRefresh,
		PhaseSelecting,
	}, h.phases)
	assert.False(t, h.orch.state.StepUp.InProgress)
	assert.Empty(t, h.results.all())
	assert.Contains(t, h.analytics.names(), domain.SignalVaultedCardSelected)
}

func TestOrchestratorStepUpCancelWithoutVaultCredentialReturnsToSelecting(t *testing.T) {
	h := newHarness(t)
	h.start()
	require.NoError(t, h.handle(MethodSelected{Request: domain.SelectionRequest{Kind: domain.KindCard}}))
	h.drain()
	require.NoError(t, h.handle(CardEntrySucceeded{Method: cardDescriptor("card-nonce")}))
	require.Equal(t, PhaseAwaitingStepUp, h.orch.state.Phase)

	require.NoError(t, h.handle(StepUpCancelled{}))
	assert.Equal(t, PhaseSelecting, h.orch.state.Phase)
	assert.Zero(t, h.vault.callCount())
}

func TestOrchestratorStepUpAmountFallsBackToCheckoutAmount(t *testing.T) {
	h := newHarness(t, withRequest(domain.DropInRequest{Amount: "12.50", Currency: "USD", RequestThreeDSecure: true}))
	h.start()
	require.NoError(t, h.handle(MethodSelected{Request: domain.SelectionRequest{Kind: domain.KindCard}}))
	h.drain()
	require.NoError(t, h.handle(NonceCreated{Method: cardDescriptor("card-nonce")}))
	h.drain()

	require.Equal(t, 1, h.threeDS.count())
	assert.Equal(t, "12.50", h.threeDS.requests[0].Amount)
	assert.Equal(t, "12.50", h.orch.state.StepUp.RequestedAmount)
	assert.True(t, h.orch.state.StepUp.InProgress)
	assert.Equal(t, "card-nonce", h.orch.state.StepUp.TargetNonce)
}

func TestOrchestratorDuplicateNonceIgnoredDuringStepUp(t *testing.T) {
	h := newHarness(t)
	h.start()
	require.NoError(t, h.handle(MethodSelected{Request: domain.SelectionRequest{Kind: domain.KindCard}}))
	h.drain()

	require.NoError(t, h.handle(NonceCreated{Method: cardDescriptor("card-nonce")}))
	require.NoError(t, h.handle(NonceCreated{Method: cardDescriptor("card-nonce")}))
	h.drain()

	assert.Equal(t, 1, h.threeDS.count())
	assert.Equal(t, PhaseAwaitingStepUp, h.orch.state.Phase)
	require.NotNil(t, h.orch.state.PendingAction)
	assert.Equal(t, domain.ActionThreeDSecureChallenge, h.orch.state.PendingAction.Type)
}

func TestOrchestratorIgnoresStepUpResultFromAbandonedCycle(t *testing.T) {
	h := newHarness(t)
	h.start()
	require.NoError(t, h.handle(MethodSelected{Request: domain.SelectionRequest{Kind: domain.KindCard}}))
	h.drain()
	require.NoError(t, h.handle(CardEntrySucceeded{Method: cardDescriptor("card-1")}))
	require.Equal(t, PhaseAwaitingStepUp, h.orch.state.Phase)
	firstCycle := h.orch.state.ActionID
	held, ok := h.exec.take("step_up.start")
	require.True(t, ok)

	require.NoError(t, h.handle(StepUpCancelled{ActionID: firstCycle}))
	require.Equal(t, PhaseSelecting, h.orch.state.Phase)

	require.NoError(t, h.handle(MethodSelected{Request: domain.SelectionRequest{Kind: domain.KindCard}}))
	h.drain()
	require.NoError(t, h.handle(CardEntrySucceeded{Method: cardDescriptor("card-2")}))
	h.drain()
	require.Equal(t, PhaseAwaitingStepUp, h.orch.state.Phase)
	secondCycle := h.orch.state.ActionID
	require.NotEqual(t, firstCycle, secondCycle)

	h.threeDS.err = errors.New("issuer unavailable")
	ev := held.fn(context.Background())
	require.IsType(t, StepUpFailed{}, ev)
	require.NoError(t, h.handle(ev))

	assert.Equal(t, PhaseAwaitingStepUp, h.orch.state.Phase)
	assert.Equal(t, secondCycle, h.orch.state.ActionID)
	assert.True(t, h.orch.state.StepUp.InProgress)
	assert.Equal(t, "card-2", h.orch.state.StepUp.TargetNonce)
	require.NotNil(t, h.orch.state.PendingAction)
	assert.Equal(t, secondCycle, h.orch.state.PendingAction.ID)

	require.NoError(t, h.handle(StepUpSucceeded{ActionID: firstCycle, Method: cardDescriptor("late-upgrade")}))
	require.NoError(t, h.handle(StepUpSucceeded{ActionID: secondCycle, Method: cardDescriptor("upgraded-2")}))
	h.drain()
	results := h.results.all()
	require.Len(t, results, 1)
	assert.Equal(t, "upgraded-2", results[0].Method.Nonce)
}

func TestOrchestratorStepUpSuccessSubstitutesNonce(t *testing.T) {
	req := domain.DropInRequest{Currency: "USD", RequestThreeDSecure: true, CollectDeviceData: true}
	h := newHarness(t, withRequest(req))
	h.start()
	require.Equal(t, "device-fp", h.orch.state.DeviceData)

	require.NoError(t, h.handle(MethodSelected{Request: domain.SelectionRequest{Kind: domain.KindUnknown}}))
	h.drain()
	assert.Equal(t, domain.ActionCardEntry, h.launcher.last().Type)
	require.NoError(t, h.handle(CardEntrySucceeded{Method: cardDescriptor("card-nonce")}))
	h.drain()

	upgraded := cardDescriptor("upgraded-nonce")
	require.NoError(t, h.handle(StepUpSucceeded{Method: upgraded}))
	require.NoError(t, h.handle(StepUpSucceeded{Method: cardDescriptor("other")}))
	h.drain()

	results := h.results.all()
	require.Len(t, results, 1)
	assert.Equal(t, domain.OutcomeSuccess, results[0].Outcome)
	assert.Equal(t, "upgraded-nonce", results[0].Method.Nonce)
	assert.Equal(t, "device-fp", results[0].DeviceData)
	assert.Equal(t, 1, h.threeDS.count())
	assert.False(t, h.orch.state.StepUp.InProgress)
}

func TestOrchestratorStepUpSkippedWhenNotRequested(t *testing.T) {
	h := newHarness(t, withRequest(domain.DropInRequest{Currency: "USD"}))
	h.start()
	require.NoError(t, h.handle(MethodSelected{Request: domain.SelectionRequest{Kind: domain.KindCard}}))
	h.drain()
	require.NoError(t, h.handle(NonceCreated{Method: cardDescriptor("card-nonce")}))

	assert.Equal(t, PhaseTerminal, h.orch.state.Phase)
	assert.Zero(t, h.threeDS.count())
}

func TestOrchestratorCancelAbsorbsLateCallbacks(t *testing.T) {
	h := newHarness(t)
	h.start()
	require.NoError(t, h.handle(MethodSelected{Request: domain.SelectionRequest{Kind: domain.KindPayPal}}))
	require.NoError(t, h.handle(UserCancelled{Reason: CancelOutsideTap}))
	require.Equal(t, PhaseTerminal, h.orch.state.Phase)

	h.drain()
	require.NoError(t, h.handle(NonceCreated{Method: domain.PaymentMethodDescriptor{Kind: domain.KindPayPal, Nonce: "late"}}))
	require.NoError(t, h.handle(FlowFailed{Err: errors.New("late failure")}))
	require.ErrorIs(t, h.handle(MethodSelected{Request: domain.SelectionRequest{Kind: domain.KindPayPal}}), ErrSessionClosed)
	require.ErrorIs(t, h.handle(UserCancelled{Reason: CancelBackNavigation}), ErrSessionClosed)

	results := h.results.all()
	require.Len(t, results, 1)
	assert.Equal(t, domain.OutcomeCancelled, results[0].Outcome)
	assert.Nil(t, h.orch.state.PendingAction)
	assert.Contains(t, h.analytics.names(), domain.SignalExitCanceled)
}

func TestOrchestratorTokenizationErrorFailsWithClassifiedKind(t *testing.T) {
	h := newHarness(t)
	h.start()
	require.NoError(t, h.handle(MethodSelected{Request: domain.SelectionRequest{Kind: domain.KindPayPal}}))
	h.drain()
	assert.Equal(t, domain.ActionPayPalBillingAgreement, h.launcher.last().Type)

	cause := classified{kind: domain.ErrorServiceUnavailable, code: "503"}
	require.NoError(t, h.handle(FlowFailed{Err: cause}))

	results := h.results.all()
	require.Len(t, results, 1)
	require.Equal(t, domain.OutcomeFailed, results[0].Outcome)
	assert.Equal(t, domain.ErrorServiceUnavailable, results[0].Error.Kind)
	assert.Equal(t, "503", results[0].Error.Code)
	var original classified
	assert.True(t, errors.As(results[0].Error, &original))
	assert.Contains(t, h.analytics.names(), domain.SignalExitServerUnavailable)
}

func TestOrchestratorGooglePayErrorMarksWalletNotReady(t *testing.T) {
	h := newHarness(t, withRequest(googlePayRequest()))
	h.start()
	h.answerWalletProbe(true)

	require.NoError(t, h.handle(MethodSelected{Request: domain.SelectionRequest{Kind: domain.KindGooglePay}}))
	h.drain()
	flow := h.launcher.last()
	assert.Equal(t, domain.ActionGooglePayRequestPayment, flow.Type)
	assert.Equal(t, "10.00", flow.Params[ParamTotalPrice])
	assert.Equal(t, "TEST", flow.Params[ParamEnvironment])

	require.NoError(t, h.handle(FlowFailed{Err: errors.New("wallet unavailable")}))
	assert.False(t, h.orch.state.WalletReady)
	assert.NotContains(t, h.orch.state.SupportedMethods, domain.KindGooglePay)
	require.Len(t, h.results.all(), 1)
	assert.Equal(t, domain.ErrorUnclassified, h.results.all()[0].Error.Kind)
	assert.Contains(t, h.analytics.names(), domain.SignalExitSDKError)
}

func TestOrchestratorFlowCancelReturnsToSelectionWithoutRefresh(t *testing.T) {
	h := newHarness(t, withClientToken())
	h.start()
	require.Equal(t, 1, h.vault.callCount())

	require.NoError(t, h.handle(MethodSelected{Request: domain.SelectionRequest{Kind: domain.KindPayPal, Amount: "5.00"}}))
	h.drain()
	require.NoError(t, h.handle(FlowCancelled{}))

	assert.Equal(t, PhaseSelecting, h.orch.state.Phase)
	assert.Nil(t, h.orch.state.Selection)
	assert.Zero(t, h.exec.pending("vault.fetch"))
	assert.Equal(t, 1, h.vault.callCount())
}

func TestOrchestratorCardEntryCancelForcesRefresh(t *testing.T) {
	h := newHarness(t, withClientToken())
	h.start()
	require.NoError(t, h.handle(MethodSelected{Request: domain.SelectionRequest{Kind: domain.KindCard}}))
	h.drain()

	h.vault.methods = []domain.PaymentMethodDescriptor{cardDescriptor("saved-during-entry")}
	require.NoError(t, h.handle(CardEntryCancelled{}))
	require.Equal(t, PhaseAwaitingVaultRefresh, h.orch.state.Phase)
	require.True(t, h.orch.state.VaultFetch.Forced)
	h.drain()

	assert.Equal(t, PhaseSelecting, h.orch.state.Phase)
	assert.Equal(t, 2, h.vault.callCount())
	assert.Equal(t, 1, h.orch.Vaulted().Len())
}

func TestOrchestratorCardEntryErrorFails(t *testing.T) {
	h := newHarness(t)
	h.start()
	require.NoError(t, h.handle(MethodSelected{Request: domain.SelectionRequest{Kind: domain.KindCard}}))
	h.drain()
	require.NoError(t, h.handle(CardEntryFailed{Err: classified{kind: domain.ErrorAuthorizationFailure, code: "403"}}))

	require.Len(t, h.results.all(), 1)
	assert.Equal(t, domain.ErrorAuthorizationFailure, h.results.all()[0].Error.Kind)
	assert.Contains(t, h.analytics.names(), domain.SignalExitDeveloperError)
}

func TestOrchestratorCommandErrors(t *testing.T) {
	h := newHarness(t)
	require.ErrorIs(t, h.handle(MethodSelected{Request: domain.SelectionRequest{Kind: domain.KindPayPal}}), ErrNotReady)
	require.ErrorIs(t, h.handle(VaultRefreshRequested{Force: true}), ErrNotReady)

	h.start()
	require.ErrorIs(t, h.handle(MethodSelected{Request: domain.SelectionRequest{Kind: domain.KindVenmo}}), ErrUnsupportedMethod)
	require.ErrorIs(t, h.handle(VaultedMethodSelected{Nonce: "missing"}), ErrUnknownVaultedMethod)
	require.ErrorIs(t, h.handle(VaultManagerRequested{}), ErrVaultManagerUnavailable)

	require.NoError(t, h.handle(MethodSelected{Request: domain.SelectionRequest{Kind: domain.KindPayPal}}))
	require.ErrorIs(t, h.handle(MethodSelected{Request: domain.SelectionRequest{Kind: domain.KindCard}}), ErrFlowInProgress)
	assert.Len(t, h.launcher.requests, 0)
	assert.Empty(t, h.results.all())
}

func TestOrchestratorWalletProbeTimeoutResolvesNotReady(t *testing.T) {
	h := newHarness(t, withRequest(googlePayRequest()))
	h.start()
	probeID := h.orch.state.WalletProbeID
	require.NotEmpty(t, probeID)

	h.fireProbeTimeouts()
	assert.Empty(t, h.orch.state.WalletProbeID)
	assert.False(t, h.orch.state.WalletReady)
	assert.NotContains(t, h.orch.state.SupportedMethods, domain.KindGooglePay)

	require.NoError(t, h.handle(WalletReadinessResolved{ProbeID: probeID, Ready: true}))
	assert.False(t, h.orch.state.WalletReady)
}

func TestOrchestratorVaultManagerCloseReplacesAndRefreshes(t *testing.T) {
	req := domain.DropInRequest{Currency: "USD", VaultManagerEnabled: true}
	h := newHarness(t, withRequest(req), withClientToken(cardDescriptor("a"), cardDescriptor("b")))
	h.start()
	require.Equal(t, 2, h.orch.Vaulted().Len())

	require.NoError(t, h.handle(VaultManagerRequested{}))
	h.drain()
	require.True(t, h.orch.state.VaultManagerOpen)
	require.NotNil(t, h.orch.state.PendingAction)
	assert.Equal(t, domain.ActionVaultManager, h.orch.state.PendingAction.Type)
	assert.Contains(t, h.analytics.names(), domain.SignalVaultManagerAppeared)
	require.ErrorIs(t, h.handle(MethodSelected{Request: domain.SelectionRequest{Kind: domain.KindCard}}), ErrFlowInProgress)

	h.vault.methods = []domain.PaymentMethodDescriptor{cardDescriptor("b"), cardDescriptor("c")}
	require.NoError(t, h.handle(VaultManagerClosed{Methods: []domain.PaymentMethodDescriptor{cardDescriptor("b")}}))
	require.Equal(t, PhaseAwaitingVaultRefresh, h.orch.state.Phase)
	assert.Equal(t, 1, h.orch.Vaulted().Len())

	h.drain()
	assert.Equal(t, PhaseSelecting, h.orch.state.Phase)
	assert.Equal(t, 2, h.orch.Vaulted().Len())
	assert.False(t, h.orch.state.VaultManagerOpen)
}

func TestOrchestratorVaultFetchFailureKeepsCache(t *testing.T) {
	h := newHarness(t, withClientToken(cardDescriptor("a")))
	h.start()
	require.Equal(t, 1, h.orch.Vaulted().Len())

	h.vault.err = classified{kind: domain.ErrorServerFailure, code: "500"}
	require.NoError(t, h.handle(VaultRefreshRequested{Force: true}))
	require.Equal(t, PhaseAwaitingVaultRefresh, h.orch.state.Phase)
	h.drain()

	require.Equal(t, PhaseTerminal, h.orch.state.Phase)
	assert.Equal(t, 1, h.orch.Vaulted().Len())
	require.Len(t, h.results.all(), 1)
	assert.Equal(t, domain.ErrorServerFailure, h.results.all()[0].Error.Kind)
	assert.Contains(t, h.analytics.names(), domain.SignalExitServerError)
}

func TestOrchestratorCachedVaultReadDoesNotFetch(t *testing.T) {
	h := newHarness(t, withClientToken(cardDescriptor("a")))
	h.start()
	require.NoError(t, h.handle(VaultRefreshRequested{Force: false}))
	assert.Equal(t, PhaseSelecting, h.orch.state.Phase)
	assert.Zero(t, h.exec.pending("vault.fetch"))
	assert.Equal(t, 1, h.vault.callCount())
}

func TestOrchestratorRestoreReissuesVaultRefresh(t *testing.T) {
	h := newHarness(t, withClientToken(cardDescriptor("vaulted-card")))
	h.start()
	require.NoError(t, h.handle(VaultedMethodSelected{Nonce: "vaulted-card"}))
	h.drain()
	require.NoError(t, h.handle(StepUpFailed{Err: errors.New("challenge failed")}))
	require.Equal(t, PhaseAwaitingVaultRefresh, h.orch.state.Phase)

	data, err := MarshalState(h.orch.State())
	require.NoError(t, err)
	restored, err := UnmarshalState(data)
	require.NoError(t, err)

	h2 := newHarness(t, withClientToken(cardDescriptor("vaulted-card")), withState(restored))
	assert.Equal(t, 1, h2.orch.Vaulted().Len())
	h2.orch.Start(context.Background())
	assert.Equal(t, 1, h2.exec.pending("vault.fetch"))
	h2.drain()
	assert.Equal(t, PhaseSelecting, h2.orch.state.Phase)
	assert.Equal(t, 1, h2.vault.callCount())
	assert.Zero(t, h2.config.calls)
}

func TestOrchestratorNetworkTokenizedGooglePaySkipsStepUp(t *testing.T) {
	wallet := domain.PaymentMethodDescriptor{Kind: domain.KindGooglePay, Nonce: "gp-nonce", IsNetworkTokenized: true}
	h := newHarness(t, withRequest(googlePayRequest()), withClientToken(wallet))
	h.start()
	require.ErrorIs(t, h.handle(VaultedMethodSelected{Nonce: "gp-nonce"}), ErrUnknownVaultedMethod)

	h.answerWalletProbe(true)
	require.NoError(t, h.handle(VaultedMethodSelected{Nonce: "gp-nonce"}))
	assert.Equal(t, PhaseTerminal, h.orch.state.Phase)
	assert.Zero(t, h.threeDS.count())
	assert.NotContains(t, h.analytics.names(), domain.SignalVaultedCardSelected)
}

func TestOrchestratorVaultRefetchWaitsForWalletReprobe(t *testing.T) {
	wallet := domain.PaymentMethodDescriptor{Kind: domain.KindGooglePay, Nonce: "gp-nonce"}
	h := newHarness(t, withRequest(googlePayRequest()), withClientToken(wallet))
	h.start()
	require.NotNil(t, h.orch.state.StagedVault)
	assert.Zero(t, h.orch.Vaulted().Len())
	assert.False(t, h.orch.state.VaultLoaded)

	h.answerWalletProbe(true)
	require.Nil(t, h.orch.state.StagedVault)
	require.Equal(t, 1, h.orch.Vaulted().Len())

	h.vault.methods = []domain.PaymentMethodDescriptor{wallet, cardDescriptor("card-c")}
	require.NoError(t, h.handle(VaultRefreshRequested{Force: true}))
	h.drain()
	require.Equal(t, PhaseAwaitingVaultRefresh, h.orch.state.Phase)
	require.NotNil(t, h.orch.state.StagedVault)
	require.NotEmpty(t, h.orch.state.WalletProbeID)
	assert.Equal(t, 1, h.orch.Vaulted().Len(), "refetched set must wait for the re-probe")

	h.answerWalletProbe(false)
	assert.Equal(t, PhaseSelecting, h.orch.state.Phase)
	assert.Nil(t, h.orch.state.StagedVault)
	assert.Equal(t, 2, h.orch.Vaulted().Len())
	available := AvailableVaultedMethods(h.orch.Vaulted(), *h.orch.state.Configuration, h.orch.state.Request, h.orch.state.WalletReady)
	require.Len(t, available, 1)
	assert.Equal(t, "card-c", available[0].Nonce)
}

func TestOrchestratorConfigurationFailureIsConfigurationInvalid(t *testing.T) {
	h := newHarness(t)
	h.config.err = errors.New("bad merchant configuration")
	h.start()

	require.Equal(t, PhaseTerminal, h.orch.state.Phase)
	require.Len(t, h.results.all(), 1)
	assert.Equal(t, domain.ErrorConfigurationInvalid, h.results.all()[0].Error.Kind)
	assert.Contains(t, h.analytics.names(), domain.SignalExitConfigurationErr)
}

func TestOrchestratorLastUsedBecomesPreferredKind(t *testing.T) {
	h := newHarness(t)
	h.lastUsed.kind = domain.KindCard
	h.start()
	assert.Equal(t, domain.KindCard, h.orch.state.PreferredKind)
	assert.Equal(t, []domain.PaymentMethodKind{domain.KindPayPal, domain.KindCard}, h.orch.state.SupportedMethods)
}
