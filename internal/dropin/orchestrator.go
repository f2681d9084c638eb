package dropin

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hanko-field/dropin/internal/domain"
)

const defaultWalletProbeTimeout = 5 * time.Second

// Deps wires the collaborators of a session orchestrator.
type Deps struct {
	Configuration      ConfigurationFetcher
	DeviceData         DeviceDataCollector
	Vault              VaultLister
	Flows              FlowLauncher
	ThreeDSecure       ThreeDSecureFlow
	LastUsed           LastUsedStore
	Analytics          AnalyticsSink
	Results            ResultSink
	Metrics            *Metrics
	Clock              func() time.Time
	NewID              func() string
	After              func(time.Duration) <-chan time.Time
	WalletProbeTimeout time.Duration
	Logger             func(ctx context.Context, event string, fields map[string]any)
}

// Orchestrator is the session state machine. It is not safe for concurrent use: every call must
// come from the session's control loop. Effects leave the loop through the Executor and return
// as events.
type Orchestrator struct {
	deps   Deps
	exec   Executor
	state  State
	cache  *VaultedMethodCache
	now    func() time.Time
	newID  func() string
	after  func(time.Duration) <-chan time.Time
	logger func(ctx context.Context, event string, fields map[string]any)
}

// NewOrchestrator builds an orchestrator around state, which is either fresh from NewState or
// restored from persistence.
func NewOrchestrator(deps Deps, exec Executor, state State) (*Orchestrator, error) {
	if deps.Configuration == nil {
		return nil, errors.New("dropin: configuration fetcher is required")
	}
	if deps.Flows == nil {
		return nil, errors.New("dropin: flow launcher is required")
	}
	if deps.ThreeDSecure == nil {
		return nil, errors.New("dropin: three d secure flow is required")
	}
	if deps.Results == nil {
		return nil, errors.New("dropin: result sink is required")
	}
	if exec == nil {
		return nil, errors.New("dropin: executor is required")
	}
	if strings.TrimSpace(state.SessionID) == "" {
		return nil, errors.New("dropin: session id is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := deps.NewID
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	after := deps.After
	if after == nil {
		after = time.After
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	if deps.WalletProbeTimeout <= 0 {
		deps.WalletProbeTimeout = defaultWalletProbeTimeout
	}
	if state.Phase == "" {
		state.Phase = PhaseInitializing
	}
	if state.SupportedMethods == nil {
		state.SupportedMethods = []domain.PaymentMethodKind{}
	}

	o := &Orchestrator{
		deps:  deps,
		exec:  exec,
		state: state,
		cache: NewVaultedMethodCache(deps.Vault),
		now: func() time.Time {
			return clock().UTC()
		},
		newID:  newID,
		after:  after,
		logger: logger,
	}
	if state.VaultLoaded {
		o.cache.Replace(domain.NewVaultedMethodSet(state.Vaulted))
	}
	return o, nil
}

// State returns a copy of the current state.
func (o *Orchestrator) State() State {
	return o.state.Clone()
}

// Vaulted returns the cached vaulted set. It is safe to call from any goroutine.
func (o *Orchestrator) Vaulted() domain.VaultedMethodSet {
	set, _ := o.cache.Snapshot()
	return set
}

// Start issues the effects the session is waiting on. For a restored session this re-issues an
// in-flight vault refresh and re-arms a pending wallet probe.
func (o *Orchestrator) Start(ctx context.Context) {
	if o.state.Terminal() {
		return
	}
	if o.state.Configuration == nil {
		o.loadConfiguration()
		return
	}
	if o.state.Request.CollectDeviceData && o.state.DeviceData == "" {
		o.collectDeviceData()
	}
	if o.state.WalletProbeID != "" {
		o.armWalletProbeTimeout(o.state.WalletProbeID)
	}
	if o.state.VaultFetch != nil {
		o.issueVaultFetch(ctx, o.state.VaultFetch.Forced)
	}
}

// Handle applies one event. Commands return an error when they are not allowed; callbacks that no
// longer apply are dropped.
func (o *Orchestrator) Handle(ctx context.Context, ev Event) error {
	if ev == nil {
		return nil
	}
	if o.state.Terminal() {
		if _, ok := ev.(command); ok {
			return ErrSessionClosed
		}
		o.logger(ctx, "dropin.event.ignored", map[string]any{
			"sessionID": o.state.SessionID,
			"event":     ev.EventName(),
			"reason":    "terminal",
		})
		return nil
	}

	var err error
	switch e := ev.(type) {
	case ConfigurationLoaded:
		o.onConfigurationLoaded(ctx, e)
	case ConfigurationFailed:
		o.fail(ctx, classifyConfigurationError(e.Err))
	case DeviceDataCollected:
		o.state.DeviceData = e.Data
	case DeviceDataFailed:
		o.logger(ctx, "dropin.device_data.failed", map[string]any{
			"sessionID": o.state.SessionID,
			"error":     errString(e.Err),
		})
	case WalletReadinessResolved:
		o.onWalletReadiness(ctx, e)
	case MethodSelected:
		err = o.onMethodSelected(ctx, e.Request)
	case VaultedMethodSelected:
		err = o.onVaultedMethodSelected(ctx, e.Nonce)
	case VaultManagerRequested:
		err = o.onVaultManagerRequested(ctx)
	case VaultRefreshRequested:
		err = o.onVaultRefreshRequested(ctx, e.Force)
	case UserCancelled:
		o.finish(ctx, domain.CancelledResult(), map[string]string{"reason": string(e.Reason)})
	case FlowLaunched:
		o.onFlowLaunched(ctx, e.ActionID, e.Action)
	case FlowLaunchFailed:
		if e.ActionID == o.state.ActionID {
			o.fail(ctx, Classify(e.Err))
		}
	case NonceCreated:
		o.onNonceCreated(ctx, e.Method, e.DeviceData)
	case FlowCancelled:
		o.onFlowCancelled(ctx)
	case FlowFailed:
		o.onFlowFailed(ctx, e.Err)
	case StepUpLaunched:
		if o.state.Phase == PhaseAwaitingStepUp && e.ActionID == o.state.ActionID {
			action := e.Action
			o.state.PendingAction = &action
		}
	case StepUpSucceeded:
		if o.currentStepUp(ctx, e.ActionID, e) {
			o.onStepUpSucceeded(ctx, e.Method)
		}
	case StepUpFailed:
		if o.currentStepUp(ctx, e.ActionID, e) {
			o.onStepUpAbandoned(ctx, "failed", e.Err)
		}
	case StepUpCancelled:
		if o.currentStepUp(ctx, e.ActionID, e) {
			o.onStepUpAbandoned(ctx, "cancelled", nil)
		}
	case CardEntrySucceeded:
		if o.awaitingCardEntry() {
			o.onNonceCreated(ctx, e.Method, e.DeviceData)
		}
	case CardEntryCancelled:
		if o.awaitingCardEntry() {
			o.clearCycle()
			o.forceVaultRefresh(ctx)
		}
	case CardEntryFailed:
		if o.awaitingCardEntry() {
			o.fail(ctx, Classify(e.Err))
		}
	case VaultManagerClosed:
		o.onVaultManagerClosed(ctx, e.Methods)
	case VaultFetchCompleted:
		o.onVaultFetchCompleted(ctx, e)
	default:
		o.logger(ctx, "dropin.event.unknown", map[string]any{
			"sessionID": o.state.SessionID,
			"event":     ev.EventName(),
		})
	}
	if err != nil {
		return err
	}
	o.state.Version++
	o.state.UpdatedAt = o.now()
	return nil
}

func (o *Orchestrator) onConfigurationLoaded(ctx context.Context, e ConfigurationLoaded) {
	if o.state.Phase != PhaseInitializing {
		return
	}
	snapshot := e.Snapshot
	o.state.Configuration = &snapshot
	if _, ok := domain.ParsePaymentMethodKind(string(e.LastUsed)); ok {
		o.state.PreferredKind = e.LastUsed
	}
	o.state.WalletReady = false
	o.recomputeSupportedMethods()
	o.state.Phase = PhaseSelecting
	o.emit(ctx, domain.SignalAppeared, nil)

	if o.state.Request.CollectDeviceData {
		o.collectDeviceData()
	}
	if googlePayConfigured(snapshot, o.state.Request) {
		o.requestWalletProbe()
	}
	if _, fetch := o.cache.Get(o.state.Authorization, false); fetch {
		o.issueVaultFetch(ctx, false)
	}
}

func (o *Orchestrator) onWalletReadiness(ctx context.Context, e WalletReadinessResolved) {
	if e.ProbeID == "" || e.ProbeID != o.state.WalletProbeID {
		return
	}
	o.state.WalletProbeID = ""
	o.state.WalletReady = e.Ready
	o.recomputeSupportedMethods()
	if staged := o.state.StagedVault; staged != nil {
		o.state.StagedVault = nil
		o.storeVaulted(domain.NewVaultedMethodSet(staged.Methods))
	}
	o.logger(ctx, "dropin.wallet.readiness", map[string]any{
		"sessionID": o.state.SessionID,
		"ready":     e.Ready,
	})
	o.leaveVaultRefreshIfSettled()
}

func (o *Orchestrator) onMethodSelected(ctx context.Context, sel domain.SelectionRequest) error {
	if err := o.ensureSelecting(); err != nil {
		return err
	}
	check := sel.Kind
	if check == domain.KindUnknown {
		check = domain.KindCard
	}
	if !containsKind(o.state.SupportedMethods, check) {
		return ErrUnsupportedMethod
	}
	actionID := o.newID()
	flow, err := BuildFlowRequest(o.state, sel, actionID)
	if err != nil {
		return err
	}
	o.state.Selection = &PendingSelection{
		Kind:            sel.Kind,
		Amount:          strings.TrimSpace(sel.Amount),
		VaultPreference: sel.VaultPreference,
	}
	o.state.ActionID = actionID
	o.state.PendingAction = nil
	o.state.StepUp = domain.StepUpContext{}
	o.state.Phase = PhaseAwaitingTokenization
	o.launch(flow)
	o.logger(ctx, "dropin.selection.dispatched", map[string]any{
		"sessionID": o.state.SessionID,
		"kind":      string(sel.Kind),
		"action":    string(flow.Type),
	})
	return nil
}

func (o *Orchestrator) onVaultedMethodSelected(ctx context.Context, nonce string) error {
	if err := o.ensureSelecting(); err != nil {
		return err
	}
	method, ok := o.findAvailableVaulted(nonce)
	if !ok {
		return ErrUnknownVaultedMethod
	}
	if method.Kind == domain.KindCard {
		o.emit(ctx, domain.SignalVaultedCardSelected, nil)
	}
	o.state.Selection = &PendingSelection{Kind: method.Kind, Vaulted: true}
	o.state.StepUp = domain.StepUpContext{}
	o.onNonce(ctx, method, "")
	return nil
}

func (o *Orchestrator) onVaultManagerRequested(ctx context.Context) error {
	if err := o.ensureSelecting(); err != nil {
		return err
	}
	if !o.state.Request.VaultManagerEnabled || !o.state.Authorization.CanListVaultedMethods() {
		return ErrVaultManagerUnavailable
	}
	actionID := o.newID()
	o.state.VaultManagerOpen = true
	o.state.ActionID = actionID
	o.state.PendingAction = nil
	o.emit(ctx, domain.SignalVaultManagerAppeared, nil)
	o.launch(VaultManagerRequest(o.state, actionID))
	return nil
}

func (o *Orchestrator) onVaultRefreshRequested(ctx context.Context, force bool) error {
	switch o.state.Phase {
	case PhaseInitializing:
		return ErrNotReady
	case PhaseAwaitingVaultRefresh:
		return nil
	case PhaseSelecting:
	default:
		return ErrFlowInProgress
	}
	if (o.state.VaultFetch != nil || o.state.StagedVault != nil) && !force {
		return nil
	}
	if _, fetch := o.cache.Get(o.state.Authorization, force); !fetch {
		return nil
	}
	o.state.Phase = PhaseAwaitingVaultRefresh
	o.issueVaultFetch(ctx, force)
	return nil
}

func (o *Orchestrator) onFlowLaunched(ctx context.Context, actionID string, action domain.ClientAction) {
	if actionID == "" || actionID != o.state.ActionID {
		o.logger(ctx, "dropin.flow.stale_launch", map[string]any{
			"sessionID": o.state.SessionID,
			"actionID":  actionID,
		})
		return
	}
	o.state.PendingAction = &action
}

func (o *Orchestrator) onNonceCreated(ctx context.Context, method domain.PaymentMethodDescriptor, deviceData string) {
	if o.state.StepUp.InProgress {
		o.logger(ctx, "dropin.step_up.duplicate_nonce_ignored", map[string]any{
			"sessionID": o.state.SessionID,
			"kind":      string(method.Kind),
		})
		return
	}
	if o.state.Phase != PhaseAwaitingTokenization {
		o.logger(ctx, "dropin.event.ignored", map[string]any{
			"sessionID": o.state.SessionID,
			"event":     NonceCreated{}.EventName(),
			"phase":     string(o.state.Phase),
		})
		return
	}
	if strings.TrimSpace(method.Nonce) == "" {
		o.fail(ctx, domain.NewFlowError(domain.ErrorServerFailure, "missing_nonce", errors.New("tokenization returned an empty nonce")))
		return
	}
	o.onNonce(ctx, method, deviceData)
}

// onNonce applies step-up policy to a freshly produced nonce.
func (o *Orchestrator) onNonce(ctx context.Context, method domain.PaymentMethodDescriptor, deviceData string) {
	if deviceData = strings.TrimSpace(deviceData); deviceData != "" {
		o.state.DeviceData = deviceData
	}
	if ShouldStepUp(method, o.state.Request, o.state.Configuration, o.state.StepUp) {
		o.beginStepUp(ctx, method)
		return
	}
	o.finalize(ctx, method)
}

func (o *Orchestrator) beginStepUp(ctx context.Context, method domain.PaymentMethodDescriptor) {
	actionID := o.newID()
	stepUp, req := BeginStepUp(o.state, method, actionID)
	candidate := method
	o.state.StepUp = stepUp
	o.state.Candidate = &candidate
	o.state.ActionID = actionID
	o.state.PendingAction = nil
	o.state.Phase = PhaseAwaitingStepUp
	o.deps.Metrics.stepUp(ctx, "started")
	o.logger(ctx, "dropin.step_up.started", map[string]any{
		"sessionID": o.state.SessionID,
		"kind":      string(method.Kind),
		"hasAmount": req.Amount != "",
	})

	flow := o.deps.ThreeDSecure
	o.exec.Go("step_up.start", func(ctx context.Context) Event {
		action, err := flow.StartStepUp(ctx, req)
		if err != nil {
			return StepUpFailed{ActionID: actionID, Err: err}
		}
		return StepUpLaunched{ActionID: actionID, Action: action}
	})
}

// currentStepUp reports whether a step-up result belongs to the active cycle. Results without an
// action id are attributed to whatever cycle is active.
func (o *Orchestrator) currentStepUp(ctx context.Context, actionID string, ev Event) bool {
	if actionID == "" || actionID == o.state.ActionID {
		return true
	}
	o.logger(ctx, "dropin.step_up.stale_result", map[string]any{
		"sessionID": o.state.SessionID,
		"event":     ev.EventName(),
		"actionID":  actionID,
		"current":   o.state.ActionID,
	})
	return false
}

func (o *Orchestrator) onStepUpSucceeded(ctx context.Context, upgraded domain.PaymentMethodDescriptor) {
	if o.state.Phase != PhaseAwaitingStepUp || o.state.Candidate == nil {
		return
	}
	method := *o.state.Candidate
	if strings.TrimSpace(upgraded.Nonce) != "" {
		if upgraded.Kind == "" {
			upgraded.Kind = method.Kind
		}
		if upgraded.Display == (domain.DisplayMetadata{}) {
			upgraded.Display = method.Display
		}
		method = upgraded
	}
	o.deps.Metrics.stepUp(ctx, "succeeded")
	o.finalize(ctx, method)
}

// onStepUpAbandoned is the recovery path: the cycle is dropped and the vault is refetched before
// the user returns to selection.
func (o *Orchestrator) onStepUpAbandoned(ctx context.Context, result string, cause error) {
	if o.state.Phase != PhaseAwaitingStepUp {
		return
	}
	o.deps.Metrics.stepUp(ctx, result)
	o.logger(ctx, "dropin.step_up."+result, map[string]any{
		"sessionID": o.state.SessionID,
		"error":     errString(cause),
	})
	o.clearCycle()
	o.forceVaultRefresh(ctx)
}

func (o *Orchestrator) onFlowCancelled(ctx context.Context) {
	if o.state.Phase != PhaseAwaitingTokenization {
		return
	}
	cardEntry := o.awaitingCardEntry()
	stepUpInFlight := o.state.StepUp.InProgress
	o.clearCycle()
	if cardEntry || stepUpInFlight {
		o.forceVaultRefresh(ctx)
		return
	}
	o.state.Phase = PhaseSelecting
}

func (o *Orchestrator) onFlowFailed(ctx context.Context, cause error) {
	if o.state.Phase != PhaseAwaitingTokenization {
		return
	}
	if o.state.Selection != nil && o.state.Selection.Kind == domain.KindGooglePay {
		o.state.WalletReady = false
		o.recomputeSupportedMethods()
	}
	o.fail(ctx, Classify(cause))
}

func (o *Orchestrator) onVaultManagerClosed(ctx context.Context, methods []domain.PaymentMethodDescriptor) {
	if !o.state.VaultManagerOpen {
		return
	}
	o.state.VaultManagerOpen = false
	o.state.ActionID = ""
	o.state.PendingAction = nil
	o.storeVaulted(domain.NewVaultedMethodSet(methods))
	o.forceVaultRefresh(ctx)
}

func (o *Orchestrator) onVaultFetchCompleted(ctx context.Context, e VaultFetchCompleted) {
	if o.state.VaultFetch == nil || e.FetchID != o.state.VaultFetch.ID {
		o.logger(ctx, "dropin.vault.stale_fetch", map[string]any{
			"sessionID": o.state.SessionID,
			"fetchID":   e.FetchID,
		})
		return
	}
	o.state.VaultFetch = nil
	if e.Err != nil {
		o.fail(ctx, Classify(e.Err))
		return
	}
	set := domain.NewVaultedMethodSet(e.Methods)
	if o.state.Configuration == nil || !googlePayConfigured(*o.state.Configuration, o.state.Request) {
		o.storeVaulted(set)
		o.leaveVaultRefreshIfSettled()
		return
	}
	// Vaulted Google Pay visibility depends on readiness, so the set waits for a fresh probe.
	o.state.StagedVault = &StagedVault{Methods: set.Methods()}
	if o.state.WalletProbeID == "" {
		o.requestWalletProbe()
	}
	o.leaveVaultRefreshIfSettled()
}

func (o *Orchestrator) finalize(ctx context.Context, method domain.PaymentMethodDescriptor) {
	o.state.Phase = PhaseFinalizing
	if store := o.deps.LastUsed; store != nil {
		auth := o.state.Authorization
		kind := method.Kind
		sessionID := o.state.SessionID
		logger := o.logger
		o.exec.Go("last_used.save", func(ctx context.Context) Event {
			if err := store.SaveLastUsed(ctx, auth, kind); err != nil {
				logger(ctx, "dropin.last_used.save_failed", map[string]any{
					"sessionID": sessionID,
					"error":     err.Error(),
				})
			}
			return nil
		})
	}
	o.finish(ctx, domain.SuccessResult(method, o.state.DeviceData), map[string]string{"kind": string(method.Kind)})
}

func (o *Orchestrator) fail(ctx context.Context, flowErr *domain.FlowError) {
	o.finish(ctx, domain.FailedResult(flowErr), nil)
}

// finish enters the absorbing terminal state and delivers result. It runs at most once.
func (o *Orchestrator) finish(ctx context.Context, result domain.SessionResult, attrs map[string]string) {
	if o.state.Result != nil {
		return
	}
	o.state.Phase = PhaseTerminal
	o.state.Result = &result
	o.state.StepUp = domain.StepUpContext{}
	o.state.Selection = nil
	o.state.Candidate = nil
	o.state.ActionID = ""
	o.state.PendingAction = nil
	o.state.VaultFetch = nil
	o.state.StagedVault = nil
	o.state.WalletProbeID = ""
	o.state.VaultManagerOpen = false

	signal := domain.SignalExitSuccess
	switch result.Outcome {
	case domain.OutcomeCancelled:
		signal = domain.SignalExitCanceled
	case domain.OutcomeFailed:
		signal = domain.ExitSignal(result.Error.Kind)
		if attrs == nil {
			attrs = map[string]string{}
		}
		attrs["errorKind"] = string(result.Error.Kind)
	}
	o.emit(ctx, signal, attrs)
	o.deps.Metrics.sessionCompleted(ctx, string(result.Outcome))
	o.logger(ctx, "dropin.session.finished", map[string]any{
		"sessionID": o.state.SessionID,
		"outcome":   string(result.Outcome),
		"signal":    signal,
	})
	o.deps.Results.Deliver(ctx, o.state.SessionID, result)
}

// forceVaultRefresh enters AwaitingVaultRefresh with a forced refetch, or goes straight back to
// selection when the credential cannot list vaulted methods.
func (o *Orchestrator) forceVaultRefresh(ctx context.Context) {
	if _, fetch := o.cache.Get(o.state.Authorization, true); !fetch {
		o.state.Phase = PhaseSelecting
		return
	}
	o.state.Phase = PhaseAwaitingVaultRefresh
	o.issueVaultFetch(ctx, true)
}

func (o *Orchestrator) issueVaultFetch(ctx context.Context, forced bool) {
	id := o.newID()
	o.state.VaultFetch = &PendingFetch{ID: id, Forced: forced}
	o.deps.Metrics.vaultFetch(ctx, forced)
	auth := o.state.Authorization
	cache := o.cache
	o.exec.Go("vault.fetch", func(ctx context.Context) Event {
		set, err := cache.Fetch(ctx, auth)
		if err != nil {
			return VaultFetchCompleted{FetchID: id, Err: err}
		}
		return VaultFetchCompleted{FetchID: id, Methods: set.Methods()}
	})
}

func (o *Orchestrator) loadConfiguration() {
	fetcher := o.deps.Configuration
	lastUsed := o.deps.LastUsed
	auth := o.state.Authorization
	o.exec.Go("configuration.load", func(ctx context.Context) Event {
		snapshot, err := fetcher.FetchConfiguration(ctx, auth)
		if err != nil {
			return ConfigurationFailed{Err: err}
		}
		loaded := ConfigurationLoaded{Snapshot: snapshot}
		if lastUsed != nil {
			if kind, err := lastUsed.LoadLastUsed(ctx, auth); err == nil {
				loaded.LastUsed = kind
			}
		}
		return loaded
	})
}

func (o *Orchestrator) collectDeviceData() {
	collector := o.deps.DeviceData
	if collector == nil || o.state.Configuration == nil {
		return
	}
	sessionID := o.state.SessionID
	cfg := *o.state.Configuration
	o.exec.Go("device_data.collect", func(ctx context.Context) Event {
		data, err := collector.CollectDeviceData(ctx, sessionID, cfg)
		if err != nil {
			return DeviceDataFailed{Err: err}
		}
		return DeviceDataCollected{Data: data}
	})
}

// requestWalletProbe asks the host for wallet readiness and arms the not-ready timeout.
func (o *Orchestrator) requestWalletProbe() {
	probeID := o.newID()
	o.state.WalletProbeID = probeID
	o.armWalletProbeTimeout(probeID)
}

func (o *Orchestrator) armWalletProbeTimeout(probeID string) {
	after := o.after
	timeout := o.deps.WalletProbeTimeout
	o.exec.Go("wallet.probe_timeout", func(ctx context.Context) Event {
		select {
		case <-after(timeout):
			return WalletReadinessResolved{ProbeID: probeID, Ready: false}
		case <-ctx.Done():
			return nil
		}
	})
}

func (o *Orchestrator) launch(flow FlowRequest) {
	launcher := o.deps.Flows
	o.exec.Go("flow.launch", func(ctx context.Context) Event {
		action, err := launcher.Launch(ctx, flow)
		if err != nil {
			return FlowLaunchFailed{ActionID: flow.ActionID, Err: err}
		}
		return FlowLaunched{ActionID: flow.ActionID, Action: action}
	})
}

func (o *Orchestrator) ensureSelecting() error {
	switch o.state.Phase {
	case PhaseInitializing:
		return ErrNotReady
	case PhaseSelecting:
		if o.state.VaultManagerOpen {
			return ErrFlowInProgress
		}
		return nil
	default:
		return ErrFlowInProgress
	}
}

func (o *Orchestrator) awaitingCardEntry() bool {
	if o.state.Phase != PhaseAwaitingTokenization || o.state.Selection == nil {
		return false
	}
	return o.state.Selection.Kind == domain.KindCard || o.state.Selection.Kind == domain.KindUnknown
}

func (o *Orchestrator) clearCycle() {
	o.state.StepUp = domain.StepUpContext{}
	o.state.Selection = nil
	o.state.Candidate = nil
	o.state.ActionID = ""
	o.state.PendingAction = nil
}

func (o *Orchestrator) leaveVaultRefreshIfSettled() {
	if o.state.Phase == PhaseAwaitingVaultRefresh && o.state.VaultFetch == nil && o.state.WalletProbeID == "" {
		o.state.Phase = PhaseSelecting
	}
}

func (o *Orchestrator) storeVaulted(set domain.VaultedMethodSet) {
	o.cache.Replace(set)
	o.state.Vaulted = set.Methods()
	o.state.VaultLoaded = true
}

func (o *Orchestrator) findAvailableVaulted(nonce string) (domain.PaymentMethodDescriptor, bool) {
	if o.state.Configuration == nil {
		return domain.PaymentMethodDescriptor{}, false
	}
	set, _ := o.cache.Snapshot()
	available := domain.NewVaultedMethodSet(AvailableVaultedMethods(set, *o.state.Configuration, o.state.Request, o.state.WalletReady))
	return available.Find(nonce)
}

func (o *Orchestrator) recomputeSupportedMethods() {
	if o.state.Configuration == nil {
		return
	}
	o.state.SupportedMethods = ResolveSupportedMethods(*o.state.Configuration, o.state.Request, o.state.WalletReady)
}

func (o *Orchestrator) emit(ctx context.Context, name string, attrs map[string]string) {
	if o.deps.Analytics == nil {
		return
	}
	o.deps.Analytics.Emit(ctx, domain.AnalyticsEvent{
		SessionID:  o.state.SessionID,
		MerchantID: o.state.Authorization.MerchantID,
		Name:       name,
		Attributes: attrs,
		OccurredAt: o.now(),
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
