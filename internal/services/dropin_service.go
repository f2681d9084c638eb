package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/hanko-field/dropin/internal/domain"
	"github.com/hanko-field/dropin/internal/dropin"
	"github.com/hanko-field/dropin/internal/platform/auth"
	"github.com/hanko-field/dropin/internal/repositories"
)

const (
	defaultSessionTTL       = 24 * time.Hour
	defaultRetention        = 24 * time.Hour
	defaultTerminalGrace    = time.Minute
	defaultRefreshWait      = 3 * time.Second
	defaultPublishTimeout   = 10 * time.Second
	defaultSweepBatch       = 200
	sweepConcurrency        = 4
	refreshPollInterval     = 20 * time.Millisecond
	defaultCallbackRate     = 10
	defaultCallbackBurst    = 20
	defaultCreatesPerMinute = 120
)

// DropInSettings tunes session lifetimes and request budgets.
type DropInSettings struct {
	SessionTTL             time.Duration
	Retention              time.Duration
	TerminalGrace          time.Duration
	WalletProbeTimeout     time.Duration
	RefreshWait            time.Duration
	PublishTimeout         time.Duration
	SweepBatch             int
	CallbacksPerSecond     float64
	CallbackBurst          int
	SessionCreatePerMinute int
}

// DropInServiceDeps bundles collaborators required to construct the Drop-In service.
type DropInServiceDeps struct {
	Sessions      repositories.SessionStateRepository
	LastUsed      repositories.LastUsedRepository
	Configuration dropin.ConfigurationFetcher
	DeviceData    dropin.DeviceDataCollector
	Vault         dropin.VaultLister
	Flows         dropin.FlowLauncher
	ThreeDSecure  dropin.ThreeDSecureFlow
	StepUps       StepUpVerifier
	Analytics     dropin.AnalyticsSink
	Results       ResultPublisher
	Restore       RestoreSealer
	Metrics       *dropin.Metrics
	Tracer        trace.Tracer
	Clock         func() time.Time
	NewID         func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
	Settings      DropInSettings
}

type sessionHandle struct {
	runner     *dropin.Runner
	authz      domain.AuthorizationContext
	limiter    *rate.Limiter
	cancel     context.CancelFunc
	finishedAt atomic.Int64
}

func (h *sessionHandle) markFinished(at time.Time) {
	h.finishedAt.CompareAndSwap(0, at.UnixNano())
}

func (h *sessionHandle) finishedBefore(cutoff time.Time) bool {
	at := h.finishedAt.Load()
	return at != 0 && at < cutoff.UnixNano()
}

type dropInService struct {
	sessions      repositories.SessionStateRepository
	store         *sessionStore
	lastUsed      dropin.LastUsedStore
	configuration dropin.ConfigurationFetcher
	deviceData    dropin.DeviceDataCollector
	vault         dropin.VaultLister
	flows         dropin.FlowLauncher
	threeDS       dropin.ThreeDSecureFlow
	stepUps       StepUpVerifier
	analytics     dropin.AnalyticsSink
	results       ResultPublisher
	restore       RestoreSealer
	metrics       *dropin.Metrics
	tracer        trace.Tracer
	clock         func() time.Time
	newID         func() string
	logger        func(ctx context.Context, event string, fields map[string]any)
	settings      DropInSettings

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	resume  singleflight.Group

	mu       sync.Mutex
	live     map[string]*sessionHandle
	creators map[string]*rate.Limiter
	closed   bool
}

var _ DropInService = (*dropInService)(nil)

// NewDropInService wires session runners to their collaborators.
func NewDropInService(deps DropInServiceDeps) (DropInService, error) {
	if deps.Sessions == nil {
		return nil, errors.New("dropin service: session repository is required")
	}
	if deps.Configuration == nil {
		return nil, errors.New("dropin service: configuration fetcher is required")
	}
	if deps.Flows == nil {
		return nil, errors.New("dropin service: flow launcher is required")
	}
	if deps.ThreeDSecure == nil {
		return nil, errors.New("dropin service: three d secure flow is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := deps.NewID
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	settings := withSettingDefaults(deps.Settings)

	var lastUsed dropin.LastUsedStore
	utc := func() time.Time { return clock().UTC() }
	if deps.LastUsed != nil {
		lastUsed = &lastUsedStore{repo: deps.LastUsed, clock: utc}
	}

	base, stop := context.WithCancel(context.Background())
	return &dropInService{
		sessions:      deps.Sessions,
		store:         &sessionStore{repo: deps.Sessions, ttl: settings.SessionTTL, retention: settings.Retention},
		lastUsed:      lastUsed,
		configuration: deps.Configuration,
		deviceData:    deps.DeviceData,
		vault:         deps.Vault,
		flows:         deps.Flows,
		threeDS:       deps.ThreeDSecure,
		stepUps:       deps.StepUps,
		analytics:     deps.Analytics,
		results:       deps.Results,
		restore:       deps.Restore,
		metrics:       deps.Metrics,
		tracer:        deps.Tracer,
		clock:         utc,
		newID:         newID,
		logger:        logger,
		settings:      settings,
		baseCtx:       base,
		stop:          stop,
		live:          make(map[string]*sessionHandle),
		creators:      make(map[string]*rate.Limiter),
	}, nil
}

func withSettingDefaults(s DropInSettings) DropInSettings {
	if s.SessionTTL <= 0 {
		s.SessionTTL = defaultSessionTTL
	}
	if s.Retention <= 0 {
		s.Retention = defaultRetention
	}
	if s.TerminalGrace <= 0 {
		s.TerminalGrace = defaultTerminalGrace
	}
	if s.RefreshWait <= 0 {
		s.RefreshWait = defaultRefreshWait
	}
	if s.PublishTimeout <= 0 {
		s.PublishTimeout = defaultPublishTimeout
	}
	if s.SweepBatch <= 0 {
		s.SweepBatch = defaultSweepBatch
	}
	if s.CallbacksPerSecond <= 0 {
		s.CallbacksPerSecond = defaultCallbackRate
	}
	if s.CallbackBurst <= 0 {
		s.CallbackBurst = defaultCallbackBurst
	}
	if s.SessionCreatePerMinute <= 0 {
		s.SessionCreatePerMinute = defaultCreatesPerMinute
	}
	return s
}

func (s *dropInService) CreateSession(ctx context.Context, cmd CreateSessionCommand) (SessionView, error) {
	if ctx == nil {
		return SessionView{}, errors.New("dropin service: context is required")
	}
	authz := cmd.Authorization
	if strings.TrimSpace(authz.MerchantID) == "" {
		return SessionView{}, fmt.Errorf("%w: merchant is required", ErrInvalidInput)
	}
	if !s.allowCreate(authz.MerchantID) {
		return SessionView{}, ErrRateLimited
	}
	req, err := normalizeRequest(cmd.Request)
	if err != nil {
		return SessionView{}, err
	}

	state := dropin.NewState(s.newID(), req, authz, s.clock())
	h, err := s.launch(state)
	if err != nil {
		return SessionView{}, err
	}
	if _, err := s.activate(h); err != nil {
		return SessionView{}, err
	}
	s.logger(ctx, "dropin.session.created", map[string]any{
		"sessionID":  state.SessionID,
		"merchantID": authz.MerchantID,
		"authKind":   string(authz.Kind),
	})
	return s.view(ctx, h), nil
}

func (s *dropInService) RestoreSession(ctx context.Context, cmd RestoreSessionCommand) (SessionView, error) {
	if ctx == nil {
		return SessionView{}, errors.New("dropin service: context is required")
	}
	if s.restore == nil {
		return SessionView{}, fmt.Errorf("%w: session restore is not configured", ErrInvalidInput)
	}
	if strings.TrimSpace(cmd.Token) == "" {
		return SessionView{}, fmt.Errorf("%w: restore token is required", ErrInvalidInput)
	}
	claims, err := s.restore.Open(cmd.Token)
	if err != nil {
		return SessionView{}, err
	}
	if !strings.EqualFold(strings.TrimSpace(claims.MerchantID), strings.TrimSpace(cmd.Authorization.MerchantID)) {
		return SessionView{}, ErrSessionNotFound
	}
	h, err := s.acquire(ctx, claims.SessionID, &claims)
	if err != nil {
		return SessionView{}, err
	}
	if !owns(h.authz, cmd.Authorization) {
		return SessionView{}, ErrSessionNotFound
	}
	s.logger(ctx, "dropin.session.restored", map[string]any{
		"sessionID":  claims.SessionID,
		"merchantID": claims.MerchantID,
		"version":    claims.Version,
	})
	return s.view(ctx, h), nil
}

func (s *dropInService) GetSession(ctx context.Context, ref SessionRef) (SessionView, error) {
	h, err := s.handleFor(ctx, ref)
	if err != nil {
		return SessionView{}, err
	}
	return s.view(ctx, h), nil
}

func (s *dropInService) VaultedMethods(ctx context.Context, query VaultedMethodsQuery) (VaultedMethodsView, error) {
	h, err := s.handleFor(ctx, query.SessionRef)
	if err != nil {
		return VaultedMethodsView{}, err
	}
	if query.Refresh {
		if err := s.submit(ctx, h, dropin.VaultRefreshRequested{Force: true}); err != nil {
			return VaultedMethodsView{}, err
		}
		s.awaitVaultFetch(ctx, h)
	}
	view := s.view(ctx, h)
	return VaultedMethodsView{
		Methods:    view.VaultedMethods,
		Loaded:     view.VaultLoaded,
		Refreshing: view.VaultRefreshing,
	}, nil
}

func (s *dropInService) SelectMethod(ctx context.Context, cmd SelectMethodCommand) (SessionView, error) {
	h, err := s.handleFor(ctx, cmd.SessionRef)
	if err != nil {
		return SessionView{}, err
	}
	if cmd.Kind == "" {
		return SessionView{}, fmt.Errorf("%w: payment method kind is required", ErrInvalidInput)
	}
	amount, err := normalizeAmount(cmd.Amount)
	if err != nil {
		return SessionView{}, err
	}
	switch cmd.VaultPreference {
	case domain.VaultPreferenceDefault, domain.VaultPreferenceVault, domain.VaultPreferenceSkip:
	default:
		return SessionView{}, fmt.Errorf("%w: unknown vault preference %q", ErrInvalidInput, cmd.VaultPreference)
	}
	ev := dropin.MethodSelected{Request: domain.SelectionRequest{
		Kind:            cmd.Kind,
		Amount:          amount,
		VaultPreference: cmd.VaultPreference,
	}}
	if err := s.submit(ctx, h, ev); err != nil {
		return SessionView{}, err
	}
	return s.view(ctx, h), nil
}

func (s *dropInService) SelectVaultedMethod(ctx context.Context, cmd SelectVaultedMethodCommand) (SessionView, error) {
	h, err := s.handleFor(ctx, cmd.SessionRef)
	if err != nil {
		return SessionView{}, err
	}
	nonce := strings.TrimSpace(cmd.Nonce)
	if nonce == "" {
		return SessionView{}, fmt.Errorf("%w: nonce is required", ErrInvalidInput)
	}
	if err := s.submit(ctx, h, dropin.VaultedMethodSelected{Nonce: nonce}); err != nil {
		return SessionView{}, err
	}
	return s.view(ctx, h), nil
}

func (s *dropInService) OpenVaultManager(ctx context.Context, ref SessionRef) (SessionView, error) {
	h, err := s.handleFor(ctx, ref)
	if err != nil {
		return SessionView{}, err
	}
	if err := s.submit(ctx, h, dropin.VaultManagerRequested{}); err != nil {
		return SessionView{}, err
	}
	return s.view(ctx, h), nil
}

func (s *dropInService) Callback(ctx context.Context, cmd CallbackCommand) (SessionView, error) {
	h, err := s.handleFor(ctx, cmd.SessionRef)
	if err != nil {
		return SessionView{}, err
	}
	if !h.limiter.Allow() {
		return SessionView{}, ErrRateLimited
	}
	ev, err := callbackEvent(cmd)
	if err != nil {
		return SessionView{}, err
	}
	if actionID := strings.TrimSpace(cmd.ActionID); actionID != "" {
		if current := h.runner.Snapshot().ActionID; current != actionID {
			s.logger(ctx, "dropin.callback.stale", map[string]any{
				"sessionID": cmd.SessionID,
				"type":      string(cmd.Type),
				"actionID":  actionID,
				"current":   current,
			})
			return SessionView{}, &StaleCallbackError{ActionID: actionID, Current: current}
		}
	}
	if _, claimed := ev.(dropin.StepUpSucceeded); claimed {
		if ev, err = s.verifyStepUp(ctx, h, cmd); err != nil {
			return SessionView{}, err
		}
	}
	if err := s.submit(ctx, h, ev); err != nil {
		return SessionView{}, err
	}
	return s.view(ctx, h), nil
}

// verifyStepUp swaps a host-reported step-up success for the outcome the PSP recorded against the
// pending challenge. The descriptor the host sent is discarded.
func (s *dropInService) verifyStepUp(ctx context.Context, h *sessionHandle, cmd CallbackCommand) (dropin.Event, error) {
	state := h.runner.Snapshot()
	if state.Phase != dropin.PhaseAwaitingStepUp {
		return nil, &StaleCallbackError{ActionID: strings.TrimSpace(cmd.ActionID), Current: state.ActionID}
	}
	fields := map[string]any{
		"sessionID": cmd.SessionID,
		"actionID":  state.ActionID,
	}
	if s.stepUps == nil || state.PendingAction == nil {
		fields["reason"] = "no_pending_challenge"
		if s.stepUps == nil {
			fields["reason"] = "verifier_unavailable"
		}
		s.logger(ctx, "dropin.callback.step_up_unverified", fields)
		return nil, ErrStepUpUnverified
	}
	ev, err := s.stepUps.VerifyStepUp(ctx, *state.PendingAction)
	if err != nil {
		fields["error"] = err.Error()
		s.logger(ctx, "dropin.callback.step_up_unverified", fields)
		return nil, fmt.Errorf("%w: %v", ErrStepUpUnverified, err)
	}
	switch verified := ev.(type) {
	case dropin.StepUpSucceeded:
		if verified.ActionID == "" {
			verified.ActionID = state.ActionID
		}
		return verified, nil
	case dropin.StepUpFailed, dropin.StepUpCancelled:
		fields["event"] = ev.EventName()
		s.logger(ctx, "dropin.callback.step_up_overridden", fields)
		return ev, nil
	default:
		return nil, ErrStepUpUnverified
	}
}

func (s *dropInService) Cancel(ctx context.Context, cmd CancelCommand) (SessionView, error) {
	h, err := s.handleFor(ctx, cmd.SessionRef)
	if err != nil {
		return SessionView{}, err
	}
	reason := cmd.Reason
	switch reason {
	case "":
		reason = dropin.CancelBackNavigation
	case dropin.CancelBackNavigation, dropin.CancelOutsideTap:
	default:
		return SessionView{}, fmt.Errorf("%w: unknown cancel reason %q", ErrInvalidInput, reason)
	}
	if err := s.submit(ctx, h, dropin.UserCancelled{Reason: reason}); err != nil {
		return SessionView{}, err
	}
	return s.view(ctx, h), nil
}

// CompleteStepUp feeds a PSP-verified step-up result into its session. Results for another action
// than the pending one are dropped.
func (s *dropInService) CompleteStepUp(ctx context.Context, completion StepUpCompletion) error {
	if ctx == nil {
		return errors.New("dropin service: context is required")
	}
	if completion.Event == nil || strings.TrimSpace(completion.SessionID) == "" {
		return fmt.Errorf("%w: step-up completion is incomplete", ErrInvalidInput)
	}
	h, err := s.acquire(ctx, completion.SessionID, nil)
	if err != nil {
		return err
	}
	state := h.runner.Snapshot()
	if completion.ActionID != "" && completion.ActionID != state.ActionID {
		s.logger(ctx, "dropin.stepup.completion_ignored", map[string]any{
			"sessionID": completion.SessionID,
			"eventID":   completion.EventID,
			"actionID":  completion.ActionID,
			"phase":     string(state.Phase),
		})
		return nil
	}
	if err := s.submit(ctx, h, completion.Event); err != nil {
		return err
	}
	s.logger(ctx, "dropin.stepup.completed", map[string]any{
		"sessionID": completion.SessionID,
		"eventID":   completion.EventID,
		"event":     completion.Event.EventName(),
	})
	return nil
}

// Sweep unloads finished sessions from memory and deletes expired records.
func (s *dropInService) Sweep(ctx context.Context) (SweepReport, error) {
	if ctx == nil {
		return SweepReport{}, errors.New("dropin service: context is required")
	}
	now := s.clock()
	report := SweepReport{}

	cutoff := now.Add(-s.settings.TerminalGrace)
	s.mu.Lock()
	for id, h := range s.live {
		if h.finishedBefore(cutoff) {
			h.cancel()
			delete(s.live, id)
			report.Evicted++
		}
	}
	for merchant, limiter := range s.creators {
		if limiter.Tokens() >= float64(limiter.Burst()) {
			delete(s.creators, merchant)
		}
	}
	s.mu.Unlock()

	ids, err := s.sessions.ListExpired(ctx, now, s.settings.SweepBatch)
	if err != nil {
		return report, err
	}
	var deleted atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			s.unload(id)
			if err := s.sessions.Delete(gctx, id); err != nil && !repositories.IsNotFound(err) {
				return fmt.Errorf("delete session %s: %w", id, err)
			}
			deleted.Add(1)
			return nil
		})
	}
	err = g.Wait()
	report.Deleted = int(deleted.Load())
	if report.Evicted > 0 || report.Deleted > 0 {
		s.logger(ctx, "dropin.sweep.completed", map[string]any{
			"evicted": report.Evicted,
			"deleted": report.Deleted,
		})
	}
	return report, err
}

// Shutdown stops every runner and waits for in-flight effects and result publishes.
func (s *dropInService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.live = make(map[string]*sessionHandle)
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LiveSessions reports how many session runners are loaded.
func (s *dropInService) LiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

func (s *dropInService) handleFor(ctx context.Context, ref SessionRef) (*sessionHandle, error) {
	if ctx == nil {
		return nil, errors.New("dropin service: context is required")
	}
	if strings.TrimSpace(ref.SessionID) == "" {
		return nil, ErrSessionNotFound
	}
	h, err := s.acquire(ctx, ref.SessionID, nil)
	if err != nil {
		return nil, err
	}
	if !owns(h.authz, ref.Authorization) {
		return nil, ErrSessionNotFound
	}
	return h, nil
}

// acquire returns the loaded runner for sessionID, resuming it from the store (or from the restore
// token's state when the store has nothing newer) if it is not in memory.
func (s *dropInService) acquire(ctx context.Context, sessionID string, claims *auth.RestoreClaims) (*sessionHandle, error) {
	sessionID = strings.TrimSpace(sessionID)
	if h, err := s.loaded(sessionID); h != nil || err != nil {
		return h, err
	}
	val, err, _ := s.resume.Do(sessionID, func() (any, error) {
		if h, err := s.loaded(sessionID); h != nil || err != nil {
			return h, err
		}
		state, err := s.loadState(ctx, sessionID, claims)
		if err != nil {
			return nil, err
		}
		h, err := s.launch(state)
		if err != nil {
			return nil, err
		}
		h, err = s.activate(h)
		if err != nil {
			return nil, err
		}
		s.logger(ctx, "dropin.session.resumed", map[string]any{
			"sessionID": sessionID,
			"phase":     string(state.Phase),
			"version":   state.Version,
		})
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return val.(*sessionHandle), nil
}

func (s *dropInService) loaded(sessionID string) (*sessionHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrServiceClosed
	}
	return s.live[sessionID], nil
}

func (s *dropInService) loadState(ctx context.Context, sessionID string, claims *auth.RestoreClaims) (dropin.State, error) {
	record, err := s.sessions.Get(ctx, sessionID)
	stored := err == nil
	if err != nil && !repositories.IsNotFound(err) {
		return dropin.State{}, err
	}
	useToken := claims != nil && len(claims.State) > 0 && (!stored || record.Version < claims.Version)
	var data []byte
	switch {
	case useToken:
		data = claims.State
	case stored:
		data = record.State
	default:
		return dropin.State{}, ErrSessionNotFound
	}
	state, err := dropin.UnmarshalState(data)
	if err != nil {
		return dropin.State{}, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	if state.SessionID != sessionID {
		return dropin.State{}, ErrSessionNotFound
	}
	return state, nil
}

// launch builds a runner for state without starting it.
func (s *dropInService) launch(state dropin.State) (*sessionHandle, error) {
	h := &sessionHandle{
		authz:   state.Authorization,
		limiter: rate.NewLimiter(rate.Limit(s.settings.CallbacksPerSecond), s.settings.CallbackBurst),
	}
	if state.Terminal() {
		h.markFinished(state.UpdatedAt)
	}
	deps := dropin.Deps{
		Configuration: s.configuration,
		DeviceData:    s.deviceData,
		Vault:         s.vault,
		Flows:         s.flows,
		ThreeDSecure:  s.threeDS,
		LastUsed:      s.lastUsed,
		Analytics:     s.analytics,
		Results: &resultSink{
			authz:     state.Authorization,
			publisher: s.results,
			clock:     s.clock,
			timeout:   s.settings.PublishTimeout,
			logger:    s.logger,
			spawn:     s.background,
			onResult:  func(string) { h.markFinished(s.clock()) },
		},
		Metrics:            s.metrics,
		Clock:              s.clock,
		NewID:              s.newID,
		WalletProbeTimeout: s.settings.WalletProbeTimeout,
		Logger:             s.logger,
	}
	runner, err := dropin.NewRunner(deps, state, dropin.RunnerOptions{
		Store:  s.store,
		Tracer: s.tracer,
		Logger: s.logger,
	})
	if err != nil {
		return nil, err
	}
	h.runner = runner
	return h, nil
}

// activate registers h and starts its loop. A runner registered concurrently for the same session
// wins and h is discarded.
func (s *dropInService) activate(h *sessionHandle) (*sessionHandle, error) {
	id := h.runner.Snapshot().SessionID
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrServiceClosed
	}
	if existing, ok := s.live[id]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	h.cancel = cancel
	s.live[id] = h
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer cancel()
		if err := h.runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger(ctx, "dropin.runner.stopped", map[string]any{
				"sessionID": id,
				"error":     err.Error(),
			})
		}
	}()
	return h, nil
}

func (s *dropInService) unload(sessionID string) {
	s.mu.Lock()
	h, ok := s.live[sessionID]
	if ok {
		delete(s.live, sessionID)
	}
	s.mu.Unlock()
	if ok {
		h.cancel()
	}
}

func (s *dropInService) background(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *dropInService) submit(ctx context.Context, h *sessionHandle, ev dropin.Event) error {
	err := h.runner.Submit(ctx, ev)
	if errors.Is(err, dropin.ErrRunnerStopped) {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return ErrServiceClosed
		}
		return ErrSessionNotFound
	}
	return err
}

// awaitVaultFetch waits, bounded by RefreshWait, for the forced fetch to land and be published.
func (s *dropInService) awaitVaultFetch(ctx context.Context, h *sessionHandle) {
	if !vaultRefreshing(h.runner.Snapshot()) {
		return
	}
	timer := time.NewTimer(s.settings.RefreshWait)
	defer timer.Stop()
	ticker := time.NewTicker(refreshPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case <-h.runner.Done():
			return
		case <-ticker.C:
			if !vaultRefreshing(h.runner.Snapshot()) {
				return
			}
		}
	}
}

func vaultRefreshing(state dropin.State) bool {
	return state.VaultFetch != nil || state.StagedVault != nil
}

func (s *dropInService) allowCreate(merchantID string) bool {
	key := strings.ToLower(strings.TrimSpace(merchantID))
	per := s.settings.SessionCreatePerMinute
	s.mu.Lock()
	limiter, ok := s.creators[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(per)), per)
		s.creators[key] = limiter
	}
	s.mu.Unlock()
	return limiter.Allow()
}

func (s *dropInService) view(ctx context.Context, h *sessionHandle) SessionView {
	state := h.runner.Snapshot()
	methods := []domain.PaymentMethodDescriptor{}
	if state.Configuration != nil {
		methods = dropin.AvailableVaultedMethods(h.runner.Vaulted(), *state.Configuration, state.Request, state.WalletReady)
	}
	view := SessionView{
		SessionID:        state.SessionID,
		Phase:            state.Phase,
		SupportedMethods: state.SupportedMethods,
		PreferredKind:    state.PreferredKind,
		WalletReady:      state.WalletReady,
		WalletProbeID:    state.WalletProbeID,
		VaultedMethods:   methods,
		VaultLoaded:      state.VaultLoaded,
		VaultRefreshing:  vaultRefreshing(state),
		VaultManagerOpen: state.VaultManagerOpen,
		PendingAction:    state.PendingAction,
		StepUpInProgress: state.StepUp.InProgress,
		Result:           state.Result,
		Version:          state.Version,
		UpdatedAt:        state.UpdatedAt,
	}
	if !state.Terminal() {
		view.RestoreToken = s.sealState(ctx, state)
	}
	return view
}

func (s *dropInService) sealState(ctx context.Context, state dropin.State) string {
	if s.restore == nil {
		return ""
	}
	data, err := dropin.MarshalState(state)
	if err == nil {
		var token string
		token, err = s.restore.Seal(auth.RestoreClaims{
			SessionID:  state.SessionID,
			MerchantID: state.Authorization.MerchantID,
			Version:    state.Version,
			State:      data,
		})
		if err == nil {
			return token
		}
	}
	s.logger(ctx, "dropin.restore_token.seal_failed", map[string]any{
		"sessionID": state.SessionID,
		"error":     err.Error(),
	})
	return ""
}

// owns reports whether caller may address a session opened with session. A customer-bound
// session additionally requires the same customer.
func owns(session, caller domain.AuthorizationContext) bool {
	if !strings.EqualFold(strings.TrimSpace(session.MerchantID), strings.TrimSpace(caller.MerchantID)) {
		return false
	}
	if session.CustomerID != "" && caller.CustomerID != "" && session.CustomerID != caller.CustomerID {
		return false
	}
	return true
}
