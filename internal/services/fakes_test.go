package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hanko-field/dropin/internal/domain"
	"github.com/hanko-field/dropin/internal/dropin"
	"github.com/hanko-field/dropin/internal/platform/auth"
	"github.com/hanko-field/dropin/internal/repositories/memory"
)

const testMerchant = "merchant_1"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stubFlows struct {
	mu       sync.Mutex
	requests []dropin.FlowRequest
}

func (s *stubFlows) Launch(_ context.Context, req dropin.FlowRequest) (domain.ClientAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return domain.ClientAction{ID: req.ActionID, Type: req.Type, Params: req.Params}, nil
}

type stubThreeDSecure struct {
	mu       sync.Mutex
	requests []dropin.ThreeDSecureRequest
}

func (s *stubThreeDSecure) StartStepUp(_ context.Context, req dropin.ThreeDSecureRequest) (domain.ClientAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return domain.ClientAction{ID: req.ActionID, Type: domain.ActionThreeDSecureChallenge, URL: "https://issuer.test/challenge"}, nil
}

type stubStepUpVerifier struct {
	mu      sync.Mutex
	actions []domain.ClientAction
	event   dropin.Event
	err     error
}

func (s *stubStepUpVerifier) VerifyStepUp(_ context.Context, action domain.ClientAction) (dropin.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, action)
	return s.event, s.err
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []SessionResultMessage
}

func (p *recordingPublisher) PublishResult(_ context.Context, msg SessionResultMessage) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return "msg-1", nil
}

func (p *recordingPublisher) all() []SessionResultMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SessionResultMessage(nil), p.messages...)
}

type recordingAnalytics struct {
	mu     sync.Mutex
	events []domain.AnalyticsEvent
}

func (r *recordingAnalytics) Emit(_ context.Context, event domain.AnalyticsEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingAnalytics) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.events))
	for _, event := range r.events {
		names = append(names, event.Name)
	}
	return names
}

func testSnapshot() domain.ConfigurationSnapshot {
	return domain.ConfigurationSnapshot{
		MerchantID:          testMerchant,
		Environment:         "sandbox",
		Card:                domain.CardConfiguration{SupportedNetworks: []domain.CardNetwork{domain.CardNetworkVisa, domain.CardNetworkMastercard}},
		PayPalEnabled:       true,
		ThreeDSecureEnabled: true,
	}
}

func merchantAuth() domain.AuthorizationContext {
	return domain.AuthorizationContext{Kind: domain.AuthorizationSessionToken, MerchantID: testMerchant}
}

type serviceFixture struct {
	svc       DropInService
	sessions  *memory.SessionRepository
	lastUsed  *memory.LastUsedRepository
	publisher *recordingPublisher
	analytics *recordingAnalytics
	threeDS   *stubThreeDSecure
	sealer    *auth.Sealer
	clock     *testClock
}

type fixtureOption func(*DropInServiceDeps)

func newServiceFixture(t *testing.T, opts ...fixtureOption) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		sessions:  memory.NewSessionRepository(),
		lastUsed:  memory.NewLastUsedRepository(),
		publisher: &recordingPublisher{},
		analytics: &recordingAnalytics{},
		threeDS:   &stubThreeDSecure{},
		clock:     newTestClock(),
	}
	sealer, err := auth.NewSealer("restore-secret", time.Hour, f.clock.Now)
	require.NoError(t, err)
	f.sealer = sealer
	f.svc = f.build(t, f.sessions, opts...)
	return f
}

// build constructs a service over sessions sharing the fixture's collaborators.
func (f *serviceFixture) build(t *testing.T, sessions *memory.SessionRepository, opts ...fixtureOption) DropInService {
	t.Helper()
	fetcher, err := NewMerchantConfigFetcher(memory.NewMerchantConfigRepository(map[string]domain.ConfigurationSnapshot{
		testMerchant: testSnapshot(),
	}), -1, f.clock.Now)
	require.NoError(t, err)
	deps := DropInServiceDeps{
		Sessions:      sessions,
		LastUsed:      f.lastUsed,
		Configuration: fetcher,
		Flows:         &stubFlows{},
		ThreeDSecure:  f.threeDS,
		Analytics:     f.analytics,
		Results:       f.publisher,
		Restore:       f.sealer,
		Clock:         f.clock.Now,
		Settings:      DropInSettings{Retention: time.Hour},
	}
	for _, opt := range opts {
		opt(&deps)
	}
	svc, err := NewDropInService(deps)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc
}

func (f *serviceFixture) awaitPhase(t *testing.T, svc DropInService, ref SessionRef, phase dropin.Phase) SessionView {
	t.Helper()
	var view SessionView
	require.Eventually(t, func() bool {
		var err error
		view, err = svc.GetSession(context.Background(), ref)
		return err == nil && view.Phase == phase
	}, 2*time.Second, 5*time.Millisecond, "session never reached %s", phase)
	return view
}

func (f *serviceFixture) awaitPendingAction(t *testing.T, ref SessionRef) *domain.ClientAction {
	t.Helper()
	var view SessionView
	require.Eventually(t, func() bool {
		var err error
		view, err = f.svc.GetSession(context.Background(), ref)
		return err == nil && view.PendingAction != nil
	}, 2*time.Second, 5*time.Millisecond)
	return view.PendingAction
}
