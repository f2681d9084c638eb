package dropin

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hanko-field/dropin/internal/domain"
)

const probeTimeoutTask = "wallet.probe_timeout"

type queuedTask struct {
	name string
	fn   func(ctx context.Context) Event
}

// manualExecutor queues effects so tests decide when they complete.
type manualExecutor struct {
	tasks []queuedTask
}

func (m *manualExecutor) Go(name string, fn func(ctx context.Context) Event) {
	m.tasks = append(m.tasks, queuedTask{name: name, fn: fn})
}

func (m *manualExecutor) pending(name string) int {
	count := 0
	for _, task := range m.tasks {
		if task.name == name {
			count++
		}
	}
	return count
}

// take removes the first queued task called name without running it.
func (m *manualExecutor) take(name string) (queuedTask, bool) {
	for i, task := range m.tasks {
		if task.name == name {
			m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
			return task, true
		}
	}
	return queuedTask{}, false
}

type fakeConfiguration struct {
	snapshot domain.ConfigurationSnapshot
	err      error
	calls    int
}

func (f *fakeConfiguration) FetchConfiguration(context.Context, domain.AuthorizationContext) (domain.ConfigurationSnapshot, error) {
	f.calls++
	return f.snapshot, f.err
}

type fakeDeviceData struct {
	data string
	err  error
}

func (f *fakeDeviceData) CollectDeviceData(context.Context, string, domain.ConfigurationSnapshot) (string, error) {
	return f.data, f.err
}

type fakeVault struct {
	mu      sync.Mutex
	methods []domain.PaymentMethodDescriptor
	err     error
	calls   int
}

func (f *fakeVault) ListVaultedMethods(context.Context, domain.AuthorizationContext) ([]domain.PaymentMethodDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return append([]domain.PaymentMethodDescriptor(nil), f.methods...), f.err
}

func (f *fakeVault) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeLauncher struct {
	mu       sync.Mutex
	requests []FlowRequest
	err      error
}

func (f *fakeLauncher) Launch(_ context.Context, req FlowRequest) (domain.ClientAction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return domain.ClientAction{}, f.err
	}
	return domain.ClientAction{ID: req.ActionID, Type: req.Type, Params: req.Params}, nil
}

func (f *fakeLauncher) last() FlowRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return FlowRequest{}
	}
	return f.requests[len(f.requests)-1]
}

type fakeThreeDSecure struct {
	mu       sync.Mutex
	requests []ThreeDSecureRequest
	err      error
}

func (f *fakeThreeDSecure) StartStepUp(_ context.Context, req ThreeDSecureRequest) (domain.ClientAction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return domain.ClientAction{}, f.err
	}
	return domain.ClientAction{ID: req.ActionID, Type: domain.ActionThreeDSecureChallenge}, nil
}

func (f *fakeThreeDSecure) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeLastUsed struct {
	mu    sync.Mutex
	kind  domain.PaymentMethodKind
	saved []domain.PaymentMethodKind
}

func (f *fakeLastUsed) LoadLastUsed(context.Context, domain.AuthorizationContext) (domain.PaymentMethodKind, error) {
	return f.kind, nil
}

func (f *fakeLastUsed) SaveLastUsed(_ context.Context, _ domain.AuthorizationContext, kind domain.PaymentMethodKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, kind)
	return nil
}

type fakeAnalytics struct {
	mu     sync.Mutex
	events []domain.AnalyticsEvent
}

func (f *fakeAnalytics) Emit(_ context.Context, event domain.AnalyticsEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeAnalytics) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.events))
	for _, event := range f.events {
		names = append(names, event.Name)
	}
	return names
}

type fakeResults struct {
	mu      sync.Mutex
	results []domain.SessionResult
}

func (f *fakeResults) Deliver(_ context.Context, _ string, result domain.SessionResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, result)
}

func (f *fakeResults) all() []domain.SessionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.SessionResult(nil), f.results...)
}

// classified is a collaborator error that knows its taxonomy kind.
type classified struct {
	kind domain.ErrorKind
	code string
}

func (c classified) Error() string               { return fmt.Sprintf("gateway error %s", c.code) }
func (c classified) ErrorKind() domain.ErrorKind { return c.kind }
func (c classified) ErrorCode() string           { return c.code }

type harness struct {
	t         *testing.T
	exec      *manualExecutor
	orch      *Orchestrator
	config    *fakeConfiguration
	device    *fakeDeviceData
	vault     *fakeVault
	launcher  *fakeLauncher
	threeDS   *fakeThreeDSecure
	lastUsed  *fakeLastUsed
	analytics *fakeAnalytics
	results   *fakeResults
	phases    []Phase
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	request  domain.DropInRequest
	auth     domain.AuthorizationContext
	snapshot domain.ConfigurationSnapshot
	vaulted  []domain.PaymentMethodDescriptor
	state    *State
}

func withRequest(req domain.DropInRequest) harnessOption {
	return func(c *harnessConfig) { c.request = req }
}

func withClientToken(vaulted ...domain.PaymentMethodDescriptor) harnessOption {
	return func(c *harnessConfig) {
		c.auth = domain.AuthorizationContext{Kind: domain.AuthorizationClientToken, MerchantID: "merchant_1", CustomerID: "cus_123"}
		c.vaulted = vaulted
	}
}

func withSnapshot(mutate func(*domain.ConfigurationSnapshot)) harnessOption {
	return func(c *harnessConfig) { mutate(&c.snapshot) }
}

func withState(state State) harnessOption {
	return func(c *harnessConfig) { c.state = &state }
}

func defaultSnapshot() domain.ConfigurationSnapshot {
	return domain.ConfigurationSnapshot{
		MerchantID:          "merchant_1",
		Environment:         "sandbox",
		Card:                domain.CardConfiguration{SupportedNetworks: []domain.CardNetwork{domain.CardNetworkVisa, domain.CardNetworkMastercard}},
		PayPalEnabled:       true,
		VenmoEnabled:        false,
		GooglePay:           domain.GooglePayConfiguration{Enabled: true, Environment: "TEST", MerchantID: "gp_merchant"},
		ThreeDSecureEnabled: true,
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{
		request:  domain.DropInRequest{Currency: "USD", RequestThreeDSecure: true},
		auth:     domain.AuthorizationContext{Kind: domain.AuthorizationSessionToken, MerchantID: "merchant_1"},
		snapshot: defaultSnapshot(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h := &harness{
		t:         t,
		exec:      &manualExecutor{},
		config:    &fakeConfiguration{snapshot: cfg.snapshot},
		device:    &fakeDeviceData{data: "device-fp"},
		vault:     &fakeVault{methods: cfg.vaulted},
		launcher:  &fakeLauncher{},
		threeDS:   &fakeThreeDSecure{},
		lastUsed:  &fakeLastUsed{},
		analytics: &fakeAnalytics{},
		results:   &fakeResults{},
	}
	state := NewState("sess_1", cfg.request, cfg.auth, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	if cfg.state != nil {
		state = *cfg.state
	}
	seq := 0
	orch, err := NewOrchestrator(Deps{
		Configuration: h.config,
		DeviceData:    h.device,
		Vault:         h.vault,
		Flows:         h.launcher,
		ThreeDSecure:  h.threeDS,
		LastUsed:      h.lastUsed,
		Analytics:     h.analytics,
		Results:       h.results,
		Clock:         func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) },
		NewID: func() string {
			seq++
			return fmt.Sprintf("id_%d", seq)
		},
		After: func(time.Duration) <-chan time.Time {
			ch := make(chan time.Time, 1)
			ch <- time.Time{}
			return ch
		},
	}, h.exec, state)
	require.NoError(t, err)
	h.orch = orch
	return h
}

// handle applies ev and records the resulting phase.
func (h *harness) handle(ev Event) error {
	h.t.Helper()
	err := h.orch.Handle(context.Background(), ev)
	h.phases = append(h.phases, h.orch.state.Phase)
	return err
}

// drain runs queued effects, feeding their events back, until only wallet probe timeouts remain.
func (h *harness) drain() {
	h.t.Helper()
	for {
		idx := -1
		for i, task := range h.exec.tasks {
			if task.name != probeTimeoutTask {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		task := h.exec.tasks[idx]
		h.exec.tasks = append(h.exec.tasks[:idx], h.exec.tasks[idx+1:]...)
		if ev := task.fn(context.Background()); ev != nil {
			require.NoError(h.t, h.handle(ev))
		}
	}
}

// fireProbeTimeouts runs pending wallet probe timeouts.
func (h *harness) fireProbeTimeouts() {
	h.t.Helper()
	remaining := h.exec.tasks[:0]
	var fired []queuedTask
	for _, task := range h.exec.tasks {
		if task.name == probeTimeoutTask {
			fired = append(fired, task)
			continue
		}
		remaining = append(remaining, task)
	}
	h.exec.tasks = remaining
	for _, task := range fired {
		if ev := task.fn(context.Background()); ev != nil {
			require.NoError(h.t, h.handle(ev))
		}
	}
}

// start loads configuration and settles the initial effects.
func (h *harness) start() {
	h.t.Helper()
	h.orch.Start(context.Background())
	h.drain()
}

// answerWalletProbe answers the pending probe.
func (h *harness) answerWalletProbe(ready bool) {
	h.t.Helper()
	probeID := h.orch.state.WalletProbeID
	require.NotEmpty(h.t, probeID, "expected a pending wallet probe")
	require.NoError(h.t, h.handle(WalletReadinessResolved{ProbeID: probeID, Ready: ready}))
}

func cardDescriptor(nonce string) domain.PaymentMethodDescriptor {
	return domain.PaymentMethodDescriptor{
		Kind:            domain.KindCard,
		Nonce:           nonce,
		IsVaultEligible: true,
		Display:         domain.DisplayMetadata{Network: "visa", LastFour: "4242"},
	}
}
