package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanko-field/dropin/internal/domain"
	"github.com/hanko-field/dropin/internal/dropin"
	"github.com/hanko-field/dropin/internal/repositories"
	"github.com/hanko-field/dropin/internal/repositories/memory"
)

type countingConfigs struct {
	calls   atomic.Int32
	release chan struct{}
	err     error
}

func (c *countingConfigs) FindByMerchant(ctx context.Context, merchantID string) (domain.ConfigurationSnapshot, error) {
	c.calls.Add(1)
	if c.release != nil {
		<-c.release
	}
	if c.err != nil {
		return domain.ConfigurationSnapshot{}, c.err
	}
	snapshot := testSnapshot()
	snapshot.MerchantID = merchantID
	return snapshot, nil
}

func TestMerchantConfigFetcherSharesConcurrentLookups(t *testing.T) {
	repo := &countingConfigs{release: make(chan struct{})}
	fetcher, err := NewMerchantConfigFetcher(repo, time.Minute, newTestClock().Now)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snapshot, err := fetcher.FetchConfiguration(context.Background(), merchantAuth())
			assert.NoError(t, err)
			assert.Equal(t, testMerchant, snapshot.MerchantID)
		}()
	}
	require.Eventually(t, func() bool { return repo.calls.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(repo.release)
	wg.Wait()

	_, err = fetcher.FetchConfiguration(context.Background(), domain.AuthorizationContext{MerchantID: "MERCHANT_1"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), repo.calls.Load())
}

func TestMerchantConfigFetcherClassifiesFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind domain.ErrorKind
	}{
		{name: "missing merchant", err: repositories.NewNotFoundError("configs.get", testMerchant), kind: domain.ErrorConfigurationInvalid},
		{name: "backend down", err: repositories.NewUnavailableError("configs.get", errors.New("dial")), kind: domain.ErrorServiceUnavailable},
		{name: "other", err: errors.New("boom"), kind: domain.ErrorServerFailure},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fetcher, err := NewMerchantConfigFetcher(&countingConfigs{err: tc.err}, -1, nil)
			require.NoError(t, err)
			_, err = fetcher.FetchConfiguration(context.Background(), merchantAuth())
			require.Error(t, err)
			assert.Equal(t, tc.kind, domain.ErrorKindOf(err))
		})
	}

	fetcher, err := NewMerchantConfigFetcher(&countingConfigs{}, -1, nil)
	require.NoError(t, err)
	_, err = fetcher.FetchConfiguration(context.Background(), domain.AuthorizationContext{})
	assert.Equal(t, domain.ErrorAuthorizationFailure, domain.ErrorKindOf(err))
}

func TestSessionStoreExpiry(t *testing.T) {
	repo := memory.NewSessionRepository()
	store := &sessionStore{repo: repo, ttl: 24 * time.Hour, retention: time.Hour}
	created := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	state := dropin.NewState("sess_store", domain.DropInRequest{}, merchantAuth(), created)
	require.NoError(t, store.SaveState(context.Background(), state))
	record, err := repo.Get(context.Background(), "sess_store")
	require.NoError(t, err)
	assert.Equal(t, created.Add(24*time.Hour), record.ExpiresAt)
	assert.False(t, record.Terminal)
	assert.Equal(t, testMerchant, record.MerchantID)

	result := domain.CancelledResult()
	state.Phase = dropin.PhaseTerminal
	state.Result = &result
	state.Version = 3
	state.UpdatedAt = created.Add(10 * time.Minute)
	require.NoError(t, store.SaveState(context.Background(), state))
	record, err = repo.Get(context.Background(), "sess_store")
	require.NoError(t, err)
	assert.True(t, record.Terminal)
	assert.Equal(t, created.Add(70*time.Minute), record.ExpiresAt)

	restored, err := dropin.UnmarshalState(record.State)
	require.NoError(t, err)
	assert.Equal(t, int64(3), restored.Version)
}

func TestLastUsedStoreSkipsAnonymousCredentials(t *testing.T) {
	repo := memory.NewLastUsedRepository()
	store := &lastUsedStore{repo: repo, clock: newTestClock().Now}

	require.NoError(t, store.SaveLastUsed(context.Background(), merchantAuth(), domain.KindPayPal))
	kind, err := store.LoadLastUsed(context.Background(), merchantAuth())
	require.NoError(t, err)
	assert.Empty(t, kind)

	customer := domain.AuthorizationContext{Kind: domain.AuthorizationClientToken, MerchantID: testMerchant, CustomerID: "cus_1"}
	kind, err = store.LoadLastUsed(context.Background(), customer)
	require.NoError(t, err)
	assert.Empty(t, kind)

	require.NoError(t, store.SaveLastUsed(context.Background(), customer, domain.KindVenmo))
	kind, err = store.LoadLastUsed(context.Background(), customer)
	require.NoError(t, err)
	assert.Equal(t, domain.KindVenmo, kind)
}

type failingPublisher struct{ calls atomic.Int32 }

func (p *failingPublisher) PublishResult(context.Context, SessionResultMessage) (string, error) {
	p.calls.Add(1)
	return "", errors.New("topic gone")
}

func TestResultSinkLogsPublishFailures(t *testing.T) {
	publisher := &failingPublisher{}
	var events []string
	sink := &resultSink{
		authz:     merchantAuth(),
		publisher: publisher,
		clock:     newTestClock().Now,
		logger: func(_ context.Context, event string, _ map[string]any) {
			events = append(events, event)
		},
	}
	finished := ""
	sink.onResult = func(id string) { finished = id }

	sink.Deliver(context.Background(), "sess_sink", domain.CancelledResult())
	assert.Equal(t, "sess_sink", finished)
	assert.Equal(t, int32(1), publisher.calls.Load())
	assert.Equal(t, []string{"dropin.result.publish_failed"}, events)
}

func TestAnalyticsFanoutSkipsNilSinks(t *testing.T) {
	first := &recordingAnalytics{}
	second := &recordingAnalytics{}
	var logged []string
	logSink := LogAnalyticsSink(func(_ context.Context, event string, fields map[string]any) {
		logged = append(logged, fields["signal"].(string))
	})
	fanout := NewAnalyticsFanout(first, nil, second, logSink)
	require.Len(t, fanout, 3)

	fanout.Emit(context.Background(), domain.AnalyticsEvent{SessionID: "s", Name: domain.SignalAppeared})
	assert.Equal(t, []string{domain.SignalAppeared}, first.names())
	assert.Equal(t, []string{domain.SignalAppeared}, second.names())
	assert.Equal(t, []string{domain.SignalAppeared}, logged)
}
