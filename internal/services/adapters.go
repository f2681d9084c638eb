package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hanko-field/dropin/internal/domain"
	"github.com/hanko-field/dropin/internal/dropin"
	"github.com/hanko-field/dropin/internal/repositories"
)

const defaultConfigCacheTTL = 30 * time.Second

// MerchantConfigFetcher serves configuration snapshots from the merchant config repository.
// Concurrent sessions of one merchant share a single lookup and a short-lived cached copy.
type MerchantConfigFetcher struct {
	repo  repositories.MerchantConfigRepository
	ttl   time.Duration
	clock func() time.Time
	group singleflight.Group

	mu    sync.Mutex
	cache map[string]cachedConfig
}

type cachedConfig struct {
	snapshot domain.ConfigurationSnapshot
	expires  time.Time
}

var _ dropin.ConfigurationFetcher = (*MerchantConfigFetcher)(nil)

// NewMerchantConfigFetcher constructs a fetcher. A non-positive ttl disables caching.
func NewMerchantConfigFetcher(repo repositories.MerchantConfigRepository, ttl time.Duration, clock func() time.Time) (*MerchantConfigFetcher, error) {
	if repo == nil {
		return nil, errors.New("config fetcher: merchant config repository is required")
	}
	if clock == nil {
		clock = time.Now
	}
	if ttl == 0 {
		ttl = defaultConfigCacheTTL
	}
	return &MerchantConfigFetcher{repo: repo, ttl: ttl, clock: clock, cache: make(map[string]cachedConfig)}, nil
}

// FetchConfiguration implements dropin.ConfigurationFetcher. Missing merchants are reported as
// configuration errors and backend outages as service unavailability.
func (f *MerchantConfigFetcher) FetchConfiguration(ctx context.Context, authz domain.AuthorizationContext) (domain.ConfigurationSnapshot, error) {
	key := strings.ToLower(strings.TrimSpace(authz.MerchantID))
	if key == "" {
		return domain.ConfigurationSnapshot{}, domain.NewFlowError(domain.ErrorAuthorizationFailure, "merchant_missing", errors.New("authorization carries no merchant"))
	}
	if snapshot, ok := f.cached(key); ok {
		return snapshot, nil
	}

	ch := f.group.DoChan(key, func() (any, error) {
		snapshot, err := f.repo.FindByMerchant(context.WithoutCancel(ctx), key)
		if err != nil {
			return nil, err
		}
		f.store(key, snapshot)
		return snapshot, nil
	})

	select {
	case <-ctx.Done():
		return domain.ConfigurationSnapshot{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.ConfigurationSnapshot{}, classifyConfigError(res.Err)
		}
		snapshot := res.Val.(domain.ConfigurationSnapshot)
		snapshot.Card.SupportedNetworks = append([]domain.CardNetwork(nil), snapshot.Card.SupportedNetworks...)
		return snapshot, nil
	}
}

func (f *MerchantConfigFetcher) cached(key string) (domain.ConfigurationSnapshot, bool) {
	if f.ttl <= 0 {
		return domain.ConfigurationSnapshot{}, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.cache[key]
	if !ok || !f.clock().Before(entry.expires) {
		delete(f.cache, key)
		return domain.ConfigurationSnapshot{}, false
	}
	snapshot := entry.snapshot
	snapshot.Card.SupportedNetworks = append([]domain.CardNetwork(nil), entry.snapshot.Card.SupportedNetworks...)
	return snapshot, true
}

func (f *MerchantConfigFetcher) store(key string, snapshot domain.ConfigurationSnapshot) {
	if f.ttl <= 0 {
		return
	}
	f.mu.Lock()
	f.cache[key] = cachedConfig{snapshot: snapshot, expires: f.clock().Add(f.ttl)}
	f.mu.Unlock()
}

func classifyConfigError(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case repositories.IsNotFound(err):
		return domain.NewFlowError(domain.ErrorConfigurationInvalid, "merchant_not_configured", err)
	case repositories.IsUnavailable(err):
		return domain.NewFlowError(domain.ErrorServiceUnavailable, "configuration_unavailable", err)
	default:
		return domain.NewFlowError(domain.ErrorServerFailure, "configuration_fetch_failed", err)
	}
}

// sessionStore persists runner snapshots. Open sessions expire ttl after creation; finished ones
// are kept for retention after their last update.
type sessionStore struct {
	repo      repositories.SessionStateRepository
	ttl       time.Duration
	retention time.Duration
}

var _ dropin.StateStore = (*sessionStore)(nil)

func (s *sessionStore) SaveState(ctx context.Context, state dropin.State) error {
	data, err := dropin.MarshalState(state)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", state.SessionID, err)
	}
	expires := state.CreatedAt.Add(s.ttl)
	if state.Terminal() {
		expires = state.UpdatedAt.Add(s.retention)
	}
	return s.repo.Save(ctx, repositories.SessionRecord{
		SessionID:  state.SessionID,
		MerchantID: state.Authorization.MerchantID,
		Version:    state.Version,
		Phase:      string(state.Phase),
		Terminal:   state.Terminal(),
		State:      data,
		UpdatedAt:  state.UpdatedAt,
		ExpiresAt:  expires,
	})
}

// lastUsedStore adapts the last-used repository to the orchestrator port. Credentials without a
// customer have nothing to remember.
type lastUsedStore struct {
	repo  repositories.LastUsedRepository
	clock func() time.Time
}

var _ dropin.LastUsedStore = (*lastUsedStore)(nil)

func (s *lastUsedStore) LoadLastUsed(ctx context.Context, authz domain.AuthorizationContext) (domain.PaymentMethodKind, error) {
	if strings.TrimSpace(authz.CustomerID) == "" {
		return "", nil
	}
	kind, err := s.repo.Load(ctx, authz.MerchantID, authz.CustomerID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return kind, nil
}

func (s *lastUsedStore) SaveLastUsed(ctx context.Context, authz domain.AuthorizationContext, kind domain.PaymentMethodKind) error {
	if strings.TrimSpace(authz.CustomerID) == "" {
		return nil
	}
	return s.repo.Save(ctx, authz.MerchantID, authz.CustomerID, kind, s.clock())
}

// resultSink publishes the terminal result of one session. Deliver runs on the control loop, so
// the publish itself is handed to spawn when one is set.
type resultSink struct {
	authz     domain.AuthorizationContext
	publisher ResultPublisher
	clock     func() time.Time
	timeout   time.Duration
	logger    func(ctx context.Context, event string, fields map[string]any)
	spawn     func(fn func())
	onResult  func(sessionID string)
}

var _ dropin.ResultSink = (*resultSink)(nil)

func (s *resultSink) Deliver(ctx context.Context, sessionID string, result domain.SessionResult) {
	if s.onResult != nil {
		s.onResult(sessionID)
	}
	if s.publisher == nil {
		return
	}
	msg := SessionResultMessage{
		SessionID:   sessionID,
		MerchantID:  s.authz.MerchantID,
		CustomerID:  s.authz.CustomerID,
		Result:      result,
		CompletedAt: s.clock(),
	}
	ctx = context.WithoutCancel(ctx)
	if s.spawn == nil {
		s.publish(ctx, msg)
		return
	}
	s.spawn(func() { s.publish(ctx, msg) })
}

func (s *resultSink) publish(ctx context.Context, msg SessionResultMessage) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	sessionID := msg.SessionID
	result := msg.Result
	id, err := s.publisher.PublishResult(ctx, msg)
	if err != nil {
		s.logger(ctx, "dropin.result.publish_failed", map[string]any{
			"sessionID": sessionID,
			"outcome":   string(result.Outcome),
			"error":     err.Error(),
		})
		return
	}
	s.logger(ctx, "dropin.result.published", map[string]any{
		"sessionID": sessionID,
		"outcome":   string(result.Outcome),
		"messageID": id,
	})
}

// AnalyticsFanout forwards every signal to each sink.
type AnalyticsFanout []dropin.AnalyticsSink

var _ dropin.AnalyticsSink = AnalyticsFanout(nil)

// NewAnalyticsFanout drops nil sinks.
func NewAnalyticsFanout(sinks ...dropin.AnalyticsSink) AnalyticsFanout {
	out := make(AnalyticsFanout, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			out = append(out, sink)
		}
	}
	return out
}

// Emit implements dropin.AnalyticsSink.
func (f AnalyticsFanout) Emit(ctx context.Context, event domain.AnalyticsEvent) {
	for _, sink := range f {
		sink.Emit(ctx, event)
	}
}

// LogAnalyticsSink writes analytics signals to the structured log.
type LogAnalyticsSink func(ctx context.Context, event string, fields map[string]any)

// Emit implements dropin.AnalyticsSink.
func (l LogAnalyticsSink) Emit(ctx context.Context, event domain.AnalyticsEvent) {
	if l == nil {
		return
	}
	fields := map[string]any{
		"sessionID":  event.SessionID,
		"merchantID": event.MerchantID,
		"signal":     event.Name,
	}
	for k, v := range event.Attributes {
		fields["attr."+k] = v
	}
	l(ctx, "dropin.analytics", fields)
}
