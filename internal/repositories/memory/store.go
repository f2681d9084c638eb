package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hanko-field/dropin/internal/domain"
	"github.com/hanko-field/dropin/internal/repositories"
)

// SessionRepository keeps session records in process memory. It backs local development and tests.
type SessionRepository struct {
	mu      sync.RWMutex
	records map[string]repositories.SessionRecord
}

var _ repositories.SessionStateRepository = (*SessionRepository)(nil)

// NewSessionRepository constructs an empty repository.
func NewSessionRepository() *SessionRepository {
	return &SessionRepository{records: make(map[string]repositories.SessionRecord)}
}

func (r *SessionRepository) Save(_ context.Context, record repositories.SessionRecord) error {
	id := strings.TrimSpace(record.SessionID)
	if id == "" {
		return fmt.Errorf("memory session save: session id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.records[id]; ok && existing.Version > record.Version {
		return repositories.NewConflictError("memory.sessions.save", fmt.Errorf("stored version %d is newer than %d", existing.Version, record.Version))
	}
	record.State = append([]byte(nil), record.State...)
	r.records[id] = record
	return nil
}

func (r *SessionRepository) Get(_ context.Context, sessionID string) (repositories.SessionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.records[strings.TrimSpace(sessionID)]
	if !ok {
		return repositories.SessionRecord{}, repositories.NewNotFoundError("memory.sessions.get", sessionID)
	}
	record.State = append([]byte(nil), record.State...)
	return record, nil
}

func (r *SessionRepository) Delete(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, strings.TrimSpace(sessionID))
	return nil
}

func (r *SessionRepository) ListExpired(_ context.Context, before time.Time, limit int) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, record := range r.records {
		if !record.ExpiresAt.IsZero() && record.ExpiresAt.Before(before) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// LastUsedRepository keeps last-used kinds in memory.
type LastUsedRepository struct {
	mu    sync.RWMutex
	kinds map[string]domain.PaymentMethodKind
}

var _ repositories.LastUsedRepository = (*LastUsedRepository)(nil)

// NewLastUsedRepository constructs an empty repository.
func NewLastUsedRepository() *LastUsedRepository {
	return &LastUsedRepository{kinds: make(map[string]domain.PaymentMethodKind)}
}

func (r *LastUsedRepository) Load(_ context.Context, merchantID, customerID string) (domain.PaymentMethodKind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kind, ok := r.kinds[lastUsedKey(merchantID, customerID)]
	if !ok {
		return "", repositories.NewNotFoundError("memory.last_used.load", merchantID)
	}
	return kind, nil
}

func (r *LastUsedRepository) Save(_ context.Context, merchantID, customerID string, kind domain.PaymentMethodKind, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[lastUsedKey(merchantID, customerID)] = kind
	return nil
}

func lastUsedKey(merchantID, customerID string) string {
	return strings.ToLower(strings.TrimSpace(merchantID)) + "/" + strings.TrimSpace(customerID)
}

// MerchantConfigRepository serves merchant configuration seeded at construction.
type MerchantConfigRepository struct {
	mu      sync.RWMutex
	configs map[string]domain.ConfigurationSnapshot
}

var _ repositories.MerchantConfigRepository = (*MerchantConfigRepository)(nil)

// NewMerchantConfigRepository constructs a repository seeded with configs keyed by merchant id.
func NewMerchantConfigRepository(configs map[string]domain.ConfigurationSnapshot) *MerchantConfigRepository {
	repo := &MerchantConfigRepository{configs: make(map[string]domain.ConfigurationSnapshot, len(configs))}
	for id, cfg := range configs {
		repo.Put(id, cfg)
	}
	return repo
}

// Put replaces the configuration for merchantID.
func (r *MerchantConfigRepository) Put(merchantID string, cfg domain.ConfigurationSnapshot) {
	key := strings.ToLower(strings.TrimSpace(merchantID))
	if cfg.MerchantID == "" {
		cfg.MerchantID = strings.TrimSpace(merchantID)
	}
	r.mu.Lock()
	r.configs[key] = cfg
	r.mu.Unlock()
}

func (r *MerchantConfigRepository) FindByMerchant(_ context.Context, merchantID string) (domain.ConfigurationSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[strings.ToLower(strings.TrimSpace(merchantID))]
	if !ok {
		return domain.ConfigurationSnapshot{}, repositories.NewNotFoundError("memory.merchant_configs.find", merchantID)
	}
	cfg.Card.SupportedNetworks = append([]domain.CardNetwork(nil), cfg.Card.SupportedNetworks...)
	return cfg, nil
}
