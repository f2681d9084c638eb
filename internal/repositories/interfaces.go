package repositories

import (
	"context"
	"time"

	"github.com/hanko-field/dropin/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Sessions() SessionStateRepository
	LastUsed() LastUsedRepository
	MerchantConfigs() MerchantConfigRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// SessionRecord is the persisted form of a Drop-In session. State holds the serialised session
// state; the remaining fields are indexed copies used for lookups and sweeping.
type SessionRecord struct {
	SessionID  string
	MerchantID string
	Version    int64
	Phase      string
	Terminal   bool
	State      []byte
	UpdatedAt  time.Time
	ExpiresAt  time.Time
}

// SessionStateRepository persists session state across screen teardown and process restarts.
type SessionStateRepository interface {
	// Save upserts the record. A record older than the stored version is rejected as a conflict.
	Save(ctx context.Context, record SessionRecord) error
	Get(ctx context.Context, sessionID string) (SessionRecord, error)
	Delete(ctx context.Context, sessionID string) error
	// ListExpired returns up to limit session ids whose ExpiresAt is before the supplied time.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]string, error)
}

// LastUsedRepository remembers the most recently successful payment method kind per customer.
type LastUsedRepository interface {
	Load(ctx context.Context, merchantID, customerID string) (domain.PaymentMethodKind, error)
	Save(ctx context.Context, merchantID, customerID string, kind domain.PaymentMethodKind, at time.Time) error
}

// MerchantConfigRepository serves the gateway configuration for a merchant.
type MerchantConfigRepository interface {
	FindByMerchant(ctx context.Context, merchantID string) (domain.ConfigurationSnapshot, error)
}

// HealthRepository verifies backend connectivity for readiness probes.
type HealthRepository interface {
	Collect(ctx context.Context) (HealthReport, error)
}
