package repositories

import (
	"context"
	"time"

	"github.com/hanko-field/dropin/internal/domain"
)

type nopSessions struct{}

func (nopSessions) Save(context.Context, SessionRecord) error { return nil }
func (nopSessions) Get(context.Context, string) (SessionRecord, error) {
	return SessionRecord{}, nil
}
func (nopSessions) Delete(context.Context, string) error { return nil }
func (nopSessions) ListExpired(context.Context, time.Time, int) ([]string, error) {
	return nil, nil
}

type nopConfigs struct{}

func (nopConfigs) FindByMerchant(context.Context, string) (domain.ConfigurationSnapshot, error) {
	return domain.ConfigurationSnapshot{}, nil
}
