package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hanko-field/dropin/internal/domain"
	pfirestore "github.com/hanko-field/dropin/internal/platform/firestore"
	"github.com/hanko-field/dropin/internal/repositories"
)

const merchantConfigCollection = "dropinMerchantConfigs"

type merchantConfigDocument struct {
	Environment         string   `firestore:"environment"`
	SupportedNetworks   []string `firestore:"supportedNetworks"`
	UnionPayEnabled     bool     `firestore:"unionPayEnabled"`
	PayPalEnabled       bool     `firestore:"payPalEnabled"`
	VenmoEnabled        bool     `firestore:"venmoEnabled"`
	GooglePayEnabled    bool     `firestore:"googlePayEnabled"`
	GooglePayEnv        string   `firestore:"googlePayEnvironment"`
	GooglePayMerchantID string   `firestore:"googlePayMerchantId"`
	ThreeDSecureEnabled bool     `firestore:"threeDSecureEnabled"`
}

// MerchantConfigRepository reads merchant gateway configuration maintained by the back office.
type MerchantConfigRepository struct {
	base  *pfirestore.BaseRepository[merchantConfigDocument]
	clock func() time.Time
}

var _ repositories.MerchantConfigRepository = (*MerchantConfigRepository)(nil)

// NewMerchantConfigRepository constructs the repository.
func NewMerchantConfigRepository(provider *pfirestore.Provider, clock func() time.Time) (*MerchantConfigRepository, error) {
	if provider == nil {
		return nil, errors.New("merchant config repository requires firestore provider")
	}
	if clock == nil {
		clock = time.Now
	}
	return &MerchantConfigRepository{
		base:  pfirestore.NewBaseRepository[merchantConfigDocument](provider, merchantConfigCollection),
		clock: clock,
	}, nil
}

func (r *MerchantConfigRepository) FindByMerchant(ctx context.Context, merchantID string) (domain.ConfigurationSnapshot, error) {
	id := strings.TrimSpace(merchantID)
	doc, err := r.base.Get(ctx, strings.ToLower(id))
	if err != nil {
		return domain.ConfigurationSnapshot{}, err
	}
	return doc.Data.toDomain(id, r.clock().UTC()), nil
}

func (d merchantConfigDocument) toDomain(merchantID string, fetchedAt time.Time) domain.ConfigurationSnapshot {
	networks := make([]domain.CardNetwork, 0, len(d.SupportedNetworks))
	for _, network := range d.SupportedNetworks {
		if trimmed := strings.ToLower(strings.TrimSpace(network)); trimmed != "" {
			networks = append(networks, domain.CardNetwork(trimmed))
		}
	}
	return domain.ConfigurationSnapshot{
		MerchantID:      merchantID,
		Environment:     d.Environment,
		Card:            domain.CardConfiguration{SupportedNetworks: networks},
		UnionPayEnabled: d.UnionPayEnabled,
		PayPalEnabled:   d.PayPalEnabled,
		VenmoEnabled:    d.VenmoEnabled,
		GooglePay: domain.GooglePayConfiguration{
			Enabled:     d.GooglePayEnabled,
			Environment: d.GooglePayEnv,
			MerchantID:  d.GooglePayMerchantID,
		},
		ThreeDSecureEnabled: d.ThreeDSecureEnabled,
		FetchedAt:           fetchedAt,
	}
}
