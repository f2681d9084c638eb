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

const lastUsedCollection = "dropinLastUsed"

type lastUsedDocument struct {
	MerchantID string    `firestore:"merchantId"`
	CustomerID string    `firestore:"customerId"`
	Kind       string    `firestore:"kind"`
	UpdatedAt  time.Time `firestore:"updatedAt"`
}

// LastUsedRepository stores the last successful payment method kind per merchant customer.
type LastUsedRepository struct {
	base *pfirestore.BaseRepository[lastUsedDocument]
}

var _ repositories.LastUsedRepository = (*LastUsedRepository)(nil)

// NewLastUsedRepository constructs the repository.
func NewLastUsedRepository(provider *pfirestore.Provider) (*LastUsedRepository, error) {
	if provider == nil {
		return nil, errors.New("last used repository requires firestore provider")
	}
	return &LastUsedRepository{base: pfirestore.NewBaseRepository[lastUsedDocument](provider, lastUsedCollection)}, nil
}

func (r *LastUsedRepository) Load(ctx context.Context, merchantID, customerID string) (domain.PaymentMethodKind, error) {
	doc, err := r.base.Get(ctx, lastUsedID(merchantID, customerID))
	if err != nil {
		return "", err
	}
	kind, ok := domain.ParsePaymentMethodKind(doc.Data.Kind)
	if !ok {
		return "", repositories.NewNotFoundError("last_used.load", doc.ID)
	}
	return kind, nil
}

func (r *LastUsedRepository) Save(ctx context.Context, merchantID, customerID string, kind domain.PaymentMethodKind, at time.Time) error {
	return r.base.Set(ctx, lastUsedID(merchantID, customerID), lastUsedDocument{
		MerchantID: strings.TrimSpace(merchantID),
		CustomerID: strings.TrimSpace(customerID),
		Kind:       string(kind),
		UpdatedAt:  at.UTC(),
	})
}

// lastUsedID keys documents by merchant and customer. Session-token sessions have no customer and
// share the merchant-wide entry.
func lastUsedID(merchantID, customerID string) string {
	id := strings.ToLower(strings.TrimSpace(merchantID))
	if customer := strings.TrimSpace(customerID); customer != "" {
		id += "__" + strings.ReplaceAll(customer, "/", "_")
	}
	return strings.ReplaceAll(id, "/", "_")
}
