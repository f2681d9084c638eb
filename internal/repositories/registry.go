package repositories

import (
	"context"
	"errors"
)

// RegistryParts lists the repositories backing a Registry. Closers run in reverse order on Close.
type RegistryParts struct {
	Sessions        SessionStateRepository
	LastUsed        LastUsedRepository
	MerchantConfigs MerchantConfigRepository
	Health          HealthRepository
	Closers         []func(context.Context) error
}

type registry struct {
	parts RegistryParts
}

// NewRegistry assembles a Registry, requiring the session and merchant configuration repositories.
func NewRegistry(parts RegistryParts) (Registry, error) {
	if parts.Sessions == nil {
		return nil, errors.New("repositories: session repository is required")
	}
	if parts.MerchantConfigs == nil {
		return nil, errors.New("repositories: merchant config repository is required")
	}
	return &registry{parts: parts}, nil
}

func (r *registry) Sessions() SessionStateRepository          { return r.parts.Sessions }
func (r *registry) LastUsed() LastUsedRepository              { return r.parts.LastUsed }
func (r *registry) MerchantConfigs() MerchantConfigRepository { return r.parts.MerchantConfigs }
func (r *registry) Health() HealthRepository                  { return r.parts.Health }

func (r *registry) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.parts.Closers) - 1; i >= 0; i-- {
		if closer := r.parts.Closers[i]; closer != nil {
			if err := closer(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
