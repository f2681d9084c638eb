package dropin

import (
	"context"
	"sync/atomic"

	"github.com/hanko-field/dropin/internal/domain"
)

// VaultedMethodCache holds the session's vaulted methods. The set is swapped atomically so readers
// outside the control loop never observe a partial update.
type VaultedMethodCache struct {
	lister  VaultLister
	current atomic.Pointer[domain.VaultedMethodSet]
}

// NewVaultedMethodCache builds a cache backed by lister. A nil lister behaves as an empty vault.
func NewVaultedMethodCache(lister VaultLister) *VaultedMethodCache {
	return &VaultedMethodCache{lister: lister}
}

// Get returns the set to expose now and whether a fetch must be issued. Credentials that cannot
// list vaulted methods always get an empty set and never trigger a fetch.
func (c *VaultedMethodCache) Get(auth domain.AuthorizationContext, force bool) (domain.VaultedMethodSet, bool) {
	if !auth.CanListVaultedMethods() || c.lister == nil {
		return domain.VaultedMethodSet{}, false
	}
	cached := c.current.Load()
	if cached != nil && !force {
		return *cached, false
	}
	if cached == nil {
		return domain.VaultedMethodSet{}, true
	}
	return *cached, true
}

// Fetch lists the vaulted methods. It does not touch the cached set; the control loop swaps the
// result in once the completion event is handled.
func (c *VaultedMethodCache) Fetch(ctx context.Context, auth domain.AuthorizationContext) (domain.VaultedMethodSet, error) {
	methods, err := c.lister.ListVaultedMethods(ctx, auth)
	if err != nil {
		return domain.VaultedMethodSet{}, err
	}
	return domain.NewVaultedMethodSet(methods), nil
}

// Replace swaps in set wholesale.
func (c *VaultedMethodCache) Replace(set domain.VaultedMethodSet) {
	c.current.Store(&set)
}

// Snapshot returns the cached set and whether one has been loaded.
func (c *VaultedMethodCache) Snapshot() (domain.VaultedMethodSet, bool) {
	cached := c.current.Load()
	if cached == nil {
		return domain.VaultedMethodSet{}, false
	}
	return *cached, true
}
