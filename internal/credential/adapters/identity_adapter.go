// Package adapters connects the credential manager to the identity ledger.
package adapters

import (
	"context"

	id "trustcore/pkg/domain"
)

type identityStore interface {
	Exists(ctx context.Context, identityID id.IdentityID) (bool, error)
}

// IdentityAdapter answers existence checks from the identity store
// without loading the full record.
type IdentityAdapter struct {
	store identityStore
}

func NewIdentityAdapter(store identityStore) *IdentityAdapter {
	return &IdentityAdapter{store: store}
}

func (a *IdentityAdapter) Exists(ctx context.Context, identityID id.IdentityID) (bool, error) {
	if identityID.IsNil() {
		return false, nil
	}
	return a.store.Exists(ctx, identityID)
}
