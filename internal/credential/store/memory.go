// Package store persists credentials.
//
// Rotate deactivates every active credential of an owner and inserts the
// replacement as one atomic unit, so an owner never has two active keys.
// The optional guard sees how many credentials the owner was ever issued
// and aborts the rotation by returning an error.
package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"trustcore/internal/credential/models"
	id "trustcore/pkg/domain"
	"trustcore/pkg/platform/sentinel"
)

// InMemoryStore guards all credentials with one mutex, which makes rotation
// trivially atomic.
type InMemoryStore struct {
	mu       sync.Mutex
	byPrefix map[string]*models.Credential
	byOwner  map[id.IdentityID][]string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byPrefix: make(map[string]*models.Credential),
		byOwner:  make(map[id.IdentityID][]string),
	}
}

func (s *InMemoryStore) Rotate(ctx context.Context, next *models.Credential, now time.Time, guard func(issued int) error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if guard != nil {
		if err := guard(len(s.byOwner[next.OwnerIdentityID])); err != nil {
			return 0, err
		}
	}
	if _, exists := s.byPrefix[next.KeyPrefix]; exists {
		return 0, fmt.Errorf("%w: key prefix already issued", sentinel.ErrConflict)
	}

	deactivated := 0
	for _, prefix := range s.byOwner[next.OwnerIdentityID] {
		if c := s.byPrefix[prefix]; c.Active {
			c.Deactivate(now)
			deactivated++
		}
	}
	s.byPrefix[next.KeyPrefix] = next.Clone()
	s.byOwner[next.OwnerIdentityID] = append(s.byOwner[next.OwnerIdentityID], next.KeyPrefix)
	return deactivated, nil
}

func (s *InMemoryStore) FindByPrefix(_ context.Context, prefix string) (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byPrefix[prefix]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *InMemoryStore) Execute(ctx context.Context, prefix string, validate func(*models.Credential) error, mutate func(*models.Credential)) (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stored, ok := s.byPrefix[prefix]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	current := stored.Clone()
	if validate != nil {
		if err := validate(current); err != nil {
			return nil, err
		}
	}
	if mutate != nil {
		mutate(current)
	}
	if current.Active && !stored.Active {
		return nil, fmt.Errorf("%w: credentials cannot be reactivated", sentinel.ErrInvalidState)
	}
	s.byPrefix[prefix] = current.Clone()
	return current, nil
}

// ListByOwner returns the owner's credentials, oldest first.
func (s *InMemoryStore) ListByOwner(_ context.Context, owner id.IdentityID) ([]*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Credential, 0, len(s.byOwner[owner]))
	for _, prefix := range s.byOwner[owner] {
		out = append(out, s.byPrefix[prefix].Clone())
	}
	slices.SortStableFunc(out, func(a, b *models.Credential) int {
		return a.IssuedAt.Compare(b.IssuedAt)
	})
	return out, nil
}
