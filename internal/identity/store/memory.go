// Package store persists identity records.
//
// Every implementation offers Execute, a per-identity atomic
// read-validate-mutate-write. Implementations differ only in how they obtain
// isolation: sharded mutexes in memory, row locks in Postgres, optimistic
// WATCH transactions in Redis.
package store

import (
	"context"
	"hash/fnv"
	"sync"

	"trustcore/internal/identity/models"
	id "trustcore/pkg/domain"
	"trustcore/pkg/platform/sentinel"
)

// numShards spreads per-identity locks so unrelated identities rarely
// contend.
const numShards = 64

// InMemoryStore keeps identities in a map. Suitable for tests and single
// process deployments.
type InMemoryStore struct {
	mu         sync.RWMutex
	identities map[id.IdentityID]*models.Identity
	shards     [numShards]sync.Mutex
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{identities: make(map[id.IdentityID]*models.Identity)}
}

func (s *InMemoryStore) Create(_ context.Context, identity *models.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.identities[identity.ID]; exists {
		return sentinel.ErrConflict
	}
	s.identities[identity.ID] = identity.Clone()
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, identityID id.IdentityID) (*models.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.identities[identityID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return identity.Clone(), nil
}

// Exists reports whether an identity is stored.
func (s *InMemoryStore) Exists(_ context.Context, identityID id.IdentityID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.identities[identityID]
	return ok, nil
}

// Execute runs validate then mutate against a private copy while holding the
// identity's shard lock, and stores the copy only when validate succeeds.
func (s *InMemoryStore) Execute(ctx context.Context, identityID id.IdentityID, validate func(*models.Identity) error, mutate func(*models.Identity)) (*models.Identity, error) {
	shard := &s.shards[shardFor(identityID)]
	shard.Lock()
	defer shard.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	current, err := s.FindByID(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if validate != nil {
		if err := validate(current); err != nil {
			return nil, err
		}
	}
	if mutate != nil {
		mutate(current)
	}

	s.mu.Lock()
	s.identities[identityID] = current.Clone()
	s.mu.Unlock()
	return current, nil
}

func shardFor(identityID id.IdentityID) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(identityID[:])
	return h.Sum32() % numShards
}
