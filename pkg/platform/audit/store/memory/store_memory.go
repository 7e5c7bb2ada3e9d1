package memory

import (
	"context"
	"sync"

	id "trustcore/pkg/domain"
	audit "trustcore/pkg/platform/audit"
)

type InMemoryStore struct {
	mu     sync.RWMutex
	events map[id.IdentityID][]audit.Event
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{events: make(map[id.IdentityID][]audit.Event)}
}

func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = make(map[id.IdentityID][]audit.Event)
}

func (s *InMemoryStore) Append(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.IdentityID] = append(s.events[event.IdentityID], event)
	return nil
}

func (s *InMemoryStore) ListByIdentity(_ context.Context, identityID id.IdentityID) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Event{}, s.events[identityID]...), nil
}

// ListAll returns every stored event.
func (s *InMemoryStore) ListAll(_ context.Context) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []audit.Event
	for _, events := range s.events {
		all = append(all, events...)
	}
	return all, nil
}
