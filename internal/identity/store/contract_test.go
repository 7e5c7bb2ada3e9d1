package store_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stretchr/testify/suite"

	"trustcore/internal/authz"
	"trustcore/internal/identity/models"
	id "trustcore/pkg/domain"
	dErrors "trustcore/pkg/domain-errors"
	"trustcore/pkg/platform/sentinel"
)

// identityStore is the surface every backend must honor.
type identityStore interface {
	Create(ctx context.Context, identity *models.Identity) error
	FindByID(ctx context.Context, identityID id.IdentityID) (*models.Identity, error)
	Exists(ctx context.Context, identityID id.IdentityID) (bool, error)
	Execute(ctx context.Context, identityID id.IdentityID, validate func(*models.Identity) error, mutate func(*models.Identity)) (*models.Identity, error)
}

// storeContract holds behavior shared by every backend suite.
type storeContract struct {
	suite.Suite
	store identityStore
}

var createdAt = time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)

func (s *storeContract) newIdentity(address string) *models.Identity {
	identity, err := models.NewIdentity(id.NewIdentityID(), "fp-"+address, address, map[string]any{"ua": "test"}, createdAt)
	s.Require().NoError(err)
	return identity
}

func (s *storeContract) TestCreateAndFind() {
	ctx := context.Background()
	identity := s.newIdentity("1.1.1.1")
	identity.Tags["score"] = 4.0

	s.Require().NoError(s.store.Create(ctx, identity))

	found, err := s.store.FindByID(ctx, identity.ID)
	s.Require().NoError(err)
	s.Equal(identity.ID, found.ID)
	s.Equal(identity.FingerprintValue, found.FingerprintValue)
	s.Equal([]authz.Role{authz.RoleUser}, found.Roles)
	s.Equal(4.0, found.Tags["score"])
	s.Equal("test", found.Metadata["ua"])
	s.True(identity.CreatedAt.Equal(found.CreatedAt))
	s.Equal([]string{"1.1.1.1"}, found.IPProvenance.AddressesSeen)
	s.Equal(1, found.IPProvenance.FrequencyByAddress["1.1.1.1"])

	exists, err := s.store.Exists(ctx, identity.ID)
	s.Require().NoError(err)
	s.True(exists)
}

func (s *storeContract) TestCreateDuplicateConflicts() {
	ctx := context.Background()
	identity := s.newIdentity("1.1.1.2")
	s.Require().NoError(s.store.Create(ctx, identity))

	err := s.store.Create(ctx, identity)
	s.ErrorIs(err, sentinel.ErrConflict)
}

func (s *storeContract) TestMissingIdentity() {
	ctx := context.Background()
	missing := id.NewIdentityID()

	_, err := s.store.FindByID(ctx, missing)
	s.ErrorIs(err, sentinel.ErrNotFound)

	exists, err := s.store.Exists(ctx, missing)
	s.Require().NoError(err)
	s.False(exists)

	_, err = s.store.Execute(ctx, missing, nil, func(*models.Identity) {})
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *storeContract) TestExecuteValidationFailureLeavesRecordUntouched() {
	ctx := context.Background()
	identity := s.newIdentity("1.1.1.3")
	s.Require().NoError(s.store.Create(ctx, identity))

	rejected := dErrors.New(dErrors.CodeForbidden, "nope")
	_, err := s.store.Execute(ctx, identity.ID,
		func(*models.Identity) error { return rejected },
		func(i *models.Identity) { i.Tags["never"] = true },
	)
	s.True(errors.Is(err, rejected))

	found, err := s.store.FindByID(ctx, identity.ID)
	s.Require().NoError(err)
	s.NotContains(found.Tags, "never")
}

func (s *storeContract) TestExecutePersistsMutation() {
	ctx := context.Background()
	identity := s.newIdentity("1.1.1.4")
	s.Require().NoError(s.store.Create(ctx, identity))

	updated, err := s.store.Execute(ctx, identity.ID, nil, func(i *models.Identity) {
		i.ApplyRoleMutation(authz.RoleAgent, models.RoleOpAdd)
		i.Touch("2.2.2.2", createdAt.Add(time.Hour), models.DefaultTrustPolicy)
	})
	s.Require().NoError(err)
	s.True(updated.HasRole(authz.RoleAgent))

	found, err := s.store.FindByID(ctx, identity.ID)
	s.Require().NoError(err)
	s.ElementsMatch([]authz.Role{authz.RoleUser, authz.RoleAgent}, found.Roles)
	s.Equal([]string{"1.1.1.4", "2.2.2.2"}, found.IPProvenance.AddressesSeen)
}

func (s *storeContract) TestConcurrentTouchesDoNotLoseIncrements() {
	ctx := context.Background()
	identity := s.newIdentity("9.9.9.9")
	s.Require().NoError(s.store.Create(ctx, identity))

	const workers = 8
	const perWorker = 10

	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			addr := fmt.Sprintf("10.1.0.%d", w%3)
			for range perWorker {
				_, err := s.store.Execute(ctx, identity.ID, nil, func(i *models.Identity) {
					i.Touch(addr, createdAt, models.DefaultTrustPolicy)
				})
				if err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	// optimistic backends may surface exhausted retries as conflicts;
	// only successful writes must be counted
	failed := 0
	for err := range errs {
		s.Require().ErrorIs(err, sentinel.ErrConflict)
		failed++
	}

	found, err := s.store.FindByID(ctx, identity.ID)
	s.Require().NoError(err)
	total := 0
	for _, n := range found.IPProvenance.FrequencyByAddress {
		total += n
	}
	s.Equal(1+workers*perWorker-failed, total)
}

func (s *storeContract) TestReturnedRecordsAreIsolated() {
	ctx := context.Background()
	identity := s.newIdentity("1.1.1.5")
	s.Require().NoError(s.store.Create(ctx, identity))

	found, err := s.store.FindByID(ctx, identity.ID)
	s.Require().NoError(err)
	found.Tags["local"] = true
	found.Roles = append(found.Roles, authz.RoleAdmin)

	again, err := s.store.FindByID(ctx, identity.ID)
	s.Require().NoError(err)
	s.NotContains(again.Tags, "local")
	s.False(again.HasRole(authz.RoleAdmin))
}
