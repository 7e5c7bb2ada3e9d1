package store_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stretchr/testify/suite"

	"trustcore/internal/credential/models"
	id "trustcore/pkg/domain"
	dErrors "trustcore/pkg/domain-errors"
	"trustcore/pkg/platform/sentinel"
)

type credentialStore interface {
	Rotate(ctx context.Context, next *models.Credential, now time.Time, guard func(issued int) error) (int, error)
	FindByPrefix(ctx context.Context, prefix string) (*models.Credential, error)
	Execute(ctx context.Context, prefix string, validate func(*models.Credential) error, mutate func(*models.Credential)) (*models.Credential, error)
	ListByOwner(ctx context.Context, owner id.IdentityID) ([]*models.Credential, error)
}

// storeContract is shared by the backend suites. seedOwner creates the
// owning identity where the backend enforces referential integrity.
type storeContract struct {
	suite.Suite
	store     credentialStore
	seedOwner func(owner id.IdentityID)
	seq       int
}

var issuedAt = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func (s *storeContract) owner() id.IdentityID {
	owner := id.NewIdentityID()
	if s.seedOwner != nil {
		s.seedOwner(owner)
	}
	return owner
}

func (s *storeContract) credential(owner id.IdentityID, at time.Time) *models.Credential {
	s.seq++
	c, err := models.NewCredential(id.NewCredentialID(), owner,
		fmt.Sprintf("tc_%016x", time.Now().UnixNano()+int64(s.seq)), "hash", at)
	s.Require().NoError(err)
	return c
}

func (s *storeContract) TestRotateFirstCredential() {
	ctx := context.Background()
	owner := s.owner()
	c := s.credential(owner, issuedAt)

	n, err := s.store.Rotate(ctx, c, issuedAt, nil)
	s.Require().NoError(err)
	s.Equal(0, n)

	found, err := s.store.FindByPrefix(ctx, c.KeyPrefix)
	s.Require().NoError(err)
	s.Equal(c.ID, found.ID)
	s.Equal("hash", found.SecretHash)
	s.True(found.Active)
	s.True(issuedAt.Equal(found.IssuedAt))
	s.Nil(found.RevokedAt)
}

func (s *storeContract) TestRotateDeactivatesPrevious() {
	ctx := context.Background()
	owner := s.owner()
	first := s.credential(owner, issuedAt)
	second := s.credential(owner, issuedAt.Add(time.Minute))

	_, err := s.store.Rotate(ctx, first, issuedAt, nil)
	s.Require().NoError(err)
	n, err := s.store.Rotate(ctx, second, issuedAt.Add(time.Minute), nil)
	s.Require().NoError(err)
	s.Equal(1, n)

	list, err := s.store.ListByOwner(ctx, owner)
	s.Require().NoError(err)
	s.Require().Len(list, 2)
	s.Equal(first.KeyPrefix, list[0].KeyPrefix)
	s.False(list[0].Active)
	s.Require().NotNil(list[0].RevokedAt)
	s.True(issuedAt.Add(time.Minute).Equal(*list[0].RevokedAt))
	s.True(list[1].Active)
}

func (s *storeContract) TestRotateDuplicatePrefixConflicts() {
	ctx := context.Background()
	owner := s.owner()
	c := s.credential(owner, issuedAt)
	_, err := s.store.Rotate(ctx, c, issuedAt, nil)
	s.Require().NoError(err)

	dup := c.Clone()
	dup.ID = id.NewCredentialID()
	_, err = s.store.Rotate(ctx, dup, issuedAt, nil)
	s.ErrorIs(err, sentinel.ErrConflict)
}

func (s *storeContract) TestRotateGuard() {
	ctx := context.Background()
	owner := s.owner()
	first := s.credential(owner, issuedAt)

	var seen []int
	guard := func(issued int) error {
		seen = append(seen, issued)
		if issued > 0 {
			return dErrors.New(dErrors.CodeForbidden, "already issued")
		}
		return nil
	}

	_, err := s.store.Rotate(ctx, first, issuedAt, guard)
	s.Require().NoError(err)

	second := s.credential(owner, issuedAt.Add(time.Minute))
	_, err = s.store.Rotate(ctx, second, issuedAt.Add(time.Minute), guard)
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	s.Equal([]int{0, 1}, seen)

	// the aborted rotation leaves the first credential untouched
	_, err = s.store.FindByPrefix(ctx, second.KeyPrefix)
	s.ErrorIs(err, sentinel.ErrNotFound)
	found, err := s.store.FindByPrefix(ctx, first.KeyPrefix)
	s.Require().NoError(err)
	s.True(found.Active)
}

func (s *storeContract) TestFindMissing() {
	_, err := s.store.FindByPrefix(context.Background(), "tc_ffffffffffffffff")
	s.ErrorIs(err, sentinel.ErrNotFound)

	_, err = s.store.Execute(context.Background(), "tc_ffffffffffffffff", nil, nil)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *storeContract) TestExecuteDeactivates() {
	ctx := context.Background()
	owner := s.owner()
	c := s.credential(owner, issuedAt)
	_, err := s.store.Rotate(ctx, c, issuedAt, nil)
	s.Require().NoError(err)

	revokedAt := issuedAt.Add(time.Hour)
	updated, err := s.store.Execute(ctx, c.KeyPrefix, nil, func(c *models.Credential) { c.Deactivate(revokedAt) })
	s.Require().NoError(err)
	s.False(updated.Active)

	found, err := s.store.FindByPrefix(ctx, c.KeyPrefix)
	s.Require().NoError(err)
	s.False(found.Active)
	s.Require().NotNil(found.RevokedAt)
	s.True(revokedAt.Equal(*found.RevokedAt))

	// a later rotation has nothing left to deactivate
	n, err := s.store.Rotate(ctx, s.credential(owner, issuedAt.Add(2*time.Hour)), issuedAt.Add(2*time.Hour), nil)
	s.Require().NoError(err)
	s.Equal(0, n)
}

func (s *storeContract) TestExecuteValidationAbort() {
	ctx := context.Background()
	c := s.credential(s.owner(), issuedAt)
	_, err := s.store.Rotate(ctx, c, issuedAt, nil)
	s.Require().NoError(err)

	_, err = s.store.Execute(ctx, c.KeyPrefix,
		func(*models.Credential) error { return dErrors.New(dErrors.CodeForbidden, "no") },
		func(c *models.Credential) { c.Deactivate(issuedAt) },
	)
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))

	found, err := s.store.FindByPrefix(ctx, c.KeyPrefix)
	s.Require().NoError(err)
	s.True(found.Active)
}

func (s *storeContract) TestExecuteRefusesReactivation() {
	ctx := context.Background()
	c := s.credential(s.owner(), issuedAt)
	_, err := s.store.Rotate(ctx, c, issuedAt, nil)
	s.Require().NoError(err)
	_, err = s.store.Execute(ctx, c.KeyPrefix, nil, func(c *models.Credential) { c.Deactivate(issuedAt) })
	s.Require().NoError(err)

	_, err = s.store.Execute(ctx, c.KeyPrefix, nil, func(c *models.Credential) { c.Active = true })
	s.ErrorIs(err, sentinel.ErrInvalidState)
}

func (s *storeContract) TestConcurrentRotationsLeaveOneActive() {
	ctx := context.Background()
	owner := s.owner()
	const workers = 8

	creds := make([]*models.Credential, workers)
	for i := range creds {
		creds[i] = s.credential(owner, issuedAt.Add(time.Duration(i)*time.Second))
	}

	var wg sync.WaitGroup
	for _, c := range creds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.store.Rotate(ctx, c, c.IssuedAt, nil)
			if err != nil {
				s.ErrorIs(err, sentinel.ErrConflict)
			}
		}()
	}
	wg.Wait()

	list, err := s.store.ListByOwner(ctx, owner)
	s.Require().NoError(err)
	s.NotEmpty(list)
	active := 0
	for _, c := range list {
		if c.Active {
			active++
		}
	}
	s.Equal(1, active)
}

func (s *storeContract) TestListUnknownOwnerIsEmpty() {
	list, err := s.store.ListByOwner(context.Background(), id.NewIdentityID())
	s.Require().NoError(err)
	s.Empty(list)
}
