package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "trustcore/pkg/domain"
	dErrors "trustcore/pkg/domain-errors"
)

func TestNewCredential(t *testing.T) {
	now := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	owner := id.NewIdentityID()

	c, err := NewCredential(id.NewCredentialID(), owner, "tc_00", "hash", now)
	require.NoError(t, err)
	assert.True(t, c.Active)
	assert.True(t, c.OwnedBy(owner))
	assert.Nil(t, c.RevokedAt)

	_, err = NewCredential(id.NewCredentialID(), id.IdentityID{}, "tc_00", "hash", now)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))

	_, err = NewCredential(id.NewCredentialID(), owner, "", "hash", now)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
}

func TestDeactivate_KeepsFirstRevocationTime(t *testing.T) {
	first := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	c, err := NewCredential(id.NewCredentialID(), id.NewIdentityID(), "tc_00", "hash", first)
	require.NoError(t, err)

	c.Deactivate(first.Add(time.Hour))
	c.Deactivate(first.Add(2 * time.Hour))

	assert.False(t, c.Active)
	require.NotNil(t, c.RevokedAt)
	assert.Equal(t, first.Add(time.Hour), *c.RevokedAt)
}

func TestCredential_JSONOmitsHash(t *testing.T) {
	c, err := NewCredential(id.NewCredentialID(), id.NewIdentityID(), "tc_00", "$2a$hash", time.Now())
	require.NoError(t, err)

	b, err := json.Marshal(c)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "$2a$hash")
	assert.Contains(t, string(b), `"keyPrefix":"tc_00"`)
}
