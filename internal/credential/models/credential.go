package models

import (
	"time"

	id "trustcore/pkg/domain"
	dErrors "trustcore/pkg/domain-errors"
)

// Credential is an API key bound to exactly one identity. At most one
// credential per owner is active at a time.
type Credential struct {
	ID              id.CredentialID `json:"id"`
	OwnerIdentityID id.IdentityID   `json:"ownerIdentityId"`
	KeyPrefix       string          `json:"keyPrefix"`
	SecretHash      string          `json:"-"`
	Active          bool            `json:"active"`
	IssuedAt        time.Time       `json:"issuedAt"`
	RevokedAt       *time.Time      `json:"revokedAt,omitempty"`
}

// NewCredential builds an active credential.
func NewCredential(credentialID id.CredentialID, owner id.IdentityID, keyPrefix, secretHash string, now time.Time) (*Credential, error) {
	if owner.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "credential owner is required")
	}
	if keyPrefix == "" || secretHash == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "credential key material is required")
	}
	return &Credential{
		ID:              credentialID,
		OwnerIdentityID: owner,
		KeyPrefix:       keyPrefix,
		SecretHash:      secretHash,
		Active:          true,
		IssuedAt:        now,
	}, nil
}

// Deactivate marks the credential inactive. The first revocation time is kept.
func (c *Credential) Deactivate(now time.Time) {
	c.Active = false
	if c.RevokedAt == nil {
		t := now
		c.RevokedAt = &t
	}
}

func (c *Credential) OwnedBy(identityID id.IdentityID) bool {
	return c.OwnerIdentityID == identityID
}

func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}
	out := *c
	if c.RevokedAt != nil {
		t := *c.RevokedAt
		out.RevokedAt = &t
	}
	return &out
}

// ValidationResult reports whether a presented secret authenticates and as whom.
type ValidationResult struct {
	Valid      bool          `json:"valid"`
	IdentityID id.IdentityID `json:"identityId,omitempty"`
}
