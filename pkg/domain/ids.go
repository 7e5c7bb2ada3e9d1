// Package domain holds the typed identifiers shared across modules.
//
// Identifiers are distinct named types over uuid.UUID so an identity id can
// never be passed where a credential id is expected.
package domain

import (
	"github.com/google/uuid"

	dErrors "trustcore/pkg/domain-errors"
)

// IdentityID identifies a fingerprint identity record.
type IdentityID uuid.UUID

// CredentialID identifies an issued API key.
type CredentialID uuid.UUID

// NewIdentityID returns a fresh random identity id.
func NewIdentityID() IdentityID { return IdentityID(uuid.New()) }

// NewCredentialID returns a fresh random credential id.
func NewCredentialID() CredentialID { return CredentialID(uuid.New()) }

func (i IdentityID) String() string { return uuid.UUID(i).String() }

// IsNil reports whether the id is the zero UUID.
func (i IdentityID) IsNil() bool { return uuid.UUID(i) == uuid.Nil }

// MarshalText encodes the id in canonical UUID form for JSON documents.
func (i IdentityID) MarshalText() ([]byte, error) { return uuid.UUID(i).MarshalText() }

func (i *IdentityID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*i = IdentityID(u)
	return nil
}

func (i CredentialID) String() string { return uuid.UUID(i).String() }

func (i CredentialID) IsNil() bool { return uuid.UUID(i) == uuid.Nil }

func (i CredentialID) MarshalText() ([]byte, error) { return uuid.UUID(i).MarshalText() }

func (i *CredentialID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*i = CredentialID(u)
	return nil
}

// ParseIdentityID parses and validates an identity id from untrusted input.
func ParseIdentityID(s string) (IdentityID, error) {
	u, err := parseUUID(s, "identity ID")
	if err != nil {
		return IdentityID{}, err
	}
	return IdentityID(u), nil
}

// ParseCredentialID parses and validates a credential id from untrusted input.
func ParseCredentialID(s string) (CredentialID, error) {
	u, err := parseUUID(s, "credential ID")
	if err != nil {
		return CredentialID{}, err
	}
	return CredentialID(u), nil
}

func parseUUID(s, label string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" required")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+label)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" cannot be nil")
	}
	return u, nil
}
