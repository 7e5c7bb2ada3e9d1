package handler

import (
	"time"

	"trustcore/internal/credential/models"
)

// CredentialResponse never carries the secret or its hash.
type CredentialResponse struct {
	ID              string     `json:"id"`
	OwnerIdentityID string     `json:"owner_identity_id"`
	KeyPrefix       string     `json:"key_prefix"`
	Active          bool       `json:"active"`
	IssuedAt        time.Time  `json:"issued_at"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
}

// IssueResponse is the only response that includes the cleartext secret.
type IssueResponse struct {
	Credential *CredentialResponse `json:"credential"`
	Secret     string              `json:"secret"`
}

type ListResponse struct {
	Credentials []*CredentialResponse `json:"credentials"`
}

type ValidateResponse struct {
	Valid      bool   `json:"valid"`
	IdentityID string `json:"identity_id,omitempty"`
}

func FromCredential(c *models.Credential) *CredentialResponse {
	return &CredentialResponse{
		ID:              c.ID.String(),
		OwnerIdentityID: c.OwnerIdentityID.String(),
		KeyPrefix:       c.KeyPrefix,
		Active:          c.Active,
		IssuedAt:        c.IssuedAt,
		RevokedAt:       c.RevokedAt,
	}
}

func FromValidation(res models.ValidationResult) ValidateResponse {
	out := ValidateResponse{Valid: res.Valid}
	if res.Valid {
		out.IdentityID = res.IdentityID.String()
	}
	return out
}
