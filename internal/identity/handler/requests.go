package handler

import (
	"strings"

	"trustcore/internal/authz"
	"trustcore/internal/identity/models"
	dErrors "trustcore/pkg/domain-errors"
)

const maxFingerprintLength = 512

// RegisterRequest is the body for POST /identities.
type RegisterRequest struct {
	FingerprintValue string         `json:"fingerprint_value"`
	Metadata         map[string]any `json:"metadata"`
}

func (r *RegisterRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	if len(r.FingerprintValue) > maxFingerprintLength {
		return dErrors.New(dErrors.CodeValidation, "fingerprint_value is too long")
	}
	if len(r.Metadata) > models.MaxMapEntries {
		return dErrors.New(dErrors.CodeValidation, "too many metadata entries")
	}
	r.FingerprintValue = strings.TrimSpace(r.FingerprintValue)
	if r.FingerprintValue == "" {
		return dErrors.New(dErrors.CodeValidation, "fingerprint_value is required")
	}
	return nil
}

// RoleMutationRequest is the body for POST /identities/{id}/roles.
type RoleMutationRequest struct {
	Role string `json:"role"`
	Op   string `json:"op"`

	parsedRole authz.Role
	parsedOp   models.RoleOp
}

func (r *RoleMutationRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	role, err := authz.ParseRole(strings.TrimSpace(r.Role))
	if err != nil {
		return err
	}
	op, err := models.ParseRoleOp(strings.ToLower(strings.TrimSpace(r.Op)))
	if err != nil {
		return err
	}
	r.parsedRole = role
	r.parsedOp = op
	return nil
}

// TagsRequest is the body for PATCH /identities/{id}/tags.
type TagsRequest struct {
	Tags map[string]any `json:"tags"`
}

func (r *TagsRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	if len(r.Tags) == 0 {
		return dErrors.New(dErrors.CodeValidation, "tags are required")
	}
	if len(r.Tags) > models.MaxMapEntries {
		return dErrors.New(dErrors.CodeValidation, "too many tags")
	}
	return nil
}

// MetadataRequest is the body for PATCH /identities/{id}/metadata.
type MetadataRequest struct {
	Metadata map[string]any `json:"metadata"`
}

func (r *MetadataRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	if len(r.Metadata) == 0 {
		return dErrors.New(dErrors.CodeValidation, "metadata is required")
	}
	if len(r.Metadata) > models.MaxMapEntries {
		return dErrors.New(dErrors.CodeValidation, "too many metadata entries")
	}
	return nil
}
