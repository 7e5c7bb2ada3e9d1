package handler

import (
	"strings"

	dErrors "trustcore/pkg/domain-errors"
)

const maxSecretLength = 256

// SecretRequest is the body for POST /credentials/validate and
// POST /credentials/revoke.
type SecretRequest struct {
	Secret string `json:"secret"`
}

func (r *SecretRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	if len(r.Secret) > maxSecretLength {
		return dErrors.New(dErrors.CodeValidation, "secret is too long")
	}
	r.Secret = strings.TrimSpace(r.Secret)
	if r.Secret == "" {
		return dErrors.New(dErrors.CodeValidation, "secret is required")
	}
	return nil
}
