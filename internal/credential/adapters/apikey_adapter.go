package adapters

import (
	"context"

	"trustcore/internal/credential/models"
	id "trustcore/pkg/domain"
	"trustcore/pkg/platform/middleware/apikey"
)

type validator interface {
	Validate(ctx context.Context, secret string) (models.ValidationResult, error)
}

// NewAPIKeyResolver lets the bearer middleware authenticate callers through
// credential validation.
func NewAPIKeyResolver(v validator) apikey.Resolver {
	return func(ctx context.Context, secret string) (id.IdentityID, bool, error) {
		res, err := v.Validate(ctx, secret)
		if err != nil {
			return id.IdentityID{}, false, err
		}
		return res.IdentityID, res.Valid, nil
	}
}
