package service

import (
	"context"
	"errors"
	"time"

	"trustcore/internal/credential/models"
	"trustcore/internal/credential/secrets"
	id "trustcore/pkg/domain"
	dErrors "trustcore/pkg/domain-errors"
	audit "trustcore/pkg/platform/audit"
	"trustcore/pkg/requestcontext"
)

// Issue rotates the identity's credential: every active credential is
// deactivated and a new one is persisted in the same atomic unit. The
// cleartext secret is returned only here.
func (s *Service) Issue(ctx context.Context, identityID id.IdentityID) (_ *models.Credential, _ string, err error) {
	ctx, span := s.startSpan(ctx, "Issue")
	defer func() { endSpan(span, err) }()
	return s.issue(ctx, identityID, nil)
}

// Bootstrap issues an identity's first credential. It is refused once the
// identity holds any credential, active or not, so an unauthenticated
// bootstrap can never rotate an owner's key away.
func (s *Service) Bootstrap(ctx context.Context, identityID id.IdentityID) (_ *models.Credential, _ string, err error) {
	ctx, span := s.startSpan(ctx, "Bootstrap")
	defer func() { endSpan(span, err) }()
	return s.issue(ctx, identityID, firstCredentialOnly)
}

func firstCredentialOnly(issued int) error {
	if issued > 0 {
		return dErrors.New(dErrors.CodeForbidden, "identity already holds a credential")
	}
	return nil
}

func (s *Service) issue(ctx context.Context, identityID id.IdentityID, guard func(int) error) (*models.Credential, string, error) {
	exists, err := s.identities.Exists(ctx, identityID)
	if err != nil {
		return nil, "", translateStoreError(err, "identity not found", "check identity")
	}
	if !exists {
		return nil, "", dErrors.New(dErrors.CodeNotFound, "identity not found")
	}

	secret, prefix, err := secrets.Generate()
	if err != nil {
		return nil, "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate credential")
	}
	hash, err := s.hasher.Hash(secret)
	if err != nil {
		return nil, "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate credential")
	}

	now := requestcontext.Now(ctx)
	credential, err := models.NewCredential(id.NewCredentialID(), identityID, prefix, hash, now)
	if err != nil {
		return nil, "", err
	}

	deactivated, err := s.store.Rotate(ctx, credential, now, guard)
	if err != nil {
		return nil, "", translateStoreError(err, "identity not found", "issue credential")
	}

	s.logAudit(ctx, audit.EventCredentialIssued, identityID, "key_prefix", prefix)
	if deactivated > 0 {
		s.logAudit(ctx, audit.EventCredentialRotated, identityID, "deactivated", deactivated)
	}
	if s.metrics != nil {
		s.metrics.IncIssued(deactivated > 0)
	}
	return credential, secret, nil
}

// Validate reports whether secret belongs to an active credential. Unknown,
// malformed, mismatched and inactive secrets are all simply invalid.
func (s *Service) Validate(ctx context.Context, secret string) (_ models.ValidationResult, err error) {
	ctx, span := s.startSpan(ctx, "Validate")
	defer func() { endSpan(span, err) }()
	start := time.Now()

	result, err := s.validate(ctx, secret)
	if s.metrics != nil {
		s.metrics.ObserveValidateDuration(start)
		if err == nil {
			s.metrics.IncValidation(result.Valid)
		}
	}
	return result, err
}

func (s *Service) validate(ctx context.Context, secret string) (models.ValidationResult, error) {
	credential, err := s.lookup(ctx, secret)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			return models.ValidationResult{Valid: false}, nil
		}
		return models.ValidationResult{}, err
	}
	if !credential.Active {
		return models.ValidationResult{Valid: false}, nil
	}
	return models.ValidationResult{Valid: true, IdentityID: credential.OwnerIdentityID}, nil
}

// Revoke deactivates the credential matching secret. Only its owner may
// revoke it; revoking an already inactive credential succeeds.
func (s *Service) Revoke(ctx context.Context, secret string, callerIdentityID id.IdentityID) (err error) {
	ctx, span := s.startSpan(ctx, "Revoke")
	defer func() { endSpan(span, err) }()

	credential, err := s.lookup(ctx, secret)
	if err != nil {
		return err
	}
	if !credential.OwnedBy(callerIdentityID) {
		s.logAudit(ctx, audit.EventCredentialMisuse, credential.OwnerIdentityID,
			"caller_id", callerIdentityID.String(),
			"key_prefix", credential.KeyPrefix,
		)
		return dErrors.New(dErrors.CodeForbidden, "credential belongs to another identity")
	}

	now := requestcontext.Now(ctx)
	_, err = s.store.Execute(ctx, credential.KeyPrefix,
		func(c *models.Credential) error {
			if !c.OwnedBy(callerIdentityID) {
				return dErrors.New(dErrors.CodeForbidden, "credential belongs to another identity")
			}
			return nil
		},
		func(c *models.Credential) {
			c.Deactivate(now)
		},
	)
	if err != nil {
		return translateStoreError(err, "credential not found", "revoke credential")
	}

	s.logAudit(ctx, audit.EventCredentialRevoked, callerIdentityID, "key_prefix", credential.KeyPrefix)
	if s.metrics != nil {
		s.metrics.IncRevoked()
	}
	return nil
}

// ListForIdentity returns every credential the identity has been issued,
// oldest first. Secrets are never included.
func (s *Service) ListForIdentity(ctx context.Context, identityID id.IdentityID) (_ []*models.Credential, err error) {
	ctx, span := s.startSpan(ctx, "ListForIdentity")
	defer func() { endSpan(span, err) }()

	exists, err := s.identities.Exists(ctx, identityID)
	if err != nil {
		return nil, translateStoreError(err, "identity not found", "check identity")
	}
	if !exists {
		return nil, dErrors.New(dErrors.CodeNotFound, "identity not found")
	}
	credentials, err := s.store.ListByOwner(ctx, identityID)
	if err != nil {
		return nil, translateStoreError(err, "identity not found", "list credentials")
	}
	return credentials, nil
}

// lookup resolves a presented secret to its credential, verifying the hash.
// A prefix hit with the wrong secret is reported as not found.
func (s *Service) lookup(ctx context.Context, secret string) (*models.Credential, error) {
	prefix, ok := secrets.Prefix(secret)
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "credential not found")
	}
	credential, err := s.store.FindByPrefix(ctx, prefix)
	if err != nil {
		return nil, translateStoreError(err, "credential not found", "load credential")
	}
	if err := s.hasher.Verify(secret, credential.SecretHash); err != nil {
		if errors.Is(err, secrets.ErrMismatch) {
			return nil, dErrors.New(dErrors.CodeNotFound, "credential not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to verify credential")
	}
	return credential, nil
}

