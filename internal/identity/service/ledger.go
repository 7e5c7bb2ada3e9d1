package service

import (
	"context"

	"trustcore/internal/identity/models"
	id "trustcore/pkg/domain"
	dErrors "trustcore/pkg/domain-errors"
	audit "trustcore/pkg/platform/audit"
	"trustcore/pkg/requestcontext"
)

// Register creates a new identity for fingerprintValue observed at
// observedAddress. Fingerprints are not deduplicated.
func (s *Service) Register(ctx context.Context, fingerprintValue, observedAddress string, metadata map[string]any) (_ *models.Identity, err error) {
	ctx, span := s.startSpan(ctx, "Register")
	defer func() { endSpan(span, err) }()

	identity, err := models.NewIdentity(id.NewIdentityID(), fingerprintValue, observedAddress, metadata, requestcontext.Now(ctx))
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeInvariantViolation) {
			return nil, dErrors.New(dErrors.CodeValidation, err.Error())
		}
		return nil, err
	}

	if err := s.store.Create(ctx, identity); err != nil {
		return nil, translateStoreError(err, "create identity")
	}

	s.logAudit(ctx, audit.EventIdentityRegistered, identity.ID, "observed_address", observedAddress)
	if s.metrics != nil {
		s.metrics.IncRegistered()
	}
	return identity, nil
}

// GetIdentity reads an identity without recording an observation.
func (s *Service) GetIdentity(ctx context.Context, identityID id.IdentityID) (_ *models.Identity, err error) {
	ctx, span := s.startSpan(ctx, "GetIdentity")
	defer func() { endSpan(span, err) }()

	identity, err := s.store.FindByID(ctx, identityID)
	if err != nil {
		return nil, translateStoreError(err, "load identity")
	}
	return identity, nil
}

// TouchAndEvaluateTrust records one observation of observedAddress and
// reports whether it was flagged suspicious. The read, evaluation and write
// happen atomically so concurrent touches never lose an increment.
func (s *Service) TouchAndEvaluateTrust(ctx context.Context, identityID id.IdentityID, observedAddress string) (_ *models.Identity, suspicious bool, err error) {
	ctx, span := s.startSpan(ctx, "TouchAndEvaluateTrust")
	defer func() { endSpan(span, err) }()

	if observedAddress == "" {
		return nil, false, dErrors.New(dErrors.CodeValidation, "observed address is required")
	}
	now := requestcontext.Now(ctx)

	identity, err := s.store.Execute(ctx, identityID, nil, func(i *models.Identity) {
		// may run more than once under optimistic retry; last run wins
		suspicious = i.Touch(observedAddress, now, s.policy)
	})
	if err != nil {
		return nil, false, translateStoreError(err, "touch identity")
	}

	if suspicious {
		s.logAudit(ctx, audit.EventSuspiciousAddress, identityID,
			"observed_address", observedAddress,
			"primary_address", identity.IPProvenance.PrimaryAddress,
		)
	}
	if s.metrics != nil {
		s.metrics.IncTouched(suspicious)
	}
	return identity, suspicious, nil
}

// MutateTags merges tags into the identity's tag map. Values must be
// numbers or booleans, and the stored map may not grow past
// models.MaxMapEntries.
func (s *Service) MutateTags(ctx context.Context, identityID id.IdentityID, tags map[string]any) (_ *models.Identity, err error) {
	ctx, span := s.startSpan(ctx, "MutateTags")
	defer func() { endSpan(span, err) }()

	if err := models.ValidateTags(tags); err != nil {
		return nil, err
	}

	identity, err := s.store.Execute(ctx, identityID,
		func(i *models.Identity) error { return i.CanMergeTags(tags) },
		func(i *models.Identity) { i.MergeTags(tags) },
	)
	if err != nil {
		return nil, translateStoreError(err, "update tags")
	}

	s.logAudit(ctx, audit.EventTagsUpdated, identityID, "tag_count", len(tags))
	if s.metrics != nil {
		s.metrics.IncTagsUpdated()
	}
	return identity, nil
}

// MergeMetadata merges opaque metadata into the identity.
func (s *Service) MergeMetadata(ctx context.Context, identityID id.IdentityID, metadata map[string]any) (_ *models.Identity, err error) {
	ctx, span := s.startSpan(ctx, "MergeMetadata")
	defer func() { endSpan(span, err) }()

	identity, err := s.store.Execute(ctx, identityID,
		func(i *models.Identity) error { return i.CanMergeMetadata(metadata) },
		func(i *models.Identity) { i.MergeMetadata(metadata) },
	)
	if err != nil {
		return nil, translateStoreError(err, "update metadata")
	}

	s.logAudit(ctx, audit.EventMetadataUpdated, identityID)
	return identity, nil
}
