package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"trustcore/internal/credential/models"
	"trustcore/pkg/attrs"
	id "trustcore/pkg/domain"
	dErrors "trustcore/pkg/domain-errors"
	audit "trustcore/pkg/platform/audit"
	"trustcore/pkg/platform/sentinel"
	"trustcore/pkg/requestcontext"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Store persists credentials. Rotate must deactivate the owner's active
// credentials and insert next in one atomic unit; a non-nil guard is called
// inside that unit with the number of credentials the owner already holds.
type Store interface {
	Rotate(ctx context.Context, next *models.Credential, now time.Time, guard func(issued int) error) (int, error)
	FindByPrefix(ctx context.Context, prefix string) (*models.Credential, error)
	Execute(ctx context.Context, prefix string, validate func(*models.Credential) error, mutate func(*models.Credential)) (*models.Credential, error)
	ListByOwner(ctx context.Context, owner id.IdentityID) ([]*models.Credential, error)
}

// IdentityChecker answers whether an identity exists. Implemented by the
// identity adapter.
type IdentityChecker interface {
	Exists(ctx context.Context, identityID id.IdentityID) (bool, error)
}

// SecretHasher hashes and verifies credential secrets.
type SecretHasher interface {
	Hash(secret string) (string, error)
	Verify(secret, hash string) error
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

type Metrics interface {
	IncIssued(rotated bool)
	IncValidation(valid bool)
	IncRevoked()
	ObserveValidateDuration(start time.Time)
}

// Service manages the credential lifecycle for identities.
type Service struct {
	store          Store
	identities     IdentityChecker
	hasher         SecretHasher
	logger         *slog.Logger
	auditPublisher AuditPublisher
	metrics        Metrics
	tracer         trace.Tracer
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.auditPublisher = publisher
	}
}

func WithMetrics(m Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

func New(store Store, identities IdentityChecker, hasher SecretHasher, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("credential store is required")
	}
	if identities == nil {
		return nil, errors.New("identity checker is required")
	}
	if hasher == nil {
		return nil, errors.New("secret hasher is required")
	}
	s := &Service{
		store:      store,
		identities: identities,
		hasher:     hasher,
		logger:     slog.Default(),
		tracer:     otel.Tracer("trustcore/credential"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "credential."+name)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(dErrors.GetCode(err)))
	}
	span.End()
}

func translateStoreError(err error, notFound, action string) error {
	var de *dErrors.Error
	switch {
	case errors.As(err, &de):
		return err
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, notFound)
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "concurrent credential update, retry")
	case errors.Is(err, sentinel.ErrInvalidState):
		return dErrors.Wrap(err, dErrors.CodeInvalidOperation, "credential state change not allowed")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return dErrors.Wrap(err, dErrors.CodeTimeout, action+" timed out")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to "+action)
	}
}

func (s *Service) logAudit(ctx context.Context, event audit.AuditEvent, owner id.IdentityID, attributes ...any) {
	requestID := requestcontext.RequestID(ctx)
	if requestID != "" {
		attributes = append(attributes, "request_id", requestID)
	}
	args := append(attributes, "identity_id", owner.String(), "event", string(event), "log_type", "audit")
	if s.logger != nil {
		s.logger.InfoContext(ctx, string(event), args...)
	}
	if s.auditPublisher == nil {
		return
	}
	actor := attrs.ExtractString(attributes, "caller_id")
	if caller := requestcontext.IdentityID(ctx); actor == "" && !caller.IsNil() {
		actor = caller.String()
	}
	subject := attrs.ExtractString(attributes, "key_prefix")
	if subject == "" {
		subject = owner.String()
	}
	if err := s.auditPublisher.Emit(ctx, audit.Event{
		IdentityID: owner,
		Subject:    subject,
		Action:     string(event),
		IP:         requestcontext.ClientIP(ctx),
		RequestID:  requestID,
		ActorID:    actor,
	}); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "audit emit failed", "event", string(event), "error", err)
	}
}
