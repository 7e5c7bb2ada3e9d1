package service

import (
	"context"
	"errors"
	"log/slog"

	"trustcore/internal/identity/models"
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

// Store persists identities. Execute must run validate and mutate as one
// atomic unit scoped to a single identity.
type Store interface {
	Create(ctx context.Context, identity *models.Identity) error
	FindByID(ctx context.Context, identityID id.IdentityID) (*models.Identity, error)
	Exists(ctx context.Context, identityID id.IdentityID) (bool, error)
	Execute(ctx context.Context, identityID id.IdentityID, validate func(*models.Identity) error, mutate func(*models.Identity)) (*models.Identity, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Metrics receives ledger counters. The Prometheus implementation lives in
// internal/identity/metrics.
type Metrics interface {
	IncRegistered()
	IncTouched(suspicious bool)
	IncRoleMutation(op string, outcome string)
	IncTagsUpdated()
}

// Service is the identity ledger: registration, trust evaluation on every
// touch, and guarded role and tag mutation.
type Service struct {
	store          Store
	policy         models.TrustPolicy
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

// WithTrustPolicy overrides the suspicious-address threshold and window.
func WithTrustPolicy(policy models.TrustPolicy) Option {
	return func(s *Service) {
		s.policy = policy
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

func New(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("identity store is required")
	}
	s := &Service{
		store:  store,
		policy: models.DefaultTrustPolicy,
		logger: slog.Default(),
		tracer: otel.Tracer("trustcore/identity"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.policy.Threshold <= 0 || s.policy.Window < 0 {
		return nil, errors.New("trust policy requires a positive threshold and non-negative window")
	}
	return s, nil
}

func (s *Service) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "identity."+name)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(dErrors.GetCode(err)))
	}
	span.End()
}

// translateStoreError maps persistence errors onto the domain taxonomy.
// Domain errors raised inside validate callbacks pass through unchanged.
func translateStoreError(err error, action string) error {
	var de *dErrors.Error
	switch {
	case errors.As(err, &de):
		return err
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "identity not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "concurrent update on identity, retry")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return dErrors.Wrap(err, dErrors.CodeTimeout, action+" timed out")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to "+action)
	}
}

func (s *Service) logAudit(ctx context.Context, event audit.AuditEvent, identityID id.IdentityID, attributes ...any) {
	requestID := requestcontext.RequestID(ctx)
	if requestID != "" {
		attributes = append(attributes, "request_id", requestID)
	}
	args := append(attributes, "identity_id", identityID.String(), "event", string(event), "log_type", "audit")
	if s.logger != nil {
		s.logger.InfoContext(ctx, string(event), args...)
	}
	if s.auditPublisher == nil {
		return
	}
	subject := attrs.ExtractString(attributes, "role")
	if subject == "" {
		subject = identityID.String()
	}
	actor := attrs.ExtractString(attributes, "caller_id")
	if actor == "" {
		actor = actorOf(ctx)
	}
	if err := s.auditPublisher.Emit(ctx, audit.Event{
		IdentityID: identityID,
		Subject:    subject,
		Action:     string(event),
		Reason:     attrs.ExtractString(attributes, "reason"),
		IP:         requestcontext.ClientIP(ctx),
		RequestID:  requestID,
		ActorID:    actor,
	}); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "audit emit failed", "event", string(event), "error", err)
	}
}

func actorOf(ctx context.Context) string {
	if caller := requestcontext.IdentityID(ctx); !caller.IsNil() {
		return caller.String()
	}
	return ""
}
