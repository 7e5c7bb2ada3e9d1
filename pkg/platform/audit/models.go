package audit

import (
	"context"
	"time"

	id "trustcore/pkg/domain"
)

// EventCategory classifies audit events by their primary purpose so sinks
// can apply different retention and routing.
type EventCategory string

const (
	// CategorySecurity covers events relevant to monitoring and forensics:
	// suspicious addresses, privilege changes, credential revocation.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers routine activity that may be sampled.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from domain logic to capture key actions. It is
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Category   EventCategory
	Timestamp  time.Time
	IdentityID id.IdentityID
	Subject    string
	Action     string
	Reason     string
	IP         string
	RequestID  string
	// ActorID is the identity that performed the action when it differs
	// from IdentityID (role grants, revocations on behalf of others).
	ActorID string
}

type AuditEvent string

const (
	EventIdentityRegistered  AuditEvent = "identity_registered"
	EventSuspiciousAddress   AuditEvent = "suspicious_address_flagged"
	EventRoleGranted         AuditEvent = "role_granted"
	EventRoleRevoked         AuditEvent = "role_revoked"
	EventRoleMutationDenied  AuditEvent = "role_mutation_denied"
	EventTagsUpdated         AuditEvent = "tags_updated"
	EventMetadataUpdated     AuditEvent = "metadata_updated"
	EventCredentialIssued    AuditEvent = "credential_issued"
	EventCredentialRotated   AuditEvent = "credential_rotated"
	EventCredentialRevoked   AuditEvent = "credential_revoked"
	EventCredentialMisuse    AuditEvent = "credential_revoke_denied"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventSuspiciousAddress:  CategorySecurity,
	EventRoleGranted:        CategorySecurity,
	EventRoleRevoked:        CategorySecurity,
	EventRoleMutationDenied: CategorySecurity,
	EventCredentialRotated:  CategorySecurity,
	EventCredentialRevoked:  CategorySecurity,
	EventCredentialMisuse:   CategorySecurity,

	EventIdentityRegistered: CategoryOperations,
	EventTagsUpdated:        CategoryOperations,
	EventMetadataUpdated:    CategoryOperations,
	EventCredentialIssued:   CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store is a sink for audit history.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByIdentity(ctx context.Context, identityID id.IdentityID) ([]Event, error)
}
