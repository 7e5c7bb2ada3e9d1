package models

import (
	"maps"
	"time"

	"trustcore/internal/authz"
	id "trustcore/pkg/domain"
	dErrors "trustcore/pkg/domain-errors"
)

// Identity is the aggregate root for one fingerprint registration.
//
// Invariants:
//   - Roles always contains authz.BaseRole and is never empty
//   - CreatedAt is immutable after construction
//   - IPProvenance.PrimaryAddress is the most frequently observed address,
//     first observed wins on ties
//
// FingerprintValue is opaque client input and is not unique: registering
// the same fingerprint twice yields two unrelated identities.
type Identity struct {
	ID               id.IdentityID  `json:"id"`
	FingerprintValue string         `json:"fingerprintValue"`
	Roles            []authz.Role   `json:"roles"`
	Tags             map[string]any `json:"tags"`
	CreatedAt        time.Time      `json:"createdAt"`
	IPProvenance     IPProvenance   `json:"ipProvenance"`
	Metadata         map[string]any `json:"metadata"`
}

// RoleOp is a role mutation direction.
type RoleOp string

const (
	RoleOpAdd    RoleOp = "add"
	RoleOpRemove RoleOp = "remove"
)

// ParseRoleOp validates a role operation from untrusted input.
func ParseRoleOp(s string) (RoleOp, error) {
	switch RoleOp(s) {
	case RoleOpAdd, RoleOpRemove:
		return RoleOp(s), nil
	default:
		return "", dErrors.New(dErrors.CodeInvalidOperation, "unsupported role operation")
	}
}

// NewIdentity builds a freshly registered identity seeded with a single
// observation of observedAddress.
func NewIdentity(identityID id.IdentityID, fingerprint, observedAddress string, metadata map[string]any, now time.Time) (*Identity, error) {
	if fingerprint == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "fingerprint value cannot be empty")
	}
	if observedAddress == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "observed address cannot be empty")
	}
	md := make(map[string]any, len(metadata))
	maps.Copy(md, metadata)
	return &Identity{
		ID:               identityID,
		FingerprintValue: fingerprint,
		Roles:            []authz.Role{authz.BaseRole},
		Tags:             map[string]any{},
		CreatedAt:        now,
		IPProvenance:     newProvenance(observedAddress, now),
		Metadata:         md,
	}, nil
}

// HasRole reports whether the identity holds r.
func (i *Identity) HasRole(r authz.Role) bool {
	return authz.Contains(i.Roles, r)
}

// CanMutateRole checks the request-independent role mutation rules. The
// caller-dependent checks live in the service because they need the caller.
func CanMutateRole(role authz.Role, op RoleOp) error {
	if op != RoleOpAdd && op != RoleOpRemove {
		return dErrors.New(dErrors.CodeInvalidOperation, "unsupported role operation")
	}
	if op == RoleOpRemove && role == authz.BaseRole {
		return dErrors.New(dErrors.CodeInvalidOperation, "base role cannot be removed")
	}
	return nil
}

// ApplyRoleMutation adds or removes role and re-asserts the base role.
// Call CanMutateRole first.
func (i *Identity) ApplyRoleMutation(role authz.Role, op RoleOp) {
	switch op {
	case RoleOpAdd:
		if !i.HasRole(role) {
			i.Roles = append(i.Roles, role)
		}
	case RoleOpRemove:
		kept := i.Roles[:0]
		for _, r := range i.Roles {
			if r != role {
				kept = append(kept, r)
			}
		}
		i.Roles = kept
	}
	if !i.HasRole(authz.BaseRole) {
		i.Roles = append([]authz.Role{authz.BaseRole}, i.Roles...)
	}
}

// ValidateTags checks that every tag value is numeric or boolean.
func ValidateTags(tags map[string]any) error {
	for name, v := range tags {
		if name == "" {
			return dErrors.New(dErrors.CodeValidation, "tag name cannot be empty")
		}
		switch v.(type) {
		case bool, float64, float32, int, int32, int64, uint, uint32, uint64:
		default:
			return dErrors.New(dErrors.CodeValidation, "tag "+name+" must be a number or boolean")
		}
	}
	return nil
}

// MaxMapEntries caps the stored tag and metadata maps. Overwriting an
// existing key is always allowed.
const MaxMapEntries = 64

// CanMergeTags reports whether merging tags keeps the identity within
// MaxMapEntries.
func (i *Identity) CanMergeTags(tags map[string]any) error {
	if !fitsMerge(i.Tags, tags) {
		return dErrors.New(dErrors.CodeValidation, "identity tag limit reached")
	}
	return nil
}

// CanMergeMetadata reports whether merging metadata keeps the identity
// within MaxMapEntries.
func (i *Identity) CanMergeMetadata(metadata map[string]any) error {
	if !fitsMerge(i.Metadata, metadata) {
		return dErrors.New(dErrors.CodeValidation, "identity metadata limit reached")
	}
	return nil
}

func fitsMerge(current, incoming map[string]any) bool {
	added := 0
	for k := range incoming {
		if _, ok := current[k]; !ok {
			added++
		}
	}
	return added == 0 || len(current)+added <= MaxMapEntries
}

// MergeTags inserts new tag keys and overwrites existing ones.
func (i *Identity) MergeTags(tags map[string]any) {
	if i.Tags == nil {
		i.Tags = make(map[string]any, len(tags))
	}
	maps.Copy(i.Tags, tags)
}

// MergeMetadata merges caller-supplied metadata; existing keys are
// overwritten, absent keys are kept.
func (i *Identity) MergeMetadata(metadata map[string]any) {
	if i.Metadata == nil {
		i.Metadata = make(map[string]any, len(metadata))
	}
	maps.Copy(i.Metadata, metadata)
}

// Clone returns a deep copy safe to hand out of a store.
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	out := *i
	out.Roles = append([]authz.Role(nil), i.Roles...)
	out.Tags = maps.Clone(i.Tags)
	out.Metadata = maps.Clone(i.Metadata)
	out.IPProvenance = i.IPProvenance.clone()
	return &out
}
