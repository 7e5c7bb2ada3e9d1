package service

import (
	"context"

	"trustcore/internal/authz"
	"trustcore/internal/identity/models"
	id "trustcore/pkg/domain"
	dErrors "trustcore/pkg/domain-errors"
	audit "trustcore/pkg/platform/audit"
)

// MutateRoles adds or removes role on the target identity on behalf of
// caller. Rules are checked in order:
//  1. the base role is never removable
//  2. callers cannot change their own roles unless they hold the top role
//  3. the caller's highest role must outrank role
//
// The base role is re-asserted on every successful write.
func (s *Service) MutateRoles(ctx context.Context, targetID id.IdentityID, caller *models.Identity, role authz.Role, op models.RoleOp) (_ *models.Identity, err error) {
	ctx, span := s.startSpan(ctx, "MutateRoles")
	defer func() { endSpan(span, err) }()

	if caller == nil {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "caller identity is required")
	}
	if !role.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, "unknown role")
	}

	if err := models.CanMutateRole(role, op); err != nil {
		s.recordRoleMutation(op, "invalid")
		return nil, err
	}

	holdsTop := caller.HasRole(authz.TopRole)
	if targetID == caller.ID && !holdsTop {
		s.denyRoleMutation(ctx, targetID, caller, role, op, "self_modification")
		return nil, dErrors.New(dErrors.CodeForbidden, "identities cannot modify their own roles")
	}
	if !authz.CanManage(caller.Roles, role) {
		s.denyRoleMutation(ctx, targetID, caller, role, op, "insufficient_rank")
		return nil, dErrors.New(dErrors.CodeForbidden, "caller cannot manage role "+role.String())
	}

	identity, err := s.store.Execute(ctx, targetID, nil, func(i *models.Identity) {
		i.ApplyRoleMutation(role, op)
	})
	if err != nil {
		return nil, translateStoreError(err, "update roles")
	}

	event := audit.EventRoleGranted
	if op == models.RoleOpRemove {
		event = audit.EventRoleRevoked
	}
	s.logAudit(ctx, event, targetID,
		"role", role.String(),
		"caller_id", caller.ID.String(),
	)
	s.recordRoleMutation(op, "applied")
	return identity, nil
}

func (s *Service) denyRoleMutation(ctx context.Context, targetID id.IdentityID, caller *models.Identity, role authz.Role, op models.RoleOp, reason string) {
	s.logAudit(ctx, audit.EventRoleMutationDenied, targetID,
		"role", role.String(),
		"op", string(op),
		"caller_id", caller.ID.String(),
		"reason", reason,
	)
	s.recordRoleMutation(op, "denied")
}

func (s *Service) recordRoleMutation(op models.RoleOp, outcome string) {
	if s.metrics != nil {
		s.metrics.IncRoleMutation(string(op), outcome)
	}
}
