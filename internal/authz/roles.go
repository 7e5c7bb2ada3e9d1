// Package authz is the role hierarchy authorizer.
//
// The role table is the single source of truth for role names, ranks and
// permissions. It is static and read-only after package initialization; no
// function in this package performs I/O.
package authz

import (
	"strings"

	dErrors "trustcore/pkg/domain-errors"
)

// Role is a canonical role name.
type Role string

const (
	RoleUser        Role = "user"
	RoleAgent       Role = "agent"
	RoleFieldAgent  Role = "field_agent"
	RoleSeniorAgent Role = "senior_agent"
	RoleAdmin       Role = "admin"
)

// BaseRole is held by every identity and can never be removed.
const BaseRole = RoleUser

// TopRole manages every role, including itself.
const TopRole = RoleAdmin

// Permission names a capability granted by a role.
type Permission string

const (
	PermIdentityRead    Permission = "identity:read"
	PermTagsWrite       Permission = "tags:write"
	PermRolesManage     Permission = "roles:manage"
	PermCredentialsRead Permission = "credentials:read"
	PermCredentialIssue Permission = "credentials:issue"
)

type roleDef struct {
	rank        int
	permissions map[Permission]struct{}
}

func perms(p ...Permission) map[Permission]struct{} {
	out := make(map[Permission]struct{}, len(p))
	for _, v := range p {
		out[v] = struct{}{}
	}
	return out
}

var roleTable = map[Role]roleDef{
	RoleUser:        {rank: 0, permissions: perms()},
	RoleAgent:       {rank: 1, permissions: perms(PermIdentityRead)},
	RoleFieldAgent:  {rank: 2, permissions: perms(PermIdentityRead, PermTagsWrite, PermRolesManage)},
	RoleSeniorAgent: {rank: 3, permissions: perms(PermIdentityRead, PermTagsWrite, PermRolesManage, PermCredentialsRead)},
	RoleAdmin:       {rank: 4, permissions: perms(PermIdentityRead, PermTagsWrite, PermRolesManage, PermCredentialsRead, PermCredentialIssue)},
}

// Roles returns every known role ordered by rank, lowest first.
func Roles() []Role {
	return []Role{RoleUser, RoleAgent, RoleFieldAgent, RoleSeniorAgent, RoleAdmin}
}

// ParseRole validates a role name from untrusted input. The error lists the
// accepted names.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := roleTable[r]; !ok {
		names := make([]string, 0, len(roleTable))
		for _, known := range Roles() {
			names = append(names, known.String())
		}
		return "", dErrors.New(dErrors.CodeValidation, "unknown role, expected one of: "+strings.Join(names, ", "))
	}
	return r, nil
}

func (r Role) String() string { return string(r) }

// IsValid reports whether r is in the role table.
func (r Role) IsValid() bool {
	_, ok := roleTable[r]
	return ok
}

// Rank returns the role's rank, or -1 for roles outside the table.
func Rank(r Role) int {
	def, ok := roleTable[r]
	if !ok {
		return -1
	}
	return def.rank
}

// Highest returns the highest-ranked known role in roles, or BaseRole when
// none is known.
func Highest(roles []Role) Role {
	best := BaseRole
	for _, r := range roles {
		if Rank(r) > Rank(best) {
			best = r
		}
	}
	return best
}

// Contains reports whether roles holds r.
func Contains(roles []Role, r Role) bool {
	for _, v := range roles {
		if v == r {
			return true
		}
	}
	return false
}

// CanManage reports whether a caller holding callerRoles may grant or revoke
// target. The top role manages everything, itself included. Any other caller
// manages only roles ranked strictly below its highest role.
func CanManage(callerRoles []Role, target Role) bool {
	if Contains(callerRoles, TopRole) {
		return true
	}
	if !target.IsValid() {
		return false
	}
	return Rank(Highest(callerRoles)) > Rank(target)
}

// HasPermission reports whether any of roles grants p.
func HasPermission(roles []Role, p Permission) bool {
	for _, r := range roles {
		def, ok := roleTable[r]
		if !ok {
			continue
		}
		if _, ok := def.permissions[p]; ok {
			return true
		}
	}
	return false
}
