// Package rbac provides role-based authorization: a fixed role and
// permission vocabulary, a static role-to-permission table, and enforcement
// helpers. Role membership is the only mutable authorization surface, and
// role changes are audit-logged.
package rbac

import (
	"context"
	"fmt"
	"sort"

	"github.com/fiscalsim/guard/internal/audit"
	"github.com/fiscalsim/guard/internal/util"
)

// Role is a named role.
type Role string

const (
	// RoleAdmin has every permission.
	RoleAdmin Role = "admin"
	// RoleAnalyst runs simulations and works with results.
	RoleAnalyst Role = "analyst"
	// RoleUser runs simulations and views results.
	RoleUser Role = "user"
	// RoleReadonly only views results.
	RoleReadonly Role = "readonly"
)

// Permission is a named capability.
type Permission string

const (
	// PermRunSimulation allows starting simulation runs.
	PermRunSimulation Permission = "run_simulation"
	// PermViewResults allows reading simulation results.
	PermViewResults Permission = "view_results"
	// PermExportReports allows exporting report artifacts.
	PermExportReports Permission = "export_reports"
	// PermManageUsers allows user administration.
	PermManageUsers Permission = "manage_users"
	// PermManageKeys allows API key administration.
	PermManageKeys Permission = "manage_keys"
	// PermViewAudit allows reading the audit log.
	PermViewAudit Permission = "view_audit"
)

// rolePermissions is the static role-to-permission table. There are no
// per-user overrides.
var rolePermissions = map[Role]map[Permission]bool{
	RoleAdmin: {
		PermRunSimulation: true,
		PermViewResults:   true,
		PermExportReports: true,
		PermManageUsers:   true,
		PermManageKeys:    true,
		PermViewAudit:     true,
	},
	RoleAnalyst: {
		PermRunSimulation: true,
		PermViewResults:   true,
		PermExportReports: true,
	},
	RoleUser: {
		PermRunSimulation: true,
		PermViewResults:   true,
	},
	RoleReadonly: {
		PermViewResults: true,
	},
}

// ValidRole reports whether the role is part of the fixed vocabulary.
func ValidRole(role string) bool {
	_, ok := rolePermissions[Role(role)]
	return ok
}

// HasPermission reports whether any of the subject's roles grants the
// permission. Unknown roles grant nothing.
func HasPermission(roles []string, permission Permission) bool {
	for _, role := range roles {
		if rolePermissions[Role(role)][permission] {
			return true
		}
	}
	return false
}

// PermissionsFor returns the union of permissions across the subject's
// roles, sorted for stable output.
func PermissionsFor(roles []string) []Permission {
	seen := make(map[Permission]bool)
	for _, role := range roles {
		for permission := range rolePermissions[Role(role)] {
			seen[permission] = true
		}
	}

	result := make([]Permission, 0, len(seen))
	for permission := range seen {
		result = append(result, permission)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// Authorizer enforces permissions and audit-logs denials and role changes.
type Authorizer struct {
	auditLog audit.Logger
}

// NewAuthorizer creates an authorizer.
func NewAuthorizer(auditLog audit.Logger) *Authorizer {
	if auditLog == nil {
		auditLog = audit.NopLogger()
	}
	return &Authorizer{auditLog: auditLog}
}

// Require denies with a typed authorization error, and an audit entry, when
// none of the subject's roles grants the permission.
func (a *Authorizer) Require(ctx context.Context, subject string, roles []string, permission Permission) error {
	if HasPermission(roles, permission) {
		return nil
	}

	a.auditLog.Log(ctx, audit.AuthorizationEvent(subject, string(permission)))
	return util.NewAuthorizationError(subject, string(permission),
		fmt.Sprintf("subject %s lacks permission", subject))
}

// ChangeRoles validates and audit-logs a role change, recording the old and
// new sets and the actor. The caller owns actually storing the membership.
func (a *Authorizer) ChangeRoles(ctx context.Context, subject string, oldRoles, newRoles []string, changedBy string) error {
	for _, role := range newRoles {
		if !ValidRole(role) {
			return fmt.Errorf("%w: unknown role %q", util.ErrInvalidInput, role)
		}
	}

	a.auditLog.Log(ctx, audit.RoleChangeEvent(subject, oldRoles, newRoles, changedBy))
	return nil
}
