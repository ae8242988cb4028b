package rbac

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiscalsim/guard/internal/audit"
	"github.com/fiscalsim/guard/internal/util"
)

func TestHasPermission(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		roles      []string
		permission Permission
		want       bool
	}{
		{"admin has manage_users", []string{"admin"}, PermManageUsers, true},
		{"admin has view_audit", []string{"admin"}, PermViewAudit, true},
		{"analyst can export", []string{"analyst"}, PermExportReports, true},
		{"analyst cannot manage users", []string{"analyst"}, PermManageUsers, false},
		{"user can run simulation", []string{"user"}, PermRunSimulation, true},
		{"user cannot export", []string{"user"}, PermExportReports, false},
		{"readonly can view", []string{"readonly"}, PermViewResults, true},
		{"readonly cannot run", []string{"readonly"}, PermRunSimulation, false},
		{"union across roles", []string{"readonly", "analyst"}, PermExportReports, true},
		{"unknown role grants nothing", []string{"superuser"}, PermViewResults, false},
		{"no roles", nil, PermViewResults, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, HasPermission(tt.roles, tt.permission))
		})
	}
}

func TestPermissionsFor(t *testing.T) {
	t.Parallel()

	perms := PermissionsFor([]string{"user", "analyst"})
	assert.Equal(t, []Permission{PermExportReports, PermRunSimulation, PermViewResults}, perms)

	assert.Empty(t, PermissionsFor(nil))
	assert.Empty(t, PermissionsFor([]string{"unknown"}))

	admin := PermissionsFor([]string{"admin"})
	assert.Len(t, admin, 6)
}

func TestValidRole(t *testing.T) {
	t.Parallel()

	for _, role := range []string{"admin", "analyst", "user", "readonly"} {
		assert.True(t, ValidRole(role), role)
	}
	assert.False(t, ValidRole("root"))
	assert.False(t, ValidRole(""))
}

func newTestAuditLogger() audit.Logger {
	return audit.NewLogger(audit.WithMetrics(audit.NewMetricsWithRegisterer("guard", prometheus.NewRegistry())))
}

func TestRequireDeniesAndAudits(t *testing.T) {
	t.Parallel()

	auditLog := newTestAuditLogger()
	a := NewAuthorizer(auditLog)
	ctx := context.Background()

	require.NoError(t, a.Require(ctx, "user-1", []string{"analyst"}, PermRunSimulation))

	err := a.Require(ctx, "user-1", []string{"readonly"}, PermRunSimulation)
	var authzErr *util.AuthorizationError
	require.ErrorAs(t, err, &authzErr)
	assert.Equal(t, "user-1", authzErr.Subject)
	assert.Equal(t, string(PermRunSimulation), authzErr.Permission)

	events := auditLog.ByType(audit.EventTypeAuthorization)
	require.Len(t, events, 1)
	assert.Equal(t, audit.OutcomeDenied, events[0].Outcome)
	assert.Equal(t, "user-1", events[0].Subject)
}

func TestChangeRoles(t *testing.T) {
	t.Parallel()

	auditLog := newTestAuditLogger()
	a := NewAuthorizer(auditLog)
	ctx := context.Background()

	require.NoError(t, a.ChangeRoles(ctx, "user-1", []string{"user"}, []string{"analyst"}, "admin-1"))

	err := a.ChangeRoles(ctx, "user-1", []string{"user"}, []string{"overlord"}, "admin-1")
	assert.ErrorIs(t, err, util.ErrInvalidInput)

	events := auditLog.ByType(audit.EventTypeAuthorization)
	require.Len(t, events, 1)
	assert.Equal(t, "admin-1", events[0].Details["changed_by"])
}
