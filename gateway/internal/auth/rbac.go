package auth

import (
	"slices"

	"github.com/openfoal/openfoal/pkg/protocol"
)

type methodSet map[protocol.Method]bool

func setOf(methods ...protocol.Method) methodSet {
	s := make(methodSet, len(methods))
	for _, m := range methods {
		s[m] = true
	}
	return s
}

var (
	// workspaceScoped methods act on one workspace the caller must be able to access.
	workspaceScoped = setOf(
		protocol.MethodAgentRun,
		protocol.MethodAgentAbort,
		protocol.MethodRuntimeSetMode,
		protocol.MethodSessionsCreate,
		protocol.MethodSessionsList,
		protocol.MethodSessionsGet,
		protocol.MethodSessionsHistory,
		protocol.MethodPolicyGet,
		protocol.MethodPolicyUpdate,
		protocol.MethodAuditQuery,
	)

	// tenantScoped methods act on the caller's tenant as a whole.
	tenantScoped = setOf(
		protocol.MethodUsersList,
		protocol.MethodUsersCreate,
		protocol.MethodMembersList,
		protocol.MethodMembersUpdate,
		protocol.MethodWorkspacesList,
		protocol.MethodWorkspacesCreate,
	)

	privilegedWrites = setOf(
		protocol.MethodPolicyUpdate,
		protocol.MethodUsersCreate,
		protocol.MethodMembersUpdate,
		protocol.MethodWorkspacesCreate,
	)

	workspaceAdminWrites = setOf(
		protocol.MethodPolicyUpdate,
		protocol.MethodMembersUpdate,
	)

	workspaceAdminRestricted = setOf(
		protocol.MethodUsersCreate,
		protocol.MethodWorkspacesCreate,
	)

	memberRestricted = setOf(
		protocol.MethodAuditQuery,
		protocol.MethodUsersList,
		protocol.MethodUsersCreate,
		protocol.MethodMembersList,
		protocol.MethodMembersUpdate,
		protocol.MethodWorkspacesCreate,
	)

	// memberScopedListing are tenant-scoped methods whose workspace scope is
	// narrowed for workspace admins.
	memberScopedListing = setOf(
		protocol.MethodMembersList,
		protocol.MethodMembersUpdate,
	)
)

// IsWorkspaceScoped reports whether m requires a workspace the caller can access.
func IsWorkspaceScoped(m protocol.Method) bool { return workspaceScoped[m] }

// IsTenantScoped reports whether m is pinned to the caller's tenant.
func IsTenantScoped(m protocol.Method) bool { return tenantScoped[m] }

// CanInvokeMethod reports whether p's most privileged role may call m.
func CanInvokeMethod(p *Principal, m protocol.Method) bool {
	switch p.TopRole() {
	case RoleTenantAdmin:
		return true
	case RoleWorkspaceAdmin:
		if workspaceAdminRestricted[m] {
			return false
		}
		return !privilegedWrites[m] || workspaceAdminWrites[m]
	default:
		return !memberRestricted[m] && !privilegedWrites[m]
	}
}

// CanAccessWorkspace reports whether p may act on workspaceID.
func CanAccessWorkspace(p *Principal, workspaceID string) bool {
	if p.HasRole(RoleTenantAdmin) {
		return true
	}
	return slices.Contains(p.WorkspaceIDs, workspaceID)
}
