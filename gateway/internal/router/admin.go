package router

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"

	"github.com/google/uuid"

	"github.com/openfoal/openfoal/gateway/internal/auth"
	"github.com/openfoal/openfoal/gateway/internal/store"
	"github.com/openfoal/openfoal/pkg/protocol"
)

// Tool policy decisions.
const (
	PolicyAllow = "allow"
	PolicyDeny  = "deny"
)

// maxOffset bounds audit paging offsets.
const maxOffset = 1_000_000

func validDecision(d string) bool { return d == PolicyAllow || d == PolicyDeny }

func (r *Router) currentPolicy(ctx context.Context, tenantID, workspaceID string) (*store.Policy, error) {
	p, err := r.store.GetPolicy(ctx, tenantID, workspaceID)
	if errors.Is(err, store.ErrNotFound) {
		return &store.Policy{
			TenantID:    tenantID,
			WorkspaceID: workspaceID,
			ToolDefault: PolicyDeny,
			Tools:       map[string]string{},
		}, nil
	}
	return p, err
}

func (r *Router) policyGet(ctx context.Context, c *call) (any, error) {
	tenantID, workspaceID := r.scope(c.params)
	p, err := r.currentPolicy(ctx, tenantID, workspaceID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"policy": p}, nil
}

// policyUpdate merges a patch of {toolDefault?, tools?} into the workspace
// policy and bumps its version.
func (r *Router) policyUpdate(ctx context.Context, c *call) (any, error) {
	patch, _ := c.params["patch"].(map[string]any)
	if patch == nil {
		return nil, invalid("patch is required")
	}

	tenantID, workspaceID := r.scope(c.params)
	p, err := r.currentPolicy(ctx, tenantID, workspaceID)
	if err != nil {
		return nil, err
	}
	next := *p
	next.Tools = maps.Clone(p.Tools)
	if next.Tools == nil {
		next.Tools = map[string]string{}
	}

	if d, ok := patch["toolDefault"]; ok {
		s, _ := d.(string)
		if !validDecision(s) {
			return nil, invalid("toolDefault must be %q or %q", PolicyAllow, PolicyDeny)
		}
		next.ToolDefault = s
	}
	if tools, ok := patch["tools"].(map[string]any); ok {
		for name, v := range tools {
			if v == nil {
				delete(next.Tools, name)
				continue
			}
			s, _ := v.(string)
			if !validDecision(s) {
				return nil, invalid("tools.%s must be %q, %q or null", name, PolicyAllow, PolicyDeny)
			}
			next.Tools[name] = s
		}
	}
	next.Version = p.Version + 1
	next.UpdatedBy = r.actor(c)
	next.UpdatedAt = r.now().UTC()

	if err := r.store.UpsertPolicy(ctx, &next); err != nil {
		return nil, fmt.Errorf("update policy: %w", err)
	}
	c.emit(protocol.EventPolicyUpdated, map[string]any{
		"tenantId":    tenantID,
		"workspaceId": workspaceID,
		"version":     next.Version,
	})
	return map[string]any{"policy": &next}, nil
}

func (r *Router) auditQuery(ctx context.Context, c *call) (any, error) {
	tenantID, workspaceID := r.scope(c.params)
	filter := store.AuditFilter{
		TenantID:    tenantID,
		WorkspaceID: workspaceID,
		Action:      str(c.params, "action"),
		Limit:       intParam(c.params, "limit", 50, r.opts.MaxPageSize),
	}
	if v, ok := c.params["offset"]; ok && v != nil {
		off, ok := v.(float64)
		if !ok || off < 0 || off > maxOffset || off != math.Trunc(off) {
			return nil, invalid("offset must be an integer between 0 and %d", maxOffset)
		}
		filter.Offset = int(off)
	}
	items, err := r.store.QueryAudit(ctx, filter)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []store.AuditEvent{}
	}
	return map[string]any{"items": items}, nil
}

func (r *Router) usersList(ctx context.Context, c *call) (any, error) {
	tenantID, _ := r.scope(c.params)
	items, err := r.store.ListUsers(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []store.User{}
	}
	return map[string]any{"items": items}, nil
}

func (r *Router) usersCreate(ctx context.Context, c *call) (any, error) {
	local := r.auth.Local()
	if local == nil {
		return nil, invalid("local accounts are disabled")
	}
	username, err := required(c.params, "username")
	if err != nil {
		return nil, err
	}
	password, err := required(c.params, "password")
	if err != nil {
		return nil, err
	}
	role := auth.Role(str(c.params, "role"))
	if role == "" {
		role = auth.RoleMember
	}
	if !role.Valid() {
		return nil, invalid("unknown role %q", role)
	}
	workspaces := strList(c.params, "workspaceIds")
	if ws := str(c.params, "workspaceId"); ws != "" && !slices.Contains(workspaces, ws) {
		workspaces = append(workspaces, ws)
	}

	tenantID, _ := r.scope(c.params)
	u, err := local.CreateUser(ctx, auth.NewUser{
		TenantID:     tenantID,
		Username:     username,
		Password:     password,
		DisplayName:  str(c.params, "displayName"),
		Role:         role,
		WorkspaceIDs: workspaces,
	})
	if errors.Is(err, auth.ErrUserExists) {
		return nil, invalid("user %s already exists", username)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"user": u}, nil
}

func (r *Router) membersList(ctx context.Context, c *call) (any, error) {
	tenantID, _ := r.scope(c.params)
	filter := store.MembershipFilter{
		TenantID:     tenantID,
		UserID:       str(c.params, "userId"),
		WorkspaceIDs: strList(c.params, "workspaceIds"),
	}
	if ws := str(c.params, "workspaceId"); ws != "" && len(filter.WorkspaceIDs) == 0 {
		filter.WorkspaceIDs = []string{ws}
	}
	items, err := r.store.ListMemberships(ctx, filter)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []store.Membership{}
	}
	return map[string]any{"items": items}, nil
}

func (r *Router) membersUpdate(ctx context.Context, c *call) (any, error) {
	userID, err := required(c.params, "userId")
	if err != nil {
		return nil, err
	}
	role := auth.Role(str(c.params, "role"))
	if !role.Valid() {
		return nil, invalid("unknown role %q", role)
	}
	// A workspace admin cannot hand out tenant-wide administration.
	if p := c.st.Principal(); p != nil && role == auth.RoleTenantAdmin && p.TopRole() != auth.RoleTenantAdmin {
		return nil, protocol.NewError(protocol.CodeForbidden, "only a tenant admin may grant %s", role)
	}

	workspaceID, err := required(c.params, "workspaceId")
	if err != nil {
		return nil, err
	}
	tenantID, _ := r.scope(c.params)
	if w, err := r.store.GetWorkspace(ctx, workspaceID); err != nil {
		return nil, fmt.Errorf("workspace %s: %w", workspaceID, err)
	} else if w.TenantID != tenantID {
		return nil, protocol.NewError(protocol.CodeTenantScopeMismatch, "workspace %s belongs to another tenant", workspaceID)
	}
	if _, err := r.store.GetTenantBinding(ctx, userID, tenantID); err != nil {
		return nil, fmt.Errorf("user %s in tenant %s: %w", userID, tenantID, err)
	}

	// Below tenant admin, a caller may only change users it outranks.
	if p := c.st.Principal(); p != nil && p.TopRole() != auth.RoleTenantAdmin {
		held, err := r.store.ListMemberships(ctx, store.MembershipFilter{TenantID: tenantID, UserID: userID})
		if err != nil {
			return nil, fmt.Errorf("memberships of %s: %w", userID, err)
		}
		for _, m := range held {
			if auth.Role(m.Role).AtLeast(p.TopRole()) {
				return nil, protocol.NewError(protocol.CodeForbidden, "user %s holds %s in %s", userID, m.Role, m.WorkspaceID)
			}
		}
	}

	m := &store.Membership{TenantID: tenantID, WorkspaceID: workspaceID, UserID: userID, Role: string(role)}
	if err := r.store.UpsertMembership(ctx, m); err != nil {
		return nil, fmt.Errorf("update membership: %w", err)
	}
	return map[string]any{"membership": m}, nil
}

func (r *Router) workspacesList(ctx context.Context, c *call) (any, error) {
	tenantID, _ := r.scope(c.params)
	items, err := r.store.ListWorkspaces(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if p := c.st.Principal(); p != nil {
		items = slices.DeleteFunc(items, func(w store.Workspace) bool {
			return !auth.CanAccessWorkspace(p, w.ID)
		})
	}
	if items == nil {
		items = []store.Workspace{}
	}
	return map[string]any{"items": items}, nil
}

func (r *Router) workspacesCreate(ctx context.Context, c *call) (any, error) {
	name, err := required(c.params, "name")
	if err != nil {
		return nil, err
	}
	id := str(c.params, "id")
	if id == "" {
		id = "w_" + uuid.New().String()[:8]
	}
	if _, err := r.store.GetWorkspace(ctx, id); err == nil {
		return nil, invalid("workspace %s already exists", id)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	tenantID, _ := r.scope(c.params)
	w := &store.Workspace{ID: id, TenantID: tenantID, Name: name, Status: store.StatusActive}
	if err := r.store.UpsertWorkspace(ctx, w); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return map[string]any{"workspace": w}, nil
}
