// Package auth authenticates gateway callers and authorizes their RPC calls
// against tenant and workspace scope.
package auth

import (
	"slices"
	"sort"
)

// Role is a gateway role. Roles are totally ordered by privilege.
type Role string

const (
	RoleTenantAdmin    Role = "tenant_admin"
	RoleWorkspaceAdmin Role = "workspace_admin"
	RoleMember         Role = "member"
)

var rolePrivilege = map[Role]int{
	RoleTenantAdmin:    3,
	RoleWorkspaceAdmin: 2,
	RoleMember:         1,
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return rolePrivilege[r] > 0 }

// AtLeast reports whether r is as privileged as o or more.
func (r Role) AtLeast(o Role) bool { return r.Valid() && rolePrivilege[r] >= rolePrivilege[o] }

// Source records which verifier produced a principal.
type Source string

const (
	SourceLocal    Source = "local"
	SourceExternal Source = "external"
)

// Principal is an authenticated identity and its scope. It is immutable once
// built; use NewPrincipal so that roles are normalized.
type Principal struct {
	Subject      string         `json:"subject"`
	TenantID     string         `json:"tenantId"`
	WorkspaceIDs []string       `json:"workspaceIds"`
	Roles        []Role         `json:"roles"`
	AuthSource   Source         `json:"authSource"`
	DisplayName  string         `json:"displayName,omitempty"`
	Claims       map[string]any `json:"-"`
}

// NewPrincipal returns a principal with normalized roles and deduplicated
// workspace ids. A principal without any known role is a member.
func NewPrincipal(p Principal) *Principal {
	p.Roles = NormalizeRoles(p.Roles)
	if len(p.Roles) == 0 {
		p.Roles = []Role{RoleMember}
	}
	p.WorkspaceIDs = dedup(p.WorkspaceIDs)
	return &p
}

// NormalizeRoles drops unknown roles, removes duplicates and orders the rest
// from most to least privileged.
func NormalizeRoles(roles []Role) []Role {
	out := make([]Role, 0, len(roles))
	for _, r := range roles {
		if r.Valid() && !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return rolePrivilege[out[i]] > rolePrivilege[out[j]] })
	return out
}

// HasRole reports whether the principal holds r.
func (p *Principal) HasRole(r Role) bool { return slices.Contains(p.Roles, r) }

// TopRole returns the most privileged role held.
func (p *Principal) TopRole() Role {
	if len(p.Roles) == 0 {
		return RoleMember
	}
	return p.Roles[0]
}

// Actor is the label used for audit attribution.
func (p *Principal) Actor() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Subject
}

// safeClaims is the fixed subset of claims exposed by Snapshot.
var safeClaims = []string{"iss", "aud", "exp", "iat", "jti"}

// Snapshot is the redacted view of a principal returned by introspection.
type Snapshot struct {
	Subject      string         `json:"subject"`
	TenantID     string         `json:"tenantId"`
	WorkspaceIDs []string       `json:"workspaceIds"`
	Roles        []Role         `json:"roles"`
	AuthSource   Source         `json:"authSource"`
	DisplayName  string         `json:"displayName,omitempty"`
	Claims       map[string]any `json:"claims"`
}

// Snapshot returns a redacted copy of p.
func (p *Principal) Snapshot() Snapshot {
	claims := make(map[string]any, len(safeClaims))
	for _, k := range safeClaims {
		if v, ok := p.Claims[k]; ok {
			claims[k] = v
		}
	}
	return Snapshot{
		Subject:      p.Subject,
		TenantID:     p.TenantID,
		WorkspaceIDs: slices.Clone(p.WorkspaceIDs),
		Roles:        slices.Clone(p.Roles),
		AuthSource:   p.AuthSource,
		DisplayName:  p.DisplayName,
		Claims:       claims,
	}
}

func dedup(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
