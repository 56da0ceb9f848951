package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openfoal/openfoal/gateway/internal/token"
)

var ErrMissingSubject = errors.New("token has no subject")

// Verifier turns a bearer token into a Principal.
type Verifier interface {
	Verify(ctx context.Context, raw string) (*Principal, error)
	Name() string
}

// Local access token claim names.
const (
	claimTenant     = "tenant_id"
	claimWorkspaces = "workspace_ids"
	claimRoles      = "roles"
	claimName       = "name"
	claimTokenUse   = "token_use"
)

// LocalVerifier validates HS256 access tokens issued by this gateway.
type LocalVerifier struct {
	secret []byte
	exp    token.Expectations
}

// NewLocalVerifier creates a verifier for locally issued tokens.
func NewLocalVerifier(secret, issuer, audience string, now func() time.Time) *LocalVerifier {
	return &LocalVerifier{
		secret: []byte(secret),
		exp:    token.Expectations{Issuer: issuer, Audience: audience, Now: now},
	}
}

func (v *LocalVerifier) Name() string { return string(SourceLocal) }

func (v *LocalVerifier) Verify(_ context.Context, raw string) (*Principal, error) {
	claims, err := token.VerifyLocal(raw, v.secret, v.exp)
	if err != nil {
		return nil, err
	}
	if use := claimStr(claims, claimTokenUse); use != "" && use != "access" {
		return nil, fmt.Errorf("%w: token_use %q", token.ErrInvalidToken, use)
	}
	sub := claimStr(claims, "sub")
	if sub == "" {
		return nil, ErrMissingSubject
	}
	return NewPrincipal(Principal{
		Subject:      sub,
		TenantID:     claimStr(claims, claimTenant),
		WorkspaceIDs: claimStrings(claims, claimWorkspaces),
		Roles:        toRoles(claimStrings(claims, claimRoles)),
		AuthSource:   SourceLocal,
		DisplayName:  claimStr(claims, claimName),
		Claims:       claims,
	}), nil
}

// ExternalVerifier validates RS256 tokens from an external identity provider
// against a key set and maps its claims onto gateway scope.
type ExternalVerifier struct {
	keys             token.KeyLookup
	exp              token.Expectations
	roleMapping      map[string]Role
	defaultTenant    string
	defaultWorkspace string
}

// ExternalOptions configures an ExternalVerifier.
type ExternalOptions struct {
	Issuer           string
	Audience         string
	RoleMapping      map[string]Role
	DefaultTenant    string
	DefaultWorkspace string
	Now              func() time.Time
}

// NewExternalVerifier creates a verifier backed by keys.
func NewExternalVerifier(keys token.KeyLookup, opts ExternalOptions) *ExternalVerifier {
	return &ExternalVerifier{
		keys:             keys,
		exp:              token.Expectations{Issuer: opts.Issuer, Audience: opts.Audience, Now: opts.Now},
		roleMapping:      opts.RoleMapping,
		defaultTenant:    opts.DefaultTenant,
		defaultWorkspace: opts.DefaultWorkspace,
	}
}

func (v *ExternalVerifier) Name() string { return string(SourceExternal) }

func (v *ExternalVerifier) Verify(ctx context.Context, raw string) (*Principal, error) {
	claims, err := token.VerifyExternal(ctx, raw, v.keys, v.exp)
	if err != nil {
		return nil, err
	}
	sub := claimStr(claims, "sub")
	if sub == "" {
		return nil, ErrMissingSubject
	}

	tenant := firstNonEmpty(claimStr(claims, claimTenant), claimStr(claims, "org_id"), v.defaultTenant)
	workspaces := claimStrings(claims, claimWorkspaces)
	if ws := claimStr(claims, "workspace_id"); ws != "" {
		workspaces = append(workspaces, ws)
	}
	if len(workspaces) == 0 && v.defaultWorkspace != "" {
		workspaces = []string{v.defaultWorkspace}
	}

	var external []string
	external = append(external, claimStrings(claims, claimRoles)...)
	external = append(external, claimStrings(claims, "role")...)
	external = append(external, claimStrings(claims, "org_role")...)

	return NewPrincipal(Principal{
		Subject:      sub,
		TenantID:     tenant,
		WorkspaceIDs: workspaces,
		Roles:        v.mapRoles(external),
		AuthSource:   SourceExternal,
		DisplayName:  displayName(claims),
		Claims:       claims,
	}), nil
}

// mapRoles translates provider roles through the configured mapping. Names
// that already are gateway roles pass through unchanged.
func (v *ExternalVerifier) mapRoles(names []string) []Role {
	var out []Role
	for _, n := range names {
		if r, ok := v.roleMapping[n]; ok {
			out = append(out, r)
			continue
		}
		if r := Role(n); r.Valid() {
			out = append(out, r)
		}
	}
	return out
}

// HybridVerifier tries local verification first and falls back to external.
type HybridVerifier struct {
	local    Verifier
	external Verifier
}

// NewHybridVerifier combines a local and an external verifier.
func NewHybridVerifier(local, external Verifier) *HybridVerifier {
	return &HybridVerifier{local: local, external: external}
}

func (v *HybridVerifier) Name() string { return "hybrid" }

func (v *HybridVerifier) Verify(ctx context.Context, raw string) (*Principal, error) {
	p, localErr := v.local.Verify(ctx, raw)
	if localErr == nil {
		return p, nil
	}
	p, err := v.external.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("local: %v; external: %w", localErr, err)
	}
	return p, nil
}

func claimStr(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}

// claimStrings reads a claim that may be a single string or an array of strings.
func claimStrings(claims jwt.MapClaims, key string) []string {
	switch v := claims[key].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func toRoles(names []string) []Role {
	out := make([]Role, len(names))
	for i, n := range names {
		out[i] = Role(n)
	}
	return out
}

func displayName(claims jwt.MapClaims) string {
	switch {
	case claimStr(claims, "name") != "":
		return claimStr(claims, "name")
	case claimStr(claims, "preferred_username") != "":
		return claimStr(claims, "preferred_username")
	case claimStr(claims, "given_name") != "" || claimStr(claims, "family_name") != "":
		return strings.TrimSpace(claimStr(claims, "given_name") + " " + claimStr(claims, "family_name"))
	case claimStr(claims, "email") != "":
		return claimStr(claims, "email")
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
