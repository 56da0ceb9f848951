package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/openfoal/openfoal/gateway/internal/metrics"
	"github.com/openfoal/openfoal/pkg/protocol"
)

// Mode selects how connections authenticate.
type Mode string

const (
	ModeNone     Mode = "none"
	ModeLocal    Mode = "local"
	ModeExternal Mode = "external"
	ModeHybrid   Mode = "hybrid"
)

// ParseMode validates a configured mode. Empty means none.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeNone, nil
	case ModeNone, ModeLocal, ModeExternal, ModeHybrid:
		return m, nil
	default:
		return "", fmt.Errorf("unknown auth mode: %q", s)
	}
}

// UsesLocal reports whether the mode verifies locally issued tokens.
func (m Mode) UsesLocal() bool { return m == ModeLocal || m == ModeHybrid }

// UsesExternal reports whether the mode verifies provider tokens.
func (m Mode) UsesExternal() bool { return m == ModeExternal || m == ModeHybrid }

var (
	ErrLocalAuthDisabled = errors.New("local authentication is not enabled")
	ErrMissingBearer     = errors.New("missing bearer token")
)

// Runtime is the authentication front end used by the router and the HTTP
// auth endpoints.
type Runtime struct {
	mode          Mode
	alwaysRequire bool
	verifier      Verifier
	local         *LocalAuth
	logger        *slog.Logger
}

// NewRuntime wires verifiers for mode. local is required for local and hybrid
// modes and external for external and hybrid modes.
func NewRuntime(mode Mode, alwaysRequire bool, local *LocalAuth, external Verifier, logger *slog.Logger) (*Runtime, error) {
	r := &Runtime{mode: mode, alwaysRequire: alwaysRequire, local: local, logger: logger.With("component", "auth")}
	if mode.UsesLocal() && local == nil {
		return nil, fmt.Errorf("auth mode %s requires local credentials", mode)
	}
	if mode.UsesExternal() && external == nil {
		return nil, fmt.Errorf("auth mode %s requires an external verifier", mode)
	}
	switch mode {
	case ModeLocal:
		r.verifier = local.Verifier()
	case ModeExternal:
		r.verifier = external
	case ModeHybrid:
		r.verifier = NewHybridVerifier(local.Verifier(), external)
	case ModeNone:
		if local != nil {
			r.verifier = local.Verifier()
		}
	default:
		return nil, fmt.Errorf("unknown auth mode: %q", mode)
	}
	return r, nil
}

// Mode returns the configured mode.
func (r *Runtime) Mode() Mode { return r.mode }

// Local returns the local credential service, or nil.
func (r *Runtime) Local() *LocalAuth { return r.local }

// IsAuthRequired reports whether callers must present a token.
func (r *Runtime) IsAuthRequired() bool {
	return r.mode != ModeNone || r.alwaysRequire
}

func (r *Runtime) fail(code, format string, args ...any) *protocol.Error {
	metrics.AuthFailure(code)
	return protocol.NewError(code, format, args...)
}

// tokenFromConnect reads auth.token, falling back to the legacy authToken.
func tokenFromConnect(params map[string]any) string {
	if a, ok := params["auth"].(map[string]any); ok {
		if t, ok := a["token"].(string); ok && t != "" {
			return t
		}
	}
	t, _ := params["authToken"].(string)
	return t
}

// AuthenticateConnect authenticates the params of a connect request. It
// returns a nil principal when authentication is not required.
func (r *Runtime) AuthenticateConnect(ctx context.Context, params map[string]any) (*Principal, *protocol.Error) {
	if !r.IsAuthRequired() {
		return nil, nil
	}
	raw := tokenFromConnect(params)
	if raw == "" {
		return nil, r.fail(protocol.CodeAuthRequired, "connect requires auth.token")
	}
	p, err := r.verify(ctx, raw)
	if err != nil {
		r.logger.Warn("connect authentication failed", "error", err)
		return nil, r.fail(protocol.CodeUnauthorized, "%s", err.Error())
	}
	return p, nil
}

func (r *Runtime) verify(ctx context.Context, raw string) (*Principal, error) {
	if r.verifier == nil {
		return nil, errors.New("no token verifier configured")
	}
	if r.mode.UsesLocal() {
		if err := r.local.EnsureBootstrap(ctx); err != nil {
			return nil, err
		}
	}
	return r.verifier.Verify(ctx, raw)
}

// AuthorizeRPC checks that p may call method with params and returns the
// params with tenant and workspace scope pinned to what was authorized.
func (r *Runtime) AuthorizeRPC(method protocol.Method, params map[string]any, p *Principal) (map[string]any, *protocol.Error) {
	if !r.IsAuthRequired() {
		return params, nil
	}
	if p == nil {
		return nil, r.fail(protocol.CodeAuthRequired, "authentication required")
	}

	out := maps.Clone(params)
	if out == nil {
		out = map[string]any{}
	}

	if IsWorkspaceScoped(method) || IsTenantScoped(method) {
		if t, _ := out["tenantId"].(string); t != "" && t != p.TenantID {
			return nil, r.fail(protocol.CodeTenantScopeMismatch, "tenant %s is outside the caller's scope", t)
		}
		out["tenantId"] = p.TenantID
	}

	switch {
	case IsWorkspaceScoped(method):
		ws, _ := out["workspaceId"].(string)
		if ws == "" && len(p.WorkspaceIDs) > 0 {
			ws = p.WorkspaceIDs[0]
		}
		if ws == "" || !CanAccessWorkspace(p, ws) {
			return nil, r.fail(protocol.CodeWorkspaceScopeMismatch, "workspace %q is outside the caller's scope", ws)
		}
		out["workspaceId"] = ws

	case memberScopedListing[method] && p.TopRole() == RoleWorkspaceAdmin:
		if perr := r.pinMemberScope(method, out, p); perr != nil {
			return nil, perr
		}
	}

	if !CanInvokeMethod(p, method) {
		return nil, r.fail(protocol.CodeForbidden, "role %s may not call %s", p.TopRole(), method)
	}

	if actor, _ := out["actor"].(string); actor == "" {
		out["actor"] = p.Actor()
	}
	return out, nil
}

// pinMemberScope narrows a workspace admin's membership calls to the
// workspaces it can access.
func (r *Runtime) pinMemberScope(method protocol.Method, out map[string]any, p *Principal) *protocol.Error {
	ws, _ := out["workspaceId"].(string)
	if ws != "" && !CanAccessWorkspace(p, ws) {
		return r.fail(protocol.CodeWorkspaceScopeMismatch, "workspace %q is outside the caller's scope", ws)
	}

	if method == protocol.MethodMembersUpdate {
		if ws == "" && len(p.WorkspaceIDs) > 0 {
			ws = p.WorkspaceIDs[0]
		}
		if ws == "" {
			return r.fail(protocol.CodeWorkspaceScopeMismatch, "no accessible workspace")
		}
		out["workspaceId"] = ws
		return nil
	}

	if ws != "" {
		out["workspaceIds"] = []any{ws}
		return nil
	}
	scope := make([]any, 0, len(p.WorkspaceIDs))
	for _, id := range p.WorkspaceIDs {
		scope = append(scope, id)
	}
	if requested := stringList(out["workspaceIds"]); len(requested) > 0 {
		scope = scope[:0]
		for _, id := range requested {
			if !slices.Contains(p.WorkspaceIDs, id) {
				return r.fail(protocol.CodeWorkspaceScopeMismatch, "workspace %q is outside the caller's scope", id)
			}
			scope = append(scope, id)
		}
	}
	out["workspaceIds"] = scope
	return nil
}

// Me verifies a bearer Authorization header and returns the redacted principal.
func (r *Runtime) Me(ctx context.Context, header string) (*Snapshot, error) {
	raw, ok := bearer(header)
	if !ok {
		return nil, ErrMissingBearer
	}
	p, err := r.verify(ctx, raw)
	if err != nil {
		return nil, err
	}
	snap := p.Snapshot()
	return &snap, nil
}

// Login delegates to the local credential service.
func (r *Runtime) Login(ctx context.Context, username, password, tenantCode string) (*Session, error) {
	if r.local == nil {
		return nil, ErrLocalAuthDisabled
	}
	return r.local.Login(ctx, username, password, tenantCode)
}

// Refresh delegates to the local credential service.
func (r *Runtime) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	if r.local == nil {
		return nil, ErrLocalAuthDisabled
	}
	return r.local.Refresh(ctx, refreshToken)
}

// Logout revokes refreshToken if local credentials are enabled.
func (r *Runtime) Logout(ctx context.Context, refreshToken string) {
	if r.local != nil {
		r.local.Logout(ctx, refreshToken)
	}
}

func bearer(header string) (string, bool) {
	scheme, raw, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
