package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/openfoal/openfoal/gateway/internal/store"
	"github.com/openfoal/openfoal/gateway/internal/token"
)

var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrAccountDisabled     = errors.New("account is not active")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrUserExists          = errors.New("user already exists")
)

// LocalOptions configures the local credential lifecycle.
type LocalOptions struct {
	Secret            string
	Issuer            string
	Audience          string
	AccessTTL         time.Duration
	RefreshTTL        time.Duration
	DefaultTenantID   string
	DefaultTenantCode string
	DefaultWorkspace  string
	AdminUsername     string
	AdminPassword     string
	Now               func() time.Time
}

func (o *LocalOptions) applyDefaults() {
	if o.AccessTTL <= 0 {
		o.AccessTTL = 15 * time.Minute
	}
	if o.RefreshTTL <= 0 {
		o.RefreshTTL = 30 * 24 * time.Hour
	}
	if o.DefaultTenantID == "" {
		o.DefaultTenantID = "t_default"
	}
	if o.DefaultTenantCode == "" {
		o.DefaultTenantCode = "default"
	}
	if o.DefaultWorkspace == "" {
		o.DefaultWorkspace = "w_default"
	}
	if o.AdminUsername == "" {
		o.AdminUsername = "admin"
	}
	if o.AdminPassword == "" {
		o.AdminPassword = "admin123!"
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// LocalAuth issues and rotates locally signed credentials for accounts kept
// in an AccountStore.
type LocalAuth struct {
	store    store.AccountStore
	opts     LocalOptions
	verifier *LocalVerifier
	logger   *slog.Logger

	mu           sync.Mutex
	bootstrapped bool
}

// NewLocalAuth creates the local credential service.
func NewLocalAuth(s store.AccountStore, opts LocalOptions, logger *slog.Logger) *LocalAuth {
	opts.applyDefaults()
	return &LocalAuth{
		store:    s,
		opts:     opts,
		verifier: NewLocalVerifier(opts.Secret, opts.Issuer, opts.Audience, opts.Now),
		logger:   logger.With("component", "auth.local"),
	}
}

// Verifier returns the verifier for tokens this service issues.
func (a *LocalAuth) Verifier() *LocalVerifier { return a.verifier }

// DefaultWorkspace returns the workspace new memberships fall back to.
func (a *LocalAuth) DefaultWorkspace() string { return a.opts.DefaultWorkspace }

// TokenPair is the credential set handed to a client.
type TokenPair struct {
	AccessToken      string `json:"accessToken"`
	RefreshToken     string `json:"refreshToken"`
	TokenType        string `json:"tokenType"`
	ExpiresIn        int64  `json:"expiresIn"`
	RefreshExpiresIn int64  `json:"refreshExpiresIn"`
}

// UserSummary is the denormalized account view returned with a login.
type UserSummary struct {
	ID           string   `json:"id"`
	Username     string   `json:"username"`
	DisplayName  string   `json:"displayName,omitempty"`
	TenantID     string   `json:"tenantId"`
	TenantCode   string   `json:"tenantCode"`
	WorkspaceIDs []string `json:"workspaceIds"`
	Roles        []Role   `json:"roles"`
}

// Session is the result of a login or refresh.
type Session struct {
	TokenPair
	User UserSummary `json:"user"`
}

// EnsureBootstrap creates the default tenant, workspace and admin account if
// they do not exist. It runs once per process; a failed attempt is retried by
// the next caller.
func (a *LocalAuth) EnsureBootstrap(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bootstrapped {
		return nil
	}
	if err := a.bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	a.bootstrapped = true
	return nil
}

func (a *LocalAuth) bootstrap(ctx context.Context) error {
	o := a.opts
	if _, err := a.store.GetTenant(ctx, o.DefaultTenantID); errors.Is(err, store.ErrNotFound) {
		t := &store.Tenant{ID: o.DefaultTenantID, Code: o.DefaultTenantCode, Name: "Default", Status: store.StatusActive}
		if err := a.store.UpsertTenant(ctx, t); err != nil {
			return fmt.Errorf("create tenant: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("get tenant: %w", err)
	}

	if _, err := a.store.GetWorkspace(ctx, o.DefaultWorkspace); errors.Is(err, store.ErrNotFound) {
		w := &store.Workspace{ID: o.DefaultWorkspace, TenantID: o.DefaultTenantID, Name: "Default", Status: store.StatusActive}
		if err := a.store.UpsertWorkspace(ctx, w); err != nil {
			return fmt.Errorf("create workspace: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("get workspace: %w", err)
	}

	admin, err := a.store.GetUserByUsername(ctx, o.AdminUsername)
	if errors.Is(err, store.ErrNotFound) {
		admin, err = a.createUser(ctx, o.AdminUsername, o.AdminPassword, "Administrator")
		if errors.Is(err, ErrUserExists) {
			admin, err = a.store.GetUserByUsername(ctx, o.AdminUsername)
		}
	}
	if err != nil {
		return fmt.Errorf("admin user: %w", err)
	}

	if _, err := a.store.GetTenantBinding(ctx, admin.ID, o.DefaultTenantID); errors.Is(err, store.ErrNotFound) {
		b := &store.TenantBinding{UserID: admin.ID, TenantID: o.DefaultTenantID, Status: store.StatusActive, DefaultWorkspaceID: o.DefaultWorkspace}
		if err := a.store.UpsertTenantBinding(ctx, b); err != nil {
			return fmt.Errorf("bind admin: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("get admin binding: %w", err)
	}

	existing, err := a.store.ListMemberships(ctx, store.MembershipFilter{TenantID: o.DefaultTenantID, UserID: admin.ID})
	if err != nil {
		return fmt.Errorf("list admin memberships: %w", err)
	}
	if len(existing) == 0 {
		m := &store.Membership{TenantID: o.DefaultTenantID, WorkspaceID: o.DefaultWorkspace, UserID: admin.ID, Role: string(RoleTenantAdmin)}
		if err := a.store.UpsertMembership(ctx, m); err != nil {
			return fmt.Errorf("grant admin: %w", err)
		}
		a.logger.Info("bootstrapped local admin", "username", o.AdminUsername, "tenant", o.DefaultTenantID)
	}
	return nil
}

func (a *LocalAuth) createUser(ctx context.Context, username, password, displayName string) (*store.User, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	u := &store.User{
		ID:           "u_" + uuid.NewString(),
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: hash,
		Status:       store.StatusActive,
		CreatedAt:    a.opts.Now().UTC(),
	}
	if err := a.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// NewUser describes an account created through the admin API.
type NewUser struct {
	TenantID     string
	Username     string
	Password     string
	DisplayName  string
	Role         Role
	WorkspaceIDs []string
}

// CreateUser creates an account, binds it to a tenant and grants role on
// each workspace.
func (a *LocalAuth) CreateUser(ctx context.Context, nu NewUser) (*store.User, error) {
	if err := a.EnsureBootstrap(ctx); err != nil {
		return nil, err
	}
	if nu.Username == "" || nu.Password == "" {
		return nil, errors.New("username and password are required")
	}
	if !nu.Role.Valid() {
		nu.Role = RoleMember
	}
	if len(nu.WorkspaceIDs) == 0 {
		nu.WorkspaceIDs = []string{a.opts.DefaultWorkspace}
	}

	u, err := a.createUser(ctx, nu.Username, nu.Password, nu.DisplayName)
	if err != nil {
		return nil, err
	}
	b := &store.TenantBinding{UserID: u.ID, TenantID: nu.TenantID, Status: store.StatusActive, DefaultWorkspaceID: nu.WorkspaceIDs[0]}
	if err := a.store.UpsertTenantBinding(ctx, b); err != nil {
		return nil, fmt.Errorf("bind user: %w", err)
	}
	for _, ws := range nu.WorkspaceIDs {
		m := &store.Membership{TenantID: nu.TenantID, WorkspaceID: ws, UserID: u.ID, Role: string(nu.Role)}
		if err := a.store.UpsertMembership(ctx, m); err != nil {
			return nil, fmt.Errorf("grant membership: %w", err)
		}
	}
	return u, nil
}

// Login verifies a username and password against tenantCode (the default
// tenant when empty) and issues a token pair.
func (a *LocalAuth) Login(ctx context.Context, username, password, tenantCode string) (*Session, error) {
	if err := a.EnsureBootstrap(ctx); err != nil {
		return nil, err
	}

	var tenant *store.Tenant
	var err error
	if tenantCode == "" {
		tenant, err = a.store.GetTenant(ctx, a.opts.DefaultTenantID)
	} else {
		tenant, err = a.store.GetTenantByCode(ctx, tenantCode)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}

	user, err := a.store.GetUserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	ok, err := CheckPassword(user.PasswordHash, password)
	if err != nil || !ok {
		return nil, ErrInvalidCredentials
	}

	binding, err := a.activeAccount(ctx, user, tenant)
	if err != nil {
		return nil, err
	}

	memberships, err := a.store.ListMemberships(ctx, store.MembershipFilter{TenantID: tenant.ID, UserID: user.ID})
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	if len(memberships) == 0 {
		ws := binding.DefaultWorkspaceID
		if ws == "" {
			ws = a.opts.DefaultWorkspace
		}
		m := store.Membership{TenantID: tenant.ID, WorkspaceID: ws, UserID: user.ID, Role: string(RoleMember)}
		if err := a.store.UpsertMembership(ctx, &m); err != nil {
			return nil, fmt.Errorf("create default membership: %w", err)
		}
		memberships = append(memberships, m)
	}

	return a.issue(ctx, user, tenant, memberships)
}

// activeAccount checks that user, tenant and their binding are all active.
func (a *LocalAuth) activeAccount(ctx context.Context, user *store.User, tenant *store.Tenant) (*store.TenantBinding, error) {
	if user.Status != store.StatusActive || tenant.Status != store.StatusActive {
		return nil, ErrAccountDisabled
	}
	binding, err := a.store.GetTenantBinding(ctx, user.ID, tenant.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("get binding: %w", err)
	}
	if binding.Status != store.StatusActive {
		return nil, ErrAccountDisabled
	}
	return binding, nil
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// pair is issued from current membership state. Each refresh token can be
// used once.
func (a *LocalAuth) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	if err := a.EnsureBootstrap(ctx); err != nil {
		return nil, err
	}
	if refreshToken == "" {
		return nil, ErrInvalidRefreshToken
	}

	now := a.opts.Now()
	rt, err := a.store.GetRefreshToken(ctx, hashRefreshToken(refreshToken))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidRefreshToken
	}
	if err != nil {
		return nil, fmt.Errorf("get refresh token: %w", err)
	}
	if rt.RevokedAt != nil || !now.Before(rt.ExpiresAt) {
		return nil, ErrInvalidRefreshToken
	}
	won, err := a.store.RevokeRefreshToken(ctx, rt.ID, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("revoke refresh token: %w", err)
	}
	if !won {
		return nil, ErrInvalidRefreshToken
	}

	user, err := a.store.GetUser(ctx, rt.UserID)
	if err != nil {
		return nil, ErrInvalidRefreshToken
	}
	tenant, err := a.store.GetTenant(ctx, rt.TenantID)
	if err != nil {
		return nil, ErrInvalidRefreshToken
	}
	if _, err := a.activeAccount(ctx, user, tenant); err != nil {
		return nil, err
	}
	memberships, err := a.store.ListMemberships(ctx, store.MembershipFilter{TenantID: tenant.ID, UserID: user.ID})
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	return a.issue(ctx, user, tenant, memberships)
}

// Logout revokes refreshToken if it exists. It always succeeds.
func (a *LocalAuth) Logout(ctx context.Context, refreshToken string) {
	if refreshToken == "" {
		return
	}
	rt, err := a.store.GetRefreshToken(ctx, hashRefreshToken(refreshToken))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			a.logger.Warn("logout lookup failed", "error", err)
		}
		return
	}
	if _, err := a.store.RevokeRefreshToken(ctx, rt.ID, a.opts.Now().UTC()); err != nil {
		a.logger.Warn("logout revoke failed", "error", err)
	}
}

func (a *LocalAuth) issue(ctx context.Context, user *store.User, tenant *store.Tenant, memberships []store.Membership) (*Session, error) {
	now := a.opts.Now()
	var workspaces []string
	var roles []Role
	for _, m := range memberships {
		workspaces = append(workspaces, m.WorkspaceID)
		roles = append(roles, Role(m.Role))
	}
	p := NewPrincipal(Principal{Subject: user.ID, TenantID: tenant.ID, WorkspaceIDs: workspaces, Roles: roles})

	name := user.DisplayName
	if name == "" {
		name = user.Username
	}
	roleNames := make([]string, len(p.Roles))
	for i, r := range p.Roles {
		roleNames[i] = string(r)
	}
	claims := jwt.MapClaims{
		"sub":           user.ID,
		"jti":           uuid.NewString(),
		"iat":           now.Unix(),
		"exp":           now.Add(a.opts.AccessTTL).Unix(),
		claimTenant:     tenant.ID,
		claimWorkspaces: p.WorkspaceIDs,
		claimRoles:      roleNames,
		claimName:       name,
		claimTokenUse:   "access",
	}
	claims["preferred_username"] = user.Username
	if a.opts.Issuer != "" {
		claims["iss"] = a.opts.Issuer
	}
	if a.opts.Audience != "" {
		claims["aud"] = a.opts.Audience
	}
	access, err := token.SignSymmetric(claims, []byte(a.opts.Secret))
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	refresh, err := newRefreshToken()
	if err != nil {
		return nil, err
	}
	rt := &store.RefreshToken{
		ID:        "rt_" + uuid.NewString(),
		TokenHash: hashRefreshToken(refresh),
		UserID:    user.ID,
		TenantID:  tenant.ID,
		ExpiresAt: now.Add(a.opts.RefreshTTL).UTC(),
		CreatedAt: now.UTC(),
	}
	if err := a.store.CreateRefreshToken(ctx, rt); err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}

	return &Session{
		TokenPair: TokenPair{
			AccessToken:      access,
			RefreshToken:     refresh,
			TokenType:        "Bearer",
			ExpiresIn:        int64(a.opts.AccessTTL / time.Second),
			RefreshExpiresIn: int64(a.opts.RefreshTTL / time.Second),
		},
		User: UserSummary{
			ID:           user.ID,
			Username:     user.Username,
			DisplayName:  user.DisplayName,
			TenantID:     tenant.ID,
			TenantCode:   tenant.Code,
			WorkspaceIDs: p.WorkspaceIDs,
			Roles:        p.Roles,
		},
	}, nil
}

func newRefreshToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return "ofr_" + base64.RawURLEncoding.EncodeToString(b), nil
}

func hashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
