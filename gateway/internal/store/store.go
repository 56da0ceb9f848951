// Package store defines the storage collaborators of the gateway and provides
// in-memory, SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: already exists")
)

// Status values shared by tenants, workspaces, users and bindings.
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

// SessionStore persists agent sessions.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*Session, error)
	UpsertSession(ctx context.Context, sess *Session) error
	SetRuntimeMode(ctx context.Context, id, mode string) (*Session, error)
	ListSessions(ctx context.Context, tenantID, workspaceID string) ([]Session, error)
}

// TranscriptStore persists the event transcript of each session.
type TranscriptStore interface {
	AppendTranscript(ctx context.Context, entry *TranscriptEntry) error
	ListTranscript(ctx context.Context, sessionID string, limit int) ([]TranscriptEntry, error)
}

// IdempotencyStore persists idempotency records by cache key. Records never expire.
type IdempotencyStore interface {
	GetIdempotency(ctx context.Context, key string) (*IdempotencyRecord, error)
	SetIdempotency(ctx context.Context, key string, rec *IdempotencyRecord) error
}

// PolicyStore persists per-workspace tool policies.
type PolicyStore interface {
	GetPolicy(ctx context.Context, tenantID, workspaceID string) (*Policy, error)
	UpsertPolicy(ctx context.Context, p *Policy) error
}

// AuditStore persists audit events.
type AuditStore interface {
	AppendAudit(ctx context.Context, event *AuditEvent) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
}

// AccountStore persists tenants, workspaces, users and their credentials.
type AccountStore interface {
	// Tenants
	UpsertTenant(ctx context.Context, t *Tenant) error
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	GetTenantByCode(ctx context.Context, code string) (*Tenant, error)

	// Workspaces
	UpsertWorkspace(ctx context.Context, w *Workspace) error
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)
	ListWorkspaces(ctx context.Context, tenantID string) ([]Workspace, error)

	// Users
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	ListUsers(ctx context.Context, tenantID string) ([]User, error)

	// Tenant bindings
	UpsertTenantBinding(ctx context.Context, b *TenantBinding) error
	GetTenantBinding(ctx context.Context, userID, tenantID string) (*TenantBinding, error)

	// Memberships
	UpsertMembership(ctx context.Context, m *Membership) error
	ListMemberships(ctx context.Context, filter MembershipFilter) ([]Membership, error)

	// Refresh tokens
	CreateRefreshToken(ctx context.Context, rt *RefreshToken) error
	GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error)
	// RevokeRefreshToken marks the token revoked. It reports false when the
	// token was already revoked, which makes rotation single-use.
	RevokeRefreshToken(ctx context.Context, id string, at time.Time) (bool, error)
}

// Store is the full persistence interface of the gateway.
type Store interface {
	SessionStore
	TranscriptStore
	IdempotencyStore
	PolicyStore
	AuditStore
	AccountStore

	Ping(ctx context.Context) error
	Close() error
}

// Tenant is an isolated customer of the platform.
type Tenant struct {
	ID     string `json:"id"`
	Code   string `json:"code"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Workspace groups sessions and policies inside a tenant.
type Workspace struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	Name     string `json:"name"`
	Status   string `json:"status"`
}

// User is a local account.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"displayName,omitempty"`
	PasswordHash string    `json:"-"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
}

// TenantBinding attaches a user to a tenant.
type TenantBinding struct {
	UserID             string `json:"userId"`
	TenantID           string `json:"tenantId"`
	Status             string `json:"status"`
	DefaultWorkspaceID string `json:"defaultWorkspaceId,omitempty"`
}

// Membership grants a role on one workspace.
type Membership struct {
	TenantID    string `json:"tenantId"`
	WorkspaceID string `json:"workspaceId"`
	UserID      string `json:"userId"`
	Role        string `json:"role"`
}

// MembershipFilter narrows ListMemberships. Empty fields match everything.
type MembershipFilter struct {
	TenantID     string
	UserID       string
	WorkspaceIDs []string
}

// RefreshToken is a long-lived opaque credential. Only its SHA-256 hash is stored.
type RefreshToken struct {
	ID        string     `json:"id"`
	TokenHash string     `json:"-"`
	UserID    string     `json:"userId"`
	TenantID  string     `json:"tenantId"`
	ExpiresAt time.Time  `json:"expiresAt"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Session is one agent conversation.
type Session struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	WorkspaceID string    `json:"workspaceId"`
	Title       string    `json:"title"`
	RuntimeMode string    `json:"runtimeMode"`
	SyncState   string    `json:"syncState"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// TranscriptEntry is one recorded event of a session.
type TranscriptEntry struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	RunID     string          `json:"runId,omitempty"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// IdempotencyRecord is the stored outcome of a side-effecting call.
type IdempotencyRecord struct {
	Fingerprint string          `json:"fingerprint"`
	Result      json.RawMessage `json:"result"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Policy is the tool policy of a workspace.
type Policy struct {
	TenantID    string            `json:"tenantId"`
	WorkspaceID string            `json:"workspaceId"`
	ToolDefault string            `json:"toolDefault"` // "allow" or "deny"
	Tools       map[string]string `json:"tools"`
	Version     int64             `json:"version"`
	UpdatedBy   string            `json:"updatedBy,omitempty"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenantId"`
	WorkspaceID string          `json:"workspaceId"`
	Actor       string          `json:"actor"`
	Action      string          `json:"action"`
	Method      string          `json:"method,omitempty"`
	SessionID   string          `json:"sessionId,omitempty"`
	Detail      json.RawMessage `json:"detail,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// AuditFilter specifies criteria for filtering audit events.
type AuditFilter struct {
	TenantID    string
	WorkspaceID string
	Action      string
	Limit       int
	Offset      int
}
