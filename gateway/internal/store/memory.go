package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore implements Store in process memory. Every value is copied on
// the way in and out so callers never share state with the store.
type MemoryStore struct {
	mu sync.RWMutex

	sessions    map[string]Session
	transcripts map[string][]TranscriptEntry
	idempotency map[string]IdempotencyRecord
	policies    map[string]Policy
	audit       []AuditEvent

	tenants       map[string]Tenant
	workspaces    map[string]Workspace
	users         map[string]User
	bindings      map[string]TenantBinding
	memberships   map[string]Membership
	refreshTokens map[string]RefreshToken // by token hash
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		sessions:      make(map[string]Session),
		transcripts:   make(map[string][]TranscriptEntry),
		idempotency:   make(map[string]IdempotencyRecord),
		policies:      make(map[string]Policy),
		tenants:       make(map[string]Tenant),
		workspaces:    make(map[string]Workspace),
		users:         make(map[string]User),
		bindings:      make(map[string]TenantBinding),
		memberships:   make(map[string]Membership),
		refreshTokens: make(map[string]RefreshToken),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
func (m *MemoryStore) Close() error               { return nil }

// --- Sessions ---

func (m *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemoryStore) UpsertSession(_ context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.sessions[sess.ID]; ok && sess.CreatedAt.IsZero() {
		sess.CreatedAt = prev.CreatedAt
	}
	m.sessions[sess.ID] = *sess
	return nil
}

func (m *MemoryStore) SetRuntimeMode(_ context.Context, id, mode string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.RuntimeMode = mode
	s.UpdatedAt = time.Now().UTC()
	m.sessions[id] = s
	return &s, nil
}

func (m *MemoryStore) ListSessions(_ context.Context, tenantID, workspaceID string) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Session
	for _, s := range m.sessions {
		if s.TenantID == tenantID && (workspaceID == "" || s.WorkspaceID == workspaceID) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// --- Transcripts ---

func (m *MemoryStore) AppendTranscript(_ context.Context, entry *TranscriptEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := *entry
	e.Payload = slices.Clone(entry.Payload)
	m.transcripts[e.SessionID] = append(m.transcripts[e.SessionID], e)
	return nil
}

func (m *MemoryStore) ListTranscript(_ context.Context, sessionID string, limit int) ([]TranscriptEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.transcripts[sessionID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]TranscriptEntry, len(all))
	for i, e := range all {
		e.Payload = slices.Clone(e.Payload)
		out[i] = e
	}
	return out, nil
}

// --- Idempotency ---

func (m *MemoryStore) GetIdempotency(_ context.Context, key string) (*IdempotencyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.idempotency[key]
	if !ok {
		return nil, ErrNotFound
	}
	rec.Result = slices.Clone(rec.Result)
	return &rec, nil
}

func (m *MemoryStore) SetIdempotency(_ context.Context, key string, rec *IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := *rec
	r.Result = slices.Clone(rec.Result)
	m.idempotency[key] = r
	return nil
}

// --- Policies ---

func policyKey(tenantID, workspaceID string) string { return tenantID + "/" + workspaceID }

func (m *MemoryStore) GetPolicy(_ context.Context, tenantID, workspaceID string) (*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[policyKey(tenantID, workspaceID)]
	if !ok {
		return nil, ErrNotFound
	}
	p.Tools = maps.Clone(p.Tools)
	return &p, nil
}

func (m *MemoryStore) UpsertPolicy(_ context.Context, p *Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	cp.Tools = maps.Clone(p.Tools)
	m.policies[policyKey(p.TenantID, p.WorkspaceID)] = cp
	return nil
}

// --- Audit ---

func (m *MemoryStore) AppendAudit(_ context.Context, event *AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := *event
	e.Detail = slices.Clone(event.Detail)
	m.audit = append(m.audit, e)
	return nil
}

func (m *MemoryStore) QueryAudit(_ context.Context, filter AuditFilter) ([]AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []AuditEvent
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if filter.TenantID != "" && e.TenantID != filter.TenantID {
			continue
		}
		if filter.WorkspaceID != "" && e.WorkspaceID != filter.WorkspaceID {
			continue
		}
		if filter.Action != "" && !strings.HasPrefix(e.Action, filter.Action) {
			continue
		}
		matched = append(matched, e)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if filter.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[filter.Offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return slices.Clone(matched), nil
}

// --- Tenants ---

func (m *MemoryStore) UpsertTenant(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.tenants {
		if other.Code == t.Code && other.ID != t.ID {
			return ErrConflict
		}
	}
	m.tenants[t.ID] = *t
	return nil
}

func (m *MemoryStore) GetTenant(_ context.Context, id string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (m *MemoryStore) GetTenantByCode(_ context.Context, code string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tenants {
		if t.Code == code {
			return &t, nil
		}
	}
	return nil, ErrNotFound
}

// --- Workspaces ---

func (m *MemoryStore) UpsertWorkspace(_ context.Context, w *Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workspaces[w.ID] = *w
	return nil
}

func (m *MemoryStore) GetWorkspace(_ context.Context, id string) (*Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workspaces[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &w, nil
}

func (m *MemoryStore) ListWorkspaces(_ context.Context, tenantID string) ([]Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Workspace
	for _, w := range m.workspaces {
		if w.TenantID == tenantID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Users ---

func (m *MemoryStore) CreateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; ok {
		return ErrConflict
	}
	for _, other := range m.users {
		if other.Username == u.Username {
			return ErrConflict
		}
	}
	m.users[u.ID] = *u
	return nil
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (m *MemoryStore) GetUserByUsername(_ context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Username == username {
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListUsers(_ context.Context, tenantID string) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []User
	for _, b := range m.bindings {
		if b.TenantID != tenantID {
			continue
		}
		if u, ok := m.users[b.UserID]; ok {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Tenant bindings ---

func bindingKey(userID, tenantID string) string { return userID + "/" + tenantID }

func (m *MemoryStore) UpsertTenantBinding(_ context.Context, b *TenantBinding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[bindingKey(b.UserID, b.TenantID)] = *b
	return nil
}

func (m *MemoryStore) GetTenantBinding(_ context.Context, userID, tenantID string) (*TenantBinding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bindings[bindingKey(userID, tenantID)]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

// --- Memberships ---

func membershipKey(m *Membership) string {
	return m.TenantID + "/" + m.WorkspaceID + "/" + m.UserID
}

func (m *MemoryStore) UpsertMembership(_ context.Context, mem *Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memberships[membershipKey(mem)] = *mem
	return nil
}

func (m *MemoryStore) ListMemberships(_ context.Context, filter MembershipFilter) ([]Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Membership
	for _, mem := range m.memberships {
		if filter.TenantID != "" && mem.TenantID != filter.TenantID {
			continue
		}
		if filter.UserID != "" && mem.UserID != filter.UserID {
			continue
		}
		if len(filter.WorkspaceIDs) > 0 && !slices.Contains(filter.WorkspaceIDs, mem.WorkspaceID) {
			continue
		}
		out = append(out, mem)
	}
	sort.Slice(out, func(i, j int) bool { return membershipKey(&out[i]) < membershipKey(&out[j]) })
	return out, nil
}

// --- Refresh tokens ---

func (m *MemoryStore) CreateRefreshToken(_ context.Context, rt *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.refreshTokens[rt.TokenHash]; ok {
		return ErrConflict
	}
	m.refreshTokens[rt.TokenHash] = *rt
	return nil
}

func (m *MemoryStore) GetRefreshToken(_ context.Context, tokenHash string) (*RefreshToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.refreshTokens[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	if rt.RevokedAt != nil {
		at := *rt.RevokedAt
		rt.RevokedAt = &at
	}
	return &rt, nil
}

func (m *MemoryStore) RevokeRefreshToken(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, rt := range m.refreshTokens {
		if rt.ID != id {
			continue
		}
		if rt.RevokedAt != nil {
			return false, nil
		}
		rt.RevokedAt = &at
		m.refreshTokens[hash] = rt
		return true, nil
	}
	return false, ErrNotFound
}
