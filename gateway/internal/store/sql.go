package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// dialect captures what differs between the SQL backends.
type dialect struct {
	name string
	// numbered rewrites "?" placeholders to "$1, $2, ..." when set.
	numbered bool
	// isUnique reports whether err is a unique-constraint violation.
	isUnique func(err error) bool
}

// sqlStore implements Store on database/sql. SQLiteStore and PostgresStore
// embed it and only contribute their connection setup and migrations.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

func (s *sqlStore) q(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.q(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.q(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.q(query), args...)
}

func (s *sqlStore) insertErr(err error) error {
	if err != nil && s.d.isUnique(err) {
		return ErrConflict
	}
	return err
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

const sessionColumns = "id, tenant_id, workspace_id, title, runtime_mode, sync_state, created_at, updated_at"

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var sess Session
	err := row.Scan(&sess.ID, &sess.TenantID, &sess.WorkspaceID, &sess.Title,
		&sess.RuntimeMode, &sess.SyncState, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *sqlStore) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, err := scanSession(s.queryRow(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id))
	if err != nil {
		return nil, notFound(err)
	}
	return sess, nil
}

func (s *sqlStore) UpsertSession(ctx context.Context, sess *Session) error {
	_, err := s.exec(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET title=excluded.title, runtime_mode=excluded.runtime_mode,
		 sync_state=excluded.sync_state, updated_at=excluded.updated_at`,
		sess.ID, sess.TenantID, sess.WorkspaceID, sess.Title, sess.RuntimeMode, sess.SyncState,
		sess.CreatedAt.UTC(), sess.UpdatedAt.UTC(),
	)
	return err
}

func (s *sqlStore) SetRuntimeMode(ctx context.Context, id, mode string) (*Session, error) {
	res, err := s.exec(ctx,
		"UPDATE sessions SET runtime_mode = ?, updated_at = ? WHERE id = ?",
		mode, time.Now().UTC(), id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetSession(ctx, id)
}

func (s *sqlStore) ListSessions(ctx context.Context, tenantID, workspaceID string) ([]Session, error) {
	query := "SELECT " + sessionColumns + " FROM sessions WHERE tenant_id = ?"
	args := []any{tenantID}
	if workspaceID != "" {
		query += " AND workspace_id = ?"
		args = append(args, workspaceID)
	}
	query += " ORDER BY updated_at DESC"

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// --- Transcripts ---

func (s *sqlStore) AppendTranscript(ctx context.Context, e *TranscriptEntry) error {
	_, err := s.exec(ctx,
		`INSERT INTO transcript_entries (id, session_id, run_id, kind, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.RunID, e.Kind, string(e.Payload), e.CreatedAt.UTC(),
	)
	return s.insertErr(err)
}

func (s *sqlStore) ListTranscript(ctx context.Context, sessionID string, limit int) ([]TranscriptEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	// Newest N, returned oldest first.
	rows, err := s.query(ctx,
		`SELECT id, session_id, run_id, kind, payload, created_at FROM (
		   SELECT id, session_id, run_id, kind, payload, created_at, seq FROM transcript_entries
		   WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		 ) recent ORDER BY seq ASC`,
		sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TranscriptEntry
	for rows.Next() {
		var e TranscriptEntry
		var payload string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.RunID, &e.Kind, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		if payload != "" {
			e.Payload = json.RawMessage(payload)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Idempotency ---

func (s *sqlStore) GetIdempotency(ctx context.Context, key string) (*IdempotencyRecord, error) {
	var rec IdempotencyRecord
	var result string
	err := s.queryRow(ctx,
		"SELECT fingerprint, result, created_at FROM idempotency_records WHERE cache_key = ?", key,
	).Scan(&rec.Fingerprint, &result, &rec.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	rec.Result = json.RawMessage(result)
	return &rec, nil
}

func (s *sqlStore) SetIdempotency(ctx context.Context, key string, rec *IdempotencyRecord) error {
	_, err := s.exec(ctx,
		`INSERT INTO idempotency_records (cache_key, fingerprint, result, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET fingerprint=excluded.fingerprint, result=excluded.result,
		 created_at=excluded.created_at`,
		key, rec.Fingerprint, string(rec.Result), rec.CreatedAt.UTC(),
	)
	return err
}

// --- Policies ---

func (s *sqlStore) GetPolicy(ctx context.Context, tenantID, workspaceID string) (*Policy, error) {
	p := Policy{TenantID: tenantID, WorkspaceID: workspaceID}
	var tools string
	err := s.queryRow(ctx,
		`SELECT tool_default, tools, version, updated_by, updated_at FROM policies
		 WHERE tenant_id = ? AND workspace_id = ?`,
		tenantID, workspaceID,
	).Scan(&p.ToolDefault, &tools, &p.Version, &p.UpdatedBy, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if tools != "" {
		if err := json.Unmarshal([]byte(tools), &p.Tools); err != nil {
			return nil, fmt.Errorf("decode policy tools: %w", err)
		}
	}
	return &p, nil
}

func (s *sqlStore) UpsertPolicy(ctx context.Context, p *Policy) error {
	tools, err := json.Marshal(p.Tools)
	if err != nil {
		return fmt.Errorf("encode policy tools: %w", err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO policies (tenant_id, workspace_id, tool_default, tools, version, updated_by, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, workspace_id) DO UPDATE SET tool_default=excluded.tool_default,
		 tools=excluded.tools, version=excluded.version, updated_by=excluded.updated_by,
		 updated_at=excluded.updated_at`,
		p.TenantID, p.WorkspaceID, p.ToolDefault, string(tools), p.Version, p.UpdatedBy, p.UpdatedAt.UTC(),
	)
	return err
}

// --- Audit ---

func (s *sqlStore) AppendAudit(ctx context.Context, event *AuditEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.exec(ctx,
		`INSERT INTO audit_events (id, tenant_id, workspace_id, actor, action, method, session_id, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.TenantID, event.WorkspaceID, event.Actor, event.Action, event.Method,
		event.SessionID, detail, event.CreatedAt.UTC(),
	)
	return s.insertErr(err)
}

func (s *sqlStore) QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query := `SELECT id, tenant_id, workspace_id, actor, action, method, session_id, detail, created_at
	          FROM audit_events WHERE 1 = 1`
	var args []any

	if filter.TenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, filter.TenantID)
	}
	if filter.WorkspaceID != "" {
		query += " AND workspace_id = ?"
		args = append(args, filter.WorkspaceID)
	}
	if filter.Action != "" {
		query += " AND action LIKE ?"
		args = append(args, filter.Action+"%")
	}

	query += " ORDER BY created_at DESC, seq DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ?"
	args = append(args, limit)

	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.WorkspaceID, &e.Actor, &e.Action, &e.Method,
			&e.SessionID, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = json.RawMessage(detail)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Tenants ---

func (s *sqlStore) UpsertTenant(ctx context.Context, t *Tenant) error {
	_, err := s.exec(ctx,
		`INSERT INTO tenants (id, code, name, status) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET code=excluded.code, name=excluded.name, status=excluded.status`,
		t.ID, t.Code, t.Name, t.Status,
	)
	return s.insertErr(err)
}

func (s *sqlStore) getTenant(ctx context.Context, where string, arg any) (*Tenant, error) {
	var t Tenant
	err := s.queryRow(ctx, "SELECT id, code, name, status FROM tenants WHERE "+where+" = ?", arg).
		Scan(&t.ID, &t.Code, &t.Name, &t.Status)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (s *sqlStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	return s.getTenant(ctx, "id", id)
}

func (s *sqlStore) GetTenantByCode(ctx context.Context, code string) (*Tenant, error) {
	return s.getTenant(ctx, "code", code)
}

// --- Workspaces ---

func (s *sqlStore) UpsertWorkspace(ctx context.Context, w *Workspace) error {
	_, err := s.exec(ctx,
		`INSERT INTO workspaces (id, tenant_id, name, status) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, status=excluded.status`,
		w.ID, w.TenantID, w.Name, w.Status,
	)
	return err
}

func (s *sqlStore) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	var w Workspace
	err := s.queryRow(ctx, "SELECT id, tenant_id, name, status FROM workspaces WHERE id = ?", id).
		Scan(&w.ID, &w.TenantID, &w.Name, &w.Status)
	if err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

func (s *sqlStore) ListWorkspaces(ctx context.Context, tenantID string) ([]Workspace, error) {
	rows, err := s.query(ctx,
		"SELECT id, tenant_id, name, status FROM workspaces WHERE tenant_id = ? ORDER BY id", tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Workspace
	for rows.Next() {
		var w Workspace
		if err := rows.Scan(&w.ID, &w.TenantID, &w.Name, &w.Status); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// --- Users ---

const userColumns = "id, username, display_name, password_hash, status, created_at"

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &u.Status, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *sqlStore) CreateUser(ctx context.Context, u *User) error {
	_, err := s.exec(ctx,
		"INSERT INTO users ("+userColumns+") VALUES (?, ?, ?, ?, ?, ?)",
		u.ID, u.Username, u.DisplayName, u.PasswordHash, u.Status, u.CreatedAt.UTC(),
	)
	return s.insertErr(err)
}

func (s *sqlStore) GetUser(ctx context.Context, id string) (*User, error) {
	u, err := scanUser(s.queryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id))
	if err != nil {
		return nil, notFound(err)
	}
	return u, nil
}

func (s *sqlStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	u, err := scanUser(s.queryRow(ctx, "SELECT "+userColumns+" FROM users WHERE username = ?", username))
	if err != nil {
		return nil, notFound(err)
	}
	return u, nil
}

func (s *sqlStore) ListUsers(ctx context.Context, tenantID string) ([]User, error) {
	rows, err := s.query(ctx,
		`SELECT u.id, u.username, u.display_name, u.password_hash, u.status, u.created_at
		 FROM users u JOIN tenant_bindings b ON b.user_id = u.id
		 WHERE b.tenant_id = ? ORDER BY u.created_at`,
		tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

// --- Tenant bindings ---

func (s *sqlStore) UpsertTenantBinding(ctx context.Context, b *TenantBinding) error {
	_, err := s.exec(ctx,
		`INSERT INTO tenant_bindings (user_id, tenant_id, status, default_workspace_id) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, tenant_id) DO UPDATE SET status=excluded.status,
		 default_workspace_id=excluded.default_workspace_id`,
		b.UserID, b.TenantID, b.Status, b.DefaultWorkspaceID,
	)
	return err
}

func (s *sqlStore) GetTenantBinding(ctx context.Context, userID, tenantID string) (*TenantBinding, error) {
	var b TenantBinding
	err := s.queryRow(ctx,
		`SELECT user_id, tenant_id, status, default_workspace_id FROM tenant_bindings
		 WHERE user_id = ? AND tenant_id = ?`,
		userID, tenantID,
	).Scan(&b.UserID, &b.TenantID, &b.Status, &b.DefaultWorkspaceID)
	if err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}

// --- Memberships ---

func (s *sqlStore) UpsertMembership(ctx context.Context, m *Membership) error {
	_, err := s.exec(ctx,
		`INSERT INTO memberships (tenant_id, workspace_id, user_id, role) VALUES (?, ?, ?, ?)
		 ON CONFLICT(tenant_id, workspace_id, user_id) DO UPDATE SET role=excluded.role`,
		m.TenantID, m.WorkspaceID, m.UserID, m.Role,
	)
	return err
}

func (s *sqlStore) ListMemberships(ctx context.Context, filter MembershipFilter) ([]Membership, error) {
	query := "SELECT tenant_id, workspace_id, user_id, role FROM memberships WHERE 1 = 1"
	var args []any
	if filter.TenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, filter.TenantID)
	}
	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if len(filter.WorkspaceIDs) > 0 {
		query += " AND workspace_id IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(filter.WorkspaceIDs)), ", ") + ")"
		for _, id := range filter.WorkspaceIDs {
			args = append(args, id)
		}
	}
	query += " ORDER BY tenant_id, workspace_id, user_id"

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.TenantID, &m.WorkspaceID, &m.UserID, &m.Role); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Refresh tokens ---

func (s *sqlStore) CreateRefreshToken(ctx context.Context, rt *RefreshToken) error {
	_, err := s.exec(ctx,
		`INSERT INTO refresh_tokens (id, token_hash, user_id, tenant_id, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rt.ID, rt.TokenHash, rt.UserID, rt.TenantID, rt.ExpiresAt.UTC(), rt.CreatedAt.UTC(),
	)
	return s.insertErr(err)
}

func (s *sqlStore) GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	var rt RefreshToken
	var revoked sql.NullTime
	err := s.queryRow(ctx,
		`SELECT id, token_hash, user_id, tenant_id, expires_at, revoked_at, created_at
		 FROM refresh_tokens WHERE token_hash = ?`,
		tokenHash,
	).Scan(&rt.ID, &rt.TokenHash, &rt.UserID, &rt.TenantID, &rt.ExpiresAt, &revoked, &rt.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if revoked.Valid {
		rt.RevokedAt = &revoked.Time
	}
	return &rt, nil
}

func (s *sqlStore) RevokeRefreshToken(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.exec(ctx,
		"UPDATE refresh_tokens SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL",
		at.UTC(), id)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	var exists int
	if err := s.queryRow(ctx, "SELECT 1 FROM refresh_tokens WHERE id = ?", id).Scan(&exists); err != nil {
		return false, notFound(err)
	}
	return false, nil
}
