package store

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping Postgres tests")
	}
	s, err := NewPostgres(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// backends runs fn against every Store implementation.
func backends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemory()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestSQLite(t)) })
	t.Run("postgres", func(t *testing.T) { fn(t, newTestPostgres(t)) })
}

func uid(prefix string) string { return prefix + "_" + uuid.NewString()[:8] }

func TestSessions(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		tenant := uid("t")
		now := time.Now().UTC().Truncate(time.Second)

		sess := &Session{
			ID: uid("s"), TenantID: tenant, WorkspaceID: "w1", Title: "first",
			RuntimeMode: "local", SyncState: "local_only", CreatedAt: now, UpdatedAt: now,
		}
		require.NoError(t, s.UpsertSession(ctx, sess))

		got, err := s.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, "first", got.Title)
		assert.Equal(t, "local", got.RuntimeMode)

		updated, err := s.SetRuntimeMode(ctx, sess.ID, "cloud")
		require.NoError(t, err)
		assert.Equal(t, "cloud", updated.RuntimeMode)

		_, err = s.SetRuntimeMode(ctx, "missing", "cloud")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetSession(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		other := &Session{ID: uid("s"), TenantID: tenant, WorkspaceID: "w2", CreatedAt: now, UpdatedAt: now}
		require.NoError(t, s.UpsertSession(ctx, other))

		all, err := s.ListSessions(ctx, tenant, "")
		require.NoError(t, err)
		assert.Len(t, all, 2)
		w1, err := s.ListSessions(ctx, tenant, "w1")
		require.NoError(t, err)
		require.Len(t, w1, 1)
		assert.Equal(t, sess.ID, w1[0].ID)
	})
}

func TestTranscript(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		sessionID := uid("s")
		for i, kind := range []string{"user", "delta", "completed"} {
			require.NoError(t, s.AppendTranscript(ctx, &TranscriptEntry{
				ID: uid("e"), SessionID: sessionID, RunID: "r1", Kind: kind,
				Payload:   json.RawMessage(`{"i":` + string(rune('0'+i)) + `}`),
				CreatedAt: time.Now().UTC(),
			}))
		}

		entries, err := s.ListTranscript(ctx, sessionID, 0)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, "user", entries[0].Kind)
		assert.JSONEq(t, `{"i":2}`, string(entries[2].Payload))

		last, err := s.ListTranscript(ctx, sessionID, 2)
		require.NoError(t, err)
		require.Len(t, last, 2)
		assert.Equal(t, "delta", last[0].Kind)
		assert.Equal(t, "completed", last[1].Kind)
	})
}

func TestIdempotencyRecords(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		key := "agent.run:s1:" + uid("k")

		_, err := s.GetIdempotency(ctx, key)
		assert.ErrorIs(t, err, ErrNotFound)

		rec := &IdempotencyRecord{Fingerprint: "abc", Result: json.RawMessage(`{"runId":"r1"}`), CreatedAt: time.Now().UTC()}
		require.NoError(t, s.SetIdempotency(ctx, key, rec))

		got, err := s.GetIdempotency(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "abc", got.Fingerprint)
		assert.JSONEq(t, `{"runId":"r1"}`, string(got.Result))

		// Mutating the returned copy must not touch the stored record.
		got.Result[2] = 'X'
		again, err := s.GetIdempotency(ctx, key)
		require.NoError(t, err)
		assert.JSONEq(t, `{"runId":"r1"}`, string(again.Result))
	})
}

func TestPolicies(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		tenant := uid("t")

		_, err := s.GetPolicy(ctx, tenant, "w1")
		assert.ErrorIs(t, err, ErrNotFound)

		p := &Policy{
			TenantID: tenant, WorkspaceID: "w1", ToolDefault: "deny",
			Tools: map[string]string{"bash.exec": "allow"}, Version: 2, UpdatedBy: "admin",
			UpdatedAt: time.Now().UTC(),
		}
		require.NoError(t, s.UpsertPolicy(ctx, p))

		got, err := s.GetPolicy(ctx, tenant, "w1")
		require.NoError(t, err)
		assert.Equal(t, "deny", got.ToolDefault)
		assert.Equal(t, "allow", got.Tools["bash.exec"])
		assert.EqualValues(t, 2, got.Version)

		p.Version = 3
		require.NoError(t, s.UpsertPolicy(ctx, p))
		got, err = s.GetPolicy(ctx, tenant, "w1")
		require.NoError(t, err)
		assert.EqualValues(t, 3, got.Version)
	})
}

func TestAudit(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		tenant := uid("t")
		base := time.Now().UTC().Truncate(time.Second)
		for i, action := range []string{"agent.run", "policy.update", "agent.abort"} {
			require.NoError(t, s.AppendAudit(ctx, &AuditEvent{
				ID: uid("a"), TenantID: tenant, WorkspaceID: "w1", Actor: "admin",
				Action: action, Method: action, CreatedAt: base.Add(time.Duration(i) * time.Second),
			}))
		}
		require.NoError(t, s.AppendAudit(ctx, &AuditEvent{
			ID: uid("a"), TenantID: tenant, WorkspaceID: "w2", Action: "agent.run", CreatedAt: base,
		}))

		w1, err := s.QueryAudit(ctx, AuditFilter{TenantID: tenant, WorkspaceID: "w1"})
		require.NoError(t, err)
		require.Len(t, w1, 3)
		assert.Equal(t, "agent.abort", w1[0].Action, "newest first")

		agent, err := s.QueryAudit(ctx, AuditFilter{TenantID: tenant, Action: "agent."})
		require.NoError(t, err)
		assert.Len(t, agent, 3)

		page, err := s.QueryAudit(ctx, AuditFilter{TenantID: tenant, WorkspaceID: "w1", Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "policy.update", page[0].Action)
	})
}

func TestAccounts(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		tenant := &Tenant{ID: uid("t"), Code: uid("code"), Name: "Acme", Status: StatusActive}
		require.NoError(t, s.UpsertTenant(ctx, tenant))

		byCode, err := s.GetTenantByCode(ctx, tenant.Code)
		require.NoError(t, err)
		assert.Equal(t, tenant.ID, byCode.ID)

		require.NoError(t, s.UpsertWorkspace(ctx, &Workspace{ID: uid("w"), TenantID: tenant.ID, Name: "one", Status: StatusActive}))
		require.NoError(t, s.UpsertWorkspace(ctx, &Workspace{ID: uid("w"), TenantID: tenant.ID, Name: "two", Status: StatusActive}))
		ws, err := s.ListWorkspaces(ctx, tenant.ID)
		require.NoError(t, err)
		assert.Len(t, ws, 2)

		u := &User{ID: uid("u"), Username: uid("alice"), PasswordHash: "h", Status: StatusActive, CreatedAt: time.Now().UTC()}
		require.NoError(t, s.CreateUser(ctx, u))
		dup := *u
		dup.ID = uid("u")
		assert.ErrorIs(t, s.CreateUser(ctx, &dup), ErrConflict)

		got, err := s.GetUserByUsername(ctx, u.Username)
		require.NoError(t, err)
		assert.Equal(t, u.ID, got.ID)
		_, err = s.GetUser(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.UpsertTenantBinding(ctx, &TenantBinding{UserID: u.ID, TenantID: tenant.ID, Status: StatusActive, DefaultWorkspaceID: ws[0].ID}))
		b, err := s.GetTenantBinding(ctx, u.ID, tenant.ID)
		require.NoError(t, err)
		assert.Equal(t, ws[0].ID, b.DefaultWorkspaceID)

		users, err := s.ListUsers(ctx, tenant.ID)
		require.NoError(t, err)
		require.Len(t, users, 1)
		assert.Equal(t, u.Username, users[0].Username)

		require.NoError(t, s.UpsertMembership(ctx, &Membership{TenantID: tenant.ID, WorkspaceID: ws[0].ID, UserID: u.ID, Role: "member"}))
		require.NoError(t, s.UpsertMembership(ctx, &Membership{TenantID: tenant.ID, WorkspaceID: ws[1].ID, UserID: u.ID, Role: "workspace_admin"}))
		require.NoError(t, s.UpsertMembership(ctx, &Membership{TenantID: tenant.ID, WorkspaceID: ws[0].ID, UserID: u.ID, Role: "workspace_admin"}))

		mine, err := s.ListMemberships(ctx, MembershipFilter{TenantID: tenant.ID, UserID: u.ID})
		require.NoError(t, err)
		require.Len(t, mine, 2)
		for _, m := range mine {
			assert.Equal(t, "workspace_admin", m.Role)
		}

		scoped, err := s.ListMemberships(ctx, MembershipFilter{TenantID: tenant.ID, WorkspaceIDs: []string{ws[1].ID}})
		require.NoError(t, err)
		require.Len(t, scoped, 1)
		assert.Equal(t, ws[1].ID, scoped[0].WorkspaceID)
	})
}

func TestRefreshTokensAreSingleUse(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		rt := &RefreshToken{
			ID: uid("rt"), TokenHash: uid("hash"), UserID: "u1", TenantID: "t1",
			ExpiresAt: time.Now().Add(time.Hour).UTC(), CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, s.CreateRefreshToken(ctx, rt))

		got, err := s.GetRefreshToken(ctx, rt.TokenHash)
		require.NoError(t, err)
		assert.Nil(t, got.RevokedAt)

		ok, err := s.RevokeRefreshToken(ctx, rt.ID, time.Now().UTC())
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.RevokeRefreshToken(ctx, rt.ID, time.Now().UTC())
		require.NoError(t, err)
		assert.False(t, ok, "second revoke loses the race")

		got, err = s.GetRefreshToken(ctx, rt.TokenHash)
		require.NoError(t, err)
		assert.NotNil(t, got.RevokedAt)

		_, err = s.RevokeRefreshToken(ctx, "missing", time.Now())
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestOpen(t *testing.T) {
	s, err := Open("memory", "")
	require.NoError(t, err)
	assert.NoError(t, s.Ping(context.Background()))

	_, err = Open("oracle", "")
	assert.Error(t, err)
}
