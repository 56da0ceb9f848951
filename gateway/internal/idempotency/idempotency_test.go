package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfoal/openfoal/gateway/internal/store"
	"github.com/openfoal/openfoal/pkg/protocol"
)

func req(id string, method protocol.Method, params map[string]any) protocol.RequestFrame {
	return protocol.RequestFrame{Type: protocol.TypeRequest, ID: id, Method: method, Params: params}
}

func backends(t *testing.T, fn func(t *testing.T, s store.IdempotencyStore)) {
	t.Run("memory", func(t *testing.T) { fn(t, store.NewMemory()) })
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		rs, err := NewRedisStore(context.Background(), mr.Addr())
		require.NoError(t, err)
		t.Cleanup(func() { _ = rs.Close() })
		fn(t, rs)
	})
}

func TestKeyFor(t *testing.T) {
	assert.Equal(t, "k1", KeyFor(req("1", protocol.MethodAgentRun, map[string]any{"idempotencyKey": "k1"})))
	assert.Empty(t, KeyFor(req("1", protocol.MethodSessionsList, map[string]any{"idempotencyKey": "k1"})))
	assert.Empty(t, KeyFor(req("1", protocol.MethodAgentRun, map[string]any{})))
	assert.Empty(t, KeyFor(req("1", protocol.MethodAgentRun, map[string]any{"idempotencyKey": 7})))
}

func TestScopeAndCacheKey(t *testing.T) {
	assert.Equal(t, "s1", Scope(map[string]any{"sessionId": "s1", "runId": "r1"}))
	assert.Equal(t, "r1", Scope(map[string]any{"runId": "r1"}))
	assert.Equal(t, GlobalScope, Scope(map[string]any{}))
	assert.Equal(t, "agent.run:s1:k", CacheKey(protocol.MethodAgentRun, "s1", "k"))
}

func TestFingerprintIsCanonical(t *testing.T) {
	a, err := Fingerprint(map[string]any{"b": 1, "a": map[string]any{"y": true, "x": "v"}, "idempotencyKey": "k1"})
	require.NoError(t, err)
	b, err := Fingerprint(map[string]any{"a": map[string]any{"x": "v", "y": true}, "b": 1, "idempotencyKey": "other"})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := Fingerprint(map[string]any{"a": map[string]any{"x": "v", "y": false}, "b": 1})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestDoReplaysAndConflicts(t *testing.T) {
	backends(t, func(t *testing.T, s store.IdempotencyStore) {
		ctx := context.Background()
		c := New(s)
		var calls atomic.Int32
		exec := func() protocol.ResponseFrame {
			n := calls.Add(1)
			return protocol.MakeSuccessRes("ignored", map[string]any{"runId": "r1", "n": n})
		}
		params := map[string]any{"sessionId": "s1", "input": "hi", "idempotencyKey": "k1"}

		first, outcome, err := c.Do(ctx, req("a", protocol.MethodAgentRun, params), exec)
		require.NoError(t, err)
		assert.Equal(t, OutcomeStored, outcome)
		firstJSON, err := json.Marshal(first.Payload())
		require.NoError(t, err)

		for _, id := range []string{"b", "c", "d"} {
			res, outcome, err := c.Do(ctx, req(id, protocol.MethodAgentRun, params), exec)
			require.NoError(t, err)
			assert.Equal(t, OutcomeReplay, outcome)
			assert.True(t, res.OK())
			assert.Equal(t, id, res.ID())
			b, err := json.Marshal(res.Payload())
			require.NoError(t, err)
			assert.JSONEq(t, string(firstJSON), string(b))
		}
		assert.EqualValues(t, 1, calls.Load())

		changed := map[string]any{"sessionId": "s1", "input": "bye", "idempotencyKey": "k1"}
		res, outcome, err := c.Do(ctx, req("e", protocol.MethodAgentRun, changed), exec)
		require.NoError(t, err)
		assert.Equal(t, OutcomeConflict, outcome)
		require.False(t, res.OK())
		assert.Equal(t, protocol.CodeIdempotencyConflict, res.Error().Code)
		assert.EqualValues(t, 1, calls.Load())

		// The stored result survives the conflicting attempt.
		res, outcome, err = c.Do(ctx, req("f", protocol.MethodAgentRun, params), exec)
		require.NoError(t, err)
		assert.Equal(t, OutcomeReplay, outcome)
		b, err := json.Marshal(res.Payload())
		require.NoError(t, err)
		assert.JSONEq(t, string(firstJSON), string(b))
	})
}

func TestDoNeverStoresFailures(t *testing.T) {
	backends(t, func(t *testing.T, s store.IdempotencyStore) {
		ctx := context.Background()
		c := New(s)
		params := map[string]any{"sessionId": "s1", "mode": "cloud", "idempotencyKey": "k"}

		res, outcome, err := c.Do(ctx, req("1", protocol.MethodRuntimeSetMode, params), func() protocol.ResponseFrame {
			return protocol.MakeErrorRes("1", protocol.CodeInternalError, "boom")
		})
		require.NoError(t, err)
		assert.Equal(t, OutcomeFailed, outcome)
		assert.False(t, res.OK())

		res, outcome, err = c.Do(ctx, req("2", protocol.MethodRuntimeSetMode, params), func() protocol.ResponseFrame {
			return protocol.MakeSuccessRes("2", map[string]any{"status": "applied"})
		})
		require.NoError(t, err)
		assert.Equal(t, OutcomeStored, outcome)
		assert.True(t, res.OK())
	})
}

func TestDoBypassesWithoutKey(t *testing.T) {
	c := New(store.NewMemory())
	var calls int
	exec := func() protocol.ResponseFrame {
		calls++
		return protocol.MakeSuccessRes("1", nil)
	}
	for range 3 {
		_, outcome, err := c.Do(context.Background(), req("1", protocol.MethodSessionsCreate, map[string]any{}), exec)
		require.NoError(t, err)
		assert.Equal(t, OutcomeBypass, outcome)
	}
	assert.Equal(t, 3, calls)
}

func TestDoCoalescesConcurrentCallers(t *testing.T) {
	c := New(store.NewMemory())
	var calls atomic.Int32
	params := map[string]any{"sessionId": "s1", "idempotencyKey": "k"}

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 8)
	for i := range outcomes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, o, err := c.Do(context.Background(), req("x", protocol.MethodSessionsCreate, params), func() protocol.ResponseFrame {
				calls.Add(1)
				return protocol.MakeSuccessRes("x", map[string]any{"id": "s1"})
			})
			assert.NoError(t, err)
			outcomes[i] = o
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	stored := 0
	for _, o := range outcomes {
		if o == OutcomeStored {
			stored++
		}
	}
	assert.Equal(t, 1, stored)
	assert.Empty(t, c.locks.locks)
}

func TestParseRedisURL(t *testing.T) {
	tests := []struct {
		url    string
		addrs  []string
		master string
		db     int
		tls    bool
	}{
		{url: "localhost:6379", addrs: []string{"localhost:6379"}},
		{url: "redis://localhost:6379/2", addrs: []string{"localhost:6379"}, db: 2},
		{url: "redis://localhost:6379?db=3", addrs: []string{"localhost:6379"}, db: 3},
		{url: "rediss://h1:6379,h2:6379", addrs: []string{"h1:6379", "h2:6379"}, tls: true},
		{url: "redis-sentinel://s1:26379,s2:26379/mymaster?db=1", addrs: []string{"s1:26379", "s2:26379"}, master: "mymaster", db: 1},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			opts, err := parseRedisURL(tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.addrs, opts.Addrs)
			assert.Equal(t, tt.master, opts.MasterName)
			assert.Equal(t, tt.db, opts.DB)
			assert.Equal(t, tt.tls, opts.TLSConfig != nil)
		})
	}

	_, err := parseRedisURL("http://localhost")
	assert.Error(t, err)
	_, err = parseRedisURL("redis://localhost/notanumber")
	assert.Error(t, err)
}
