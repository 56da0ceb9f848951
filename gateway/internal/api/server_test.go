package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfoal/openfoal/gateway/internal/agent"
	"github.com/openfoal/openfoal/gateway/internal/auth"
	"github.com/openfoal/openfoal/gateway/internal/idempotency"
	"github.com/openfoal/openfoal/gateway/internal/metrics"
	"github.com/openfoal/openfoal/gateway/internal/router"
	"github.com/openfoal/openfoal/gateway/internal/store"
)

func newTestServer(t *testing.T, mode auth.Mode, opts Options) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := store.NewMemory()

	var local *auth.LocalAuth
	if mode.UsesLocal() {
		local = auth.NewLocalAuth(s, auth.LocalOptions{
			Secret:   "api-test-secret-0123456789abcdefghij",
			Issuer:   "openfoal",
			Audience: "openfoal-gateway",
		}, logger)
	}
	authRT, err := auth.NewRuntime(mode, false, local, nil, logger)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	metrics.Register(reg)

	rt := router.New(s, authRT, agent.NewEchoCore(0), idempotency.New(s), logger, router.Options{})
	srv := NewServer(rt, authRT, s, reg, logger, opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

type envelope struct {
	Response struct {
		Type    string         `json:"type"`
		ID      string         `json:"id"`
		OK      bool           `json:"ok"`
		Payload map[string]any `json:"payload"`
		Error   *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	} `json:"response"`
	Events []struct {
		Event string `json:"event"`
		Seq   int64  `json:"seq"`
	} `json:"events"`
}

func (e envelope) code() string {
	if e.Response.Error != nil {
		return e.Response.Error.Code
	}
	return "OK"
}

func rpc(t *testing.T, ts *httptest.Server, connID string, body string) envelope {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/rpc", strings.NewReader(body))
	require.NoError(t, err)
	if connID != "" {
		req.Header.Set(ConnectionIDHeader, connID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env
}

func postJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, auth.ModeNone, Options{})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, ServiceName, body["service"])
	assert.NotEmpty(t, body["time"])

	ready, err := http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	ready.Body.Close()
	assert.Equal(t, http.StatusOK, ready.StatusCode)
}

func TestPreflight(t *testing.T) {
	ts := newTestServer(t, auth.ModeNone, Options{})

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/rpc", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), ConnectionIDHeader)
}

func TestRPCConnectionBuckets(t *testing.T) {
	ts := newTestServer(t, auth.ModeNone, Options{})
	list := `{"type":"req","id":"l1","method":"sessions.list","params":{}}`

	env := rpc(t, ts, "a", list)
	assert.Equal(t, "UNAUTHORIZED", env.code())
	assert.Equal(t, "l1", env.Response.ID)

	env = rpc(t, ts, "a", `{"type":"req","id":"c1","method":"connect","params":{}}`)
	require.Equal(t, "OK", env.code())
	assert.Equal(t, "a", env.Response.Payload["connectionId"])
	assert.NotNil(t, env.Events)

	assert.Equal(t, "OK", rpc(t, ts, "a", list).code())
	assert.Equal(t, "UNAUTHORIZED", rpc(t, ts, "b", list).code())

	// The query parameter takes precedence over the header.
	resp, err := http.Post(ts.URL+"/rpc?connectionId=a", "application/json", strings.NewReader(list))
	require.NoError(t, err)
	defer resp.Body.Close()
	var viaQuery envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&viaQuery))
	assert.Equal(t, "OK", viaQuery.code())
}

func TestRPCMalformedBody(t *testing.T) {
	ts := newTestServer(t, auth.ModeNone, Options{})

	for _, body := range []string{"garbage", "", "[1,2]"} {
		env := rpc(t, ts, "", body)
		assert.False(t, env.Response.OK, "body %q", body)
		assert.Equal(t, "INVALID_REQUEST", env.code(), "body %q", body)
		assert.Equal(t, "unknown", env.Response.ID)
		assert.Empty(t, env.Events)
	}

	env := rpc(t, ts, "", `{"type":"req","id":"x","method":"nope"}`)
	assert.Equal(t, "METHOD_NOT_FOUND", env.code())
}

func TestRPCAgentRunEvents(t *testing.T) {
	ts := newTestServer(t, auth.ModeNone, Options{})
	require.Equal(t, "OK", rpc(t, ts, "run", `{"type":"req","id":"c","method":"connect"}`).code())

	env := rpc(t, ts, "run", `{"type":"req","id":"r1","method":"agent.run","params":{"sessionId":"s1","input":"hi there"}}`)
	require.Equal(t, "OK", env.code())
	assert.Equal(t, "completed", env.Response.Payload["status"])
	require.NotEmpty(t, env.Events)
	for i, ev := range env.Events {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
	assert.Equal(t, "agent.completed", env.Events[len(env.Events)-1].Event)
}

func TestAuthEndpoints(t *testing.T) {
	ts := newTestServer(t, auth.ModeLocal, Options{})

	bad := postJSON(t, ts.URL+"/auth/login", map[string]string{"username": "admin", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, bad.StatusCode)

	resp := postJSON(t, ts.URL+"/auth/login", map[string]string{"username": "admin", "password": "admin123!"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sess auth.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sess))
	require.NotEmpty(t, sess.AccessToken)
	require.NotEmpty(t, sess.RefreshToken)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/auth/me", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+sess.AccessToken)
	me, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer me.Body.Close()
	require.Equal(t, http.StatusOK, me.StatusCode)
	var meBody struct {
		Principal auth.Snapshot `json:"principal"`
	}
	require.NoError(t, json.NewDecoder(me.Body).Decode(&meBody))
	assert.Equal(t, auth.SourceLocal, meBody.Principal.AuthSource)
	assert.Contains(t, meBody.Principal.Roles, auth.RoleTenantAdmin)

	noBearer, err := http.Get(ts.URL + "/auth/me")
	require.NoError(t, err)
	noBearer.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, noBearer.StatusCode)

	// The access token authenticates an RPC connection.
	env := rpc(t, ts, "tok", `{"type":"req","id":"c","method":"connect","params":{"auth":{"token":"`+sess.AccessToken+`"}}}`)
	require.Equal(t, "OK", env.code())
	assert.Equal(t, "AUTH_REQUIRED", rpc(t, ts, "anon", `{"type":"req","id":"c","method":"connect"}`).code())

	// Refresh tokens are single-use.
	first := postJSON(t, ts.URL+"/auth/refresh", map[string]string{"refreshToken": sess.RefreshToken})
	assert.Equal(t, http.StatusOK, first.StatusCode)
	second := postJSON(t, ts.URL+"/auth/refresh", map[string]string{"refreshToken": sess.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, second.StatusCode)

	out := postJSON(t, ts.URL+"/auth/logout", map[string]string{"refreshToken": "whatever"})
	assert.Equal(t, http.StatusOK, out.StatusCode)
}

func TestLoginDisabledWithoutLocalAuth(t *testing.T) {
	ts := newTestServer(t, auth.ModeNone, Options{})
	resp := postJSON(t, ts.URL+"/auth/login", map[string]string{"username": "admin", "password": "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLoginRateLimited(t *testing.T) {
	ts := newTestServer(t, auth.ModeLocal, Options{LoginRate: 0.001, LoginBurst: 2})

	var last int
	for i := 0; i < 3; i++ {
		resp := postJSON(t, ts.URL+"/auth/login", map[string]string{"username": "admin", "password": "wrong"})
		last = resp.StatusCode
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, auth.ModeNone, Options{})
	rpc(t, ts, "m", `{"type":"req","id":"c","method":"connect"}`)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "openfoal_gateway_rpc_requests_total")
}

func TestRateLimiterRefillAndCleanup(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := newRateLimiter(1, 2)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.allow("ip"))
	assert.True(t, rl.allow("ip"))
	assert.False(t, rl.allow("ip"))
	assert.True(t, rl.allow("other"))

	now = now.Add(time.Second)
	assert.True(t, rl.allow("ip"))
	assert.False(t, rl.allow("ip"))

	now = now.Add(time.Hour)
	rl.cleanup(time.Minute)
	assert.Empty(t, rl.buckets)
}

// WebSocket

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	c, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	return c
}

func readFrame(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	kind, b, err := c.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, kind)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	return m
}

func TestWebSocketResponseThenEvents(t *testing.T) {
	ts := newTestServer(t, auth.ModeNone, Options{})
	c := dialWS(t, ts)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"req","id":"c1","method":"connect"}`)))
	res := readFrame(t, c)
	assert.Equal(t, "res", res["type"])
	assert.Equal(t, true, res["ok"])
	connID := res["payload"].(map[string]any)["connectionId"].(string)
	assert.True(t, strings.HasPrefix(connID, "ws_"))

	require.NoError(t, c.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"req","id":"r1","method":"agent.run","params":{"sessionId":"s1","input":"hello world"}}`)))
	res = readFrame(t, c)
	require.Equal(t, "res", res["type"])
	assert.Equal(t, "r1", res["id"])

	var seq float64
	for {
		ev := readFrame(t, c)
		require.Equal(t, "event", ev["type"])
		seq++
		assert.Equal(t, seq, ev["seq"])
		assert.Equal(t, seq, ev["stateVersion"])
		if ev["event"] == "agent.completed" {
			break
		}
	}
}

func TestWebSocketPingAndMalformedText(t *testing.T) {
	ts := newTestServer(t, auth.ModeNone, Options{})
	c := dialWS(t, ts)

	pong := make(chan string, 1)
	c.SetPongHandler(func(data string) error {
		pong <- data
		return nil
	})
	require.NoError(t, c.WriteControl(websocket.PingMessage, []byte("are-you-there"), time.Now().Add(time.Second)))
	require.NoError(t, c.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("not json")))

	res := readFrame(t, c)
	assert.Equal(t, "are-you-there", <-pong)
	assert.Equal(t, false, res["ok"])
	assert.Equal(t, "unknown", res["id"])
	assert.Equal(t, "INVALID_REQUEST", res["error"].(map[string]any)["code"])
}

func TestWebSocketOversizedFrameCloses(t *testing.T) {
	ts := newTestServer(t, auth.ModeNone, Options{MaxFrameBytes: 64})
	c := dialWS(t, ts)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, bytes.Repeat([]byte("x"), 200)))
	_, _, err := c.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseMessageTooBig), "got %v", err)
}

func TestWebSocketCloseHandshake(t *testing.T) {
	ts := newTestServer(t, auth.ModeNone, Options{})
	c := dialWS(t, ts)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	require.NoError(t, c.WriteMessage(websocket.CloseMessage, msg))
	_, _, err := c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}
