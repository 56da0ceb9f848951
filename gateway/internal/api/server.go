// Package api provides the HTTP and WebSocket transports of the gateway.
//
// Both transports answer a request with its response frame first and then
// the events the call produced, in emission order. Events are therefore
// delivered when the call returns, not while an agent run is in progress.
// WebSocket frames are handled one at a time per socket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/openfoal/openfoal/gateway/internal/auth"
	"github.com/openfoal/openfoal/gateway/internal/conn"
	"github.com/openfoal/openfoal/gateway/internal/metrics"
	"github.com/openfoal/openfoal/gateway/internal/router"
	"github.com/openfoal/openfoal/gateway/internal/store"
	"github.com/openfoal/openfoal/pkg/protocol"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "openfoal-gateway"

// DefaultConnectionID is the bucket used by HTTP callers that do not name one.
const DefaultConnectionID = "http"

// Options tunes the transports.
type Options struct {
	MaxBodyBytes   int64
	MaxFrameBytes  int
	AllowedOrigins []string
	LoginRate      float64 // attempts per second per IP
	LoginBurst     int
}

func (o *Options) applyDefaults() {
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 1 << 20
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 1 << 20
	}
	if o.LoginRate <= 0 {
		o.LoginRate = 5
	}
	if o.LoginBurst <= 0 {
		o.LoginBurst = 10
	}
}

// Server is the HTTP API server.
type Server struct {
	router    *router.Router
	auth      *auth.Runtime
	store     store.Store
	conns     *conn.Registry
	logger    *slog.Logger
	mux       *chi.Mux
	opts      Options
	startTime time.Time
	loginRL   *rateLimiter
}

// NewServer creates the API server. gatherer backs /metrics and may be nil to
// disable it.
func NewServer(rt *router.Router, authRT *auth.Runtime, s store.Store, gatherer prometheus.Gatherer, logger *slog.Logger, opts Options) *Server {
	opts.applyDefaults()
	srv := &Server{
		router:    rt,
		auth:      authRT,
		store:     s,
		conns:     conn.NewRegistry(),
		logger:    logger.With("component", "api"),
		opts:      opts,
		startTime: time.Now(),
		loginRL:   newRateLimiter(opts.LoginRate, opts.LoginBurst),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(opts.AllowedOrigins))

	mux.Get("/health", srv.handleHealth)
	mux.Get("/readyz", srv.handleReadyz)
	if gatherer != nil {
		mux.Handle("/metrics", metrics.Handler(gatherer))
	}

	mux.Post("/rpc", srv.handleRPC)
	mux.Get("/ws", srv.handleWebSocket)

	// Local credential lifecycle.
	mux.Route("/auth", func(r chi.Router) {
		r.With(ipRateLimitMiddleware(srv.loginRL)).Post("/login", srv.handleLogin)
		r.With(ipRateLimitMiddleware(srv.loginRL)).Post("/refresh", srv.handleRefresh)
		r.Get("/me", srv.handleMe)
		r.Post("/logout", srv.handleLogout)
	})

	srv.mux = mux
	return srv
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.mux }

// StartBackgroundTasks starts rate limiter cleanup until ctx ends.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.loginRL.StartCleanup(ctx, time.Minute, 10*time.Minute)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"service": ServiceName,
		"time":    time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "uptime": time.Since(s.startTime).Round(time.Second).String()})
}

// connectionID picks the bucket for an HTTP call: query parameter first,
// then header, then the shared default.
func connectionID(r *http.Request) string {
	if id := r.URL.Query().Get("connectionId"); id != "" {
		return id
	}
	if id := r.Header.Get(ConnectionIDHeader); id != "" {
		return id
	}
	return DefaultConnectionID
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	// Bodies that are not a JSON object are routed as {} so that validation
	// answers them with a regular response.
	raw, ok := protocol.DecodeRaw(body).(map[string]any)
	if !ok {
		raw = map[string]any{}
	}

	st := s.conns.Get(connectionID(r))
	res := s.router.Handle(r.Context(), raw, st)
	writeJSON(w, http.StatusOK, res.Envelope())
}

type loginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	TenantCode string `json:"tenantCode"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}

	sess, err := s.auth.Login(r.Context(), req.Username, req.Password, req.TenantCode)
	if err != nil {
		s.logger.Warn("login failed", "username", req.Username, "remote", r.RemoteAddr, "error", err)
		s.writeAuthError(w, err)
		return
	}
	s.logger.Info("login", "username", req.Username, "tenant", sess.User.TenantCode)
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refreshToken required")
		return
	}

	sess, err := s.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.logger.Warn("refresh failed", "remote", r.RemoteAddr, "error", err)
		s.writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	snap, err := s.auth.Me(r.Context(), r.Header.Get("Authorization"))
	if errors.Is(err, auth.ErrMissingBearer) {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if err != nil {
		s.logger.Warn("token rejected", "remote", r.RemoteAddr, "error", err)
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"principal": snap})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	s.auth.Logout(r.Context(), req.RefreshToken)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrLocalAuthDisabled):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrAccountDisabled):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidRefreshToken),
		errors.Is(err, auth.ErrMissingBearer):
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		s.logger.Error("auth endpoint failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
