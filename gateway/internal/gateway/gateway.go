// Package gateway is the orchestrator that ties all gateway components together.
package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/openfoal/openfoal/gateway/internal/agent"
	"github.com/openfoal/openfoal/gateway/internal/api"
	"github.com/openfoal/openfoal/gateway/internal/auth"
	"github.com/openfoal/openfoal/gateway/internal/config"
	"github.com/openfoal/openfoal/gateway/internal/idempotency"
	"github.com/openfoal/openfoal/gateway/internal/jwks"
	"github.com/openfoal/openfoal/gateway/internal/metrics"
	"github.com/openfoal/openfoal/gateway/internal/router"
	"github.com/openfoal/openfoal/gateway/internal/store"
)

// Gateway is the main gateway process.
type Gateway struct {
	cfg     *config.Config
	store   store.Store
	idem    store.IdempotencyStore
	closers []io.Closer
	auth    *auth.Runtime
	router  *router.Router
	api     *api.Server
	logger  *slog.Logger
}

// New creates a gateway from configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	db, err := store.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	g := &Gateway{cfg: cfg, store: db, idem: db, logger: logger.With("component", "gateway")}

	if cfg.Storage.RedisURL != "" {
		rs, err := idempotency.NewRedisStore(ctx, cfg.Storage.RedisURL)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init idempotency store: %w", err)
		}
		g.idem = rs
		g.closers = append(g.closers, rs)
	}

	authRT, err := NewAuthRuntime(cfg, db, logger)
	if err != nil {
		g.close()
		return nil, fmt.Errorf("init auth: %w", err)
	}
	g.auth = authRT

	if local := authRT.Local(); local != nil {
		if err := local.EnsureBootstrap(ctx); err != nil {
			// Bootstrap is retried lazily on the next login.
			logger.Warn("initial account bootstrap failed", "error", err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)

	g.router = router.New(db, authRT, agent.NewEchoCore(cfg.Agent.StepDelay.Duration), idempotency.New(g.idem), logger, router.Options{
		DefaultTenant:    cfg.Auth.DefaultTenant,
		DefaultWorkspace: cfg.Auth.DefaultWorkspace,
	})
	g.api = api.NewServer(g.router, authRT, db, reg, logger, api.Options{
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		MaxFrameBytes:  cfg.Server.MaxFrameBytes,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		LoginRate:      cfg.RateLimit.LoginPerSecond,
		LoginBurst:     cfg.RateLimit.LoginBurst,
	})

	g.warnWeakConfig()
	return g, nil
}

// NewAuthRuntime builds the authentication front end for cfg over accounts.
func NewAuthRuntime(cfg *config.Config, accounts store.AccountStore, logger *slog.Logger) (*auth.Runtime, error) {
	mode, err := auth.ParseMode(cfg.Auth.Mode)
	if err != nil {
		return nil, err
	}

	var local *auth.LocalAuth
	// Mode none keeps local credentials available when tokens are still
	// demanded, so that callers have a way to obtain one.
	if mode.UsesLocal() || (mode == auth.ModeNone && cfg.Auth.AlwaysRequire && cfg.Auth.JWTSecret != "") {
		local = auth.NewLocalAuth(accounts, auth.LocalOptions{
			Secret:            cfg.Auth.JWTSecret,
			Issuer:            cfg.Auth.JWTIssuer,
			Audience:          cfg.Auth.JWTAudience,
			AccessTTL:         cfg.Auth.AccessTokenTTL.Duration,
			RefreshTTL:        cfg.Auth.RefreshTokenTTL.Duration,
			DefaultTenantID:   cfg.Auth.DefaultTenant,
			DefaultTenantCode: cfg.Auth.DefaultTenantCode,
			DefaultWorkspace:  cfg.Auth.DefaultWorkspace,
			AdminUsername:     cfg.Auth.AdminUsername,
			AdminPassword:     cfg.Auth.AdminPassword,
		}, logger)
	}

	var external auth.Verifier
	if mode.UsesExternal() {
		keys := jwks.New(cfg.Auth.External.JWKSURL, jwks.WithTTL(cfg.Auth.External.KeyCacheTTL.Duration))
		roles := make(map[string]auth.Role, len(cfg.Auth.External.RoleMapping))
		for provider, role := range cfg.Auth.External.RoleMapping {
			roles[provider] = auth.Role(role)
		}
		external = auth.NewExternalVerifier(keys, auth.ExternalOptions{
			Issuer:           cfg.Auth.External.Issuer,
			Audience:         cfg.Auth.External.Audience,
			RoleMapping:      roles,
			DefaultTenant:    cfg.Auth.DefaultTenant,
			DefaultWorkspace: cfg.Auth.DefaultWorkspace,
		})
	}

	return auth.NewRuntime(mode, cfg.Auth.AlwaysRequire, local, external, logger)
}

func (g *Gateway) warnWeakConfig() {
	if g.auth.Local() != nil && (g.cfg.Auth.AdminPassword == "" || g.cfg.Auth.AdminPassword == "admin123!") {
		g.logger.Warn("default admin credentials in use, change the admin password in production")
	}
	if !g.auth.IsAuthRequired() {
		g.logger.Warn("authentication disabled, every caller is trusted (development only)")
	}
	for _, origin := range g.cfg.Server.AllowedOrigins {
		if origin == "*" {
			g.logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}
}

// Handler returns the root HTTP handler.
func (g *Gateway) Handler() http.Handler { return g.api.Handler() }

// Auth returns the authentication runtime.
func (g *Gateway) Auth() *auth.Runtime { return g.auth }

// Run starts the HTTP server and blocks until ctx is canceled.
func (g *Gateway) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              g.cfg.Server.Addr,
		Handler:           g.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.api.StartBackgroundTasks(ctx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("gateway listening", "addr", g.cfg.Server.Addr, "auth_mode", g.auth.Mode(), "storage", g.cfg.Storage.Driver)
		if g.cfg.Server.TLSCert != "" && g.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(g.cfg.Server.TLSCert, g.cfg.Server.TLSKey)
		} else {
			g.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		g.logger.Info("shutting down gateway gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Hijacked WebSocket connections are not tracked by Shutdown; they end
		// when their peers go away or the process exits.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			g.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			g.logger.Info("http server stopped gracefully")
		}

		g.close()
		g.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		g.close()
		return err
	}
}

// Close releases storage without serving.
func (g *Gateway) Close() error {
	g.close()
	return nil
}

func (g *Gateway) close() {
	for _, c := range g.closers {
		if err := c.Close(); err != nil {
			g.logger.Warn("close failed", "error", err)
		}
	}
	g.closers = nil
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			g.logger.Warn("closing store failed", "error", err)
		}
		g.store = nil
	}
}
