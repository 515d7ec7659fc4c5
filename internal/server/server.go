// Package server is the ingress layer (C9, §4.9): it wires the account pool,
// retry orchestrator, dialect translators, signature cache, camouflage
// scheduler, and fingerprint transport behind the three downstream dialects'
// HTTP routes, plus the admin surface for account/user/settings management.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devanenWl/antigravity-gateway/internal/account"
	"github.com/devanenWl/antigravity-gateway/internal/auth"
	"github.com/devanenWl/antigravity-gateway/internal/camouflage"
	"github.com/devanenWl/antigravity-gateway/internal/config"
	"github.com/devanenWl/antigravity-gateway/internal/dialect"
	"github.com/devanenWl/antigravity-gateway/internal/events"
	"github.com/devanenWl/antigravity-gateway/internal/pool"
	"github.com/devanenWl/antigravity-gateway/internal/retry"
	"github.com/devanenWl/antigravity-gateway/internal/signature"
	"github.com/devanenWl/antigravity-gateway/internal/store"
	"github.com/devanenWl/antigravity-gateway/internal/transport"
)

// Server is the main HTTP server: route registration, wiring, and the
// process lifecycle (Run/graceful shutdown).
type Server struct {
	cfg          *config.Config
	store        store.Store
	crypto       *account.Crypto
	accounts     *account.AccountStore
	tokens       *account.TokenManager
	onboarder    *account.Onboarder
	authMw       *auth.Middleware
	pool         *pool.Pool
	orchestrator *retry.Orchestrator
	camo         *camouflage.Manager
	transportMgr *transport.Manager
	cache        *signature.Cache
	bus          *events.Bus
	logHandler   *events.LogHandler

	openai    *dialect.OpenAI
	anthropic *dialect.Anthropic
	gemini    *dialect.Gemini

	httpServer *http.Server
	version    string
	startTime  time.Time
}

func New(cfg *config.Config, s store.Store, crypto *account.Crypto, tm *transport.Manager, bus *events.Bus, lh *events.LogHandler, version string) *Server {
	as := account.NewAccountStore(s, crypto)
	tokMgr := account.NewTokenManager(s, as, cfg, tm)
	onboarder := account.NewOnboarder(cfg)
	authMw := auth.NewMiddleware(cfg.APIKey, cfg.AdminPassword, s, crypto)
	cache := signature.New(cfg.ClaudeThinkingSignatureTTL)
	camo := camouflage.NewManager(tm, cfg, as, tokMgr)

	p := pool.New(as, tokMgr, s, cfg, bus)
	orch := retry.New(p, tokMgr, s, cfg)

	srv := &Server{
		cfg:          cfg,
		store:        s,
		crypto:       crypto,
		accounts:     as,
		tokens:       tokMgr,
		onboarder:    onboarder,
		authMw:       authMw,
		pool:         p,
		orchestrator: orch,
		camo:         camo,
		transportMgr: tm,
		cache:        cache,
		bus:          bus,
		logHandler:   lh,
		openai:       dialect.NewOpenAI(cfg, cache),
		anthropic:    dialect.NewAnthropic(cfg, cache),
		gemini:       dialect.NewGemini(cfg, cache),
		version:      version,
		startTime:    time.Now(),
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        requestLogger(mux),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.RequestTimeoutStream + 30*time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	return srv
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	authd := s.authMw.Authenticate
	admind := s.authMw.AdminAuthenticate

	// Ingress: OpenAI dialect.
	mux.Handle("POST /v1/chat/completions", authd(http.HandlerFunc(s.handleOpenAIChat)))
	mux.Handle("GET /v1/models", authd(http.HandlerFunc(s.handleListModels)))

	// Ingress: Anthropic dialect.
	mux.Handle("POST /v1/messages", authd(http.HandlerFunc(s.handleAnthropicMessages)))
	mux.Handle("POST /v1/messages/count_tokens", authd(http.HandlerFunc(s.handleAnthropicCountTokens)))

	// Ingress: Gemini dialect (method is part of the path, §6).
	mux.Handle("POST /v1beta/models/{modelAndMethod...}", authd(http.HandlerFunc(s.handleGemini)))

	// Admin: accounts.
	mux.Handle("GET /admin/accounts", admind(http.HandlerFunc(s.handleListAccounts)))
	mux.Handle("POST /admin/accounts/generate-auth-url", admind(http.HandlerFunc(s.handleGenerateAuthURL)))
	mux.Handle("POST /admin/accounts/exchange-code", admind(http.HandlerFunc(s.handleExchangeCode)))
	mux.Handle("GET /admin/accounts/{id}", admind(http.HandlerFunc(s.handleGetAccount)))
	mux.Handle("DELETE /admin/accounts/{id}", admind(http.HandlerFunc(s.handleDeleteAccount)))
	mux.Handle("POST /admin/accounts/{id}/status", admind(http.HandlerFunc(s.handleUpdateAccountStatus)))
	mux.Handle("POST /admin/accounts/{id}/priority", admind(http.HandlerFunc(s.handleUpdateAccountPriority)))
	mux.Handle("POST /admin/accounts/{id}/sync-quota", admind(http.HandlerFunc(s.handleSyncQuota)))
	mux.Handle("POST /admin/accounts/{id}/refresh", admind(http.HandlerFunc(s.handleRefreshAccount)))

	// Admin: users (API-key management).
	mux.Handle("POST /admin/users", admind(http.HandlerFunc(s.handleCreateUser)))
	mux.Handle("GET /admin/users", admind(http.HandlerFunc(s.handleListUsers)))
	mux.Handle("DELETE /admin/users/{id}", admind(http.HandlerFunc(s.handleDeleteUser)))
	mux.Handle("POST /admin/users/{id}/status", admind(http.HandlerFunc(s.handleUpdateUserStatus)))

	// Admin: settings, routing overview, logs, live events.
	mux.Handle("GET /admin/settings/{key}", admind(http.HandlerFunc(s.handleGetSetting)))
	mux.Handle("POST /admin/settings/{key}", admind(http.HandlerFunc(s.handleSetSetting)))
	mux.Handle("GET /admin/routing", admind(http.HandlerFunc(s.handleRoutingOverview)))
	mux.Handle("GET /admin/events", admind(http.HandlerFunc(s.handleEvents)))
	mux.Handle("GET /admin/health", admind(http.HandlerFunc(s.handleAdminHealth)))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"error","store":"%s"}`, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
}

// Run starts the server and blocks until shutdown (§2 C1-C9 background
// loops all run under this ctx, canceled on SIGINT/SIGTERM).
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.transportMgr.RunCleanup(ctx)
	go s.runAttemptLogPurge(ctx)
	go s.runQuotaRefresh(ctx)
	go s.camo.RunVersionFetcher(ctx)
	defer s.camo.Stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr, "version", s.version)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

// runAttemptLogPurge deletes request_attempt_logs rows older than 24h every
// hour (§3 RequestAttempt retention).
func (s *Server) runAttemptLogPurge(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			before := time.Now().Add(-24 * time.Hour)
			n, err := s.store.PurgeOldAttempts(ctx, before)
			if err != nil {
				slog.Error("purge old attempts failed", "error", err)
			} else if n > 0 {
				slog.Info("purged old attempt logs", "count", n)
			}
		}
	}
}

// runQuotaRefresh re-syncs per-model quota for every active account on a
// fixed interval (§4.3 quota sync), independent of the request path.
func (s *Server) runQuotaRefresh(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			accts, err := s.accounts.List(ctx)
			if err != nil {
				slog.Error("quota refresh: list accounts failed", "error", err)
				continue
			}
			for _, a := range accts {
				if a.Status != "active" {
					continue
				}
				s.syncAccountQuota(ctx, a)
			}
		}
	}
}

func (s *Server) syncAccountQuota(ctx context.Context, a *account.Account) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("quota refresh panic", "accountId", a.ID, "panic", r)
		}
	}()
	token, err := s.tokens.EnsureValidToken(ctx, a.ID)
	if err != nil {
		slog.Warn("quota refresh: token unavailable", "accountId", a.ID, "error", err)
		return
	}
	aggregate, rows, err := s.onboarder.SyncQuota(ctx, token, a.ProjectID)
	if err != nil {
		slog.Warn("quota refresh failed", "accountId", a.ID, "error", err)
		return
	}
	now := time.Now()
	_ = s.accounts.Update(ctx, a.ID, map[string]string{
		"quotaRemaining": fmt.Sprintf("%f", aggregate),
	})
	for _, row := range rows {
		q := &store.AccountModelQuota{AccountID: a.ID, Model: row.Model, QuotaRemaining: row.Fraction, QuotaResetTime: row.ResetTime, UpdatedAt: now}
		if err := s.store.SetAccountModelQuota(ctx, q); err != nil {
			slog.Warn("quota refresh: persist model quota failed", "accountId", a.ID, "model", row.Model, "error", err)
		}
	}
}
