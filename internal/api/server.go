// Package api serves the admin surface of the agent: audit queries, the live
// decision feed, configuration inspection and reload, and Prometheus metrics.
// With auth enabled every route except /api/health needs a bearer token.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentwarden/ai-gateway-agent/internal/auth"
	"github.com/agentwarden/ai-gateway-agent/internal/config"
	"github.com/agentwarden/ai-gateway-agent/internal/cost"
	"github.com/agentwarden/ai-gateway-agent/internal/trace"
)

// Gateway is the running inspection pipeline as the admin API sees it.
type Gateway interface {
	Config() config.GatewayConfig
	Pending() int
}

// Deps are the components the admin API reads from. Nil members disable
// the endpoints that need them.
type Deps struct {
	Store   trace.Store
	Tracker *cost.Tracker
	Gateway Gateway
	Metrics http.Handler
	// Feed is the live decision hub; one is created when nil.
	Feed *WebSocketHub
	// Reload re-reads the configuration file and applies it.
	Reload func() error
	// Tokens authenticates callers when config.Auth.Enabled is set.
	Tokens *auth.TokenManager
}

// Server is the admin API server.
type Server struct {
	config  config.ServerConfig
	deps    Deps
	wsHub   *WebSocketHub
	started time.Time

	mux        *http.ServeMux
	mu         sync.Mutex
	httpServer *http.Server
	closed     bool
	logger     *slog.Logger
}

// NewServer creates a new admin API server.
func NewServer(cfg config.ServerConfig, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	hub := deps.Feed
	if hub == nil {
		hub = NewWebSocketHub(logger, cfg.CORS)
	}
	s := &Server{
		config:  cfg,
		deps:    deps,
		wsHub:   hub,
		started: time.Now(),
		mux:     http.NewServeMux(),
		logger:  logger.With("component", "api.Server"),
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	// Decisions
	s.mux.Handle("GET /api/decisions", s.authRequired(auth.ActionDecisionRead, s.handleListDecisions))
	s.mux.Handle("GET /api/decisions/{id}", s.authRequired(auth.ActionDecisionRead, s.handleGetDecision))
	s.mux.Handle("GET /api/audit/verify", s.authRequired(auth.ActionAuditVerify, s.handleVerifyAudit))

	// Configuration
	s.mux.Handle("GET /api/config", s.authRequired(auth.ActionConfigRead, s.handleGetConfig))
	s.mux.Handle("POST /api/config/reload", s.authRequired(auth.ActionConfigChange, s.handleReloadConfig))

	// Tokens
	if s.deps.Tokens != nil {
		s.mux.Handle("GET /api/tokens", s.authRequired(auth.ActionTokenManage, s.handleListTokens))
		s.mux.Handle("POST /api/tokens", s.authRequired(auth.ActionTokenManage, s.handleCreateToken))
		s.mux.Handle("DELETE /api/tokens/{id}", s.authRequired(auth.ActionTokenManage, s.handleRevokeToken))
	}

	// System
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.Handle("GET /api/stats", s.authRequired(auth.ActionStatsRead, s.handleStats))
	if s.deps.Metrics != nil {
		s.mux.Handle("GET /metrics", s.authRequired(auth.ActionStatsRead, s.deps.Metrics.ServeHTTP))
	}

	// WebSocket
	s.mux.Handle("GET /api/ws/decisions", s.authRequired(auth.ActionFeed, s.wsHub.HandleWebSocket))
}

// authRequired wraps a handler with token authentication and a permission
// check. Browsers cannot set headers on a WebSocket upgrade, so the token
// may also arrive as the access_token query parameter.
func (s *Server) authRequired(action string, next http.HandlerFunc) http.Handler {
	if !s.config.Auth.Enabled || s.deps.Tokens == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := r.URL.Query().Get("access_token")
		if h := r.Header.Get("Authorization"); h != "" {
			var ok bool
			secret, ok = strings.CutPrefix(h, "Bearer ")
			if !ok {
				secret = ""
			}
		}
		if secret == "" {
			writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
			return
		}

		token, err := s.deps.Tokens.ValidateToken(secret, r.RemoteAddr)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		if !auth.HasPermission(token.Role, action) {
			s.logger.Warn("admin API access denied",
				"token_id", token.ID,
				"role", token.Role,
				"action", action,
			)
			writeError(w, http.StatusForbidden, "insufficient permissions")
			return
		}
		next(w, r)
	})
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	if s.config.CORS {
		return corsMiddleware(s.mux)
	}
	return s.mux
}

// Start starts the API server on the given address.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info("admin API listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsHub.Close()
	s.mu.Lock()
	s.closed = true
	srv := s.httpServer
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// Feed returns the live decision feed, to be handed to the pipeline.
func (s *Server) Feed() *WebSocketHub {
	return s.wsHub
}

// corsMiddleware adds CORS headers for development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
