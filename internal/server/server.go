// Package server provides the HTTP and WebSocket gateway in front of the
// Gemini CLI supervisor.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wgst88w/Gemini-CLI-UI/internal/agentsessions"
	"github.com/wgst88w/Gemini-CLI-UI/internal/attachments"
	"github.com/wgst88w/Gemini-CLI-UI/internal/auth"
	"github.com/wgst88w/Gemini-CLI-UI/internal/config"
	"github.com/wgst88w/Gemini-CLI-UI/internal/mcpconfig"
	"github.com/wgst88w/Gemini-CLI-UI/internal/persistence"
	"github.com/wgst88w/Gemini-CLI-UI/internal/registry"
	"github.com/wgst88w/Gemini-CLI-UI/internal/streamfilter"
	"github.com/wgst88w/Gemini-CLI-UI/internal/supervisor"
)

// Server is the gateway's HTTP server.
type Server struct {
	config       *config.Config
	httpServer   *http.Server
	upgrader     websocket.Upgrader
	jwtValidator *auth.JWTValidator
	sessions     *agentsessions.Manager
	supervisor   *supervisor.Supervisor
	mcp          *mcpconfig.Detector
	store        *persistence.Store
	startedAt    time.Time

	// turnCtx outlives client connections; cancelling it terminates every
	// running invocation.
	turnCtx    context.Context
	cancelTurn context.CancelFunc
	turns      sync.WaitGroup

	connMu  sync.Mutex
	conns   map[*wsConn]struct{}
	closing bool
}

// New creates a server and everything it owns from cfg.
func New(cfg *config.Config) (*Server, error) {
	var jwtValidator *auth.JWTValidator
	if cfg.AuthEnabled() {
		v, err := auth.NewJWTValidator(cfg.JWKSEndpoint, cfg.JWTIssuer, cfg.JWTAudience)
		if err != nil {
			return nil, fmt.Errorf("failed to create JWT validator: %w", err)
		}
		jwtValidator = v
	} else {
		slog.Warn("JWKS endpoint not configured: gateway requests are not authenticated")
	}

	var store *persistence.Store
	if cfg.InvocationLogPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.InvocationLogPath), 0o755); err != nil {
			return nil, fmt.Errorf("create invocation log directory: %w", err)
		}
		st, err := persistence.Open(cfg.InvocationLogPath)
		if err != nil {
			return nil, fmt.Errorf("open invocation log: %w", err)
		}
		store = st
	}

	detector := mcpconfig.NewDetector(cfg.MCPConfigPath, cfg.MCPProjectsKey)
	if cfg.MCPWatch {
		if err := detector.Watch(); err != nil {
			slog.Warn("MCP config watch unavailable, re-reading on every turn", "path", detector.Path(), "error", err)
		}
	}

	var recorder supervisor.Recorder
	if store != nil {
		recorder = store
	}

	s := newServer(cfg, NewSupervisor(cfg, detector, recorder))
	s.jwtValidator = jwtValidator
	s.mcp = detector
	s.store = store
	return s, nil
}

// NewSupervisor builds the turn supervisor described by cfg. mcp and recorder
// may be nil.
func NewSupervisor(cfg *config.Config, mcp supervisor.MCPDetector, recorder supervisor.Recorder) *supervisor.Supervisor {
	return supervisor.New(supervisor.Options{
		Command:        cfg.GeminiCommand,
		DefaultModel:   cfg.DefaultModel,
		Sessions:       agentsessions.NewManager(cfg.MaxContextMessages),
		Registry:       registry.New(),
		Stager:         attachments.NewStager(cfg.ImageStagingDir),
		Filter:         streamfilter.NewDefault(cfg.ExtraStdoutNoise, cfg.ExtraStderrNoise),
		MCP:            mcp,
		Recorder:       recorder,
		InteractivePTY: cfg.InteractivePTY,
		Rows:           cfg.DefaultRows,
		Cols:           cfg.DefaultCols,
	})
}

func newServer(cfg *config.Config, sup *supervisor.Supervisor) *Server {
	turnCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:     cfg,
		sessions:   sup.Sessions(),
		supervisor: sup,
		startedAt:  time.Now(),
		turnCtx:    turnCtx,
		cancelTurn: cancel,
		conns:      make(map[*wsConn]struct{}),
	}
	s.upgrader = s.createUpgrader()

	s.httpServer = &http.Server{
		Addr:        cfg.Addr(),
		Handler:     s.Handler(),
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
		// No WriteTimeout: WebSocket connections stream for the whole turn.
	}
	return s
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.setupRoutes(mux)
	return corsMiddleware(mux, s.config.AllowedOrigins)
}

// Supervisor returns the supervisor running the turns.
func (s *Server) Supervisor() *supervisor.Supervisor {
	return s.supervisor
}

// Start listens and serves until Stop is called.
func (s *Server) Start() error {
	slog.Info("Starting Gemini gateway", "addr", s.httpServer.Addr, "auth", s.jwtValidator != nil, "command", s.config.GeminiCommand)
	return s.httpServer.ListenAndServe()
}

// Stop shuts the HTTP server down, terminates running invocations and waits
// for them to exit or for ctx to expire.
func (s *Server) Stop(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)

	// Shutdown does not close hijacked connections.
	s.connMu.Lock()
	s.closing = true
	for c := range s.conns {
		c.conn.Close()
	}
	s.connMu.Unlock()

	s.cancelTurn()
	done := make(chan struct{})
	go func() {
		s.turns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Timed out waiting for running invocations", "active", len(s.supervisor.Active()))
	}

	if s.jwtValidator != nil {
		s.jwtValidator.Close()
	}
	if s.mcp != nil {
		if cerr := s.mcp.Close(); cerr != nil {
			slog.Warn("Failed to close MCP config watcher", "error", cerr)
		}
	}
	if s.store != nil {
		if cerr := s.store.Close(); cerr != nil {
			slog.Warn("Failed to close invocation log", "error", cerr)
		}
	}
	return err
}

func (s *Server) trackConn(c *wsConn, add bool) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

// beginTurn reserves a slot for a new turn, or reports false once Stop has
// begun.
func (s *Server) beginTurn() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closing {
		return false
	}
	s.turns.Add(1)
	return true
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /ws", s.requireAuth(s.handleWebSocket))

	mux.HandleFunc("GET /api/sessions", s.requireAuth(s.handleListSessions))
	mux.HandleFunc("GET /api/sessions/{id}/messages", s.requireAuth(s.handleSessionMessages))
	mux.HandleFunc("DELETE /api/sessions/{id}", s.requireAuth(s.handleDeleteSession))
	mux.HandleFunc("POST /api/sessions/{id}/abort", s.requireAuth(s.handleAbortSession))

	mux.HandleFunc("GET /api/invocations", s.requireAuth(s.handleListInvocations))
	mux.HandleFunc("GET /api/invocations/active", s.requireAuth(s.handleActiveInvocations))
}

// requireAuth rejects requests without a valid JWT when authentication is
// enabled.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.jwtValidator == nil {
			next(w, r)
			return
		}

		token, err := auth.TokenFromRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		claims, err := s.jwtValidator.Validate(token)
		if err != nil {
			slog.Warn("Token validation failed", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		slog.Debug("Authenticated request", "path", r.URL.Path, "userId", s.jwtValidator.GetUserID(claims))
		next(w, r)
	}
}

// corsMiddleware adds CORS headers for allowed origins.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(origin, allowedOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func originAllowed(origin string, allowedOrigins []string) bool {
	for _, allowed := range allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
		// Wildcard subdomain patterns like "https://*.example.com".
		if strings.Contains(allowed, "*") && matchWildcardOrigin(origin, allowed) {
			return true
		}
	}
	return false
}

func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix, suffix := parts[0], parts[1]

	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	if len(origin) < len(prefix)+len(suffix) {
		return false
	}

	// The subdomain must not contain "/".
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return middle != "" && !strings.Contains(middle, "/")
}
