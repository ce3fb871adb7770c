// Package server implements the HTTP API for conductor: thread and branch
// management, message intake, decisions, run inspection and live event
// streams, plus the MCP transport mount.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/conductor/internal/auth"
	"github.com/ashita-ai/conductor/internal/ctxutil"
	"github.com/ashita-ai/conductor/internal/eventbus"
	"github.com/ashita-ai/conductor/internal/ratelimit"
	"github.com/ashita-ai/conductor/internal/service/branches"
	"github.com/ashita-ai/conductor/internal/service/engine"
	"github.com/ashita-ai/conductor/internal/storage"
)

// Server is the conductor HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, MCPServer, Middlewares.
type ServerConfig struct {
	Engine   *engine.Engine
	Branches *branches.Service
	Store    storage.Store
	Bus      *eventbus.Bus
	JWTMgr   *auth.JWTManager
	Logger   *slog.Logger

	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer
	// Middlewares wrap the whole chain; the first is outermost.
	Middlewares []func(http.Handler) http.Handler

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	SSEKeepalive        time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Engine:              cfg.Engine,
		Branches:            cfg.Branches,
		Store:               cfg.Store,
		Bus:                 cfg.Bus,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		SSEKeepalive:        cfg.SSEKeepalive,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	intakeRL := ratelimit.Middleware(cfg.Limiter, "intake", actorKeyFunc, reqIDFunc, cfg.Logger)
	write := func(fn http.HandlerFunc) http.Handler { return requireWriter(fn) }

	mux := http.NewServeMux()

	mux.Handle("POST /v1/threads", write(h.HandleCreateThread))
	mux.Handle("POST /v1/branches/{branch_id}/fork", write(h.HandleForkBranch))
	mux.HandleFunc("GET /v1/branches/{branch_id}/messages", h.HandleListMessages)

	// Intake is rate limited per actor.
	mux.Handle("POST /v1/branches/{branch_id}/messages", intakeRL(write(h.HandleSendMessage)))
	mux.Handle("POST /v1/branches/{branch_id}/loop", intakeRL(write(h.HandleScheduledLoop)))
	mux.Handle("POST /v1/branches/{branch_id}/interrupt", write(h.HandleInterrupt))

	mux.HandleFunc("GET /v1/branches/{branch_id}/runs", h.HandleListRuns)
	mux.HandleFunc("GET /v1/branches/{branch_id}/queue", h.HandleListQueue)
	mux.HandleFunc("GET /v1/branches/{branch_id}/events", h.HandleListEvents)
	mux.HandleFunc("GET /v1/branches/{branch_id}/events/stream", h.HandleEventStream)

	mux.HandleFunc("GET /v1/runs/{run_id}", h.HandleGetRun)
	mux.Handle("POST /v1/runs/{run_id}/decisions/{decision_id}", write(h.HandleResolveDecision))

	// MCP StreamableHTTP transport. Tool handlers read the identity that
	// authMiddleware placed on the request context.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer,
			mcpserver.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
				if id, ok := ctxutil.IdentityFromContext(r.Context()); ok {
					return ctxutil.WithIdentity(ctx, id)
				}
				return ctx
			}),
		))
	}

	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(newHTTPMetrics(), handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// actorKeyFunc keys rate limits by actor. Privileged actors are exempt.
func actorKeyFunc(r *http.Request) string {
	id, ok := ctxutil.IdentityFromContext(r.Context())
	if !ok || id.Actor.Class.Privileged() {
		return ""
	}
	return id.Actor.ID
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
