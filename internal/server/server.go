package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/koe/internal/ratelimit"
)

// Server is the Koe HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, MCPServer, plus the optional
// HandlersDeps fields.
type ServerConfig struct {
	Handlers HandlersDeps

	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(cfg.Handlers)
	logger := cfg.Handlers.Logger

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Rate limit rules, IP-keyed. The events stream and the queue webhook are
	// exempt: one is a long-lived connection, the other is authenticated by
	// signature and retried on 429 anyway.
	chatRL := ratelimit.Middleware(cfg.Limiter, "chat", ratelimit.IPKeyFunc, reqIDFunc)
	queryRL := ratelimit.Middleware(cfg.Limiter, "query", ratelimit.IPKeyFunc, reqIDFunc)
	voiceRL := ratelimit.Middleware(cfg.Limiter, "voice", ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Chat intake and the queue's delivery webhook.
	mux.Handle("POST /v1/chat", chatRL(http.HandlerFunc(h.HandleChat)))
	mux.Handle("POST /v1/jobs/chat", http.HandlerFunc(h.HandleChatJob))

	// Session state: live stream plus durable reads.
	mux.Handle("GET /v1/sessions/{session_id}/events", http.HandlerFunc(h.HandleEvents))
	mux.Handle("GET /v1/sessions/{session_id}/messages", queryRL(http.HandlerFunc(h.HandleListMessages)))
	mux.Handle("GET /v1/sessions/{session_id}/tool-calls", queryRL(http.HandlerFunc(h.HandleListToolCalls)))

	// Voice.
	mux.Handle("POST /v1/voice/input", voiceRL(http.HandlerFunc(h.HandleVoiceInput)))
	mux.Handle("POST /v1/voice/output", voiceRL(http.HandlerFunc(h.HandleSpeak)))
	mux.Handle("GET /v1/voice/token", voiceRL(http.HandlerFunc(h.HandleVoiceToken)))

	// Knowledge base ingestion.
	mux.Handle("POST /v1/knowledge", queryRL(http.HandlerFunc(h.HandleIngestKnowledge)))

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health (no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(logger, handler)
	handler = loggingMiddleware(logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   logger,
	}
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
