// Package server exposes the HTTP surface: chat streaming, auth, and the
// caller-scoped resource endpoints for sessions, memories, and knowledge.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/auth"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/config"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/knowledge"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/memory"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/orchestrator"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/session"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/specialist"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/stream"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/telemetry"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/toolbridge"
)

// Turner handles one conversational turn and returns its envelope stream.
// Satisfied by *orchestrator.Orchestrator.
type Turner interface {
	HandleTurn(ctx context.Context, req *orchestrator.Request) (<-chan stream.Envelope, error)
}

// Server is the Cirkelline HTTP server.
type Server struct {
	cfg         *config.ServerConfig
	turns       Turner
	sessions    *session.Store
	memories    *memory.Service
	knowledge   *knowledge.Service
	credentials *auth.Credentials
	resolver    *auth.Resolver
	registry    *specialist.Registry
	bridge      *toolbridge.Bridge
	telemetry   *telemetry.Telemetry

	server *http.Server
}

// Options collects the server's dependencies.
type Options struct {
	Config      *config.ServerConfig
	Turns       Turner
	Sessions    *session.Store
	Memories    *memory.Service
	Knowledge   *knowledge.Service
	Credentials *auth.Credentials
	Resolver    *auth.Resolver
	Registry    *specialist.Registry
	Bridge      *toolbridge.Bridge
	Telemetry   *telemetry.Telemetry
}

// New builds the server. All options except Bridge and Telemetry are
// required.
func New(opts Options) (*Server, error) {
	if opts.Config == nil || opts.Turns == nil || opts.Sessions == nil ||
		opts.Memories == nil || opts.Knowledge == nil ||
		opts.Credentials == nil || opts.Resolver == nil || opts.Registry == nil {
		return nil, fmt.Errorf("server: missing required dependency")
	}

	return &Server{
		cfg:         opts.Config,
		turns:       opts.Turns,
		sessions:    opts.Sessions,
		memories:    opts.Memories,
		knowledge:   opts.Knowledge,
		credentials: opts.Credentials,
		resolver:    opts.Resolver,
		registry:    opts.Registry,
		bridge:      opts.Bridge,
		telemetry:   opts.Telemetry,
	}, nil
}

// Routes builds the router. Exposed separately from Start so tests can
// drive the handler tree through httptest.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	if s.telemetry != nil {
		r.Use(s.telemetry.HTTPMiddleware)
	}
	r.Use(s.requestDeadline)

	// Public surface: no bearer required.
	r.Post("/auth/signup", s.handleSignup)
	r.Post("/auth/login", s.handleLogin)
	r.Get("/config", s.handleConfig)
	r.Get("/health", s.handleHealth)
	if s.telemetry != nil {
		r.Handle("/metrics", s.telemetry.Handler())
	}

	// Caller-scoped surface.
	r.Group(func(r chi.Router) {
		r.Use(s.resolver.Middleware)

		r.Post("/chat", s.handleChat)

		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Delete("/sessions/{id}", s.handleDeleteSession)

		r.Get("/memories", s.handleListMemories)
		r.Delete("/memories/{id}", s.handleDeleteMemory)

		r.Post("/knowledge", s.handleUploadKnowledge)
		r.Get("/knowledge", s.handleListKnowledge)
		r.Get("/knowledge/{id}", s.handleGetKnowledge)
		r.Delete("/knowledge/{id}", s.handleDeleteKnowledge)

		if s.bridge != nil {
			r.Put("/connections/{provider}", s.handleSetConnection)
		}
	})

	return r
}

// requestDeadline bounds every request with the configured timeout.
// Database queries, model calls, tool invocations and the stream
// write-back all inherit it through the request context.
func (s *Server) requestDeadline(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.Routes(),
		ReadTimeout: 30 * time.Second,
		// WriteTimeout must outlast the longest chat stream.
		WriteTimeout: s.cfg.RequestTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	slog.Info("http server starting", "address", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	slog.Info("http server shutting down")
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
