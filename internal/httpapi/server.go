// Package httpapi implements the inbound HTTP transport of §6.1: a
// webhook receiver plus a small read-only operational surface
// (/ping, /status, /metrics), adapted from the teacher's read-only
// candidates API into a write-path webhook router.
package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/goldbrain/engine/internal/bus"
	"github.com/goldbrain/engine/internal/cache"
	"github.com/goldbrain/engine/internal/config"
	"github.com/goldbrain/engine/internal/dispatch"
	"github.com/goldbrain/engine/internal/entry"
	"github.com/goldbrain/engine/internal/management"
	"github.com/goldbrain/engine/internal/metrics"
	"github.com/goldbrain/engine/internal/qtrend"
)

// Dependencies bundles the HTTP layer's collaborators. All fields are
// required except Now and StartedAt, which default to the real clock
// and the construction time.
type Dependencies struct {
	Dispatcher *dispatch.Dispatcher
	Entry      *entry.Engine
	Mgmt       *management.Engine
	Cache      *cache.Cache
	QTrend     *qtrend.Store
	Metrics    *metrics.Store
	Bus        *bus.Client
	Config     config.Config
	Log        zerolog.Logger
	Now        func() time.Time
	StartedAt  time.Time
}

// Server is the webhook HTTP server.
type Server struct {
	router *mux.Router
	server *http.Server
	deps   Dependencies
}

// NewServer builds a Server bound to deps.Config.HTTPHost/HTTPPort. It
// probes port availability eagerly, the way the teacher's NewServer
// fails fast before accepting traffic.
func NewServer(deps Dependencies) (*Server, error) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.StartedAt.IsZero() {
		deps.StartedAt = deps.Now()
	}

	addr := fmt.Sprintf("%s:%d", deps.Config.HTTPHost, deps.Config.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("port %d is busy or unavailable: %w", deps.Config.HTTPPort, err)
	}
	listener.Close()

	s := &Server{router: mux.NewRouter(), deps: deps}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)
	s.router.Use(s.tokenAuthMiddleware)

	s.router.HandleFunc("/webhook", s.handleWebhook).Methods(http.MethodPost)
	s.router.HandleFunc("/ping", s.handlePing).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
}

// Start blocks serving HTTP until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.deps.Log.Info().Str("addr", s.server.Addr).Msg("httpapi: listening")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.server.Addr
}

type requestIDKey struct{}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()[:8]
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusCapturingWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.deps.Now()
		wrapped := &statusCapturingWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.deps.Log.Info().
			Str("request_id", fmt.Sprint(r.Context().Value(requestIDKey{}))).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.status).
			Dur("duration", s.deps.Now().Sub(start)).
			Msg("httpapi: request")
	})
}
