// Package server hosts the HTTP surface of `spotguard serve`: health probes,
// version, Prometheus metrics and the admin reconcile trigger.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/spotguard/internal/errors"
	"github.com/3leaps/spotguard/internal/observability"
	"github.com/3leaps/spotguard/internal/server/handlers"
	"github.com/3leaps/spotguard/internal/server/middleware"
)

// AdminTokenEnv names the env var holding the bearer token for /admin routes.
const AdminTokenEnv = "SPOTGUARD_ADMIN_TOKEN"

// Server wraps an http.Server with the spotguard routes.
type Server struct {
	host string
	port int

	router     chi.Router
	httpServer *http.Server

	reconcile    handlers.ReconcileFunc
	adminToken   string
	health       bool
	profiler     bool
	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithReconcileFunc enables POST /admin/reconcile.
func WithReconcileFunc(fn handlers.ReconcileFunc) Option {
	return func(s *Server) { s.reconcile = fn }
}

// WithAdminToken sets the bearer token for admin routes. Without a token the
// admin routes are not registered.
func WithAdminToken(token string) Option {
	return func(s *Server) { s.adminToken = token }
}

// WithHealth toggles the /health routes.
func WithHealth(enabled bool) Option {
	return func(s *Server) { s.health = enabled }
}

// WithProfiler mounts net/http/pprof under /debug.
func WithProfiler(enabled bool) Option {
	return func(s *Server) { s.profiler = enabled }
}

// WithTimeouts overrides the http.Server timeouts.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
		s.idleTimeout = idle
	}
}

// New builds a server bound to host:port.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:         host,
		port:         port,
		adminToken:   os.Getenv(AdminTokenEnv),
		health:       true,
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
		idleTimeout:  120 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		Handler:           s.router,
		ReadTimeout:       s.readTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       s.idleTimeout,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger)
	r.Use(middleware.Recovery)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithError(w, req, apperrors.NewNotFound("route not found: "+req.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithError(w, req, apperrors.NewMethodNotAllowed(req.Method, req.URL.Path))
	})

	if s.health {
		r.Get("/health", handlers.HealthHandler)
		r.Get("/health/live", handlers.LivenessHandler)
		r.Get("/health/ready", handlers.ReadinessHandler)
		r.Get("/health/startup", handlers.StartupHandler)
	}
	r.Get("/version", handlers.VersionHandler)

	if s.profiler {
		r.Mount("/debug", chimw.Profiler())
	}

	if observability.PrometheusExporter != nil {
		r.Handle("/metrics", observability.PrometheusExporter)
	}

	if s.adminToken != "" && s.reconcile != nil {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(requireBearer(s.adminToken))
			admin.Post("/reconcile", handlers.ReconcileHandler(s.reconcile))
		})
	}
	return r
}

func requireBearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				apperrors.RespondWithError(w, r, apperrors.NewUnauthorized("missing or invalid admin token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Start serves until ctx is cancelled, then shuts down gracefully within
// shutdownTimeout.
func (s *Server) Start(ctx context.Context, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		observability.CLILogger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	observability.CLILogger.Info("HTTP server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
