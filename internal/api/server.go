package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/anvil/internal/engine"
	"github.com/seantiz/anvil/internal/hostexec"
	"github.com/seantiz/anvil/internal/logstream"
	"github.com/seantiz/anvil/internal/registry"
	"github.com/seantiz/anvil/internal/store"
	"github.com/seantiz/anvil/internal/verify"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second

	defaultStreamBudget = 30 * time.Minute
)

// DigestLookup resolves registry digests. *verify.Verifier satisfies it.
type DigestLookup interface {
	Remote(ctx context.Context, ref string, refresh bool) (verify.Remote, error)
	Platform() registry.Platform
}

// Config holds the server's own settings.
type Config struct {
	Addr         string
	UnitDir      string
	UpdateLogDir string

	// StreamBudget bounds how long one log stream stays open.
	StreamBudget time.Duration
}

// Deps bundles what the handlers call into.
type Deps struct {
	Store    store.Store
	Engine   *engine.Engine
	Streamer *logstream.Streamer
	Hosts    *hostexec.Registry
	Digests  DigestLookup
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router   *chi.Mux
	store    store.Store
	engine   *engine.Engine
	streamer *logstream.Streamer
	hosts    *hostexec.Registry
	digests  DigestLookup
	cfg      Config
	logger   *slog.Logger
}

// NewServer creates and configures a new HTTP server.
func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if cfg.StreamBudget <= 0 {
		cfg.StreamBudget = defaultStreamBudget
	}
	srv := &Server{
		router:   chi.NewRouter(),
		store:    deps.Store,
		engine:   deps.Engine,
		streamer: deps.Streamer,
		hosts:    deps.Hosts,
		digests:  deps.Digests,
		cfg:      cfg,
		logger:   logger,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/hosts", s.handleListHosts)
	s.router.Get("/v1/stats", s.handleGetStats)
	s.router.Get("/v1/units", s.handleListUnits)
	s.router.Get("/v1/update-logs", s.handleListUpdateLogs)
	s.router.Get("/v1/update-logs/{name}", s.handleGetUpdateLog)
	s.router.Get("/v1/registry/digest", s.handleGetDigest)
	s.router.Post("/v1/webhooks/{source}", s.handleWebhook)

	s.router.Route("/v1/tasks", func(r chi.Router) {
		r.Post("/", s.handleCreateTask)
		r.Get("/", s.handleListTasks)
		r.Get("/{id}", s.handleGetTask)
		r.Post("/{id}/stop", s.handleStopTask)
		r.Post("/{id}/force-stop", s.handleForceStopTask)
		r.Post("/{id}/retry", s.handleRetryTask)
		r.Get("/{id}/logs", s.handleStreamLogs)
		r.Get("/{id}/logs/ws", s.handleStreamLogsWS)
		r.Get("/{id}/logs/history", s.handleGetLogHistory)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down", "reason", context.Cause(ctx))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
