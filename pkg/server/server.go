// Package server exposes the subject-rights workflow and retention
// administration over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"mercator-hq/custodian/pkg/compliance"
	"mercator-hq/custodian/pkg/compliance/reporter"
	"mercator-hq/custodian/pkg/compliance/subject"
	"mercator-hq/custodian/pkg/config"
	"mercator-hq/custodian/pkg/telemetry/health"
	"mercator-hq/custodian/pkg/telemetry/metrics"
)

// SubjectService handles subject access and erasure requests.
type SubjectService interface {
	Export(ctx context.Context, req subject.ExportRequest) (*subject.ExportResult, error)
	RequestDeletion(ctx context.Context, in subject.DeletionInput) (*subject.Response, error)
	ConfirmDeletion(ctx context.Context, in subject.ConfirmInput) (*subject.ConfirmResponse, error)
}

// AdminService answers retention administration calls.
type AdminService interface {
	GetRetentionStats(ctx context.Context) (*reporter.Stats, error)
	RunManualCleanup(ctx context.Context, kind compliance.RunKind) (*reporter.Report, error)
}

// BuildInfo is served on /version.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// Deps are the collaborators behind the API.
type Deps struct {
	Subjects SubjectService
	Admin    AdminService

	// Health serves /health and /ready. A checker without checks is used
	// when nil.
	Health *health.Checker

	// Metrics records request metrics and serves the scrape endpoint when
	// MetricsPath is set.
	Metrics     *metrics.Collector
	MetricsPath string

	Build BuildInfo
}

// Server is the Custodian HTTP API server.
type Server struct {
	cfg        config.ServerConfig
	deps       Deps
	router     chi.Router
	httpServer *http.Server
	logger     *slog.Logger

	mu      sync.Mutex
	running bool
}

// New creates a server. Subjects and Admin are required.
func New(cfg config.ServerConfig, deps Deps) (*Server, error) {
	if deps.Subjects == nil || deps.Admin == nil {
		return nil, errors.New("server: subject and admin services are required")
	}
	if deps.Health == nil {
		deps.Health = health.New(0)
	}
	if cfg.SubjectHeader == "" {
		cfg.SubjectHeader = config.DefaultSubjectHeader
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: slog.Default().With("component", "server"),
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the routed handler with its middleware chain.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is done or the listener fails, then shuts down
// gracefully within the configured timeout.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server is already running")
	}
	s.httpServer = &http.Server{
		Addr:           s.cfg.ListenAddress,
		Handler:        s.router,
		ReadTimeout:    s.cfg.ReadTimeout,
		WriteTimeout:   s.cfg.WriteTimeout,
		IdleTimeout:    s.cfg.IdleTimeout,
		MaxHeaderBytes: s.cfg.MaxHeaderBytes,
	}
	s.running = true
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting api server",
			"address", s.cfg.ListenAddress,
			"admin_enabled", s.cfg.AdminToken != "",
		)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server error: %w", err)
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, initiating shutdown")
		return s.Shutdown(context.Background())
	case err, ok := <-errChan:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		if ok {
			return err
		}
		return nil
	}
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.httpServer == nil {
		return nil
	}
	s.running = false

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	s.logger.Info("initiating graceful shutdown", "timeout", timeout.String())

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.logger.Info("api server stopped")
	return nil
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
