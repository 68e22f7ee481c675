package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nextcast/session-store/internal/config"
	"github.com/nextcast/session-store/internal/handlers"
	"github.com/nextcast/session-store/internal/health"
	"github.com/nextcast/session-store/internal/metrics"
	"github.com/nextcast/session-store/internal/middleware"
	"github.com/nextcast/session-store/internal/sessions"
	"github.com/nextcast/session-store/internal/store"
)

// statsInterval is the period between session store stat samples published
// as gauges.
const statsInterval = 15 * time.Second

// Server manages the three HTTP servers (API, Probe, Metrics) and the
// session store stack behind them.
type Server struct {
	cfg             *config.Config
	logger          *zap.Logger
	metrics         *metrics.Metrics
	health          *health.Manager
	sessions        *sessions.Handle
	sessionHandlers *handlers.SessionHandlers
	collector       *store.SessionMetricsCollector

	apiServer     *http.Server
	probeServer   *http.Server
	metricsServer *http.Server

	collectorStarted bool
	shutdownChan     chan struct{}
}

// New creates a new Server instance: it builds the metrics registry,
// initializes the session store stack, registers the health checkers, and
// configures the three HTTP servers. A remote session store that is down
// does not fail construction; the server comes up fallback-backed.
func New(cfg *config.Config, logger *zap.Logger, buildInfo map[string]string) (*Server, error) {
	s := &Server{
		cfg:          cfg,
		logger:       logger,
		shutdownChan: make(chan struct{}),
	}

	s.metrics = metrics.NewMetrics(cfg.MetricsNamespace, buildInfo)

	sessionMetrics := store.NewSessionMetrics(cfg.MetricsNamespace, s.metrics.Registry())

	handle, err := sessions.Initialize(context.Background(), cfg.StoreConfig(), logger, sessionMetrics)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session store: %w", err)
	}
	s.sessions = handle
	s.sessionHandlers = handlers.NewSessionHandlers(handle, logger, s.metrics)
	s.collector = store.NewSessionMetricsCollector(logger, handle, sessionMetrics, statsInterval)

	// Health checks
	s.health = health.NewManager(logger, cfg.HealthCheckCacheDuration, cfg.HealthCheckTimeout)
	s.health.RegisterChecker(health.NewConfigChecker(logger, cfg))
	s.health.RegisterChecker(health.NewLoggerChecker(logger))
	s.health.RegisterChecker(health.NewServerChecker(logger))
	s.health.RegisterChecker(health.NewReadinessChecker(logger))
	for _, checker := range handle.HealthCheckers(logger) {
		s.health.RegisterChecker(checker)
	}

	s.setupServers()

	return s, nil
}

// setupServers configures the three HTTP servers.
func (s *Server) setupServers() {
	// API Server
	apiRouter := s.setupAPIRouter()
	s.apiServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.APIHost, s.cfg.APIPort),
		Handler:      apiRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.cfg.TLSEnabled {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		s.apiServer.TLSConfig = tlsConfig
	}

	// Probe Server
	probeRouter := s.setupProbeRouter()
	s.probeServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.ProbeHost, s.cfg.ProbePort),
		Handler:      probeRouter,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	// Metrics Server
	metricsRouter := s.setupMetricsRouter()
	s.metricsServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.MetricsHost, s.cfg.MetricsPort),
		Handler:      metricsRouter,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
}

// setupAPIRouter creates the API server router with middleware.
func (s *Server) setupAPIRouter() *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.LoggingMiddleware(s.logger, "api"))
	r.Use(middleware.RecovererMiddleware(s.logger))
	r.Use(middleware.MetricsMiddleware(s.metrics, s.logger))

	// Routes
	s.setupAPIRoutes(r)

	return r
}

// setupProbeRouter creates the probe server router.
func (s *Server) setupProbeRouter() *chi.Mux {
	r := chi.NewRouter()

	// Routes
	s.setupProbeRoutes(r)

	return r
}

// setupMetricsRouter creates the metrics server router.
func (s *Server) setupMetricsRouter() *chi.Mux {
	r := chi.NewRouter()

	// Routes
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))

	return r
}

// Start starts all three HTTP servers along with the metrics collection.
func (s *Server) Start() error {
	var wg sync.WaitGroup
	errChan := make(chan error, 3)

	// Start API server
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.logger.Info("Starting API server", zap.String("addr", s.apiServer.Addr))

		var err error
		if s.cfg.TLSEnabled {
			err = s.apiServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.apiServer.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server error: %w", err)
		}
	}()

	// Start probe server
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.logger.Info("Starting probe server", zap.String("addr", s.probeServer.Addr))

		if err := s.probeServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("probe server error: %w", err)
		}
	}()

	// Start metrics server
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.logger.Info("Starting metrics server", zap.String("addr", s.metricsServer.Addr))

		if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	// Wait a bit to see if any server fails to start
	time.Sleep(100 * time.Millisecond)
	select {
	case err := <-errChan:
		return err
	default:
		s.health.SetServersRunning(true)
		s.collector.Start()
		s.collectorStarted = true

		// Start uptime counter goroutine
		go s.updateMetrics()
		return nil
	}
}

// updateMetrics updates the uptime and runtime metrics periodically.
func (s *Server) updateMetrics() {
	uptimeTicker := time.NewTicker(1 * time.Second)
	defer uptimeTicker.Stop()

	runtimeTicker := time.NewTicker(15 * time.Second)
	defer runtimeTicker.Stop()

	for {
		select {
		case <-uptimeTicker.C:
			s.metrics.AppUptimeSeconds.Add(1)
		case <-runtimeTicker.C:
			s.metrics.UpdateRuntimeMetrics()
		case <-s.shutdownChan:
			return
		}
	}
}

// Shutdown gracefully shuts down all servers and the session store stack.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down servers gracefully")

	// Flip readiness first so load balancers drain before listeners close.
	s.health.SetShuttingDown(true)

	// Signal the metrics goroutine to stop
	close(s.shutdownChan)
	if s.collectorStarted {
		s.collector.Stop()
	}

	var wg sync.WaitGroup
	errChan := make(chan error, 3)

	// Shutdown API server first
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.logger.Info("Shutting down API server")
		if err := s.apiServer.Shutdown(ctx); err != nil {
			errChan <- fmt.Errorf("API server shutdown error: %w", err)
		}
	}()

	// Shutdown metrics server second
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.logger.Info("Shutting down metrics server")
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			errChan <- fmt.Errorf("metrics server shutdown error: %w", err)
		}
	}()

	// Shutdown probe server last
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.logger.Info("Shutting down probe server")
		if err := s.probeServer.Shutdown(ctx); err != nil {
			errChan <- fmt.Errorf("probe server shutdown error: %w", err)
		}
	}()

	wg.Wait()
	close(errChan)

	// The session store goes down after the listeners so in-flight requests
	// can still reach it.
	s.sessions.Shutdown(ctx)

	for err := range errChan {
		if err != nil {
			return err
		}
	}

	s.logger.Info("All servers shut down successfully")
	return nil
}

// WaitForServers waits for all servers to be ready.
func (s *Server) WaitForServers(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if s.checkServer(s.apiServer.Addr) &&
			s.checkServer(s.probeServer.Addr) &&
			s.checkServer(s.metricsServer.Addr) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	return fmt.Errorf("servers did not become ready within %s", timeout)
}

// checkServer checks if a server is listening on the given address.
func (s *Server) checkServer(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
