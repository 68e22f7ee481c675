package store

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/nextcast/session-store/internal/model"
)

// connectionStates enumerates every state for the state gauge.
var connectionStates = []ConnectionState{
	StateDisconnected,
	StateConnecting,
	StateConnected,
	StateReconnecting,
	StateFailed,
}

// SessionMetrics holds Prometheus metrics for the session store.
type SessionMetrics struct {
	// Connection metrics
	ConnectionState       *prometheus.GaugeVec
	ConnectionTransitions *prometheus.CounterVec
	ReconnectAttempts     prometheus.Gauge

	// Operation metrics
	OperationsTotal      *prometheus.CounterVec
	OperationDuration    *prometheus.HistogramVec
	OperationErrorsTotal *prometheus.CounterVec

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsExpired prometheus.Gauge
	ActiveBackend   *prometheus.GaugeVec
	CleanupRemoved  *prometheus.CounterVec
}

// NewSessionMetrics creates a new SessionMetrics instance.
func NewSessionMetrics(namespace string, registry *prometheus.Registry) *SessionMetrics {
	m := &SessionMetrics{
		ConnectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "store_connection_state",
				Help:      "Current connection state (1 for the active state, 0 otherwise)",
			},
			[]string{"state"},
		),
		ConnectionTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_connection_transitions_total",
				Help:      "Total number of connection state transitions",
			},
			[]string{"from", "to"},
		),
		ReconnectAttempts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "store_reconnect_attempts",
				Help:      "Reconnection attempts made since the connection was last healthy",
			},
		),
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_operations_total",
				Help:      "Total number of session store operations",
			},
			[]string{"backend", "operation", "status"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_operation_duration_seconds",
				Help:      "Session store operation duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"backend", "operation"},
		),
		OperationErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_operation_errors_total",
				Help:      "Total number of session store operation errors",
			},
			[]string{"operation", "error_type"},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Number of sessions with remaining lifetime",
			},
		),
		SessionsExpired: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_expired",
				Help:      "Number of sessions observed as expired or evicted",
			},
		),
		ActiveBackend: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "store_active_backend",
				Help:      "Backend currently serving session traffic (1 for the active backend, 0 otherwise)",
			},
			[]string{"backend"},
		),
		CleanupRemoved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_cleanup_removed_total",
				Help:      "Total number of sessions removed by maintenance sweeps",
			},
			[]string{"backend"},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.ConnectionState,
		m.ConnectionTransitions,
		m.ReconnectAttempts,
		m.OperationsTotal,
		m.OperationDuration,
		m.OperationErrorsTotal,
		m.SessionsActive,
		m.SessionsExpired,
		m.ActiveBackend,
		m.CleanupRemoved,
	)

	return m
}

// SetConnectionState marks the given state as current on the state gauge.
func (m *SessionMetrics) SetConnectionState(state ConnectionState) {
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.ConnectionState.WithLabelValues(s.String()).Set(v)
	}
}

// RecordStateTransition records one connection state transition.
func (m *SessionMetrics) RecordStateTransition(from, to ConnectionState) {
	m.ConnectionTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

// SetReconnectAttempts updates the reconnection attempt gauge.
func (m *SessionMetrics) SetReconnectAttempts(attempts int) {
	m.ReconnectAttempts.Set(float64(attempts))
}

// RecordOperation records an operation metric.
func (m *SessionMetrics) RecordOperation(backend model.BackendKind, operation, status string, duration time.Duration) {
	m.OperationsTotal.WithLabelValues(string(backend), operation, status).Inc()
	m.OperationDuration.WithLabelValues(string(backend), operation).Observe(duration.Seconds())
}

// RecordError records an operation error.
func (m *SessionMetrics) RecordError(operation, errorType string) {
	m.OperationErrorsTotal.WithLabelValues(operation, errorType).Inc()
}

// SetSessionCounts updates the session count gauges.
func (m *SessionMetrics) SetSessionCounts(active, expired int) {
	m.SessionsActive.Set(float64(active))
	m.SessionsExpired.Set(float64(expired))
}

// SetActiveBackend marks the given backend as serving on the backend gauge.
func (m *SessionMetrics) SetActiveBackend(kind model.BackendKind) {
	for _, k := range []model.BackendKind{model.BackendRemote, model.BackendFallback} {
		v := 0.0
		if k == kind {
			v = 1.0
		}
		m.ActiveBackend.WithLabelValues(string(k)).Set(v)
	}
}

// RecordCleanup records the outcome of one maintenance sweep.
func (m *SessionMetrics) RecordCleanup(backend model.BackendKind, removed int) {
	m.CleanupRemoved.WithLabelValues(string(backend)).Add(float64(removed))
}

// StatsSource yields a point-in-time view of the session store. It is
// implemented by the session handle.
type StatsSource interface {
	Snapshot(ctx context.Context) (model.HealthSnapshot, error)
}

// SessionMetricsCollector samples session store statistics periodically and
// publishes them as gauges.
type SessionMetricsCollector struct {
	logger   *zap.Logger
	source   StatsSource
	metrics  *SessionMetrics
	interval time.Duration
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewSessionMetricsCollector creates a new metrics collector.
func NewSessionMetricsCollector(
	logger *zap.Logger,
	source StatsSource,
	metrics *SessionMetrics,
	interval time.Duration,
) *SessionMetricsCollector {
	return &SessionMetricsCollector{
		logger:   logger,
		source:   source,
		metrics:  metrics,
		interval: interval,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins collecting metrics.
func (c *SessionMetricsCollector) Start() {
	go c.run()
}

// Stop stops the metrics collector.
func (c *SessionMetricsCollector) Stop() {
	close(c.stopChan)
	<-c.doneChan
}

// run is the main loop for collecting metrics.
func (c *SessionMetricsCollector) run() {
	defer close(c.doneChan)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Collect initial metrics
	c.collect()

	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopChan:
			c.logger.Info("Stopping session store metrics collector")
			return
		}
	}
}

// collect samples the stats source and updates the gauges.
func (c *SessionMetricsCollector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	snap, err := c.source.Snapshot(ctx)
	if err != nil {
		c.logger.Warn("Failed to collect session store stats", zap.Error(err))
		return
	}

	c.metrics.SetSessionCounts(snap.ActiveSessionCount, snap.ExpiredSessionCount)
	c.metrics.SetActiveBackend(snap.BackendKind)
	c.metrics.SetReconnectAttempts(snap.ReconnectAttempts)

	c.logger.Debug("Collected session store stats",
		zap.Bool("connected", snap.Connected),
		zap.Int("active_sessions", snap.ActiveSessionCount),
		zap.Int("expired_sessions", snap.ExpiredSessionCount),
		zap.String("backend", string(snap.BackendKind)),
	)
}
