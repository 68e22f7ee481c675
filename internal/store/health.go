package store

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nextcast/session-store/internal/health"
	"github.com/nextcast/session-store/internal/model"
)

// SessionProber is the subset of session operations exercised by the
// storage probe.
type SessionProber interface {
	Save(ctx context.Context, id string, payload []byte, ttl time.Duration) error
	Load(ctx context.Context, id string) (*model.SessionRecord, error)
	Destroy(ctx context.Context, id string) error
}

// BackendReporter reports which session backend is currently serving
// requests.
type BackendReporter interface {
	ActiveBackend() model.BackendKind
}

// ConnectionHealthChecker checks if the remote store connection is healthy.
type ConnectionHealthChecker struct {
	logger *zap.Logger
	conn   *ConnectionManager
	store  SessionStore
}

// NewConnectionHealthChecker creates a new connection health checker. The
// store is the remote store used to verify the connection end to end.
func NewConnectionHealthChecker(logger *zap.Logger, conn *ConnectionManager, store SessionStore) *ConnectionHealthChecker {
	return &ConnectionHealthChecker{
		logger: logger,
		conn:   conn,
		store:  store,
	}
}

// Name returns the name of the health check.
func (c *ConnectionHealthChecker) Name() string {
	return "store-connection"
}

// Check performs the health check.
func (c *ConnectionHealthChecker) Check(ctx context.Context) health.CheckResult {
	start := time.Now()

	result := health.CheckResult{
		Name:      c.Name(),
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}

	switch c.conn.State() {
	case StateConnected:
		// Verify the connection is usable, not just marked up. A failed
		// ping is reported to the connection manager by the store itself.
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		if err := c.store.Ping(checkCtx); err != nil {
			result.Status = health.StatusError
			result.Message = fmt.Sprintf("Store connection lost: %v", err)
			c.logger.Warn("Store connection check failed", zap.Error(err))
			return result
		}

		result.Status = health.StatusOK
		result.Message = "Store connection healthy"
	case StateConnecting:
		result.Status = health.StatusStarting
		result.Message = "Connecting to the session store"
	case StateReconnecting:
		result.Status = health.StatusDegraded
		result.Message = fmt.Sprintf("Reconnecting to the session store (attempt %d)", c.conn.Attempts())
	case StateFailed:
		// Sessions are still served from the fallback store in this state.
		result.Status = health.StatusDegraded
		result.Message = "Automatic reconnection exhausted, an explicit reconnect is required"
		if err := c.conn.LastError(); err != nil {
			result.Message = fmt.Sprintf("Automatic reconnection exhausted (%v), an explicit reconnect is required", err)
		}
	default:
		result.Status = health.StatusNotReady
		result.Message = "Store connection not established"
	}

	return result
}

// BackendHealthChecker reports which session backend is serving requests.
type BackendHealthChecker struct {
	logger  *zap.Logger
	backend BackendReporter
}

// NewBackendHealthChecker creates a new backend health checker. The check
// degrades, rather than fails, while sessions are served from the
// in-process fallback store.
func NewBackendHealthChecker(logger *zap.Logger, backend BackendReporter) *BackendHealthChecker {
	return &BackendHealthChecker{
		logger:  logger,
		backend: backend,
	}
}

// Name returns the name of the health check.
func (b *BackendHealthChecker) Name() string {
	return "store-backend"
}

// Check performs the health check.
func (b *BackendHealthChecker) Check(ctx context.Context) health.CheckResult {
	start := time.Now()

	result := health.CheckResult{
		Name:      b.Name(),
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}

	if b.backend.ActiveBackend() == model.BackendFallback {
		result.Status = health.StatusDegraded
		result.Message = "Serving sessions from the in-process fallback store"
		return result
	}

	result.Status = health.StatusOK
	result.Message = "Serving sessions from the remote store"
	return result
}

// StorageHealthChecker checks if session storage is working.
type StorageHealthChecker struct {
	logger *zap.Logger
	store  SessionProber
}

// NewStorageHealthChecker creates a new storage health checker.
func NewStorageHealthChecker(logger *zap.Logger, store SessionProber) *StorageHealthChecker {
	return &StorageHealthChecker{
		logger: logger,
		store:  store,
	}
}

// Name returns the name of the health check.
func (s *StorageHealthChecker) Name() string {
	return "session-storage"
}

// Check performs the health check.
func (s *StorageHealthChecker) Check(ctx context.Context) health.CheckResult {
	start := time.Now()

	result := health.CheckResult{
		Name:      s.Name(),
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}

	// Create a context with 3 second timeout
	checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	// Probe session for the health check
	testID := fmt.Sprintf("health-check-%s", uuid.NewString())
	testPayload := []byte("healthy")

	// Try to write the probe session
	if err := s.store.Save(checkCtx, testID, testPayload, 5*time.Second); err != nil {
		result.Status = health.StatusError
		result.Message = fmt.Sprintf("Failed to write probe session: %v", err)
		s.logger.Warn("Storage write health check failed", zap.Error(err))
		return result
	}

	// Try to read the probe session back
	record, err := s.store.Load(checkCtx, testID)
	if err != nil {
		result.Status = health.StatusError
		result.Message = fmt.Sprintf("Failed to read probe session: %v", err)
		s.logger.Warn("Storage read health check failed", zap.Error(err))
		// Try to clean up
		_ = s.store.Destroy(context.Background(), testID)
		return result
	}

	// Verify the payload
	if !bytes.Equal(record.Payload, testPayload) {
		result.Status = health.StatusError
		result.Message = fmt.Sprintf("Probe session payload mismatch: got %q, want %q", record.Payload, testPayload)
		s.logger.Warn("Storage payload health check failed",
			zap.ByteString("got", record.Payload),
			zap.ByteString("want", testPayload),
		)
		// Try to clean up
		_ = s.store.Destroy(context.Background(), testID)
		return result
	}

	// Clean up the probe session
	if err := s.store.Destroy(checkCtx, testID); err != nil {
		s.logger.Warn("Failed to clean up probe session", zap.Error(err))
		// Not a critical error, just log it
	}

	result.Status = health.StatusOK
	result.Message = "Session storage read/write operations working"
	return result
}
