// Package sessions wires the remote and fallback session stores behind a
// single handle. The handle is created once at process start and injected
// into everything that needs session storage; there is no package-level
// singleton.
package sessions

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nextcast/session-store/internal/health"
	"github.com/nextcast/session-store/internal/model"
	"github.com/nextcast/session-store/internal/store"
)

// Handle is the process-wide entry point to session storage. It routes each
// operation to the remote store while the connection is serviceable and to
// the in-process fallback store when the remote service was never reachable
// or the reconnect budget is exhausted. Switching backends never migrates
// session data between them.
type Handle struct {
	cfg      *store.StoreConfig
	logger   *zap.Logger
	metrics  *store.SessionMetrics
	conn     *store.ConnectionManager
	remote   *store.RemoteStore
	fallback *store.FallbackStore

	closed       atomic.Bool
	shutdownOnce sync.Once
}

// Initialize builds the session store stack from the given configuration and
// connects to the remote service. A remote service that is down does not fail
// initialization: the handle comes back fallback-backed and upgrades itself
// once the background reconnect succeeds. The only error returned is an
// invalid configuration.
func Initialize(ctx context.Context, cfg *store.StoreConfig, logger *zap.Logger, metrics *store.SessionMetrics) (*Handle, error) {
	return initialize(ctx, cfg, logger, metrics, nil)
}

// initialize is the injectable core of Initialize; tests substitute the
// dialer to simulate remote service behaviour.
func initialize(ctx context.Context, cfg *store.StoreConfig, logger *zap.Logger, metrics *store.SessionMetrics, dial store.Dialer) (*Handle, error) {
	if cfg == nil {
		return nil, fmt.Errorf("store configuration cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session store configuration: %w", err)
	}

	store.ConfigureClientLogging(cfg.LogLevel)

	conn := store.NewConnectionManager(cfg, logger, metrics, dial)

	h := &Handle{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		conn:     conn,
		remote:   store.NewRemoteStore(cfg, conn, logger, metrics),
		fallback: store.NewFallbackStore(cfg, logger, metrics),
	}

	if err := conn.Connect(ctx); err != nil {
		logger.Warn("Remote session store unreachable, serving from the in-process fallback",
			zap.String("addr", cfg.Addr()),
			zap.Error(err),
		)
	} else {
		logger.Info("Connected to remote session store",
			zap.String("addr", cfg.Addr()),
			zap.String("key_prefix", cfg.KeyPrefix),
		)
	}

	if metrics != nil {
		metrics.SetActiveBackend(h.ActiveBackend())
	}

	return h, nil
}

// route selects the store that serves operations right now. The fallback
// serves when the remote service was never reachable or the manager has given
// up; in every other case the remote store serves, failing fast while a
// reconnect is pending.
func (h *Handle) route() store.SessionStore {
	state := h.conn.State()

	if state == store.StateConnected {
		return h.remote
	}
	if !h.conn.EverConnected() || state == store.StateFailed {
		return h.fallback
	}

	return h.remote
}

// active returns the serving store, or ErrStoreClosed after Shutdown.
func (h *Handle) active() (store.SessionStore, error) {
	if h.closed.Load() {
		return nil, store.ErrStoreClosed
	}
	return h.route(), nil
}

// Load retrieves the session for the given id from the active backend.
func (h *Handle) Load(ctx context.Context, id string) (*model.SessionRecord, error) {
	st, err := h.active()
	if err != nil {
		return nil, err
	}
	return st.Load(ctx, id)
}

// Save stores the payload under the given id on the active backend. A
// non-positive ttl uses the configured default.
func (h *Handle) Save(ctx context.Context, id string, payload []byte, ttl time.Duration) error {
	st, err := h.active()
	if err != nil {
		return err
	}
	return st.Save(ctx, id, payload, ttl)
}

// Destroy removes the session for the given id from the active backend.
func (h *Handle) Destroy(ctx context.Context, id string) error {
	st, err := h.active()
	if err != nil {
		return err
	}
	return st.Destroy(ctx, id)
}

// Touch refreshes the session's expiry on the active backend without
// rewriting its payload.
func (h *Handle) Touch(ctx context.Context, id string, ttl time.Duration) error {
	st, err := h.active()
	if err != nil {
		return err
	}
	return st.Touch(ctx, id, ttl)
}

// IsHealthy reports whether the handle can serve session operations. The
// fallback store always can, so a fallback-backed handle is healthy even
// while the remote service is down.
func (h *Handle) IsHealthy() bool {
	st, err := h.active()
	if err != nil {
		return false
	}
	if st.Kind() == model.BackendFallback {
		return true
	}
	return h.conn.IsHealthy()
}

// ActiveBackend names the backend currently serving session traffic.
func (h *Handle) ActiveBackend() model.BackendKind {
	return h.route().Kind()
}

// HealthCheckers builds the store-backed health checkers for this handle:
// connection state, active backend, and an end-to-end storage probe.
func (h *Handle) HealthCheckers(logger *zap.Logger) []health.Checker {
	return []health.Checker{
		store.NewConnectionHealthChecker(logger, h.conn, h.remote),
		store.NewBackendHealthChecker(logger, h),
		store.NewStorageHealthChecker(logger, h),
	}
}

// Reconnect makes an explicit connection attempt, resetting the attempt
// counter and backoff schedule. It is the recovery path out of the failed
// state.
func (h *Handle) Reconnect(ctx context.Context) error {
	if h.closed.Load() {
		return store.ErrStoreClosed
	}

	err := h.conn.Connect(ctx)

	if h.metrics != nil {
		h.metrics.SetActiveBackend(h.ActiveBackend())
	}

	return err
}

// Shutdown tears the session store stack down: pending reconnects are
// cancelled, the transport and the fallback sweeper are closed, and the
// handle becomes inert. Subsequent operations fail with ErrStoreClosed.
// Shutdown is idempotent and never returns an error; teardown faults are
// logged and swallowed.
func (h *Handle) Shutdown(ctx context.Context) {
	h.shutdownOnce.Do(func() {
		h.closed.Store(true)
		h.logger.Info("Shutting down session store")

		h.conn.Close()

		if err := h.fallback.Close(ctx); err != nil {
			h.logger.Warn("Error closing fallback session store", zap.Error(err))
		}
	})
}
