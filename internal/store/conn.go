package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ConnectionState describes the lifecycle of the connection to the remote
// key-value service. Exactly one state holds at any instant.
type ConnectionState int

const (
	// StateDisconnected means no connection exists and none is being
	// attempted.
	StateDisconnected ConnectionState = iota

	// StateConnecting means a connection attempt is in progress.
	StateConnecting

	// StateConnected means the connection is established and the liveness
	// probe succeeded.
	StateConnected

	// StateReconnecting means the last attempt failed and a retry is
	// scheduled.
	StateReconnecting

	// StateFailed means the reconnection attempts are exhausted. No
	// further automatic attempts occur until an explicit Connect call.
	StateFailed
)

// String returns the state name for logs and metrics labels.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Transport is the command surface the session store needs from the remote
// service client. *redis.Client satisfies it; tests substitute fakes built on
// the redis.New*Result helpers.
type Transport interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Close() error
}

// Dialer establishes a transport to the remote service described by the
// configuration. The handshake and liveness probe must complete before it
// returns.
type Dialer func(ctx context.Context, cfg *StoreConfig) (Transport, error)

// dialRedis is the default dialer. It builds a redis client and verifies it
// with a ping before handing it over.
func dialRedis(ctx context.Context, cfg *StoreConfig) (Transport, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.ConnectTimeout,
		ReadTimeout:  cfg.OperationTimeout,
		WriteTimeout: cfg.OperationTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return client, nil
}

// ConnectionManager owns the lifecycle of the single logical connection to
// the remote service: it connects, detects failure, schedules reconnection
// with exponential backoff, and exposes the current state. All state
// transitions are logged and recorded; none is silently dropped. At most one
// reconnect attempt is in flight at any time.
type ConnectionManager struct {
	cfg     *StoreConfig
	logger  *zap.Logger
	metrics *SessionMetrics
	dial    Dialer

	mu            sync.Mutex
	state         ConnectionState
	transport     Transport
	attempts      int
	everConnected bool
	closed        bool
	lastErr       error
	retryTimer    *time.Timer
	schedule      *backoff.ExponentialBackOff

	// epoch invalidates scheduled retries when an explicit connect,
	// disconnect, or close supersedes them.
	epoch int
}

// NewConnectionManager creates a connection manager for the given
// configuration. A nil dialer selects the default redis dialer.
func NewConnectionManager(cfg *StoreConfig, logger *zap.Logger, metrics *SessionMetrics, dial Dialer) *ConnectionManager {
	if dial == nil {
		dial = dialRedis
	}

	return &ConnectionManager{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		dial:     dial,
		state:    StateDisconnected,
		schedule: newBackoffSchedule(cfg),
	}
}

// newBackoffSchedule builds the reconnect delay sequence: attempt n waits
// BaseBackoff * 2^(n-1), capped at MaxBackoff. Randomization is disabled so
// the sequence is exact.
func newBackoffSchedule(cfg *StoreConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseBackoff
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Connect establishes the connection to the remote service. It is
// idempotent: when already connected it returns immediately. Otherwise it
// cancels any scheduled retry, resets the attempt counter and backoff
// schedule, and makes a fresh attempt. On failure the manager keeps retrying
// in the background and the dial error is returned to the caller.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrStoreClosed
	}
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}

	m.cancelRetryLocked()
	m.attempts = 0
	m.schedule.Reset()
	m.setStateLocked(StateConnecting)
	epoch := m.epoch
	m.mu.Unlock()

	return m.attempt(ctx, epoch)
}

// attempt makes a single connection attempt and settles the state machine on
// the outcome. An attempt whose epoch has been superseded while dialing
// discards its result.
func (m *ConnectionManager) attempt(ctx context.Context, epoch int) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrStoreClosed
	}
	if m.epoch != epoch {
		m.mu.Unlock()
		return nil
	}
	transport := m.transport
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	var err error
	if transport != nil {
		// The client reconnects its own pool; probing it is the
		// cheapest way to find out whether the service is back.
		err = transport.Ping(dialCtx).Err()
	} else {
		transport, err = m.dial(dialCtx, m.cfg)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.epoch != epoch {
		if transport != nil && transport != m.transport {
			_ = transport.Close()
		}
		if m.closed {
			return ErrStoreClosed
		}
		return nil
	}

	if err != nil {
		return m.handleFailureLocked(err)
	}

	m.transport = transport
	m.attempts = 0
	m.everConnected = true
	m.lastErr = nil
	m.schedule.Reset()
	m.setStateLocked(StateConnected)
	return nil
}

// handleFailureLocked settles a failed attempt: it either schedules the next
// retry or, once the attempt budget is spent, parks the manager in
// StateFailed. The caller holds the mutex.
func (m *ConnectionManager) handleFailureLocked(err error) error {
	m.lastErr = err

	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.setStateLocked(StateFailed)
		m.logger.Error("Giving up on remote session store",
			zap.Int("attempts", m.attempts),
			zap.Int("max_attempts", m.cfg.MaxReconnectAttempts),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	m.attempts++
	delay := m.schedule.NextBackOff()
	m.setStateLocked(StateReconnecting)
	m.logger.Warn("Connection attempt failed, retry scheduled",
		zap.Int("attempt", m.attempts),
		zap.Int("max_attempts", m.cfg.MaxReconnectAttempts),
		zap.Duration("delay", delay),
		zap.Error(err),
	)

	epoch := m.epoch
	m.retryTimer = time.AfterFunc(delay, func() { m.retry(epoch) })

	return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
}

// retry runs a scheduled reconnection attempt unless it has been superseded.
func (m *ConnectionManager) retry(epoch int) {
	m.mu.Lock()
	if m.closed || m.epoch != epoch || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	_ = m.attempt(context.Background(), epoch)
}

// cancelRetryLocked stops any pending retry and invalidates attempts that
// are already in flight. The caller holds the mutex.
func (m *ConnectionManager) cancelRetryLocked() {
	m.epoch++
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

// ReportFailure tells the manager that a store operation observed a
// transport error. It drives the Connected to Reconnecting transition and
// starts the retry schedule. Reports in any other state are ignored; a retry
// is already pending or the manager has given up.
func (m *ConnectionManager) ReportFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.state != StateConnected {
		return
	}

	m.logger.Warn("Remote session store connection lost", zap.Error(err))
	_ = m.handleFailureLocked(err)
}

// IsHealthy reports whether the connection is established and the transport
// is open.
func (m *ConnectionManager) IsHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected && m.transport != nil
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of reconnection attempts made since the
// connection was last healthy.
func (m *ConnectionManager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// EverConnected reports whether the manager has reached StateConnected at
// least once in its lifetime.
func (m *ConnectionManager) EverConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.everConnected
}

// LastError returns the most recent connection error, or nil when the
// connection is healthy.
func (m *ConnectionManager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Transport returns the live transport for store operations, or
// ErrStoreUnavailable when the connection is not currently serviceable.
func (m *ConnectionManager) Transport() (Transport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	if m.state != StateConnected || m.transport == nil {
		return nil, ErrStoreUnavailable
	}
	return m.transport, nil
}

// Disconnect closes the transport and stops the retry schedule. Always safe
// to call, including when already disconnected; an explicit Connect can
// revive the manager afterwards.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	m.cancelRetryLocked()
	transport := m.transport
	m.transport = nil
	m.attempts = 0
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if transport != nil {
		if err := transport.Close(); err != nil {
			m.logger.Warn("Error closing remote store transport", zap.Error(err))
		}
	}
}

// Close shuts the manager down permanently: the retry schedule is cancelled,
// the transport is closed, and every subsequent call fails with
// ErrStoreClosed. Safe to call more than once.
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	m.cancelRetryLocked()
	transport := m.transport
	m.transport = nil
	m.setStateLocked(StateDisconnected)
	m.closed = true
	m.mu.Unlock()

	if transport != nil {
		if err := transport.Close(); err != nil {
			m.logger.Warn("Error closing remote store transport", zap.Error(err))
		}
	}
}

// setStateLocked applies a state transition, logging and recording it. The
// caller holds the mutex.
func (m *ConnectionManager) setStateLocked(next ConnectionState) {
	if m.state == next {
		return
	}

	prev := m.state
	m.state = next

	m.logger.Info("Session store connection state changed",
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
		zap.Int("attempts", m.attempts),
	)

	if m.metrics != nil {
		m.metrics.SetConnectionState(next)
		m.metrics.RecordStateTransition(prev, next)
		m.metrics.SetReconnectAttempts(m.attempts)
	}
}
