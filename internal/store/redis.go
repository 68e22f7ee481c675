package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nextcast/session-store/internal/model"
)

// TTL sentinels reported by the remote service for absent keys and keys
// without an expiry.
const (
	ttlKeyMissing = time.Duration(-2)
	ttlNoExpiry   = time.Duration(-1)
)

// scanCount is the batch size used when enumerating session keys.
const scanCount int64 = 100

// RemoteStore implements SessionStore against the remote key-value service.
// Every operation checks the connection manager first and fails fast with
// ErrStoreUnavailable while the connection is not serviceable; operations are
// never queued for later delivery.
type RemoteStore struct {
	cfg     *StoreConfig
	conn    *ConnectionManager
	logger  *zap.Logger
	metrics *SessionMetrics
}

// NewRemoteStore creates a session store backed by the remote service
// reached through the given connection manager.
func NewRemoteStore(cfg *StoreConfig, conn *ConnectionManager, logger *zap.Logger, metrics *SessionMetrics) *RemoteStore {
	return &RemoteStore{
		cfg:     cfg,
		conn:    conn,
		logger:  logger,
		metrics: metrics,
	}
}

// sessionKey scopes a session id under the configured key prefix.
func (s *RemoteStore) sessionKey(id string) string {
	return s.cfg.KeyPrefix + id
}

// opContext bounds an operation with the configured timeout when the caller
// has not already imposed an earlier deadline.
func (s *RemoteStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.OperationTimeout)
}

// fail translates a transport error: the failure is forwarded to the
// connection manager, which drives the reconnect path, and the caller sees
// ErrStoreUnavailable. Cancellation by the caller passes through unchanged.
func (s *RemoteStore) fail(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	s.conn.ReportFailure(err)
	if s.metrics != nil {
		s.metrics.RecordError(op, "transport")
	}
	s.logger.Warn("Remote session operation failed",
		zap.String("operation", op),
		zap.Error(err),
	)

	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// record tracks the outcome and duration of one operation.
func (s *RemoteStore) record(op, status string, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordOperation(model.BackendRemote, op, status, time.Since(start))
	}
}

// Load retrieves the session for the given id. The remote service is the
// source of truth for expiry, so the record's ExpiresAt is derived from the
// key's remaining TTL; it is zero for sessions without an expiry.
func (s *RemoteStore) Load(ctx context.Context, id string) (*model.SessionRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("session id cannot be empty")
	}

	start := time.Now()

	t, err := s.conn.Transport()
	if err != nil {
		s.record("load", "unavailable", start)
		return nil, err
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	key := s.sessionKey(id)

	payload, err := t.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			s.record("load", "miss", start)
			return nil, ErrSessionNotFound
		}
		s.record("load", "error", start)
		return nil, s.fail("load", err)
	}

	remaining, err := t.TTL(ctx, key).Result()
	if err != nil {
		s.record("load", "error", start)
		return nil, s.fail("load", err)
	}

	rec := &model.SessionRecord{
		ID:      id,
		Payload: payload,
	}

	switch remaining {
	case ttlKeyMissing:
		// Expired between the read and the TTL probe.
		s.record("load", "miss", start)
		return nil, ErrSessionNotFound
	case ttlNoExpiry:
		// ExpiresAt stays zero: the session has no expiry.
	default:
		rec.ExpiresAt = time.Now().Add(remaining)
	}

	s.record("load", "hit", start)
	return rec, nil
}

// Save stores the payload under the given id with its expiry set to now plus
// ttl. A non-positive ttl uses the configured default.
func (s *RemoteStore) Save(ctx context.Context, id string, payload []byte, ttl time.Duration) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}

	start := time.Now()

	t, err := s.conn.Transport()
	if err != nil {
		s.record("save", "unavailable", start)
		return err
	}

	if ttl <= 0 {
		ttl = s.cfg.SessionTTL
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := t.Set(ctx, s.sessionKey(id), payload, ttl).Err(); err != nil {
		s.record("save", "error", start)
		return s.fail("save", err)
	}

	s.record("save", "ok", start)
	return nil
}

// Destroy removes the session for the given id. Destroying an absent session
// succeeds.
func (s *RemoteStore) Destroy(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}

	start := time.Now()

	t, err := s.conn.Transport()
	if err != nil {
		s.record("destroy", "unavailable", start)
		return err
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := t.Del(ctx, s.sessionKey(id)).Err(); err != nil {
		s.record("destroy", "error", start)
		return s.fail("destroy", err)
	}

	s.record("destroy", "ok", start)
	return nil
}

// Touch refreshes the session's expiry to now plus ttl without rewriting its
// payload. Touching an absent session is a no-op.
func (s *RemoteStore) Touch(ctx context.Context, id string, ttl time.Duration) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}

	start := time.Now()

	t, err := s.conn.Transport()
	if err != nil {
		s.record("touch", "unavailable", start)
		return err
	}

	if ttl <= 0 {
		ttl = s.cfg.SessionTTL
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	refreshed, err := t.Expire(ctx, s.sessionKey(id), ttl).Result()
	if err != nil {
		s.record("touch", "error", start)
		return s.fail("touch", err)
	}

	if !refreshed {
		s.record("touch", "miss", start)
		return nil
	}

	s.record("touch", "ok", start)
	return nil
}

// Ping verifies connectivity to the remote service.
func (s *RemoteStore) Ping(ctx context.Context) error {
	t, err := s.conn.Transport()
	if err != nil {
		return err
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := t.Ping(ctx).Err(); err != nil {
		return s.fail("ping", err)
	}

	return nil
}

// Kind names the backend implementation.
func (s *RemoteStore) Kind() model.BackendKind {
	return model.BackendRemote
}

// Close shuts the underlying connection manager down.
func (s *RemoteStore) Close(ctx context.Context) error {
	s.conn.Close()
	return nil
}

// SessionCounts enumerates the keys under the configured prefix and
// classifies each by remaining TTL. Sessions that disappear mid-enumeration
// are counted as expired. The walk is O(sessions) and bounded only by the
// caller's context.
func (s *RemoteStore) SessionCounts(ctx context.Context) (int, int, error) {
	t, err := s.conn.Transport()
	if err != nil {
		return 0, 0, err
	}

	var active, expired int
	err = s.scanKeys(ctx, t, func(ctx context.Context, key string) error {
		remaining, err := t.TTL(ctx, key).Result()
		if err != nil {
			return err
		}
		if remaining == ttlKeyMissing {
			expired++
		} else {
			active++
		}
		return nil
	})
	if err != nil {
		return 0, 0, s.fail("counts", err)
	}

	return active, expired, nil
}

// Cleanup sweeps the keys under the configured prefix. The remote service
// expires sessions natively, so the sweep only removes sessions that have
// somehow lost their expiry.
func (s *RemoteStore) Cleanup(ctx context.Context) (*model.CleanupReport, error) {
	start := time.Now()

	t, err := s.conn.Transport()
	if err != nil {
		return nil, err
	}

	report := &model.CleanupReport{Backend: model.BackendRemote}
	err = s.scanKeys(ctx, t, func(ctx context.Context, key string) error {
		report.Examined++

		remaining, err := t.TTL(ctx, key).Result()
		if err != nil {
			return err
		}
		if remaining != ttlNoExpiry {
			return nil
		}

		if err := t.Del(ctx, key).Err(); err != nil {
			return err
		}
		report.Removed++
		return nil
	})
	if err != nil {
		return nil, s.fail("cleanup", err)
	}

	report.Duration = time.Since(start)
	if s.metrics != nil {
		s.metrics.RecordCleanup(model.BackendRemote, report.Removed)
	}

	return report, nil
}

// scanKeys walks every key under the configured prefix, invoking fn for
// each.
func (s *RemoteStore) scanKeys(ctx context.Context, t Transport, fn func(ctx context.Context, key string) error) error {
	match := s.cfg.KeyPrefix + "*"

	var cursor uint64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		keys, next, err := t.Scan(ctx, cursor, match, scanCount).Result()
		if err != nil {
			return err
		}

		for _, key := range keys {
			if err := fn(ctx, key); err != nil {
				return err
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
