package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nextcast/session-store/internal/model"
)

// FallbackStore implements SessionStore with a process-local map. It is
// non-persistent; sessions are lost on restart. It exists so that an outage
// of the remote service degrades session persistence instead of taking the
// process down, and it always reports healthy.
//
// Expiry is enforced lazily on load and, when a cleanup interval is
// configured, by a periodic background sweep.
type FallbackStore struct {
	cfg     *StoreConfig
	logger  *zap.Logger
	metrics *SessionMetrics

	mu       sync.RWMutex
	sessions map[string]*model.SessionRecord
	closed   bool

	stopChan chan struct{}
	doneChan chan struct{}
}

// NewFallbackStore creates an in-process session store. The background
// sweeper starts immediately when the configuration carries a positive
// cleanup interval.
func NewFallbackStore(cfg *StoreConfig, logger *zap.Logger, metrics *SessionMetrics) *FallbackStore {
	f := &FallbackStore{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		sessions: make(map[string]*model.SessionRecord),
	}

	if cfg.CleanupInterval > 0 {
		f.stopChan = make(chan struct{})
		f.doneChan = make(chan struct{})
		go f.sweep()
	}

	return f
}

// record tracks the outcome and duration of one operation.
func (f *FallbackStore) record(op, status string, start time.Time) {
	if f.metrics != nil {
		f.metrics.RecordOperation(model.BackendFallback, op, status, time.Since(start))
	}
}

// Load retrieves the session for the given id, removing it when it has
// already expired.
func (f *FallbackStore) Load(ctx context.Context, id string) (*model.SessionRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("session id cannot be empty")
	}

	start := time.Now()

	f.mu.RLock()
	if f.closed {
		f.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	rec, ok := f.sessions[id]
	if ok && !rec.Expired(time.Now()) {
		out := copyRecord(rec)
		f.mu.RUnlock()
		f.record("load", "hit", start)
		return out, nil
	}
	f.mu.RUnlock()

	if !ok {
		f.record("load", "miss", start)
		return nil, ErrSessionNotFound
	}

	// Expired: drop it so the map doesn't accumulate dead sessions.
	f.mu.Lock()
	if rec, ok := f.sessions[id]; ok && rec.Expired(time.Now()) {
		delete(f.sessions, id)
	}
	f.mu.Unlock()

	f.record("load", "miss", start)
	return nil, ErrSessionNotFound
}

// Save stores the payload under the given id with its expiry set to now plus
// ttl. A non-positive ttl uses the configured default.
func (f *FallbackStore) Save(ctx context.Context, id string, payload []byte, ttl time.Duration) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}

	start := time.Now()

	if ttl <= 0 {
		ttl = f.cfg.SessionTTL
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStoreClosed
	}

	f.sessions[id] = &model.SessionRecord{
		ID:        id,
		Payload:   buf,
		ExpiresAt: time.Now().Add(ttl),
	}

	f.record("save", "ok", start)
	return nil
}

// Destroy removes the session for the given id. Destroying an absent session
// succeeds.
func (f *FallbackStore) Destroy(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}

	start := time.Now()

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStoreClosed
	}

	delete(f.sessions, id)

	f.record("destroy", "ok", start)
	return nil
}

// Touch refreshes the session's expiry to now plus ttl. Touching an absent
// or already-expired session is a no-op.
func (f *FallbackStore) Touch(ctx context.Context, id string, ttl time.Duration) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}

	start := time.Now()

	if ttl <= 0 {
		ttl = f.cfg.SessionTTL
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStoreClosed
	}

	rec, ok := f.sessions[id]
	if !ok {
		f.record("touch", "miss", start)
		return nil
	}
	if rec.Expired(time.Now()) {
		delete(f.sessions, id)
		f.record("touch", "miss", start)
		return nil
	}

	rec.ExpiresAt = time.Now().Add(ttl)
	f.record("touch", "ok", start)
	return nil
}

// Ping reports the store as serviceable. The fallback store is always
// healthy while it is open.
func (f *FallbackStore) Ping(ctx context.Context) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return ErrStoreClosed
	}
	return nil
}

// Kind names the backend implementation.
func (f *FallbackStore) Kind() model.BackendKind {
	return model.BackendFallback
}

// SessionCounts classifies the held sessions by expiry.
func (f *FallbackStore) SessionCounts(ctx context.Context) (int, int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return 0, 0, ErrStoreClosed
	}

	now := time.Now()
	var active, expired int
	for _, rec := range f.sessions {
		if rec.Expired(now) {
			expired++
		} else {
			active++
		}
	}

	return active, expired, nil
}

// Cleanup removes every expired session from the map.
func (f *FallbackStore) Cleanup(ctx context.Context) (*model.CleanupReport, error) {
	start := time.Now()

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrStoreClosed
	}

	now := time.Now()
	report := &model.CleanupReport{Backend: model.BackendFallback}
	for id, rec := range f.sessions {
		report.Examined++
		if rec.Expired(now) {
			delete(f.sessions, id)
			report.Removed++
		}
	}

	report.Duration = time.Since(start)
	if f.metrics != nil {
		f.metrics.RecordCleanup(model.BackendFallback, report.Removed)
	}

	return report, nil
}

// Close stops the sweeper and drops all held sessions. Safe to call more
// than once.
func (f *FallbackStore) Close(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.sessions = make(map[string]*model.SessionRecord)
	stop := f.stopChan
	done := f.doneChan
	f.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}

	return nil
}

// sweep periodically removes expired sessions until the store is closed.
func (f *FallbackStore) sweep() {
	defer close(f.doneChan)

	ticker := time.NewTicker(f.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			report, err := f.Cleanup(context.Background())
			if err != nil {
				return
			}
			if report.Removed > 0 {
				f.logger.Debug("Swept expired fallback sessions",
					zap.Int("examined", report.Examined),
					zap.Int("removed", report.Removed),
				)
			}
		case <-f.stopChan:
			return
		}
	}
}

// copyRecord clones a record so callers cannot mutate the stored payload.
func copyRecord(rec *model.SessionRecord) *model.SessionRecord {
	out := &model.SessionRecord{
		ID:        rec.ID,
		ExpiresAt: rec.ExpiresAt,
		Payload:   make([]byte, len(rec.Payload)),
	}
	copy(out.Payload, rec.Payload)
	return out
}
