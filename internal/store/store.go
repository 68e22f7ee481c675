package store

import (
	"context"
	"errors"
	"time"

	"github.com/nextcast/session-store/internal/model"
)

// Common errors returned by the session store layer.
var (
	// ErrSessionNotFound is returned by Load when a session does not exist
	// or has already expired. Callers cannot distinguish the two cases.
	ErrSessionNotFound = errors.New("session not found")

	// ErrStoreUnavailable is returned when an operation is attempted
	// against the remote service while the connection is not serviceable,
	// or when a transport fault interrupts an operation in flight.
	ErrStoreUnavailable = errors.New("session store unavailable")

	// ErrConnectionFailed is returned by Connect when the handshake or
	// liveness probe against the remote service fails.
	ErrConnectionFailed = errors.New("connection to session store failed")

	// ErrStoreClosed is returned for any operation attempted after the
	// store has been shut down.
	ErrStoreClosed = errors.New("session store closed")
)

// SessionStore defines the contract shared by the remote and fallback session
// stores. Implementations must be safe for concurrent use; no ordering is
// guaranteed between concurrent operations on the same session id beyond
// last-write-wins.
type SessionStore interface {
	// Load retrieves the session for the given id.
	// Returns ErrSessionNotFound when the session is absent or expired.
	Load(ctx context.Context, id string) (*model.SessionRecord, error)

	// Save stores the payload under the given id and resets its expiry to
	// now plus ttl. A non-positive ttl uses the configured default.
	Save(ctx context.Context, id string, payload []byte, ttl time.Duration) error

	// Destroy removes the session for the given id.
	// Returns nil if the session doesn't exist (idempotent operation).
	Destroy(ctx context.Context, id string) error

	// Touch refreshes the session's expiry to now plus ttl without
	// rewriting its payload. Touching an absent session is a no-op.
	Touch(ctx context.Context, id string, ttl time.Duration) error

	// Ping verifies the store can currently serve operations.
	// This is used for health checks.
	Ping(ctx context.Context) error

	// Kind names the backend implementation.
	Kind() model.BackendKind

	// Close releases the store's resources. Further operations fail with
	// ErrStoreClosed.
	Close(ctx context.Context) error
}

// ExpiryIntrospector is an optional capability: a store that can enumerate
// its sessions and classify them by remaining lifetime. Stats collection
// checks for it rather than assuming every backend can signal expiry.
type ExpiryIntrospector interface {
	// SessionCounts returns the number of live and expired (or evicted)
	// sessions currently observable in the store. The enumeration is
	// O(sessions) and intended for periodic diagnostic polling, not
	// per-request use.
	SessionCounts(ctx context.Context) (active int, expired int, err error)
}

// Cleaner is an optional capability: a store that supports an advisory
// maintenance sweep. The remote service expires keys natively, so cleanup is
// bookkeeping rather than a correctness requirement.
type Cleaner interface {
	// Cleanup removes sessions the store considers dead and reports what
	// it examined and removed.
	Cleanup(ctx context.Context) (*model.CleanupReport, error)
}
