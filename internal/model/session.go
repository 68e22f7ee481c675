package model

import (
	"time"
)

// BackendKind identifies which store implementation is currently serving
// session traffic.
type BackendKind string

const (
	// BackendRemote means sessions are persisted in the remote key-value
	// service.
	BackendRemote BackendKind = "remote"

	// BackendFallback means sessions are held in the in-process fallback
	// store and will not survive a restart.
	BackendFallback BackendKind = "fallback"
)

// SessionRecord represents a single stored session. The payload is opaque to
// the store; callers serialize whatever state they need before saving.
type SessionRecord struct {
	// ID is the opaque session identifier supplied by the caller.
	ID string `json:"id"`

	// Payload is the serialized session state.
	Payload []byte `json:"payload"`

	// ExpiresAt is the instant after which the session is considered
	// expired and eligible for removal.
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the record has passed its expiry at the given
// instant.
func (r *SessionRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// HealthSnapshot is a point-in-time view of the session store, combining
// connection state with aggregate session counts. It is recomputed on every
// request and never cached.
type HealthSnapshot struct {
	// Connected indicates whether the remote connection is currently
	// established and answering.
	Connected bool `json:"connected"`

	// ReconnectAttempts is the number of reconnection attempts made since
	// the connection was last healthy.
	ReconnectAttempts int `json:"reconnect_attempts"`

	// ActiveSessionCount is the number of sessions with remaining lifetime.
	ActiveSessionCount int `json:"active_session_count"`

	// ExpiredSessionCount is the number of sessions observed as expired or
	// evicted. Only meaningful when the backend supports expiry
	// introspection.
	ExpiredSessionCount int `json:"expired_session_count"`

	// BackendKind names the store implementation serving traffic.
	BackendKind BackendKind `json:"backend_kind"`

	// SupportsExpiryIntrospection indicates whether the active backend can
	// classify sessions by remaining lifetime. Counts are zero when false.
	SupportsExpiryIntrospection bool `json:"supports_expiry_introspection"`
}

// CleanupReport summarises one maintenance sweep over the active backend.
// Cleanup is advisory bookkeeping; the remote service expires keys natively.
type CleanupReport struct {
	// Backend names the store implementation that was swept.
	Backend BackendKind `json:"backend"`

	// Examined is the number of sessions inspected during the sweep.
	Examined int `json:"examined"`

	// Removed is the number of sessions deleted by the sweep.
	Removed int `json:"removed"`

	// Duration is how long the sweep took, in nanoseconds.
	Duration time.Duration `json:"duration_ns"`
}

// SaveSessionRequest is the body accepted when writing a session through the
// admin API.
type SaveSessionRequest struct {
	// Payload is the serialized session state to store.
	Payload []byte `json:"payload"`

	// TTLSeconds overrides the configured default lifetime when positive.
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}

// TouchSessionRequest is the optional body accepted when refreshing a
// session's expiry through the admin API.
type TouchSessionRequest struct {
	// TTLSeconds overrides the configured default lifetime when positive.
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}

// SessionResponse represents the response from session admin operations.
type SessionResponse struct {
	// Status indicates the overall status of the operation.
	// For successful operations this is:
	//   - "active" when the session exists after the operation
	//   - "absent" when no session exists after the operation
	// For error responses produced by helper functions, this is:
	//   - "error"
	Status string `json:"status"`

	// Message provides additional context about the operation result.
	Message string `json:"message,omitempty"`

	// Session contains the current session state if applicable.
	Session *SessionRecord `json:"session,omitempty"`
}
