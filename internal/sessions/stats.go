package sessions

import (
	"context"

	"go.uber.org/zap"

	"github.com/nextcast/session-store/internal/model"
	"github.com/nextcast/session-store/internal/store"
)

// Snapshot returns a point-in-time view of the session store: connection
// state, reconnect attempts, the active backend, and session counts when the
// backend can classify sessions by remaining lifetime. The view is recomputed
// on every call and never cached.
//
// A backend whose counts are momentarily unobtainable (the remote store while
// a reconnect is pending) still yields a snapshot; the counts stay zero and
// the connection fields tell the story. Only a shut-down handle errors.
func (h *Handle) Snapshot(ctx context.Context) (model.HealthSnapshot, error) {
	st, err := h.active()
	if err != nil {
		return model.HealthSnapshot{}, err
	}

	snap := model.HealthSnapshot{
		Connected:         h.conn.IsHealthy(),
		ReconnectAttempts: h.conn.Attempts(),
		BackendKind:       st.Kind(),
	}

	introspector, ok := st.(store.ExpiryIntrospector)
	if !ok {
		return snap, nil
	}
	snap.SupportsExpiryIntrospection = true

	active, expired, err := introspector.SessionCounts(ctx)
	if err != nil {
		h.logger.Debug("Session counts unavailable for snapshot", zap.Error(err))
		return snap, nil
	}

	snap.ActiveSessionCount = active
	snap.ExpiredSessionCount = expired
	return snap, nil
}

// Cleanup runs an advisory maintenance sweep on the active backend and
// reports what it examined and removed. The remote service expires sessions
// natively, so on the remote backend the sweep only removes strays that have
// lost their expiry; on the fallback it removes everything expired.
func (h *Handle) Cleanup(ctx context.Context) (*model.CleanupReport, error) {
	st, err := h.active()
	if err != nil {
		return nil, err
	}

	cleaner, ok := st.(store.Cleaner)
	if !ok {
		return &model.CleanupReport{Backend: st.Kind()}, nil
	}

	report, err := cleaner.Cleanup(ctx)
	if err != nil {
		return nil, err
	}

	h.logger.Info("Session cleanup completed",
		zap.String("backend", string(report.Backend)),
		zap.Int("examined", report.Examined),
		zap.Int("removed", report.Removed),
		zap.Duration("duration", report.Duration),
	)

	return report, nil
}
