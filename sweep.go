package upload

import (
	"context"
	"time"

	uperrors "github.com/voxscribe/upload/errors"
	"github.com/voxscribe/upload/uptypes"
)

// SweepExpired reclaims sessions whose last activity is older than the
// configured max age. Expired terminal sessions are deleted; expired
// non-terminal sessions get their remote upload aborted best-effort and are
// force-failed. Live sessions are never touched. Returns the number of
// sessions swept.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return 0, uperrors.NewError("sweep", uperrors.ErrClosed)
	}

	ids, err := m.store.ListExpired(m.cfg.SessionMaxAge)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, id := range ids {
		m.mu.Lock()
		_, running := m.active[id]
		m.mu.Unlock()
		if running {
			// The coordinator owns this record; a live session is not stale.
			continue
		}

		sess, err := m.store.Get(id)
		if err != nil {
			continue
		}

		if sess.Status.Terminal() {
			if err := m.store.Delete(id); err != nil {
				m.log.Warn("expired session not deleted", "session", id, "error", err)
				continue
			}
			swept++
			continue
		}

		if sess.RemoteUploadID != "" {
			if err := m.exec.Abort(ctx, sess.StorageKey, sess.RemoteUploadID); err != nil {
				m.log.Warn("abort of expired session failed", "session", id, "error", err)
			}
		}

		st := uptypes.StatusFailed
		msg := uperrors.ErrSessionExpired.Error()
		if _, err := m.store.Update(id, uptypes.SessionPatch{Status: &st, ErrorMsg: &msg}); err != nil {
			m.log.Warn("expired session not failed", "session", id, "error", err)
			continue
		}
		m.log.Info("session expired", "session", id, "last_activity", sess.LastActivityAt)
		m.broker.publish(uptypes.Event{
			Type:      uptypes.EventStatusChanged,
			SessionID: id,
			Status:    uptypes.StatusFailed,
		})
		swept++
	}
	return swept, nil
}

// sweeper runs SweepExpired on the configured interval until Close.
func (m *Manager) sweeper(interval time.Duration) {
	defer close(m.sweepDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := m.SweepExpired(context.Background()); err != nil && !uperrors.IsInvalidInput(err) {
				m.log.Warn("expiry sweep failed", "error", err)
			}
		case <-m.sweepStop:
			return
		}
	}
}
