package snapshot

import (
	"github.com/gantrykit/gantry/pkg/types"
)

// RecoveryResult reports what happened to one crashed session during
// the startup recovery pass.
type RecoveryResult struct {
	SessionID  string `json:"sessionId"`
	SnapshotID string `json:"snapshotId,omitempty"`
	Recovered  bool   `json:"recovered"`
	Reason     string `json:"reason,omitempty"`
}

// RecoverCrashed restores state for every session the registry has
// declared crashed. For each one it finds the most recent verifiable
// snapshot that session produced, freezes the current state as a
// crash_recovery snapshot first, then restores the found snapshot. A
// failed restore is rolled back to the crash_recovery snapshot and the
// session is marked unrecoverable; nothing is guessed on its behalf.
func (m *Manager) RecoverCrashed() []RecoveryResult {
	if m.sessions == nil {
		return nil
	}

	crashed := m.sessions.Crashed()
	if len(crashed) == 0 {
		return nil
	}

	results := make([]RecoveryResult, 0, len(crashed))
	for _, sess := range crashed {
		results = append(results, m.recoverOne(sess))
	}
	return results
}

func (m *Manager) recoverOne(sess *types.Session) RecoveryResult {
	result := RecoveryResult{SessionID: sess.ID}
	logger := m.logger.With().Str("session_id", sess.ID).Logger()

	found, err := m.latestBySession(sess.ID)
	if err != nil {
		result.Reason = "no verifiable snapshot from this session"
		logger.Warn().Msg("Crashed session left no usable snapshot, marking unrecoverable")
		m.markUnrecoverable(sess.ID)
		return result
	}
	result.SnapshotID = found.Metadata.ID

	// Freeze current state first so a failed restore has somewhere to
	// roll back to.
	guard, err := m.Create(types.SnapshotCrashRecovery)
	if err != nil {
		result.Reason = "failed to snapshot current state before restore"
		logger.Error().Err(err).Msg("Crash recovery aborted, could not create guard snapshot")
		m.markUnrecoverable(sess.ID)
		return result
	}

	if err := m.freezer.Restore(found); err != nil {
		logger.Error().Err(err).Str("snapshot_id", found.Metadata.ID).
			Msg("Crash recovery restore failed, rolling back")
		if guardSnap, loadErr := m.Load(guard.ID); loadErr == nil {
			if rbErr := m.freezer.Restore(guardSnap); rbErr != nil {
				logger.Error().Err(rbErr).Msg("Rollback to guard snapshot failed")
			}
		}
		result.Reason = "restore failed and was rolled back"
		m.markUnrecoverable(sess.ID)
		return result
	}

	if err := m.sessions.MarkRecovered(sess.ID); err != nil {
		logger.Warn().Err(err).Msg("Failed to mark session recovered")
	}
	result.Recovered = true
	logger.Info().Str("snapshot_id", found.Metadata.ID).
		Msg("Crashed session state recovered from snapshot")
	return result
}

// latestBySession returns the newest verifiable snapshot produced by
// the given session.
func (m *Manager) latestBySession(sessionID string) (*types.Snapshot, error) {
	metas, err := m.List()
	if err != nil {
		return nil, err
	}
	for _, meta := range metas {
		if meta.SessionID != sessionID {
			continue
		}
		snap, err := m.Load(meta.ID)
		if err != nil {
			m.logger.Warn().Err(err).Str("snapshot_id", meta.ID).
				Msg("Skipping unverifiable snapshot during crash recovery")
			continue
		}
		return snap, nil
	}
	return nil, types.ErrSnapshotNotFound("session " + sessionID)
}

func (m *Manager) markUnrecoverable(sessionID string) {
	if err := m.sessions.MarkUnrecoverable(sessionID); err != nil {
		m.logger.Warn().Err(err).Str("session_id", sessionID).
			Msg("Failed to mark session unrecoverable")
	}
}
