package session

import (
	"time"

	"github.com/gantrykit/gantry/pkg/types"
)

// Acquire claims a task for a session. Read-only claims always succeed;
// shared claims coexist with anything except an exclusive holder; an
// exclusive claim requires that no other session holds the task at all.
// Re-acquiring refreshes the existing claim's mode and expiry. Expired
// claims are swept before the check, so a crashed holder that stopped
// renewing does not wedge the task forever.
func (r *Registry) Acquire(taskID, sessionID string, mode types.OwnershipMode, ttl time.Duration) (*types.TaskOwnership, error) {
	if taskID == "" || sessionID == "" {
		return nil, types.NewError(types.CodeInvalidArgument, "ownership requires task and session ids")
	}
	switch mode {
	case types.OwnershipExclusive, types.OwnershipShared, types.OwnershipReadOnly:
	default:
		return nil, types.NewError(types.CodeInvalidArgument, "unknown ownership mode %q", mode)
	}
	if ttl <= 0 {
		ttl = r.ownershipTTL
	}
	now := r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	agentID := ""
	if sess, ok := r.sessions[sessionID]; ok {
		agentID = sess.AgentID
	}

	live := r.liveClaimsLocked(taskID, now)
	var own *types.TaskOwnership
	for _, claim := range live {
		if claim.SessionID == sessionID {
			own = claim
			continue
		}
		if mode == types.OwnershipReadOnly || claim.Mode == types.OwnershipReadOnly {
			continue
		}
		if mode == types.OwnershipExclusive || claim.Mode == types.OwnershipExclusive {
			return nil, types.NewError(types.CodeOwnershipHeld,
				"task %s is held %s by session %s", taskID, claim.Mode, claim.SessionID)
		}
	}

	if own == nil {
		own = &types.TaskOwnership{
			TaskID:     taskID,
			SessionID:  sessionID,
			AgentID:    agentID,
			AcquiredAt: now,
		}
		live = append(live, own)
	}
	own.Mode = mode
	own.ExpiresAt = now.Add(ttl)
	r.owners[taskID] = live
	return cloneClaim(own), nil
}

// Release drops a session's claim on a task. Releasing a claim that does
// not exist is a no-op.
func (r *Registry) Release(taskID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	claims := r.owners[taskID]
	kept := claims[:0]
	for _, claim := range claims {
		if claim.SessionID != sessionID {
			kept = append(kept, claim)
		}
	}
	if len(kept) == 0 {
		delete(r.owners, taskID)
		return
	}
	r.owners[taskID] = kept
}

// ReleaseAll drops every claim a session holds and returns how many it
// released. Used on terminate and crash.
func (r *Registry) ReleaseAll(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releaseAllLocked(sessionID)
}

func (r *Registry) releaseAllLocked(sessionID string) int {
	released := 0
	for taskID, claims := range r.owners {
		kept := claims[:0]
		for _, claim := range claims {
			if claim.SessionID == sessionID {
				released++
				continue
			}
			kept = append(kept, claim)
		}
		if len(kept) == 0 {
			delete(r.owners, taskID)
			continue
		}
		r.owners[taskID] = kept
	}
	return released
}

// Holders returns the live claims on a task.
func (r *Registry) Holders(taskID string) []*types.TaskOwnership {
	now := r.now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	live := r.liveClaimsLocked(taskID, now)
	if len(live) == 0 {
		delete(r.owners, taskID)
		return nil
	}
	r.owners[taskID] = live
	out := make([]*types.TaskOwnership, len(live))
	for i, claim := range live {
		out[i] = cloneClaim(claim)
	}
	return out
}

// ExclusiveHolder returns the session holding the task exclusively, if
// any.
func (r *Registry) ExclusiveHolder(taskID string) (string, bool) {
	for _, claim := range r.Holders(taskID) {
		if claim.Mode == types.OwnershipExclusive {
			return claim.SessionID, true
		}
	}
	return "", false
}

// liveClaimsLocked filters out expired claims in place. Caller holds mu.
func (r *Registry) liveClaimsLocked(taskID string, now time.Time) []*types.TaskOwnership {
	claims := r.owners[taskID]
	live := claims[:0]
	for _, claim := range claims {
		if claim.ExpiresAt.After(now) {
			live = append(live, claim)
		}
	}
	return live
}

func cloneClaim(claim *types.TaskOwnership) *types.TaskOwnership {
	cp := *claim
	return &cp
}
