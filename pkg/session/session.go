package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gantrykit/gantry/pkg/events"
	"github.com/gantrykit/gantry/pkg/log"
	"github.com/gantrykit/gantry/pkg/metrics"
	"github.com/gantrykit/gantry/pkg/storage"
	"github.com/gantrykit/gantry/pkg/types"
)

const (
	// DefaultHeartbeatInterval is how often a live session refreshes its
	// heartbeat record.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultSessionTimeout marks a session inactive when its heartbeat
	// is older than this.
	DefaultSessionTimeout = 30 * time.Minute

	// DefaultCrashTimeout declares a session crashed when its heartbeat
	// is older than this and it never wrote a graceful shutdown record.
	DefaultCrashTimeout = 10 * time.Minute

	// DefaultOwnershipTTL bounds how long a task ownership claim lives
	// without renewal. Expired claims are swept lazily on access.
	DefaultOwnershipTTL = 10 * time.Minute
)

// Registry tracks sessions and the task ownership table. Session records
// persist as individual JSON files so a restarted process can detect its
// predecessors' crashes; the ownership table is in-memory only, because
// claims never outlive the process that holds them.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*types.Session
	owners   map[string][]*types.TaskOwnership

	store  *storage.FileStore
	broker *events.Broker

	heartbeatInterval time.Duration
	sessionTimeout    time.Duration
	crashTimeout      time.Duration
	ownershipTTL      time.Duration

	now    func() time.Time
	logger zerolog.Logger

	loopMu sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRegistry builds a registry over the given store. Both store and
// broker may be nil; persistence and event emission are then skipped.
func NewRegistry(store *storage.FileStore, broker *events.Broker) *Registry {
	return &Registry{
		sessions:          make(map[string]*types.Session),
		owners:            make(map[string][]*types.TaskOwnership),
		store:             store,
		broker:            broker,
		heartbeatInterval: DefaultHeartbeatInterval,
		sessionTimeout:    DefaultSessionTimeout,
		crashTimeout:      DefaultCrashTimeout,
		ownershipTTL:      DefaultOwnershipTTL,
		now:               time.Now,
		logger:            log.WithComponent("session"),
	}
}

// SetTimeouts overrides the liveness thresholds. Zero values keep the
// current setting.
func (r *Registry) SetTimeouts(heartbeat, session, crash time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if heartbeat > 0 {
		r.heartbeatInterval = heartbeat
	}
	if session > 0 {
		r.sessionTimeout = session
	}
	if crash > 0 {
		r.crashTimeout = crash
	}
}

// Load reads every persisted session record into the registry. Called
// once at startup before crash detection; unreadable records are skipped
// with a warning rather than failing the boot.
func (r *Registry) Load() error {
	if r.store == nil {
		return nil
	}
	ids, err := r.store.ListSessions()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		var sess types.Session
		if err := r.store.ReadJSON(r.store.SessionPath(id), &sess); err != nil {
			r.logger.Warn().Err(err).Str("session_id", id).Msg("skipping unreadable session record")
			continue
		}
		r.sessions[sess.ID] = &sess
	}
	r.refreshGauges()
	return nil
}

// Open registers a new active session for the given agent and persists
// its record.
func (r *Registry) Open(agentID string) (*types.Session, error) {
	now := r.now().UTC()
	sess := &types.Session{
		ID:            uuid.New().String(),
		AgentID:       agentID,
		StartedAt:     now,
		LastHeartbeat: now,
		Status:        types.SessionStatusActive,
	}

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.refreshGauges()
	r.mu.Unlock()

	if err := r.persist(sess); err != nil {
		return nil, err
	}
	r.logger.Info().Str("session_id", sess.ID).Str("agent_id", agentID).Msg("session opened")
	return sess.Clone(), nil
}

// Heartbeat refreshes the session's liveness record. An inactive session
// that heartbeats again becomes active; crashed and terminated sessions
// stay where they are.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return types.NewError(types.CodeSessionNotFound, "session not found: %s", id)
	}
	switch sess.Status {
	case types.SessionStatusCrashed, types.SessionStatusTerminated, types.SessionStatusUnrecoverable:
		r.mu.Unlock()
		return types.NewError(types.CodeInvalidTransition,
			"session %s is %s and cannot heartbeat", id, sess.Status)
	}
	sess.LastHeartbeat = r.now().UTC()
	sess.Status = types.SessionStatusActive
	r.refreshGauges()
	r.mu.Unlock()

	if err := r.persist(sess); err != nil {
		return err
	}
	r.publish(&events.Event{
		Type:      events.EventSessionHeartbeat,
		SessionID: id,
	})
	return nil
}

// Terminate writes the graceful shutdown record and releases every
// ownership claim the session still holds.
func (r *Registry) Terminate(id string) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return types.NewError(types.CodeSessionNotFound, "session not found: %s", id)
	}
	now := r.now().UTC()
	sess.Status = types.SessionStatusTerminated
	sess.TerminatedAt = &now
	released := r.releaseAllLocked(id)
	r.refreshGauges()
	r.mu.Unlock()

	if err := r.persist(sess); err != nil {
		return err
	}
	r.logger.Info().Str("session_id", id).Int("released_claims", released).Msg("session terminated")
	return nil
}

// RecordTask bumps the session's processed counter, and its error
// counter when the task ended badly.
func (r *Registry) RecordTask(id string, errored bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return
	}
	sess.TasksProcessed++
	if errored {
		sess.Errors++
	}
}

// RecordOperation bumps the session's mutation counter. The snapshot
// manager watches this to trigger operation-count snapshots.
func (r *Registry) RecordOperation(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[id]; ok {
		sess.Operations++
	}
}

// Get returns a copy of the session record.
func (r *Registry) Get(id string) (*types.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return sess.Clone(), true
}

// List returns all known sessions ordered by start time, newest first.
func (r *Registry) List() []*types.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Crashed returns the sessions currently marked crashed, for the
// recovery pass at startup.
func (r *Registry) Crashed() []*types.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*types.Session
	for _, sess := range r.sessions {
		if sess.Status == types.SessionStatusCrashed {
			out = append(out, sess.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MarkRecovered moves a crashed session to terminated after its state
// has been restored from a snapshot.
func (r *Registry) MarkRecovered(id string) error {
	return r.finishCrashed(id, types.SessionStatusTerminated)
}

// MarkUnrecoverable flags a crashed session whose recovery attempt
// failed. Nothing further is guessed on its behalf.
func (r *Registry) MarkUnrecoverable(id string) error {
	return r.finishCrashed(id, types.SessionStatusUnrecoverable)
}

func (r *Registry) finishCrashed(id string, to types.SessionStatus) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return types.NewError(types.CodeSessionNotFound, "session not found: %s", id)
	}
	if sess.Status != types.SessionStatusCrashed {
		r.mu.Unlock()
		return types.NewError(types.CodeInvalidTransition,
			"session %s is %s, not crashed", id, sess.Status)
	}
	sess.Status = to
	if to == types.SessionStatusTerminated {
		now := r.now().UTC()
		sess.TerminatedAt = &now
	}
	r.refreshGauges()
	r.mu.Unlock()
	return r.persist(sess)
}

// Sweep classifies stale sessions: active ones unseen past the session
// timeout become inactive; non-graceful ones unseen past the crash
// timeout become crashed, their ownership claims are force-released and
// a session-crashed event is published. Returns the ids newly crashed.
func (r *Registry) Sweep() []string {
	now := r.now().UTC()
	var crashed []string
	var dirty []*types.Session

	r.mu.Lock()
	for _, sess := range r.sessions {
		stale := now.Sub(sess.LastHeartbeat)
		if sess.Status == types.SessionStatusActive && stale > r.sessionTimeout {
			sess.Status = types.SessionStatusInactive
			dirty = append(dirty, sess)
			r.logger.Warn().Str("session_id", sess.ID).
				Dur("stale", stale).Msg("session marked inactive")
		}
		if (sess.Status == types.SessionStatusActive || sess.Status == types.SessionStatusInactive) &&
			sess.TerminatedAt == nil && stale > r.crashTimeout {
			sess.Status = types.SessionStatusCrashed
			released := r.releaseAllLocked(sess.ID)
			crashed = append(crashed, sess.ID)
			dirty = append(dirty, sess)
			metrics.SessionsCrashed.Inc()
			r.logger.Error().Str("session_id", sess.ID).Dur("stale", stale).
				Int("released_claims", released).Msg("session declared crashed")
		}
	}
	r.refreshGauges()
	r.mu.Unlock()

	for _, sess := range dirty {
		if err := r.persist(sess); err != nil {
			r.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to persist swept session")
		}
	}
	sort.Strings(crashed)
	for _, id := range crashed {
		r.publish(&events.Event{
			Type:      events.EventSessionCrashed,
			SessionID: id,
			Message:   "heartbeat stale past crash timeout",
		})
	}
	return crashed
}

// Start runs the heartbeat-and-sweep loop for the given session until
// Stop is called.
func (r *Registry) Start(sessionID string) {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()
	if r.stopCh != nil {
		return
	}
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.run(sessionID, r.stopCh, r.doneCh)
}

// Stop halts the heartbeat loop. Safe to call without Start.
func (r *Registry) Stop() {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()
	if r.stopCh == nil {
		return
	}
	close(r.stopCh)
	<-r.doneCh
	r.stopCh = nil
	r.doneCh = nil
}

func (r *Registry) run(sessionID string, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	r.mu.RLock()
	interval := r.heartbeatInterval
	r.mu.RUnlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if err := r.Heartbeat(sessionID); err != nil {
				r.logger.Warn().Err(err).Str("session_id", sessionID).Msg("heartbeat failed")
			}
			r.Sweep()
		}
	}
}

func (r *Registry) persist(sess *types.Session) error {
	if r.store == nil {
		return nil
	}
	r.mu.RLock()
	cp := sess.Clone()
	r.mu.RUnlock()
	return r.store.WriteJSON(r.store.SessionPath(cp.ID), cp)
}

func (r *Registry) publish(event *events.Event) {
	if r.broker != nil {
		r.broker.Publish(event)
	}
}

// refreshGauges recounts the active-sessions gauge. Caller holds mu.
func (r *Registry) refreshGauges() {
	active := 0
	for _, sess := range r.sessions {
		if sess.Status == types.SessionStatusActive {
			active++
		}
	}
	metrics.SessionsActive.Set(float64(active))
}
