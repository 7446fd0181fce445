package conflict

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/gantrykit/gantry/pkg/events"
	"github.com/gantrykit/gantry/pkg/log"
	"github.com/gantrykit/gantry/pkg/metrics"
	"github.com/gantrykit/gantry/pkg/txnlog"
	"github.com/gantrykit/gantry/pkg/types"
)

const (
	// DefaultWindow is the detection window: two writes to the same
	// entity from different sessions inside it collide.
	DefaultWindow = 5 * time.Second

	// DefaultScanInterval is how often the background loop rescans the
	// transaction log. Must stay below the window or bursts could age
	// out between scans.
	DefaultScanInterval = 2 * time.Second

	// historyLimit bounds the retained resolved-conflict records.
	historyLimit = 128

	// seenCacheSize bounds the set of change ids already attributed to a
	// conflict. Changes in the cache never re-conflict.
	seenCacheSize = 1024
)

// Applier re-applies a winning change through the normal mutation path
// so resolution is observable like any other write. The engine adapts
// the queue's update operation to this.
type Applier interface {
	Apply(change *types.DataChange) error
}

// ApplierFunc adapts a plain function to the Applier interface.
type ApplierFunc func(*types.DataChange) error

func (f ApplierFunc) Apply(change *types.DataChange) error { return f(change) }

// Config tunes detection and the default strategy. The zero value is
// usable: last-write-wins over a 5 second window.
type Config struct {
	Strategy     types.ResolutionStrategy `json:"strategy" yaml:"strategy"`
	Window       time.Duration            `json:"window" yaml:"window"`
	ScanInterval time.Duration            `json:"scanInterval" yaml:"scan_interval"`
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Strategy == "" {
		out.Strategy = types.ResolveLastWriteWins
	}
	if out.Window <= 0 {
		out.Window = DefaultWindow
	}
	if out.ScanInterval <= 0 {
		out.ScanInterval = DefaultScanInterval
	}
	return out
}

// Resolver detects concurrent cross-session writes in the transaction
// log and reconciles them. Detection is conservative: only persisted
// log entries count, never in-flight state, and entries that failed
// checksum verification are excluded from attribution.
type Resolver struct {
	txn     *txnlog.Log
	broker  *events.Broker
	applier Applier
	cfg     Config

	mu      sync.Mutex
	pending map[string]*types.SyncConflict
	history []*types.SyncConflict

	seen *lru.Cache[string, struct{}]

	loopMu sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}

	now    func() time.Time
	logger zerolog.Logger
}

// NewResolver wires a resolver. broker and applier may be nil: events
// are then skipped and winners are recorded without being re-applied.
func NewResolver(txn *txnlog.Log, broker *events.Broker, applier Applier, cfg Config) *Resolver {
	seen, _ := lru.New[string, struct{}](seenCacheSize)
	return &Resolver{
		txn:     txn,
		broker:  broker,
		applier: applier,
		cfg:     cfg.withDefaults(),
		pending: make(map[string]*types.SyncConflict),
		seen:    seen,
		now:     time.Now,
		logger:  log.WithComponent("conflict"),
	}
}

// Start launches the periodic scan loop.
func (r *Resolver) Start() {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()
	if r.stopCh != nil {
		return
	}
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.run(r.stopCh, r.doneCh)
}

// Stop halts the scan loop. Safe to call without Start.
func (r *Resolver) Stop() {
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

func (r *Resolver) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(r.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			r.Scan()
		}
	}
}

// Scan walks recent transaction log entries, groups colliding writes
// into conflicts and resolves them with the configured strategy. Manual
// conflicts park in the pending set until ResolveManual. Returns the
// conflicts detected by this pass.
func (r *Resolver) Scan() []*types.SyncConflict {
	entries := r.txn.Recent(2 * r.cfg.Window)

	var detected []*types.SyncConflict
	for _, cluster := range r.clusters(entries) {
		conflict := r.record(cluster)
		detected = append(detected, conflict)

		if conflict.Strategy == types.ResolveManual {
			r.mu.Lock()
			r.pending[conflict.ID] = conflict
			r.mu.Unlock()
			r.logger.Warn().
				Str("conflict_id", conflict.ID).
				Str("entity_id", conflict.EntityID).
				Msg("Conflict awaiting manual resolution")
			continue
		}
		r.resolve(conflict, "")
	}
	return detected
}

// clusters groups verifiable, not-yet-attributed entries by entity and
// splits each group into write bursts: runs where consecutive writes
// are at most one window apart. A burst touched by two or more sessions
// is a conflict; every pair of writes inside the window is chained into
// the same burst, so no colliding pair is split across clusters.
func (r *Resolver) clusters(entries []*types.TransactionLogEntry) [][]*types.TransactionLogEntry {
	type key struct {
		kind types.EntityKind
		id   string
	}
	groups := make(map[key][]*types.TransactionLogEntry)
	for _, entry := range entries {
		if entry.Unverifiable {
			continue
		}
		if _, done := r.seen.Get(entry.ID); done {
			continue
		}
		k := key{entry.Kind, entry.EntityID}
		groups[k] = append(groups[k], entry)
	}

	var out [][]*types.TransactionLogEntry
	for _, group := range groups {
		sort.Slice(group, func(i, j int) bool {
			return group[i].Timestamp.Before(group[j].Timestamp)
		})
		start := 0
		for i := 1; i <= len(group); i++ {
			if i < len(group) && group[i].Timestamp.Sub(group[i-1].Timestamp) <= r.cfg.Window {
				continue
			}
			burst := group[start:i]
			if len(burst) >= 2 && distinctSessions(burst) >= 2 {
				out = append(out, burst)
			}
			start = i
		}
	}
	return out
}

// record turns one burst into a SyncConflict, marks its changes as
// attributed and announces the detection.
func (r *Resolver) record(burst []*types.TransactionLogEntry) *types.SyncConflict {
	conflict := &types.SyncConflict{
		ID:         uuid.New().String(),
		Kind:       burst[0].Kind,
		EntityID:   burst[0].EntityID,
		DetectedAt: r.now().UTC(),
		Changes:    make([]types.DataChange, len(burst)),
		Strategy:   r.cfg.Strategy,
	}
	sessions := make([]string, 0, len(burst))
	for i, entry := range burst {
		conflict.Changes[i] = dataChangeOf(entry)
		r.seen.Add(entry.ID, struct{}{})
		sessions = append(sessions, entry.SessionID)
	}

	metrics.ConflictsDetected.Inc()
	r.publish(&events.Event{
		Type:    events.EventConflictDetected,
		Message: "concurrent writes to " + string(conflict.Kind) + " " + conflict.EntityID,
		Data: map[string]any{
			"conflictId": conflict.ID,
			"kind":       string(conflict.Kind),
			"entityId":   conflict.EntityID,
			"sessions":   sessions,
			"changes":    len(conflict.Changes),
		},
	})
	r.logger.Warn().
		Str("conflict_id", conflict.ID).
		Str("kind", string(conflict.Kind)).
		Str("entity_id", conflict.EntityID).
		Int("changes", len(conflict.Changes)).
		Msg("Conflict detected")
	return conflict
}

// resolve picks the winner for a conflict, re-applies it and marks the
// losers synchronized. winnerID is only consulted for manual conflicts.
func (r *Resolver) resolve(conflict *types.SyncConflict, winnerID string) error {
	winner := pickWinner(conflict.Strategy, conflict.Changes, winnerID)
	if winner == nil {
		return types.NewError(types.CodeInvalidArgument,
			"change %s is not part of conflict %s", winnerID, conflict.ID)
	}
	if conflict.Strategy == types.ResolveMerge {
		winner.Metadata = mergedMetadata(conflict.Changes)
	}

	if r.applier != nil {
		if err := r.applier.Apply(winner); err != nil {
			r.logger.Error().Err(err).
				Str("conflict_id", conflict.ID).
				Str("winner_id", winner.ID).
				Msg("Failed to re-apply conflict winner, parking for manual resolution")
			r.mu.Lock()
			r.pending[conflict.ID] = conflict
			r.mu.Unlock()
			return err
		}
	}

	now := r.now().UTC()
	conflict.WinnerID = winner.ID
	conflict.Resolved = true
	conflict.ResolvedAt = now
	for i := range conflict.Changes {
		conflict.Changes[i].Synchronized = true
	}

	r.mu.Lock()
	delete(r.pending, conflict.ID)
	r.history = append(r.history, conflict)
	if len(r.history) > historyLimit {
		r.history = append([]*types.SyncConflict(nil), r.history[len(r.history)-historyLimit:]...)
	}
	r.mu.Unlock()

	metrics.ConflictsResolved.WithLabelValues(string(conflict.Strategy)).Inc()
	r.publish(&events.Event{
		Type:    events.EventConflictResolved,
		Message: "conflict resolved by " + string(conflict.Strategy),
		Data: map[string]any{
			"conflictId": conflict.ID,
			"strategy":   string(conflict.Strategy),
			"winnerId":   winner.ID,
			"changes":    append([]types.DataChange(nil), conflict.Changes...),
		},
	})
	r.logger.Info().
		Str("conflict_id", conflict.ID).
		Str("strategy", string(conflict.Strategy)).
		Str("winner_id", winner.ID).
		Msg("Conflict resolved")
	return nil
}

// ResolveManual settles a pending conflict with an externally chosen
// winner. An empty winner id is rejected with ManualResolutionRequired.
func (r *Resolver) ResolveManual(conflictID, winnerID string) (*types.SyncConflict, error) {
	if winnerID == "" {
		return nil, types.ErrManualResolutionRequired(conflictID)
	}

	r.mu.Lock()
	conflict, ok := r.pending[conflictID]
	r.mu.Unlock()
	if !ok {
		return nil, types.NewError(types.CodeInvalidArgument,
			"conflict %s not found or already resolved", conflictID)
	}

	cf := *conflict
	cf.Strategy = types.ResolveManual
	if err := r.resolve(&cf, winnerID); err != nil {
		return nil, err
	}
	return cloneConflict(&cf), nil
}

// Pending returns unresolved conflicts, oldest first.
func (r *Resolver) Pending() []*types.SyncConflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.SyncConflict, 0, len(r.pending))
	for _, conflict := range r.pending {
		out = append(out, cloneConflict(conflict))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out
}

// Conflicts returns every known conflict, resolved and pending, newest
// detection first.
func (r *Resolver) Conflicts() []*types.SyncConflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.SyncConflict, 0, len(r.history)+len(r.pending))
	for _, conflict := range r.history {
		out = append(out, cloneConflict(conflict))
	}
	for _, conflict := range r.pending {
		out = append(out, cloneConflict(conflict))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DetectedAt.After(out[j].DetectedAt)
	})
	return out
}

// pickWinner selects the winning change. For manual resolution the
// winner is looked up by id; nil means the id named no change.
func pickWinner(strategy types.ResolutionStrategy, changes []types.DataChange, winnerID string) *types.DataChange {
	switch strategy {
	case types.ResolveManual:
		for i := range changes {
			if changes[i].ID == winnerID {
				return &changes[i]
			}
		}
		return nil

	case types.ResolveFirstWriteWins:
		best := 0
		for i := range changes {
			if changes[i].Timestamp.Before(changes[best].Timestamp) {
				best = i
			}
		}
		return &changes[best]

	case types.ResolveVersionBased:
		best := 0
		for i := range changes {
			switch {
			case changes[i].Version > changes[best].Version:
				best = i
			case changes[i].Version == changes[best].Version &&
				changes[i].Timestamp.After(changes[best].Timestamp):
				// Version tie falls back to last-write-wins.
				best = i
			}
		}
		return &changes[best]

	default: // last-write-wins, merge
		best := 0
		for i := range changes {
			if !changes[i].Timestamp.Before(changes[best].Timestamp) {
				best = i
			}
		}
		return &changes[best]
	}
}

// mergedMetadata folds every change's metadata into one map, oldest
// first so the newest writer wins each key.
func mergedMetadata(changes []types.DataChange) map[string]interface{} {
	ordered := make([]types.DataChange, len(changes))
	copy(ordered, changes)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	merged := make(map[string]interface{})
	for _, change := range ordered {
		for k, v := range change.Metadata {
			merged[k] = v
		}
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}

// dataChangeOf projects a log entry into the change record the detector
// and strategies operate on.
func dataChangeOf(entry *types.TransactionLogEntry) types.DataChange {
	return types.DataChange{
		ID:        entry.ID,
		SessionID: entry.SessionID,
		Kind:      entry.Kind,
		EntityID:  entry.EntityID,
		Timestamp: entry.Timestamp,
		Version:   versionOf(entry.After),
		Payload:   entry.After,
		Metadata:  metadataOf(entry.After),
	}
}

// versionOf extracts the optimistic-locking version from an after
// image, whether it is still a live struct or was decoded from disk.
func versionOf(payload interface{}) int64 {
	switch v := payload.(type) {
	case *types.Task:
		if v != nil {
			return v.Version
		}
	case types.Task:
		return v.Version
	case map[string]interface{}:
		switch n := v["version"].(type) {
		case float64:
			return int64(n)
		case json.Number:
			i, _ := n.Int64()
			return i
		case int64:
			return n
		}
	}
	return 0
}

// metadataOf extracts the mergeable key-value block from an after
// image. For tasks that is Params, the only free-form map they carry.
func metadataOf(payload interface{}) map[string]interface{} {
	switch v := payload.(type) {
	case *types.Task:
		if v != nil {
			return v.Params
		}
	case types.Task:
		return v.Params
	case map[string]interface{}:
		if m, ok := v["params"].(map[string]interface{}); ok {
			return m
		}
		if m, ok := v["metadata"].(map[string]interface{}); ok {
			return m
		}
	}
	return nil
}

func distinctSessions(entries []*types.TransactionLogEntry) int {
	set := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		set[entry.SessionID] = struct{}{}
	}
	return len(set)
}

func cloneConflict(c *types.SyncConflict) *types.SyncConflict {
	cp := *c
	cp.Changes = append([]types.DataChange(nil), c.Changes...)
	return &cp
}

func (r *Resolver) publish(event *events.Event) {
	if r.broker != nil {
		r.broker.Publish(event)
	}
}
