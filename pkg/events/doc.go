// Package events provides the lifecycle event bus for Gantry. Every
// observable state change in the engine — task transitions, dependency
// edits, snapshots, session health, conflicts — is published here and
// fanned out to subscribers.
//
// # Architecture
//
// A single Broker owns an inbound buffered channel and a set of
// subscriptions. Publishers never talk to subscribers directly; the
// broker's run loop serializes fan-out so subscribers observe events in
// publish order:
//
//	┌────────┐ ┌────────┐ ┌──────────┐ ┌─────────┐
//	│ queue  │ │executor│ │ snapshot │ │ session │
//	└───┬────┘ └───┬────┘ └────┬─────┘ └────┬────┘
//	    │ Publish  │           │            │
//	    └──────────┴─────┬─────┴────────────┘
//	                     ▼
//	              ┌─────────────┐
//	              │   Broker    │  inbound buffer (256)
//	              │  run loop   │
//	              └──────┬──────┘
//	          ┌──────────┼──────────┐
//	          ▼          ▼          ▼
//	     ┌─────────┐┌─────────┐┌─────────┐
//	     │ sub (64)││ sub (64)││ sub (64)│  filtered, bounded
//	     └─────────┘└─────────┘└─────────┘
//
// # Core Components
//
// Broker: accepts events via Publish and distributes them to matching
// subscriptions. Publish is non-blocking with respect to task execution;
// it only parks if the broker's own inbound buffer is full.
//
// Subscription: a filtered, bounded view of the stream. Created with
// Subscribe(types...) — no types means everything. Consumed either by
// the pull iterator Next(ctx) or the raw channel C() paired with Done().
//
// Delivery policy: when a subscriber's buffer is full, non-critical
// events (progress, heartbeats, queue transitions) evict the oldest
// buffered event; critical events (terminal task states, crashes,
// conflicts, restores) instead hold the fan-out loop briefly to give the
// reader a chance to catch up, and are counted as dropped only after the
// delivery window expires. Critical events never evict.
//
// # Event Types
//
// Task lifecycle:
//
//	task-submitted  task-queued    task-started   task-progress
//	task-completed  task-failed    task-retrying  task-cancelled
//
// Graph:
//
//	dependency-added  dependency-removed  cycle-detected
//
// Persistence and sessions:
//
//	snapshot-created  snapshot-restored  store-degraded
//	session-heartbeat session-crashed
//
// Conflicts:
//
//	conflict-detected  conflict-resolved
//
// # Usage
//
// Subscribe to terminal task states and iterate:
//
//	sub := broker.Subscribe(events.EventTaskCompleted, events.EventTaskFailed)
//	defer sub.Close()
//
//	for {
//		ev, err := sub.Next(ctx)
//		if err != nil {
//			return err
//		}
//		fmt.Printf("%s: %s\n", ev.Type, ev.TaskID)
//	}
//
// Select-based consumption:
//
//	for {
//		select {
//		case ev := <-sub.C():
//			handle(ev)
//		case <-sub.Done():
//			return
//		case <-ctx.Done():
//			return
//		}
//	}
//
// Publishing with structured payload:
//
//	broker.Publish(&events.Event{
//		Type:   events.EventTaskRetrying,
//		TaskID: task.ID,
//		Data:   map[string]any{"attempt": attempt, "backoff": backoff.String()},
//	})
//
// # Ordering and Loss
//
// Events are delivered to each subscription in publish order. Delivery is
// at-most-once: a slow subscriber loses the oldest non-critical events
// first, never the newest, and the per-subscription Dropped counter plus
// the gantry_events_dropped_total metric record every loss. Subscribers
// that need a complete record should read the transaction log instead.
//
// # Integration Points
//
//   - pkg/queue, pkg/executor: publish task lifecycle events
//   - pkg/graph (via engine): dependency and cycle events
//   - pkg/snapshot: snapshot-created, snapshot-restored
//   - pkg/session: heartbeat and crash events
//   - pkg/conflict: conflict-detected, conflict-resolved
//   - pkg/api: bridges subscriptions onto websocket clients
//   - pkg/metrics: EventsPublished, EventsDropped counters
package events
