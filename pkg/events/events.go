package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gantrykit/gantry/pkg/metrics"
)

// EventType identifies a lifecycle event
type EventType string

const (
	EventTaskSubmitted     EventType = "task-submitted"
	EventTaskQueued        EventType = "task-queued"
	EventTaskStarted       EventType = "task-started"
	EventTaskProgress      EventType = "task-progress"
	EventTaskCompleted     EventType = "task-completed"
	EventTaskFailed        EventType = "task-failed"
	EventTaskRetrying      EventType = "task-retrying"
	EventTaskCancelled     EventType = "task-cancelled"
	EventDependencyAdded   EventType = "dependency-added"
	EventDependencyRemoved EventType = "dependency-removed"
	EventCycleDetected     EventType = "cycle-detected"
	EventSnapshotCreated   EventType = "snapshot-created"
	EventSnapshotRestored  EventType = "snapshot-restored"
	EventSessionHeartbeat  EventType = "session-heartbeat"
	EventSessionCrashed    EventType = "session-crashed"
	EventConflictDetected  EventType = "conflict-detected"
	EventConflictResolved  EventType = "conflict-resolved"

	// EventStoreDegraded is the alarm raised when persistence falls back to
	// in-memory operation after write failures.
	EventStoreDegraded EventType = "store-degraded"
)

// critical events use blocking delivery with a timeout instead of
// drop-oldest, because subscribers coordinating on terminal states
// must not miss them under burst load.
var critical = map[EventType]bool{
	EventTaskCompleted:    true,
	EventTaskFailed:       true,
	EventTaskCancelled:    true,
	EventCycleDetected:    true,
	EventSnapshotRestored: true,
	EventSessionCrashed:   true,
	EventConflictDetected: true,
	EventStoreDegraded:    true,
}

// Critical reports whether the event type uses blocking delivery
func Critical(t EventType) bool {
	return critical[t]
}

// Event represents a lifecycle event
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	TaskID     string         `json:"taskId,omitempty"`
	SessionID  string         `json:"sessionId,omitempty"`
	SnapshotID string         `json:"snapshotId,omitempty"`
	Message    string         `json:"message,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[*Subscription]struct{}
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	doneCh      chan struct{}
	stopOnce    sync.Once

	// deliverTimeout bounds blocking delivery of critical events
	deliverTimeout time.Duration
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers:    make(map[*Subscription]struct{}),
		eventCh:        make(chan *Event, 256),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
		deliverTimeout: 250 * time.Millisecond,
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker and closes all subscriptions
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		<-b.doneCh

		b.mu.Lock()
		defer b.mu.Unlock()
		for sub := range b.subscribers {
			sub.markClosed()
			delete(b.subscribers, sub)
		}
	})
}

// Subscribe creates a subscription receiving the given event types.
// No types means all types.
func (b *Broker) Subscribe(types ...EventType) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newSubscription(b, types)
	b.subscribers[sub] = struct{}{}
	return sub
}

// unsubscribe removes a subscription; called from Subscription.Close
func (b *Broker) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, sub)
}

// Publish publishes an event to all matching subscribers. The ID and
// timestamp are assigned here if unset. Publish never blocks task
// execution: the broker's inbound buffer absorbs bursts and per-subscriber
// delivery is bounded.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	metrics.EventsPublished.WithLabelValues(string(event.Type)).Inc()

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	defer close(b.doneCh)
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			// Drain anything already queued so terminal events published
			// just before Stop still reach subscribers.
			for {
				select {
				case event := <-b.eventCh:
					b.broadcast(event)
				default:
					return
				}
			}
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if !sub.wants(event.Type) {
			continue
		}
		sub.deliver(event, b.deliverTimeout)
	}
}

// SubscriberCount returns the number of active subscriptions
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
