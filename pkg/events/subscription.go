package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gantrykit/gantry/pkg/metrics"
)

// ErrClosed is returned by Next once a subscription is closed and drained
var ErrClosed = errors.New("events: subscription closed")

// subscriptionBuffer is the per-subscriber channel capacity
const subscriptionBuffer = 64

// Subscription is a filtered view of the broker's event stream. Events
// arrive on an internal bounded buffer; when a subscriber falls behind,
// the oldest buffered events are dropped first, except for critical
// lifecycle events which block the broker briefly before being counted
// as dropped.
type Subscription struct {
	broker  *Broker
	types   map[EventType]struct{}
	ch      chan *Event
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

func newSubscription(b *Broker, types []EventType) *Subscription {
	var filter map[EventType]struct{}
	if len(types) > 0 {
		filter = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			filter[t] = struct{}{}
		}
	}
	return &Subscription{
		broker: b,
		types:  filter,
		ch:     make(chan *Event, subscriptionBuffer),
		done:   make(chan struct{}),
	}
}

// wants reports whether the subscription's filter matches the event type
func (s *Subscription) wants(t EventType) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// deliver places the event on the subscription buffer. Non-critical
// events evict the oldest buffered event when full; critical events wait
// up to timeout for buffer space.
func (s *Subscription) deliver(event *Event, timeout time.Duration) {
	select {
	case s.ch <- event:
		return
	case <-s.done:
		return
	default:
	}

	if Critical(event.Type) {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case s.ch <- event:
			return
		case <-s.done:
			return
		case <-timer.C:
			s.drop()
			return
		}
	}

	// Drop oldest, then retry once. A concurrent reader may have freed a
	// slot either way.
	select {
	case <-s.ch:
		s.drop()
	default:
	}
	select {
	case s.ch <- event:
	case <-s.done:
	default:
		s.drop()
	}
}

func (s *Subscription) drop() {
	s.dropped.Add(1)
	metrics.EventsDropped.Inc()
}

// Next blocks until an event arrives, the subscription is closed and
// drained, or the context is cancelled. Buffered events are still
// returned after Close.
func (s *Subscription) Next(ctx context.Context) (*Event, error) {
	select {
	case ev := <-s.ch:
		return ev, nil
	default:
	}

	select {
	case ev := <-s.ch:
		return ev, nil
	case <-s.done:
		select {
		case ev := <-s.ch:
			return ev, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// C exposes the receive channel for select-based consumers. The channel
// is never closed; use Done to detect shutdown.
func (s *Subscription) C() <-chan *Event {
	return s.ch
}

// Done is closed when the subscription is closed
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Dropped returns the number of events dropped on this subscription
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription from the broker. Safe to call more
// than once and concurrently with delivery.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
	})
	s.broker.unsubscribe(s)
}

// markClosed is used by the broker during Stop, which already holds the
// subscriber map lock
func (s *Subscription) markClosed() {
	s.once.Do(func() {
		close(s.done)
	})
}
