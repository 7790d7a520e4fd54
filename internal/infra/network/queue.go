// Package network produces candidate connections for the controller.
//
// A DialLoop and a Listener push into one EventQueue; the controller is its
// only consumer. The Orchestrator owns the lifetime of both producers.
package network

import (
	"context"
	"sync"

	"github.com/tutu-network/peerd/internal/domain"
	"github.com/tutu-network/peerd/internal/infra/metrics"
)

// EventQueue is an unbounded multi-producer FIFO with one logical consumer.
// Producers never block on a slow consumer.
type EventQueue struct {
	mu     sync.Mutex
	items  []domain.Event
	closed bool
	notify chan struct{}
}

// NewEventQueue returns an open, empty queue.
func NewEventQueue() *EventQueue {
	return &EventQueue{notify: make(chan struct{}, 1)}
}

// Send appends ev. It fails with domain.ErrSendFailed once the queue is closed.
func (q *EventQueue) Send(ev domain.Event) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return domain.ErrSendFailed
	}
	q.items = append(q.items, ev)
	n := len(q.items)
	q.mu.Unlock()

	metrics.EventsQueued.Set(float64(n))
	q.wake()
	return nil
}

// Recv returns the oldest event, waiting until one arrives. After Close it
// drains what is left and then returns domain.ErrChannelClosed.
func (q *EventQueue) Recv(ctx context.Context) (domain.Event, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items[0] = domain.Event{}
			q.items = q.items[1:]
			n := len(q.items)
			q.mu.Unlock()
			metrics.EventsQueued.Set(float64(n))
			if n > 0 {
				q.wake() // pass the turn on to any other waiter
			}
			return ev, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			q.wake()
			return domain.Event{}, domain.ErrChannelClosed
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return domain.Event{}, ctx.Err()
		}
	}
}

// Close stops accepting events. Idempotent.
func (q *EventQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// Drain removes and returns every queued event. Used on shutdown so the
// caller can release their sockets.
func (q *EventQueue) Drain() []domain.Event {
	q.mu.Lock()
	out := q.items
	q.items = nil
	q.mu.Unlock()
	metrics.EventsQueued.Set(0)
	return out
}

// Len returns the number of queued events.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *EventQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
