package domain

import (
	"net"
	"net/netip"

	"github.com/google/uuid"
)

// Event is a candidate connection produced by the dialer or the listener.
// It is consumed exactly once, by Controller.WaitEvent.
type Event struct {
	ID       uuid.UUID
	IP       netip.Addr
	Conn     net.Conn
	Outgoing bool

	release func()
}

// NewEvent stamps a fresh event ID.
func NewEvent(ip netip.Addr, conn net.Conn, outgoing bool) Event {
	return Event{ID: uuid.New(), IP: ip.Unmap(), Conn: conn, Outgoing: outgoing}
}

// WithRelease attaches a callback run once the event leaves the queue.
// The listener uses it to free an inbound-attempt slot.
func (e Event) WithRelease(fn func()) Event {
	e.release = fn
	return e
}

// Release runs the attached callback, if any.
func (e Event) Release() {
	if e.release != nil {
		e.release()
	}
}

// Direction returns "out" or "in".
func (e Event) Direction() string {
	if e.Outgoing {
		return "out"
	}
	return "in"
}
