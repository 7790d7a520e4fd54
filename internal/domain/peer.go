// Package domain holds the peer entity and its connection lifecycle.
// A Peer is a remote node identified by its IP address. Its Status moves
// through an explicit transition table; any pair not listed is rejected.
package domain

import (
	"fmt"
	"net"
	"net/netip"
	"time"
)

// PeerStatus is the connection lifecycle state of a peer.
type PeerStatus int

const (
	PeerIdle PeerStatus = iota
	PeerOutConnecting
	PeerOutHandshaking
	PeerOutAlive
	PeerInHandshaking
	PeerInAlive
	PeerBanned
)

var statusNames = [...]string{
	PeerIdle:           "IDLE",
	PeerOutConnecting:  "OUT_CONNECTING",
	PeerOutHandshaking: "OUT_HANDSHAKING",
	PeerOutAlive:       "OUT_ALIVE",
	PeerInHandshaking:  "IN_HANDSHAKING",
	PeerInAlive:        "IN_ALIVE",
	PeerBanned:         "BANNED",
}

// AllStatuses lists every status in declaration order.
var AllStatuses = []PeerStatus{
	PeerIdle, PeerOutConnecting, PeerOutHandshaking, PeerOutAlive,
	PeerInHandshaking, PeerInAlive, PeerBanned,
}

func (s PeerStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("PeerStatus(%d)", int(s))
	}
	return statusNames[s]
}

// ParsePeerStatus is the inverse of String.
func ParsePeerStatus(s string) (PeerStatus, error) {
	for i, name := range statusNames {
		if name == s {
			return PeerStatus(i), nil
		}
	}
	return PeerIdle, fmt.Errorf("unknown peer status %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s PeerStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *PeerStatus) UnmarshalText(b []byte) error {
	v, err := ParsePeerStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// IsAlive reports whether the handshake completed in either direction.
func (s PeerStatus) IsAlive() bool {
	return s == PeerOutAlive || s == PeerInAlive
}

// IsIncoming reports whether the peer holds an inbound connection.
func (s PeerStatus) IsIncoming() bool {
	return s == PeerInHandshaking || s == PeerInAlive
}

// HoldsSocket reports whether a peer in this status may own a connection.
func (s PeerStatus) HoldsSocket() bool {
	switch s {
	case PeerOutHandshaking, PeerOutAlive, PeerInHandshaking, PeerInAlive:
		return true
	}
	return false
}

// Signal is an input to the lifecycle state machine.
type Signal int

const (
	SignalDialStart Signal = iota
	SignalDialSucceeded
	SignalDialFailed
	SignalInbound
	SignalAlive
	SignalClosed
	SignalFailed
	SignalBanned
)

var signalNames = [...]string{
	SignalDialStart:     "dial_start",
	SignalDialSucceeded: "dial_succeeded",
	SignalDialFailed:    "dial_failed",
	SignalInbound:       "inbound",
	SignalAlive:         "alive",
	SignalClosed:        "closed",
	SignalFailed:        "failed",
	SignalBanned:        "banned",
}

// AllSignals lists every signal in declaration order.
var AllSignals = []Signal{
	SignalDialStart, SignalDialSucceeded, SignalDialFailed, SignalInbound,
	SignalAlive, SignalClosed, SignalFailed, SignalBanned,
}

func (s Signal) String() string {
	if s < 0 || int(s) >= len(signalNames) {
		return fmt.Sprintf("Signal(%d)", int(s))
	}
	return signalNames[s]
}

// Persistent reports whether applying the signal changes state worth flushing.
// Dial bookkeeping is transient and does not dirty the peer file.
func (s Signal) Persistent() bool {
	switch s {
	case SignalDialStart, SignalDialSucceeded, SignalDialFailed:
		return false
	}
	return true
}

// transitions is the complete set of legal moves.
var transitions = map[PeerStatus]map[Signal]PeerStatus{
	PeerIdle: {
		SignalDialStart: PeerOutConnecting,
		SignalInbound:   PeerInHandshaking,
		SignalClosed:    PeerIdle,
		SignalFailed:    PeerIdle,
		SignalBanned:    PeerBanned,
	},
	PeerOutConnecting: {
		SignalDialSucceeded: PeerOutHandshaking,
		SignalDialFailed:    PeerIdle,
		SignalFailed:        PeerIdle,
		SignalBanned:        PeerBanned,
	},
	PeerOutHandshaking: {
		SignalAlive:  PeerOutAlive,
		SignalClosed: PeerIdle,
		SignalFailed: PeerIdle,
		SignalBanned: PeerBanned,
	},
	PeerOutAlive: {
		SignalAlive:  PeerOutAlive,
		SignalClosed: PeerIdle,
		SignalFailed: PeerIdle,
		SignalBanned: PeerBanned,
	},
	PeerInHandshaking: {
		SignalAlive:  PeerInAlive,
		SignalClosed: PeerIdle,
		SignalFailed: PeerIdle,
		SignalBanned: PeerBanned,
	},
	PeerInAlive: {
		SignalAlive:  PeerInAlive,
		SignalClosed: PeerIdle,
		SignalFailed: PeerIdle,
		SignalBanned: PeerBanned,
	},
	PeerBanned: {
		SignalBanned: PeerBanned,
	},
}

// NextStatus returns the status reached by applying sig from s.
func NextStatus(s PeerStatus, sig Signal) (PeerStatus, bool) {
	next, ok := transitions[s][sig]
	return next, ok
}

// Peer represents a known remote node.
type Peer struct {
	IP          netip.Addr
	Status      PeerStatus
	Conn        net.Conn
	LastAlive   time.Time
	LastFailure time.Time
}

// NewPeer parses ip and returns an idle peer.
func NewPeer(ip string) (*Peer, error) {
	addr, err := ParseIP(ip)
	if err != nil {
		return nil, err
	}
	return NewPeerFromAddr(addr), nil
}

// NewPeerFromAddr returns an idle peer for an already parsed address.
func NewPeerFromAddr(ip netip.Addr) *Peer {
	return &Peer{IP: ip.Unmap(), Status: PeerIdle}
}

// ParseIP parses a textual IP address into the registry key form.
func ParseIP(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, &PeerError{Input: s, Err: err}
	}
	return addr.Unmap(), nil
}

// Apply moves the peer along the transition table. A connection released by
// the move (Idle or Banned targets) is returned so the caller can close it
// outside any lock. Illegal moves leave the peer untouched.
func (p *Peer) Apply(sig Signal, conn net.Conn, now time.Time) (net.Conn, error) {
	next, ok := NextStatus(p.Status, sig)
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s peer %s", ErrIllegalTransition, sig, p.Status, p.IP)
	}
	if (sig == SignalDialSucceeded || sig == SignalInbound) && conn == nil {
		return nil, fmt.Errorf("%w: %s without connection for %s", ErrIllegalTransition, sig, p.IP)
	}

	var released net.Conn
	switch sig {
	case SignalDialSucceeded, SignalInbound:
		p.Conn = conn
	case SignalAlive:
		p.LastAlive = now
	case SignalDialFailed, SignalFailed:
		p.LastFailure = now
	}
	if !next.HoldsSocket() && p.Conn != nil {
		released = p.Conn
		p.Conn = nil
	}
	p.Status = next
	return released, nil
}

// Info returns a socket-free copy of the peer.
func (p *Peer) Info() PeerInfo {
	return PeerInfo{
		IP:          p.IP,
		Status:      p.Status,
		Connected:   p.Conn != nil,
		LastAlive:   p.LastAlive,
		LastFailure: p.LastFailure,
	}
}

// PeerInfo is a serializable view of a Peer.
type PeerInfo struct {
	IP          netip.Addr `json:"ip"`
	Status      PeerStatus `json:"status"`
	Connected   bool       `json:"connected"`
	LastAlive   time.Time  `json:"last_alive,omitzero"`
	LastFailure time.Time  `json:"last_failure,omitzero"`
}
