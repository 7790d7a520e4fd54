package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure: no infrastructure dependency.

var (
	// Peer file errors
	ErrPeerFileIO    = errors.New("peer file i/o failed")
	ErrSerialization = errors.New("peer file is not a JSON array of strings")

	// Peer errors
	ErrInvalidPeer       = errors.New("invalid peer address")
	ErrUnknownPeer       = errors.New("unknown peer")
	ErrIllegalTransition = errors.New("illegal peer transition")

	// Registry errors
	ErrLockPoisoned = errors.New("peer registry poisoned by a panic while locked")

	// Event channel errors
	ErrSendFailed    = errors.New("event channel closed: send failed")
	ErrChannelClosed = errors.New("event channel closed: controller shutting down")
)

// PeerError reports an address that could not be turned into a Peer.
type PeerError struct {
	Input string
	Err   error
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("invalid peer address %q: %v", e.Input, e.Err)
}

func (e *PeerError) Unwrap() []error { return []error{ErrInvalidPeer, e.Err} }
