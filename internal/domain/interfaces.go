package domain

import (
	"context"
	"net"
	"net/netip"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// Dialer opens outbound sockets. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Journal records the last known status of every peer.
// Implemented by infra/sqlite.DB.
type Journal interface {
	RecordPeers(peers []PeerInfo) error
	ListPeers() ([]PeerInfo, error)
}

// PeerSource is the read side of the registry used by the persistence
// worker and the status API.
type PeerSource interface {
	SnapshotIPs() ([]netip.Addr, error)
	Snapshot() ([]PeerInfo, error)
}
