// Package registry holds the authoritative in-memory peer table.
//
// One RWMutex guards the whole map. Readers (snapshots, queries) share it;
// writers hold it only for the in-memory mutation. Sockets released by a
// transition are closed after the lock is dropped.
package registry

import (
	"fmt"
	"net"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/go-logr/logr"

	"github.com/tutu-network/peerd/internal/domain"
	"github.com/tutu-network/peerd/internal/infra/metrics"
	"github.com/tutu-network/peerd/internal/infra/peerfile"
)

// Options configures a Registry.
type Options struct {
	Logger logr.Logger
	// OnChange is called after every mutation that should reach the peer file.
	OnChange func()
	// Now overrides the clock (tests).
	Now func() time.Time
}

// Registry maps peer IPs to peers.
type Registry struct {
	mu       sync.RWMutex
	peers    map[netip.Addr]*domain.Peer
	poisoned atomic.Bool

	log      logr.Logger
	onChange func()
	now      func() time.Time
}

// New creates an empty registry.
func New(opts Options) *Registry {
	r := &Registry{
		peers:    make(map[netip.Addr]*domain.Peer),
		log:      opts.Logger,
		onChange: opts.OnChange,
		now:      opts.Now,
	}
	if r.log.GetSink() == nil {
		r.log = logr.Discard()
	}
	if r.onChange == nil {
		r.onChange = func() {}
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Load builds a registry from the peer file at path. Malformed entries are
// skipped with one warning each; only a missing/unreadable file or a
// malformed top-level structure fails the load.
func Load(path string, opts Options) (*Registry, error) {
	ips, skipped, err := peerfile.Read(path)
	if err != nil {
		return nil, fmt.Errorf("load peers: %w", err)
	}

	r := New(opts)
	for _, s := range skipped {
		r.log.Info("skipping malformed peer entry", "entry", s, "file", path)
	}
	for _, ip := range ips {
		r.peers[ip] = domain.NewPeerFromAddr(ip)
		metrics.PeersByStatus.WithLabelValues(domain.PeerIdle.String()).Inc()
	}
	r.log.Info("peer list loaded", "file", path, "peers", len(ips), "skipped", len(skipped))
	return r, nil
}

// withWrite runs fn under the write lock. A panic inside fn poisons the
// registry before propagating.
func (r *Registry) withWrite(fn func()) error {
	if r.poisoned.Load() {
		return domain.ErrLockPoisoned
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.poisoned.Load() {
		return domain.ErrLockPoisoned
	}
	defer func() {
		if p := recover(); p != nil {
			r.poisoned.Store(true)
			panic(p)
		}
	}()
	fn()
	return nil
}

func (r *Registry) withRead(fn func()) error {
	if r.poisoned.Load() {
		return domain.ErrLockPoisoned
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn()
	return nil
}

// Poisoned reports whether a panic ever escaped a write section.
func (r *Registry) Poisoned() bool {
	return r.poisoned.Load()
}

// InsertOrReplace stores p under its IP, replacing any existing entry.
func (r *Registry) InsertOrReplace(p *domain.Peer) error {
	if p.Conn != nil && !p.Status.HoldsSocket() {
		return fmt.Errorf("%w: %s peer %s cannot hold a socket", domain.ErrIllegalTransition, p.Status, p.IP)
	}

	var stale net.Conn
	err := r.withWrite(func() {
		if old, ok := r.peers[p.IP]; ok {
			metrics.PeersByStatus.WithLabelValues(old.Status.String()).Dec()
			if old.Conn != nil && old.Conn != p.Conn {
				stale = old.Conn
			}
		}
		r.peers[p.IP] = p
		metrics.PeersByStatus.WithLabelValues(p.Status.String()).Inc()
	})
	if err != nil {
		return err
	}
	closeConn(stale)
	r.onChange()
	return nil
}

// Seed inserts idle peers for ips that are not yet known and returns how
// many were added.
func (r *Registry) Seed(ips []netip.Addr) (int, error) {
	added := 0
	err := r.withWrite(func() {
		for _, ip := range ips {
			ip = ip.Unmap()
			if _, ok := r.peers[ip]; ok {
				continue
			}
			r.peers[ip] = domain.NewPeerFromAddr(ip)
			metrics.PeersByStatus.WithLabelValues(domain.PeerIdle.String()).Inc()
			added++
		}
	})
	if err != nil {
		return 0, err
	}
	if added > 0 {
		r.onChange()
	}
	return added, nil
}

// Transition applies sig to the peer at ip. Unknown peers and illegal moves
// are logged and leave the registry unchanged.
func (r *Registry) Transition(ip netip.Addr, sig domain.Signal, conn net.Conn) (domain.PeerStatus, error) {
	ip = ip.Unmap()
	var (
		status   domain.PeerStatus
		released net.Conn
		applyErr error
	)
	err := r.withWrite(func() {
		p, ok := r.peers[ip]
		if !ok {
			applyErr = fmt.Errorf("%w: %s", domain.ErrUnknownPeer, ip)
			return
		}
		from := p.Status
		released, applyErr = p.Apply(sig, conn, r.now())
		status = p.Status
		if applyErr == nil && from != status {
			metrics.PeersByStatus.WithLabelValues(from.String()).Dec()
			metrics.PeersByStatus.WithLabelValues(status.String()).Inc()
		}
	})
	if err != nil {
		return status, err
	}
	if applyErr != nil {
		metrics.PeerTransitionsRejected.WithLabelValues(sig.String()).Inc()
		r.log.Info("ignoring peer signal", "ip", ip, "signal", sig.String(), "reason", applyErr.Error())
		return status, applyErr
	}

	metrics.PeerTransitions.WithLabelValues(sig.String()).Inc()
	closeConn(released)
	if sig.Persistent() {
		r.onChange()
	}
	return status, nil
}

// Admit records an inbound connection from ip, creating the peer if it is
// not known yet.
func (r *Registry) Admit(ip netip.Addr, conn net.Conn) (domain.PeerStatus, error) {
	ip = ip.Unmap()
	created := false
	err := r.withWrite(func() {
		if _, ok := r.peers[ip]; !ok {
			r.peers[ip] = domain.NewPeerFromAddr(ip)
			metrics.PeersByStatus.WithLabelValues(domain.PeerIdle.String()).Inc()
			created = true
		}
	})
	if err != nil {
		return domain.PeerIdle, err
	}
	if created {
		r.log.V(1).Info("new peer from inbound connection", "ip", ip)
		r.onChange()
	}
	return r.Transition(ip, domain.SignalInbound, conn)
}

// Get returns a socket-free view of the peer at ip.
func (r *Registry) Get(ip netip.Addr) (domain.PeerInfo, bool, error) {
	var (
		info domain.PeerInfo
		ok   bool
	)
	err := r.withRead(func() {
		var p *domain.Peer
		if p, ok = r.peers[ip.Unmap()]; ok {
			info = p.Info()
		}
	})
	return info, ok, err
}

// Len returns the number of known peers.
func (r *Registry) Len() (int, error) {
	var n int
	err := r.withRead(func() { n = len(r.peers) })
	return n, err
}

// SnapshotIPs returns every known IP in address order.
func (r *Registry) SnapshotIPs() ([]netip.Addr, error) {
	var ips []netip.Addr
	err := r.withRead(func() {
		ips = make([]netip.Addr, 0, len(r.peers))
		for ip := range r.peers {
			ips = append(ips, ip)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(ips, func(i, j int) bool { return ips[i].Less(ips[j]) })
	return ips, nil
}

// Snapshot returns socket-free copies of every peer in address order.
func (r *Registry) Snapshot() ([]domain.PeerInfo, error) {
	var out []domain.PeerInfo
	err := r.withRead(func() {
		out = make([]domain.PeerInfo, 0, len(r.peers))
		for _, p := range r.peers {
			out = append(out, p.Info())
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP.Less(out[j].IP) })
	return out, nil
}

// Candidates returns the idle peers eligible for an outbound dial.
func (r *Registry) Candidates() ([]netip.Addr, error) {
	var ips []netip.Addr
	err := r.withRead(func() {
		for ip, p := range r.peers {
			if p.Status == domain.PeerIdle {
				ips = append(ips, ip)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(ips, func(i, j int) bool { return ips[i].Less(ips[j]) })
	return ips, nil
}

// GoodIPs returns the set of peers with a completed handshake.
func (r *Registry) GoodIPs() (mapset.Set[netip.Addr], error) {
	good := mapset.NewSet[netip.Addr]()
	err := r.withRead(func() {
		for ip, p := range r.peers {
			if p.Status.IsAlive() {
				good.Add(ip)
			}
		}
	})
	return good, err
}

// IncomingCount returns how many peers hold an inbound connection.
func (r *Registry) IncomingCount() (int, error) {
	n := 0
	err := r.withRead(func() {
		for _, p := range r.peers {
			if p.Status.IsIncoming() {
				n++
			}
		}
	})
	return n, err
}

// CloseAll releases every socket the registry holds, moving the owners back
// to idle as a clean close would. Used on shutdown; not persisted.
func (r *Registry) CloseAll() error {
	var conns []net.Conn
	err := r.withWrite(func() {
		now := r.now()
		for _, p := range r.peers {
			if p.Conn == nil {
				continue
			}
			from := p.Status
			released, err := p.Apply(domain.SignalClosed, nil, now)
			if err != nil {
				continue
			}
			metrics.PeersByStatus.WithLabelValues(from.String()).Dec()
			metrics.PeersByStatus.WithLabelValues(p.Status.String()).Inc()
			conns = append(conns, released)
		}
	})
	for _, c := range conns {
		closeConn(c)
	}
	return err
}

func closeConn(c net.Conn) {
	if c != nil {
		_ = c.Close()
	}
}
