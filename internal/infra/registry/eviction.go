package registry

import (
	"net/netip"

	"github.com/tutu-network/peerd/internal/domain"
	"github.com/tutu-network/peerd/internal/infra/metrics"
)

// Limits are the configured registry bounds handed to an EvictionPolicy.
// Zero means unbounded.
type Limits struct {
	MaxIdlePeers   int
	MaxBannedPeers int
}

// EvictionPolicy decides which peers to forget. It only sees idle and banned
// peers; connected peers are never offered.
type EvictionPolicy interface {
	SelectEvictions(idle, banned []domain.PeerInfo, limits Limits) []netip.Addr
}

// EvictionFunc adapts a function to EvictionPolicy.
type EvictionFunc func(idle, banned []domain.PeerInfo, limits Limits) []netip.Addr

// SelectEvictions implements EvictionPolicy.
func (f EvictionFunc) SelectEvictions(idle, banned []domain.PeerInfo, limits Limits) []netip.Addr {
	return f(idle, banned, limits)
}

// KeepAll never evicts.
type KeepAll struct{}

// SelectEvictions implements EvictionPolicy.
func (KeepAll) SelectEvictions([]domain.PeerInfo, []domain.PeerInfo, Limits) []netip.Addr {
	return nil
}

// Enforce asks policy which idle or banned peers to drop and removes them.
// A peer whose status changed since the policy looked is kept.
func (r *Registry) Enforce(policy EvictionPolicy, limits Limits) (int, error) {
	if policy == nil {
		return 0, nil
	}

	var idle, banned []domain.PeerInfo
	err := r.withRead(func() {
		for _, p := range r.peers {
			switch p.Status {
			case domain.PeerIdle:
				idle = append(idle, p.Info())
			case domain.PeerBanned:
				banned = append(banned, p.Info())
			}
		}
	})
	if err != nil {
		return 0, err
	}

	victims := policy.SelectEvictions(idle, banned, limits)
	if len(victims) == 0 {
		return 0, nil
	}

	removed := 0
	err = r.withWrite(func() {
		for _, ip := range victims {
			p, ok := r.peers[ip.Unmap()]
			if !ok || p.Conn != nil {
				continue
			}
			if p.Status != domain.PeerIdle && p.Status != domain.PeerBanned {
				continue
			}
			delete(r.peers, p.IP)
			metrics.PeersByStatus.WithLabelValues(p.Status.String()).Dec()
			removed++
		}
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		metrics.PeersEvicted.Add(float64(removed))
		r.log.Info("evicted peers", "count", removed)
		r.onChange()
	}
	return removed, nil
}
