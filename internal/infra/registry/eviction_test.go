package registry

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/peerd/internal/domain"
)

func TestEnforce_KeepAll(t *testing.T) {
	r, changes := newCounting()
	r.Seed([]netip.Addr{ip("10.0.0.1"), ip("10.0.0.2")})
	base := changes.Load()

	n, err := r.Enforce(KeepAll{}, Limits{MaxIdlePeers: 1})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, peerCount(t, r))
	assert.Equal(t, base, changes.Load())
}

func TestEnforce_PolicySeesOnlyIdleAndBanned(t *testing.T) {
	r, _ := newCounting()
	conn, _ := pipe(t)
	r.Seed([]netip.Addr{ip("10.0.0.1"), ip("10.0.0.2")})
	r.Transition(ip("10.0.0.2"), domain.SignalBanned, nil)
	r.Admit(ip("10.0.0.3"), conn)

	var gotIdle, gotBanned []domain.PeerInfo
	var gotLimits Limits
	policy := EvictionFunc(func(idle, banned []domain.PeerInfo, limits Limits) []netip.Addr {
		gotIdle, gotBanned, gotLimits = idle, banned, limits
		return nil
	})

	_, err := r.Enforce(policy, Limits{MaxIdlePeers: 5, MaxBannedPeers: 7})
	require.NoError(t, err)
	require.Len(t, gotIdle, 1)
	require.Len(t, gotBanned, 1)
	assert.Equal(t, ip("10.0.0.1"), gotIdle[0].IP)
	assert.Equal(t, ip("10.0.0.2"), gotBanned[0].IP)
	assert.Equal(t, Limits{MaxIdlePeers: 5, MaxBannedPeers: 7}, gotLimits)
}

func TestEnforce_RemovesSelectedAndSkipsConnected(t *testing.T) {
	r, changes := newCounting()
	conn, _ := pipe(t)
	r.Seed([]netip.Addr{ip("10.0.0.1"), ip("10.0.0.2")})
	r.Admit(ip("10.0.0.3"), conn)
	base := changes.Load()

	policy := EvictionFunc(func(_, _ []domain.PeerInfo, _ Limits) []netip.Addr {
		return []netip.Addr{ip("10.0.0.1"), ip("10.0.0.3"), ip("10.9.9.9")}
	})

	n, err := r.Enforce(policy, Limits{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, base+1, changes.Load())

	ips, _ := r.SnapshotIPs()
	assert.Equal(t, []netip.Addr{ip("10.0.0.2"), ip("10.0.0.3")}, ips)
}

func TestEnforce_NilPolicy(t *testing.T) {
	r, _ := newCounting()
	n, err := r.Enforce(nil, Limits{})
	assert.NoError(t, err)
	assert.Zero(t, n)
}
