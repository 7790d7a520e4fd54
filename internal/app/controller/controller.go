// Package controller is the public face of the peer network.
//
// A Controller owns the registry, the persistence worker and the connection
// orchestrator. Callers drain candidate connections with WaitEvent and
// report what happened to them through the Feedback methods.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/netip"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/go-logr/logr"

	"github.com/tutu-network/peerd/internal/domain"
	"github.com/tutu-network/peerd/internal/infra/metrics"
	"github.com/tutu-network/peerd/internal/infra/network"
	"github.com/tutu-network/peerd/internal/infra/persist"
	"github.com/tutu-network/peerd/internal/infra/registry"
)

// ─── Configuration ──────────────────────────────────────────────────────────

// Config is everything the controller needs at construction.
type Config struct {
	PeersFile   string
	ListenHost  string // default 0.0.0.0
	ListenPort  int
	DialPort    int      // 0 means ListenPort
	TargetPeers []string // seeded as idle peers at startup

	MaxIncoming    int
	MaxOutAttempts int
	MaxInAttempts  int
	MaxIdlePeers   int
	MaxBannedPeers int

	FlushInterval time.Duration
	DialInterval  time.Duration
	DialTimeout   time.Duration

	// Eviction decides which idle/banned peers to forget. Nil keeps all.
	Eviction registry.EvictionPolicy
	// Dialer opens outbound sockets. Nil uses net.Dialer.
	Dialer domain.Dialer
	// Journal, if set, receives peer status after every flush.
	Journal domain.Journal
	Logger  logr.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PeersFile:      "peers.json",
		ListenPort:     4545,
		MaxIncoming:    32,
		MaxOutAttempts: 8,
		MaxInAttempts:  16,
		MaxIdlePeers:   1000,
		MaxBannedPeers: 100,
		FlushInterval:  30 * time.Second,
		DialInterval:   10 * time.Second,
		DialTimeout:    5 * time.Second,
	}
}

// ─── Controller ─────────────────────────────────────────────────────────────

// Controller wires the registry, persistence and connection producers.
type Controller struct {
	cfg    Config
	log    logr.Logger
	reg    *registry.Registry
	worker *persist.Worker
	orch   *network.Orchestrator

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New loads the peer file, seeds the target peers, binds the listener and
// starts the background tasks. It returns once all of them are running.
func New(ctx context.Context, cfg Config) (*Controller, error) {
	log := cfg.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	if cfg.DialPort == 0 {
		cfg.DialPort = cfg.ListenPort
	}
	if cfg.Eviction == nil {
		cfg.Eviction = registry.KeepAll{}
	}

	worker := persist.NewWorker(persist.Options{
		Path:     cfg.PeersFile,
		Interval: cfg.FlushInterval,
		Logger:   log.WithName("persist"),
		Journal:  cfg.Journal,
	})

	regOpts := registry.Options{Logger: log.WithName("registry"), OnChange: worker.MarkDirty}
	reg, err := registry.Load(cfg.PeersFile, regOpts)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// First run; the first flush creates the file. Other read errors stay fatal.
		log.Info("no peer file yet, starting empty", "file", cfg.PeersFile)
		reg = registry.New(regOpts)
	case err != nil:
		return nil, err
	}

	targets := make([]netip.Addr, 0, len(cfg.TargetPeers))
	for _, s := range cfg.TargetPeers {
		ip, err := domain.ParseIP(s)
		if err != nil {
			return nil, fmt.Errorf("target peers: %w", err)
		}
		targets = append(targets, ip)
	}
	if _, err := reg.Seed(targets); err != nil {
		return nil, err
	}

	orch, err := network.NewOrchestrator(
		network.DialConfig{
			Port:        cfg.DialPort,
			Timeout:     cfg.DialTimeout,
			Interval:    cfg.DialInterval,
			MaxAttempts: int64(cfg.MaxOutAttempts),
		},
		network.ListenConfig{
			Host:        cfg.ListenHost,
			Port:        cfg.ListenPort,
			MaxAttempts: int64(cfg.MaxInAttempts),
		},
		reg, cfg.Dialer, log,
	)
	if err != nil {
		return nil, err
	}

	c := &Controller{cfg: cfg, log: log.WithName("controller"), reg: reg, worker: worker, orch: orch}
	limits := registry.Limits{MaxIdlePeers: cfg.MaxIdlePeers, MaxBannedPeers: cfg.MaxBannedPeers}
	orch.DialLoop().BeforePass = func() {
		if _, err := reg.Enforce(cfg.Eviction, limits); err != nil {
			c.log.Error(err, "eviction failed")
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		worker.Run(runCtx, reg)
	}()
	orch.Start(runCtx)

	known, _ := reg.Len()
	c.log.Info("controller started", "listen", orch.Addr().String(), "peers", known)
	return c, nil
}

// ─── Events ─────────────────────────────────────────────────────────────────

// WaitEvent returns the next candidate connection. Inbound sockets are
// admitted here: over MaxIncoming, or from a peer that cannot take a new
// socket, they are closed and skipped. Returns domain.ErrChannelClosed once
// the controller is shutting down.
func (c *Controller) WaitEvent(ctx context.Context) (domain.Event, error) {
	for {
		ev, err := c.orch.Queue().Recv(ctx)
		if err != nil {
			return domain.Event{}, err
		}
		if ev.Outgoing {
			return ev, nil
		}

		ev.Release()
		ok, err := c.admit(ev)
		if err != nil {
			return domain.Event{}, err
		}
		if ok {
			return ev, nil
		}
	}
}

func (c *Controller) admit(ev domain.Event) (bool, error) {
	if c.cfg.MaxIncoming > 0 {
		n, err := c.reg.IncomingCount()
		if err != nil {
			ev.Conn.Close()
			return false, err
		}
		if n >= c.cfg.MaxIncoming {
			metrics.InboundConnections.WithLabelValues("rejected").Inc()
			c.log.Info("rejecting inbound connection, incoming limit reached", "ip", ev.IP, "limit", c.cfg.MaxIncoming)
			ev.Conn.Close()
			return false, nil
		}
	}

	if _, err := c.reg.Admit(ev.IP, ev.Conn); err != nil {
		ev.Conn.Close()
		if errors.Is(err, domain.ErrLockPoisoned) {
			return false, err
		}
		metrics.InboundConnections.WithLabelValues("rejected").Inc()
		return false, nil
	}
	metrics.InboundConnections.WithLabelValues("admitted").Inc()
	return true, nil
}

// ─── Peers ──────────────────────────────────────────────────────────────────

// AddPeer inserts or replaces the peer at ip. With a connection the peer
// starts in IN_HANDSHAKING; without, it is idle and will be dialed.
func (c *Controller) AddPeer(ip string, conn net.Conn) error {
	p, err := domain.NewPeer(ip)
	if err != nil {
		return err
	}
	if conn != nil {
		if _, err := p.Apply(domain.SignalInbound, conn, time.Now()); err != nil {
			return err
		}
	}
	return c.reg.InsertOrReplace(p)
}

// SeedPeer adds ip as an idle peer only if it is unknown, and reports
// whether it was added. A known peer keeps its status and socket, so a
// banned peer stays banned.
func (c *Controller) SeedPeer(ip string) (bool, error) {
	addr, err := domain.ParseIP(ip)
	if err != nil {
		return false, err
	}
	n, err := c.reg.Seed([]netip.Addr{addr})
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FeedbackAlive reports a completed handshake or a live session.
func (c *Controller) FeedbackAlive(ip netip.Addr) error {
	return c.feedback(ip, domain.SignalAlive)
}

// FeedbackBanned bans the peer and drops its socket.
func (c *Controller) FeedbackBanned(ip netip.Addr) error {
	return c.feedback(ip, domain.SignalBanned)
}

// FeedbackFailed reports a failed handshake or session.
func (c *Controller) FeedbackFailed(ip netip.Addr) error {
	return c.feedback(ip, domain.SignalFailed)
}

// FeedbackClosed reports a clean close.
func (c *Controller) FeedbackClosed(ip netip.Addr) error {
	return c.feedback(ip, domain.SignalClosed)
}

// feedback applies sig. Unknown peers and illegal moves are logged by the
// registry and treated as no-ops; only a poisoned registry is an error.
func (c *Controller) feedback(ip netip.Addr, sig domain.Signal) error {
	metrics.Feedback.WithLabelValues(sig.String()).Inc()
	_, err := c.reg.Transition(ip, sig, nil)
	if errors.Is(err, domain.ErrLockPoisoned) {
		return err
	}
	return nil
}

// GoodPeerIPs returns the peers with a completed handshake.
func (c *Controller) GoodPeerIPs() mapset.Set[netip.Addr] {
	good, err := c.reg.GoodIPs()
	if err != nil {
		c.log.Error(err, "cannot list good peers")
		return mapset.NewSet[netip.Addr]()
	}
	return good
}

// Peers returns a socket-free snapshot of every known peer.
func (c *Controller) Peers() ([]domain.PeerInfo, error) {
	return c.reg.Snapshot()
}

// Source exposes the registry read side for status endpoints.
func (c *Controller) Source() domain.PeerSource { return c.reg }

// ─── Status ─────────────────────────────────────────────────────────────────

// Stats summarizes the controller state.
type Stats struct {
	Listen   string         `json:"listen"`
	Known    int            `json:"known"`
	Good     int            `json:"good"`
	Incoming int            `json:"incoming"`
	ByStatus map[string]int `json:"by_status"`
	Dirty    bool           `json:"dirty"`
	Flushes  int64          `json:"flushes"`
	Poisoned bool           `json:"poisoned"`
}

// Stats returns a point-in-time summary.
func (c *Controller) Stats() (Stats, error) {
	st := Stats{
		Listen:   c.orch.Addr().String(),
		ByStatus: make(map[string]int),
		Dirty:    c.worker.Dirty(),
		Flushes:  c.worker.Writes(),
		Poisoned: c.reg.Poisoned(),
	}
	peers, err := c.reg.Snapshot()
	if err != nil {
		return st, err
	}
	st.Known = len(peers)
	for _, p := range peers {
		st.ByStatus[p.Status.String()]++
		if p.Status.IsAlive() {
			st.Good++
		}
		if p.Status.IsIncoming() {
			st.Incoming++
		}
	}
	return st, nil
}

// ListenAddr returns the bound listening address.
func (c *Controller) ListenAddr() net.Addr { return c.orch.Addr() }

// PeersFile returns the peer file path.
func (c *Controller) PeersFile() string { return c.cfg.PeersFile }

// Poisoned reports whether the registry is unusable.
func (c *Controller) Poisoned() bool { return c.reg.Poisoned() }

// ─── Shutdown ───────────────────────────────────────────────────────────────

// Close stops dialing and listening, closes every socket the controller
// still owns, and flushes the peer file one last time. Subsequent
// WaitEvent calls return domain.ErrChannelClosed.
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.orch.Stop()
		for _, ev := range c.orch.Queue().Drain() {
			ev.Release()
			if !ev.Outgoing && ev.Conn != nil {
				ev.Conn.Close()
			}
		}
		err = c.reg.CloseAll()
		c.cancel()
		c.wg.Wait()
		c.log.Info("controller stopped")
	})
	return err
}
