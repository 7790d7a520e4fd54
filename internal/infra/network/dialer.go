package network

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/semaphore"

	"github.com/tutu-network/peerd/internal/domain"
	"github.com/tutu-network/peerd/internal/infra/metrics"
)

// PeerTable is the registry surface the dialer needs.
type PeerTable interface {
	Candidates() ([]netip.Addr, error)
	Transition(ip netip.Addr, sig domain.Signal, conn net.Conn) (domain.PeerStatus, error)
}

// DialConfig configures a DialLoop.
type DialConfig struct {
	Port        int           // remote port dialed on every candidate
	Timeout     time.Duration // per-dial timeout (default 5s)
	Interval    time.Duration // pause between passes (default 10s)
	MaxAttempts int64         // concurrent dials (default 8)
}

func (c *DialConfig) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
}

// DialLoop periodically dials every idle peer and emits the sockets it
// opens as outgoing events.
type DialLoop struct {
	cfg    DialConfig
	table  PeerTable
	queue  *EventQueue
	dialer domain.Dialer
	slots  *semaphore.Weighted
	log    logr.Logger

	// BeforePass runs at the start of every pass (eviction).
	BeforePass func()

	sendFailed atomic.Bool
}

// NewDialLoop creates a dial loop. A nil dialer uses net.Dialer.
func NewDialLoop(cfg DialConfig, table PeerTable, queue *EventQueue, dialer domain.Dialer, log logr.Logger) *DialLoop {
	cfg.setDefaults()
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &DialLoop{
		cfg:    cfg,
		table:  table,
		queue:  queue,
		dialer: dialer,
		slots:  semaphore.NewWeighted(cfg.MaxAttempts),
		log:    log,
	}
}

// Run dials immediately and then every Interval until ctx is cancelled or
// the event queue stops accepting events.
func (d *DialLoop) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := d.Pass(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Pass dials every current candidate once, at most MaxAttempts at a time,
// and returns when all of them have finished. It returns
// domain.ErrSendFailed if an event could not be delivered.
func (d *DialLoop) Pass(ctx context.Context) error {
	if d.BeforePass != nil {
		d.BeforePass()
	}

	candidates, err := d.table.Candidates()
	if err != nil {
		d.log.Error(err, "cannot list dial candidates")
		return nil
	}
	if len(candidates) > 0 {
		d.log.V(1).Info("dial pass", "candidates", len(candidates))
	}

	var wg sync.WaitGroup
	for _, ip := range candidates {
		if d.sendFailed.Load() {
			break
		}
		if err := d.slots.Acquire(ctx, 1); err != nil {
			break
		}
		if _, err := d.table.Transition(ip, domain.SignalDialStart, nil); err != nil {
			// Raced with feedback or inbound admission.
			d.slots.Release(1)
			continue
		}

		wg.Add(1)
		go func(ip netip.Addr) {
			defer wg.Done()
			defer d.slots.Release(1)
			d.dial(ctx, ip)
		}(ip)
	}
	wg.Wait()

	if d.sendFailed.Load() {
		return domain.ErrSendFailed
	}
	return nil
}

func (d *DialLoop) dial(ctx context.Context, ip netip.Addr) {
	metrics.DialsInFlight.Inc()
	defer metrics.DialsInFlight.Dec()

	addr := netip.AddrPortFrom(ip, uint16(d.cfg.Port)).String()
	// A dial already running outlives Stop and ends on its own timeout.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.Timeout)
	defer cancel()

	start := time.Now()
	conn, err := d.dialer.DialContext(dctx, "tcp", addr)
	metrics.DialLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DialAttempts.WithLabelValues("failed").Inc()
		d.log.V(1).Info("dial failed", "addr", addr, "err", err.Error())
		d.table.Transition(ip, domain.SignalDialFailed, nil)
		return
	}

	if _, err := d.table.Transition(ip, domain.SignalDialSucceeded, conn); err != nil {
		// The peer was banned or replaced while we were dialing.
		metrics.DialAttempts.WithLabelValues("dropped").Inc()
		conn.Close()
		return
	}
	metrics.DialAttempts.WithLabelValues("ok").Inc()

	ev := domain.NewEvent(ip, conn, true)
	if err := d.queue.Send(ev); err != nil {
		d.sendFailed.Store(true)
		d.log.Info("event channel closed, dropping outbound connection", "addr", addr)
		// Closed releases and closes the socket held by the registry.
		d.table.Transition(ip, domain.SignalClosed, nil)
		return
	}
	d.log.V(1).Info("outbound connection established", "addr", addr, "event", ev.ID.String())
}
