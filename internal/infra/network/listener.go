package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/semaphore"

	"github.com/tutu-network/peerd/internal/domain"
	"github.com/tutu-network/peerd/internal/infra/metrics"
)

// ListenConfig configures a Listener.
type ListenConfig struct {
	Host        string // default 0.0.0.0
	Port        int
	MaxAttempts int64 // accepted sockets not yet taken by the consumer (default 16)
}

// Listener accepts inbound sockets and emits them as incoming events.
type Listener struct {
	ln    net.Listener
	queue *EventQueue
	slots *semaphore.Weighted
	log   logr.Logger
}

// Listen binds the listening socket. A bind failure is returned to the
// caller; nothing is retried.
func Listen(cfg ListenConfig, queue *EventQueue, log logr.Logger) (*Listener, error) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 16
	}
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	log.Info("listening for peers", "addr", ln.Addr().String())
	return &Listener{
		ln:    ln,
		queue: queue,
		slots: semaphore.NewWeighted(cfg.MaxAttempts),
		log:   log,
	}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops the accept loop.
func (l *Listener) Close() error { return l.ln.Close() }

// Run accepts connections until the listener is closed or the queue stops
// accepting events. Closing ctx closes the listener.
func (l *Listener) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { l.ln.Close() })
	defer stop()

	for {
		conn, err := l.ln.Accept()
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		if err != nil {
			l.log.Error(err, "accept failed")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if err := l.handle(conn); err != nil {
			return err
		}
	}
}

func (l *Listener) handle(conn net.Conn) error {
	metrics.InboundConnections.WithLabelValues("accepted").Inc()

	ip, err := remoteIP(conn)
	if err != nil {
		l.log.Error(err, "unusable remote address")
		conn.Close()
		return nil
	}
	if !l.slots.TryAcquire(1) {
		metrics.InboundConnections.WithLabelValues("rejected").Inc()
		l.log.V(1).Info("too many pending inbound connections", "ip", ip)
		conn.Close()
		return nil
	}

	var once sync.Once
	ev := domain.NewEvent(ip, conn, false).WithRelease(func() {
		once.Do(func() { l.slots.Release(1) })
	})
	if err := l.queue.Send(ev); err != nil {
		ev.Release()
		conn.Close()
		return err
	}
	l.log.V(1).Info("inbound connection", "ip", ip, "event", ev.ID.String())
	return nil
}

func remoteIP(conn net.Conn) (netip.Addr, error) {
	ap, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		return netip.Addr{}, fmt.Errorf("remote address %q: %w", conn.RemoteAddr(), err)
	}
	return ap.Addr().Unmap(), nil
}
