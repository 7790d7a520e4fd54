package daemon

import (
	"context"
	"errors"
	"io"
	"net/netip"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/tutu-network/peerd/internal/domain"
)

// HandshakeFunc negotiates the protocol on a fresh connection. A nil error
// marks the peer alive.
type HandshakeFunc func(ctx context.Context, ev domain.Event) error

// NopHandshake accepts every connection.
func NopHandshake(context.Context, domain.Event) error { return nil }

// EventSource is the controller surface a session drives.
type EventSource interface {
	WaitEvent(ctx context.Context) (domain.Event, error)
	FeedbackAlive(ip netip.Addr) error
	FeedbackFailed(ip netip.Addr) error
	FeedbackClosed(ip netip.Addr) error
}

// Session consumes controller events and reports each connection's
// lifecycle back. It stands in for a real protocol layer: the handshake is
// pluggable and the socket is otherwise only read until it closes.
type Session struct {
	src       EventSource
	handshake HandshakeFunc
	timeout   time.Duration
	log       logr.Logger

	wg sync.WaitGroup
}

// NewSession creates a session. A nil handshake means NopHandshake.
func NewSession(src EventSource, handshake HandshakeFunc, timeout time.Duration, log logr.Logger) *Session {
	if handshake == nil {
		handshake = NopHandshake
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Session{
		src:       src,
		handshake: handshake,
		timeout:   timeout,
		log:       log.WithName("session"),
	}
}

// Run drains events until the controller closes or ctx is cancelled. It
// returns nil on a clean controller shutdown.
func (s *Session) Run(ctx context.Context) error {
	for {
		ev, err := s.src.WaitEvent(ctx)
		if err != nil {
			if errors.Is(err, domain.ErrChannelClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(ctx, ev)
		}()
	}
}

// Wait blocks until every connection handler has returned.
func (s *Session) Wait() { s.wg.Wait() }

func (s *Session) serve(ctx context.Context, ev domain.Event) {
	log := s.log.WithValues("ip", ev.IP, "dir", ev.Direction(), "event", ev.ID)

	hctx, cancel := context.WithTimeout(ctx, s.timeout)
	err := s.handshake(hctx, ev)
	cancel()
	if err != nil {
		log.V(1).Info("handshake failed", "err", err)
		s.report(log, s.src.FeedbackFailed(ev.IP))
		return
	}
	s.report(log, s.src.FeedbackAlive(ev.IP))
	log.V(1).Info("peer alive")

	_, err = io.Copy(io.Discard, ev.Conn)
	log.V(1).Info("connection closed", "err", err)
	s.report(log, s.src.FeedbackClosed(ev.IP))
}

func (s *Session) report(log logr.Logger, err error) {
	if err != nil {
		log.Error(err, "feedback rejected")
	}
}
