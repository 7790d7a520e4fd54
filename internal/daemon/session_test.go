package daemon

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/peerd/internal/domain"
)

type fakeSource struct {
	events chan domain.Event

	mu       sync.Mutex
	feedback []string
}

func newFakeSource() *fakeSource {
	return &fakeSource{events: make(chan domain.Event, 4)}
}

func (f *fakeSource) WaitEvent(ctx context.Context) (domain.Event, error) {
	select {
	case ev, ok := <-f.events:
		if !ok {
			return domain.Event{}, domain.ErrChannelClosed
		}
		return ev, nil
	case <-ctx.Done():
		return domain.Event{}, ctx.Err()
	}
}

func (f *fakeSource) record(kind string, ip netip.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feedback = append(f.feedback, kind+" "+ip.String())
	return nil
}

func (f *fakeSource) FeedbackAlive(ip netip.Addr) error  { return f.record("alive", ip) }
func (f *fakeSource) FeedbackFailed(ip netip.Addr) error { return f.record("failed", ip) }
func (f *fakeSource) FeedbackClosed(ip netip.Addr) error { return f.record("closed", ip) }

func (f *fakeSource) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.feedback...)
}

func runSession(t *testing.T, s *Session) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	return done
}

func TestSession_AliveThenClosed(t *testing.T) {
	src := newFakeSource()
	s := NewSession(src, nil, time.Second, logr.Discard())
	done := runSession(t, s)

	local, remote := net.Pipe()
	ip := netip.MustParseAddr("10.0.0.1")
	src.events <- domain.NewEvent(ip, local, true)

	require.Eventually(t, func() bool { return len(src.seen()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"alive 10.0.0.1"}, src.seen())

	remote.Close()
	require.Eventually(t, func() bool { return len(src.seen()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "closed 10.0.0.1", src.seen()[1])

	close(src.events)
	require.NoError(t, <-done)
	s.Wait()
}

func TestSession_HandshakeFailure(t *testing.T) {
	src := newFakeSource()
	s := NewSession(src, func(context.Context, domain.Event) error {
		return errors.New("bad hello")
	}, time.Second, logr.Discard())
	done := runSession(t, s)

	local, remote := net.Pipe()
	defer remote.Close()
	src.events <- domain.NewEvent(netip.MustParseAddr("10.0.0.2"), local, false)
	close(src.events)

	require.NoError(t, <-done)
	s.Wait()
	assert.Equal(t, []string{"failed 10.0.0.2"}, src.seen())
}

func TestSession_HandshakeTimeout(t *testing.T) {
	src := newFakeSource()
	s := NewSession(src, func(ctx context.Context, _ domain.Event) error {
		<-ctx.Done()
		return ctx.Err()
	}, 20*time.Millisecond, logr.Discard())
	done := runSession(t, s)

	local, remote := net.Pipe()
	defer remote.Close()
	src.events <- domain.NewEvent(netip.MustParseAddr("10.0.0.3"), local, true)
	close(src.events)

	require.NoError(t, <-done)
	s.Wait()
	assert.Equal(t, []string{"failed 10.0.0.3"}, src.seen())
}

func TestSession_StopsOnCancel(t *testing.T) {
	src := newFakeSource()
	s := NewSession(src, nil, 0, logr.Discard())
	assert.Equal(t, 10*time.Second, s.timeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, s.Run(ctx))
}
