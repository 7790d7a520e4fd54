package network

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/go-logr/logr"

	"github.com/tutu-network/peerd/internal/domain"
)

// Orchestrator runs the dial loop and the listener against one queue and
// closes the queue once both have exited.
type Orchestrator struct {
	queue    *EventQueue
	dialer   *DialLoop
	listener *Listener
	log      logr.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewOrchestrator binds the listener and prepares the dial loop. Nothing
// runs until Start.
func NewOrchestrator(dial DialConfig, listen ListenConfig, table PeerTable, dialer domain.Dialer, log logr.Logger) (*Orchestrator, error) {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	queue := NewEventQueue()
	l, err := Listen(listen, queue, log.WithName("listener"))
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		queue:    queue,
		dialer:   NewDialLoop(dial, table, queue, dialer, log.WithName("dialer")),
		listener: l,
		log:      log,
		done:     make(chan struct{}),
	}, nil
}

// Queue returns the event queue both producers feed.
func (o *Orchestrator) Queue() *EventQueue { return o.queue }

// Addr returns the listener's bound address.
func (o *Orchestrator) Addr() net.Addr { return o.listener.Addr() }

// DialLoop exposes the dial loop so callers can install a BeforePass hook
// before Start.
func (o *Orchestrator) DialLoop() *DialLoop { return o.dialer }

// Start launches both producers.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := o.dialer.Run(ctx); err != nil {
			o.log.Info("dial loop stopped", "reason", err.Error())
		}
	}()
	go func() {
		defer wg.Done()
		if err := o.listener.Run(ctx); err != nil && !errors.Is(err, domain.ErrSendFailed) {
			o.log.Error(err, "listener stopped")
		}
	}()
	go func() {
		wg.Wait()
		o.queue.Close()
		close(o.done)
	}()
}

// Stop cancels both producers, closes the listening socket and waits for
// in-flight dials to finish.
func (o *Orchestrator) Stop() {
	o.once.Do(func() {
		if o.cancel == nil {
			o.listener.Close()
			o.queue.Close()
			close(o.done)
			return
		}
		o.cancel()
		o.listener.Close()
	})
	<-o.done
}

// Done is closed once both producers have exited.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }
