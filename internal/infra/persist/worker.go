// Package persist flushes the peer registry to the peer file.
//
// Mutations set a dirty flag; the worker writes on a fixed interval only
// when the flag is set, and clears it only after the write succeeds.
package persist

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/tutu-network/peerd/internal/domain"
	"github.com/tutu-network/peerd/internal/infra/metrics"
	"github.com/tutu-network/peerd/internal/infra/peerfile"
)

// DefaultInterval is used when Options.Interval is zero.
const DefaultInterval = 30 * time.Second

// Options configures a Worker.
type Options struct {
	Path     string
	Interval time.Duration
	Logger   logr.Logger
	// Journal, if set, receives the status snapshot after each successful write.
	Journal domain.Journal
}

// Worker owns the dirty flag and the periodic flush.
type Worker struct {
	path     string
	interval time.Duration
	log      logr.Logger
	journal  domain.Journal

	dirty  atomic.Bool
	writes atomic.Int64

	// write is swapped out by tests.
	write func(path string, ips []netip.Addr) error
}

// NewWorker creates a worker for the peer file at opts.Path.
func NewWorker(opts Options) *Worker {
	w := &Worker{
		path:     opts.Path,
		interval: opts.Interval,
		log:      opts.Logger,
		journal:  opts.Journal,
		write:    peerfile.Write,
	}
	if w.interval <= 0 {
		w.interval = DefaultInterval
	}
	if w.log.GetSink() == nil {
		w.log = logr.Discard()
	}
	return w
}

// MarkDirty records that the registry has unflushed changes.
func (w *Worker) MarkDirty() { w.dirty.Store(true) }

// Dirty reports whether a flush is pending.
func (w *Worker) Dirty() bool { return w.dirty.Load() }

// Writes returns the number of successful peer file writes.
func (w *Worker) Writes() int64 { return w.writes.Load() }

// Path returns the peer file location.
func (w *Worker) Path() string { return w.path }

// Flush writes the current peer set if the registry is dirty. On failure the
// flag is set again so the next tick retries.
func (w *Worker) Flush(src domain.PeerSource) error {
	if !w.dirty.Swap(false) {
		return nil
	}

	ips, err := src.SnapshotIPs()
	if err != nil {
		w.dirty.Store(true)
		metrics.PeerFileFlushes.WithLabelValues("error").Inc()
		return fmt.Errorf("snapshot peers: %w", err)
	}
	if err := w.write(w.path, ips); err != nil {
		w.dirty.Store(true)
		metrics.PeerFileFlushes.WithLabelValues("error").Inc()
		return fmt.Errorf("flush peers: %w", err)
	}
	w.writes.Add(1)
	metrics.PeerFileFlushes.WithLabelValues("ok").Inc()
	w.log.V(1).Info("peer file written", "file", w.path, "peers", len(ips))

	if w.journal != nil {
		w.recordJournal(src)
	}
	return nil
}

func (w *Worker) recordJournal(src domain.PeerSource) {
	snap, err := src.Snapshot()
	if err == nil {
		err = w.journal.RecordPeers(snap)
	}
	if err != nil {
		w.log.Error(err, "journal update failed")
	}
}

// Run flushes every interval until ctx is cancelled, then flushes once more.
// A poisoned registry stops the worker.
func (w *Worker) Run(ctx context.Context, src domain.PeerSource) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := w.Flush(src); err != nil {
				w.log.Error(err, "final flush failed")
			}
			return
		case <-ticker.C:
			if !w.dirty.Load() {
				continue
			}
			err := w.Flush(src)
			switch {
			case errors.Is(err, domain.ErrLockPoisoned):
				w.log.Error(err, "registry poisoned, persistence stopped")
				return
			case err != nil:
				w.log.Error(err, "flush failed, will retry")
			}
		}
	}
}
