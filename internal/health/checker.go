// Package health runs periodic self-checks on the daemon: peer file
// directory, peer registry, listener and (when enabled) the status journal.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/tutu-network/peerd/internal/infra/metrics"
)

// Check defines a single health check with optional recovery action.
type Check struct {
	Name      string
	CheckFn   func(ctx context.Context) error
	RecoverFn func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Target is the part of the controller the checks inspect.
type Target interface {
	PeersFile() string
	ListenAddr() net.Addr
	Poisoned() bool
}

// Pinger is satisfied by *sqlite.DB.
type Pinger interface {
	Ping() error
}

// Checker runs periodic health checks with auto-recovery.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
	log      logr.Logger
}

// NewChecker creates a checker for target. journal may be nil.
func NewChecker(target Target, journal Pinger, log logr.Logger) *Checker {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	checks := []Check{
		{
			Name: "peers_file",
			CheckFn: func(ctx context.Context) error {
				return checkWritableDir(filepath.Dir(target.PeersFile()))
			},
			RecoverFn: func(ctx context.Context) error {
				return os.MkdirAll(filepath.Dir(target.PeersFile()), 0o700)
			},
		},
		{
			Name: "registry",
			CheckFn: func(ctx context.Context) error {
				if target.Poisoned() {
					return errors.New("peer registry is poisoned")
				}
				return nil
			},
		},
		{
			Name: "listener",
			CheckFn: func(ctx context.Context) error {
				if target.ListenAddr() == nil {
					return errors.New("listener not bound")
				}
				return nil
			},
		},
	}
	if journal != nil {
		checks = append(checks, Check{
			Name: "journal",
			CheckFn: func(ctx context.Context) error {
				return journal.Ping()
			},
			RecoverFn: func(ctx context.Context) error {
				return nil // SQLite auto-recovers via WAL
			},
		})
	}
	return &Checker{interval: 60 * time.Second, checks: checks, log: log}
}

// Run starts the health check loop. Call in a goroutine.
func (c *Checker) Run(ctx context.Context) {
	c.runAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runAll(ctx)
		}
	}
}

func (c *Checker) runAll(ctx context.Context) {
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		s := Status{Name: check.Name, CheckedAt: time.Now(), Healthy: true}
		if err := check.CheckFn(ctx); err != nil {
			s.Healthy = false
			s.Error = err.Error()
			c.log.Info("health check failed", "check", check.Name, "err", s.Error)
			if check.RecoverFn != nil {
				if rerr := check.RecoverFn(ctx); rerr != nil {
					c.log.Error(rerr, "recovery failed", "check", check.Name)
				}
			}
		}
		gauge := 0.0
		if s.Healthy {
			gauge = 1
		}
		metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(gauge)
		statuses[i] = s
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ─── Check Implementations ──────────────────────────────────────────────────

// checkWritableDir passes when dir is missing (the first flush creates it)
// or is a directory we can create files in.
func checkWritableDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("check peer dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	f, err := os.CreateTemp(dir, ".peerd-health-*")
	if err != nil {
		return fmt.Errorf("peer dir not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
