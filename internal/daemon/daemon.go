package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"

	"github.com/tutu-network/peerd/internal/api"
	"github.com/tutu-network/peerd/internal/app/controller"
	"github.com/tutu-network/peerd/internal/health"
	"github.com/tutu-network/peerd/internal/infra/sqlite"
)

// Daemon is the peerd runtime. It wires the peer controller to the status
// journal, the health checker, the HTTP API and the session loop.
type Daemon struct {
	Config     Config
	Log        logr.Logger
	DB         *sqlite.DB // nil when the journal is disabled
	Controller *controller.Controller
	Health     *health.Checker
	Server     *api.Server
	Session    *Session

	cancel  context.CancelFunc
	ready   chan struct{}
	apiAddr net.Addr
}

// NewLogger builds the process logger on top of the stdlib log package.
func NewLogger(verbosity int) logr.Logger {
	stdr.SetVerbosity(verbosity)
	return stdr.New(log.New(os.Stderr, "", log.LstdFlags)).WithName("peerd")
}

// New loads the config file and creates a Daemon.
func New(ctx context.Context) (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return NewWithConfig(ctx, cfg, nil)
}

// NewWithConfig creates a Daemon with the given configuration. A nil
// handshake accepts every connection.
func NewWithConfig(ctx context.Context, cfg Config, handshake HandshakeFunc) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := NewLogger(cfg.Logging.Verbosity)

	d := &Daemon{Config: cfg, Log: logger, ready: make(chan struct{})}

	ccfg := cfg.ControllerConfig()
	ccfg.Logger = logger
	var pinger health.Pinger
	if cfg.Journal.Enabled {
		db, err := sqlite.Open(peerdHome())
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		d.DB = db
		ccfg.Journal = db
		pinger = db
	}

	ctrl, err := controller.New(ctx, ccfg)
	if err != nil {
		d.closeDB()
		return nil, err
	}
	d.Controller = ctrl

	if d.DB != nil {
		if err := d.DB.SetNodeInfo("listen_addr", ctrl.ListenAddr().String()); err != nil {
			logger.Error(err, "journal node info")
		}
		if err := d.DB.SetNodeInfo("started_at", time.Now().UTC().Format(time.RFC3339)); err != nil {
			logger.Error(err, "journal node info")
		}
	}

	d.Health = health.NewChecker(ctrl, pinger, logger)
	d.Server = api.NewServer(ctrl)
	d.Server.SetHealth(d.Health)
	if cfg.API.Metrics {
		d.Server.EnableMetrics()
	}
	d.Session = NewSession(ctrl, handshake, cfg.HandshakeTimeout(), logger)
	return d, nil
}

// Ready is closed once Serve has bound the API listener (or skipped it).
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// APIAddr returns the bound API address; nil before Ready or when disabled.
func (d *Daemon) APIAddr() net.Addr {
	select {
	case <-d.ready:
		return d.apiAddr
	default:
		return nil
	}
}

// Serve runs the session loop and the HTTP server until ctx is cancelled or
// the process is signalled, then shuts the controller down.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	go d.Health.Run(ctx)

	sessionDone := make(chan error, 1)
	go func() { sessionDone <- d.Session.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var httpServer *http.Server
	serveErr := make(chan error, 1)
	if d.Config.API.Enabled {
		addr := net.JoinHostPort(d.Config.API.Host, fmt.Sprint(d.Config.API.Port))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			close(d.ready)
			d.shutdown(nil)
			return fmt.Errorf("api listen: %w", err)
		}
		d.apiAddr = ln.Addr()
		httpServer = &http.Server{
			Handler:      d.Server.Handler(),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  2 * time.Minute,
		}
		go func() {
			if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}
	close(d.ready)

	fmt.Printf("peerd listening for peers on %s\n", d.Controller.ListenAddr())
	if d.apiAddr != nil {
		fmt.Printf("  Status API: http://%s/api/status\n", d.apiAddr)
		if d.Config.API.Metrics {
			fmt.Printf("  Metrics:    http://%s/metrics\n", d.apiAddr)
		}
	}

	var err error
	select {
	case <-sigCh:
	case <-ctx.Done():
	case err = <-serveErr:
	case err = <-sessionDone:
		if err != nil {
			err = fmt.Errorf("session: %w", err)
		}
	}

	d.shutdown(httpServer)
	return err
}

func (d *Daemon) shutdown(httpServer *http.Server) {
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}
	if d.cancel != nil {
		d.cancel()
	}
	if err := d.Controller.Close(); err != nil {
		d.Log.Error(err, "controller close")
	}
	d.Session.Wait()
}

// Close shuts down all daemon resources. The journal closes last so the
// controller's final flush can still record to it.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.Controller != nil {
		_ = d.Controller.Close()
	}
	d.closeDB()
}

func (d *Daemon) closeDB() {
	if d.DB != nil {
		_ = d.DB.Close()
		d.DB = nil
	}
}
