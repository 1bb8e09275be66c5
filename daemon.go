//go:build linux || darwin

package appz

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/renameio/v2"
	"vawter.tech/stopper"
)

// DaemonOption configures a Daemon
type DaemonOption func(*Daemon)

// WithDaemonLogger replaces the daemon's default logger, which writes to
// stderr and to the reserved "appz" log relay
func WithDaemonLogger(l *slog.Logger) DaemonOption {
	return func(d *Daemon) {
		d.logger = l
	}
}

// WithLogOutput sets where the default logger writes besides the relay
func WithLogOutput(w io.Writer) DaemonOption {
	return func(d *Daemon) {
		d.logOutput = w
	}
}

// Daemon serves the control socket and owns the supervisor
type Daemon struct {
	cfg       DaemonConfig
	logger    *slog.Logger
	logOutput io.Writer

	registry *Registry
	logs     *LogManager
	journal  *SQLJournal
	sup      *Supervisor
	disp     *Dispatcher

	// ctx is the parent of every command; cancelled on shutdown
	ctx    context.Context
	cancel context.CancelCauseFunc

	listener net.Listener
	pidPath  string
	httpSrv  *http.Server
	sctx     *stopper.Context

	mu       sync.Mutex
	channels map[*Channel]struct{}

	shutdownOnce sync.Once
	stopped      chan struct{}
}

// NewDaemon opens the registry, journal and logs below cfg.Home
func NewDaemon(cfg DaemonConfig, opts ...DaemonOption) (*Daemon, error) {
	if cfg.Home == "" {
		home, err := HomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home: %w", err)
		}
		cfg.Home = home
	}
	cfg.applyDefaults()

	d := &Daemon{
		cfg:       cfg,
		logOutput: os.Stderr,
		channels:  make(map[*Channel]struct{}),
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := os.MkdirAll(cfg.Home, DirMode); err != nil {
		return nil, fmt.Errorf("creating home: %w", err)
	}

	d.logs = NewLogManager(cfg.Home, nil)
	if d.logger == nil {
		relay, err := d.logs.Setup(ReservedName, filepath.Join(cfg.Home, ReservedName))
		if err != nil {
			return nil, err
		}
		handler := slog.NewTextHandler(io.MultiWriter(d.logOutput, relay.Stdout), &slog.HandlerOptions{Level: cfg.Level()})
		d.logger = slog.New(handler)
	}
	d.logs.logger = d.logger.With("component", "logs")

	registry, err := OpenRegistry(filepath.Join(cfg.Home, RegistryFile))
	if err != nil {
		return nil, err
	}
	d.registry = registry

	var journal Journal = nopJournal{}
	if !cfg.Journal.Disabled {
		j, err := OpenJournal(cfg.Journal.Path)
		if err != nil {
			return nil, err
		}
		if cfg.Journal.Retention > 0 {
			if n, err := j.Prune(cfg.Journal.Retention); err != nil {
				d.logger.Warn("pruning journal", "error", err)
			} else if n > 0 {
				d.logger.Debug("pruned journal", "events", n)
			}
		}
		d.journal = j
		journal = j
	}

	d.sup = NewSupervisor(cfg.Home, registry, d.logs,
		WithLogger(d.logger),
		WithJournal(journal),
		WithConcurrency(cfg.Concurrency),
		WithKillTimeout(cfg.KillTimeout),
		WithReviveBackoff(cfg.Revive.BackoffMin, cfg.Revive.BackoffMax),
		WithReviveLimit(cfg.Revive.Limit),
	)
	d.disp = NewDispatcher(d.sup,
		WithDispatcherLogger(d.logger),
		WithExitHandler(func() { go d.Shutdown() }),
	)

	d.ctx, d.cancel = context.WithCancelCause(context.Background())
	return d, nil
}

// Supervisor returns the daemon's supervisor
func (d *Daemon) Supervisor() *Supervisor {
	return d.sup
}

// Dispatcher returns the daemon's dispatcher
func (d *Daemon) Dispatcher() *Dispatcher {
	return d.disp
}

// SocketPath returns the control socket path
func (d *Daemon) SocketPath() string {
	return d.cfg.Socket
}

// Listen binds the control socket. If another daemon answers on it,
// ErrDaemonRunning is returned; a stale socket file is removed and the
// bind retried.
func (d *Daemon) Listen(ctx context.Context) error {
	path := d.cfg.Socket
	for attempt := 0; attempt < 2; attempt++ {
		l, err := net.Listen("unix", path)
		if err == nil {
			if err := os.Chmod(path, SecretMode); err != nil {
				d.logger.Warn("restricting socket permissions", "error", err)
			}
			d.listener = l
			return nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("listening on %s: %w", path, err)
		}

		probe := NewClient(path, WithMaxAttempts(1), WithDialTimeout(time.Second), WithAutoStart(false))
		if err := probe.Ping(ctx); err == nil {
			return ErrDaemonRunning
		}

		d.logger.Info("removing stale socket", "path", path)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing stale socket: %w", err)
		}
	}
	return fmt.Errorf("listening on %s: %w", path, syscall.EADDRINUSE)
}

// Serve accepts control connections until Shutdown completes. Cancelling
// ctx starts a shutdown.
func (d *Daemon) Serve(ctx context.Context) error {
	if d.listener == nil {
		if err := d.Listen(ctx); err != nil {
			return err
		}
	}

	pidPath := filepath.Join(d.cfg.Home, PIDFile)
	if err := renameio.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), FileMode); err != nil {
		d.logger.Warn("writing pid file", "error", err)
	} else {
		d.pidPath = pidPath
	}

	d.sctx = stopper.WithContext(context.Background())

	if d.cfg.HTTP.Addr != "" {
		if err := d.serveHTTP(); err != nil {
			d.logger.Error("status endpoint disabled", "addr", d.cfg.HTTP.Addr, "error", err)
		}
	}

	go func() {
		select {
		case <-ctx.Done():
			d.Shutdown()
		case <-d.stopped:
		}
	}()

	d.logger.Info("daemon started", "socket", d.cfg.Socket, "version", Version, "pid", os.Getpid())

	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				d.logger.Error("accepting connection", "error", err)
				go d.Shutdown()
			}
			break
		}
		d.sctx.Go(func(_ *stopper.Context) error {
			d.handle(conn)
			return nil
		})
	}

	<-d.stopped
	return nil
}

func (d *Daemon) serveHTTP() error {
	ln, err := net.Listen("tcp", d.cfg.HTTP.Addr)
	if err != nil {
		return err
	}
	d.httpSrv = &http.Server{
		Handler:           NewStatusRouter(d.sup, d.disp),
		ReadHeaderTimeout: 5 * time.Second,
	}
	d.logger.Info("status endpoint listening", "addr", ln.Addr().String())

	d.sctx.Go(func(_ *stopper.Context) error {
		if err := d.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("status endpoint failed", "error", err)
		}
		return nil
	})
	return nil
}

func (d *Daemon) handle(conn net.Conn) {
	ch := NewChannel(conn)

	d.mu.Lock()
	d.channels[ch] = struct{}{}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.channels, ch)
		d.mu.Unlock()
		_ = ch.Close()
	}()

	d.disp.Serve(d.ctx, ch)
}

// Shutdown stops accepting connections, kills all workers within the exit
// grace period and closes remaining connections. It is safe to call more
// than once; later calls wait for the first to finish.
func (d *Daemon) Shutdown() {
	d.shutdownOnce.Do(func() {
		grace := d.cfg.ExitGrace
		d.logger.Info("daemon shutting down", "grace", grace)

		ctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()

		if d.listener != nil {
			_ = d.listener.Close()
		}
		if d.httpSrv != nil {
			_ = d.httpSrv.Shutdown(ctx)
		}

		d.cancel(ErrShuttingDown)
		killed := d.sup.Shutdown(ctx, grace)
		d.logger.Info("workers stopped", "killed", killed)

		d.mu.Lock()
		for ch := range d.channels {
			_ = ch.Close()
		}
		d.mu.Unlock()

		if d.sctx != nil {
			d.sctx.Stop(grace)
			waited := make(chan struct{})
			go func() {
				_ = d.sctx.Wait()
				close(waited)
			}()
			select {
			case <-waited:
			case <-ctx.Done():
				d.logger.Warn("connections still open after grace period")
			}
		}

		if err := d.logs.Close(); err != nil {
			d.logger.Warn("closing logs", "error", err)
		}
		if d.journal != nil {
			_ = d.journal.Close()
		}
		if d.pidPath != "" {
			_ = os.Remove(d.pidPath)
		}

		close(d.stopped)
	})
	<-d.stopped
}
