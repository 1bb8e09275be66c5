//go:build linux || darwin

package appz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/throw-out-error/appz/internal/unix"
)

// interruptWait bounds how long a client waits for the daemon to answer
// after forwarding SIGINT
const interruptWait = 15 * time.Second

// DaemonBinary is the daemon executable name used for auto-start
const DaemonBinary = "appzd"

// Client talks to the daemon over its control socket. Every call opens
// its own connection.
type Client struct {
	// SocketPath is the daemon's control socket
	SocketPath string

	// DialTimeout is the timeout for establishing a connection
	DialTimeout time.Duration

	// BackoffMin is the minimum duration between dial attempts
	BackoffMin time.Duration

	// BackoffMax is the maximum duration between dial attempts
	BackoffMax time.Duration

	// MaxAttempts is the maximum number of dial attempts
	MaxAttempts int

	// AutoStart starts the daemon when nothing listens on SocketPath
	AutoStart bool

	// DaemonPath is the daemon executable; found next to this binary or in
	// PATH when empty
	DaemonPath string

	// DaemonWait bounds how long to wait for an auto-started daemon
	DaemonWait time.Duration

	// Stdout and Stderr receive worker output streamed during a command
	Stdout io.Writer
	Stderr io.Writer
}

// Option configures a Client
type Option func(*Client)

// WithDialTimeout sets the timeout for control socket connections
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.DialTimeout = d
	}
}

// WithBackoff sets the minimum and maximum backoff durations for retries
func WithBackoff(minBackoff, maxBackoff time.Duration) Option {
	return func(c *Client) {
		c.BackoffMin = minBackoff
		c.BackoffMax = maxBackoff
	}
}

// WithMaxAttempts sets the maximum number of dial attempts
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		c.MaxAttempts = n
	}
}

// WithAutoStart enables or disables starting the daemon on demand
func WithAutoStart(enabled bool) Option {
	return func(c *Client) {
		c.AutoStart = enabled
	}
}

// WithDaemonPath sets the daemon executable used for auto-start
func WithDaemonPath(path string) Option {
	return func(c *Client) {
		c.DaemonPath = path
	}
}

// WithDaemonWait bounds how long to wait for an auto-started daemon
func WithDaemonWait(d time.Duration) Option {
	return func(c *Client) {
		c.DaemonWait = d
	}
}

// WithOutput sets where streamed worker output is written
func WithOutput(stdout, stderr io.Writer) Option {
	return func(c *Client) {
		c.Stdout = stdout
		c.Stderr = stderr
	}
}

// NewClient creates a Client for the daemon listening on socketPath
func NewClient(socketPath string, opts ...Option) *Client {
	c := &Client{
		SocketPath:  socketPath,
		DialTimeout: DefaultDialTimeout,
		BackoffMin:  DefaultBackoffMin,
		BackoffMax:  DefaultBackoffMax,
		MaxAttempts: DefaultMaxAttempts,
		AutoStart:   true,
		DaemonWait:  DefaultDaemonWait,
		Stdout:      io.Discard,
		Stderr:      io.Discard,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	return c
}

// DefaultClient creates a Client for the daemon in HomeDir
func DefaultClient(opts ...Option) (*Client, error) {
	home, err := HomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolving home: %w", err)
	}
	return NewClient(SocketPath(home), opts...), nil
}

// dial connects to the control socket with exponential backoff
func (c *Client) dial(ctx context.Context, op Operation) (net.Conn, error) {
	var lastErr error
	backoff := c.BackoffMin
	dialer := net.Dialer{Timeout: c.DialTimeout}

	for attempt := 0; attempt < c.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}

			backoff *= 2
			if backoff > c.BackoffMax {
				backoff = c.BackoffMax
			}
		}

		conn, err := dialer.DialContext(ctx, "unix", c.SocketPath)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		// Nobody listening is not transient; fail fast so auto-start can run
		if daemonAbsent(err) {
			break
		}
	}

	if lastErr != nil && daemonAbsent(lastErr) {
		lastErr = fmt.Errorf("%w: %v", ErrDaemonNotRunning, lastErr)
	}
	return nil, &OpError{Op: op, Err: lastErr}
}

// daemonAbsent reports dial errors meaning no daemon is listening
func daemonAbsent(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENOENT)
}

// connect dials the daemon, starting it first if needed and allowed
func (c *Client) connect(ctx context.Context, op Operation) (net.Conn, error) {
	conn, err := c.dial(ctx, op)
	if err == nil || !c.AutoStart || !errors.Is(err, ErrDaemonNotRunning) {
		return conn, err
	}

	if err := c.StartDaemon(ctx); err != nil {
		return nil, &OpError{Op: op, Err: err}
	}
	return c.dial(ctx, op)
}

// call sends cmd and waits for its terminal event, decoding a result into
// out. Cancelling ctx forwards SIGINT to the daemon, which answers with a
// cancellation error or, for logs, an empty result.
func (c *Client) call(ctx context.Context, op Operation, cmd Command, out any) error {
	conn, err := c.connect(ctx, op)
	if err != nil {
		return err
	}
	ch := NewChannel(conn)
	defer func() { _ = ch.Close() }()

	cmd.Name = op.String()
	if err := ch.Emit(EventCommand, cmd); err != nil {
		return &OpError{Op: op, App: cmd.App, Err: err}
	}

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
		case <-finished:
			return
		}
		_ = ch.Emit(EventSIGINT, struct{}{})
		select {
		case <-time.After(interruptWait):
			_ = ch.Close()
		case <-finished:
		}
	}()

	for {
		ev, err := ch.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrChannelClosed
			}
			return &OpError{Op: op, App: cmd.App, Err: err}
		}

		switch ev.Name {
		case EventStdout, EventStderr:
			var chunk []byte
			if err := ev.Decode(&chunk); err != nil {
				continue
			}
			if ev.Name == EventStdout {
				_, _ = c.Stdout.Write(chunk)
			} else {
				_, _ = c.Stderr.Write(chunk)
			}

		case EventResult:
			if out == nil {
				return nil
			}
			if err := ev.Decode(out); err != nil {
				return &OpError{Op: op, App: cmd.App, Err: fmt.Errorf("decoding result: %w", err)}
			}
			return nil

		case EventError:
			re := &RemoteError{}
			if err := ev.Decode(re); err != nil {
				return &OpError{Op: op, App: cmd.App, Err: fmt.Errorf("decoding error: %w", err)}
			}
			return re
		}
	}
}

// StartOptions are the arguments of Client.Start
type StartOptions struct {
	// App overrides manifest fields
	App AppOptions
	// Args are appended to the worker command line
	Args []string
	// Env overrides worker environment variables
	Env map[string]string
	// Immediate returns as soon as the daemon accepts the command
	Immediate bool
}

func encodeOpt(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}

// Start starts the app in dir
func (c *Client) Start(ctx context.Context, dir string, opts StartOptions) (*StartResult, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	opt, err := encodeOpt(opts.App)
	if err != nil {
		return nil, err
	}

	res := &StartResult{}
	err = c.call(ctx, OpStart, Command{
		Dir:       abs,
		Args:      opts.Args,
		Opt:       opt,
		Env:       opts.Env,
		Immediate: opts.Immediate,
	}, res)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Stop stops app and removes it from the registry
func (c *Client) Stop(ctx context.Context, app string, opts KillOptions, immediate bool) (*StopResult, error) {
	opt, err := encodeOpt(opts)
	if err != nil {
		return nil, err
	}
	res := &StopResult{}
	if err := c.call(ctx, OpStop, Command{App: app, Opt: opt, Immediate: immediate}, res); err != nil {
		return nil, err
	}
	return res, nil
}

// Restart replaces the workers of app
func (c *Client) Restart(ctx context.Context, app string, opts KillOptions, immediate bool) (*StartResult, error) {
	opt, err := encodeOpt(opts)
	if err != nil {
		return nil, err
	}
	res := &StartResult{}
	if err := c.call(ctx, OpRestart, Command{App: app, Opt: opt, Immediate: immediate}, res); err != nil {
		return nil, err
	}
	return res, nil
}

// RestartAll restarts every app
func (c *Client) RestartAll(ctx context.Context, opts KillOptions, immediate bool) (*StartResult, error) {
	opt, err := encodeOpt(opts)
	if err != nil {
		return nil, err
	}
	res := &StartResult{}
	if err := c.call(ctx, OpRestartAll, Command{Opt: opt, Immediate: immediate}, res); err != nil {
		return nil, err
	}
	return res, nil
}

// List reports every app
func (c *Client) List(ctx context.Context) (*ListResult, error) {
	res := &ListResult{}
	if err := c.call(ctx, OpList, Command{}, res); err != nil {
		return nil, err
	}
	return res, nil
}

// Info reports one app
func (c *Client) Info(ctx context.Context, app string) (*AppStats, error) {
	res := &AppStats{}
	if err := c.call(ctx, OpInfo, Command{App: app}, res); err != nil {
		return nil, err
	}
	return res, nil
}

// Logs streams the output of app to the client's writers until ctx is
// cancelled
func (c *Client) Logs(ctx context.Context, app string) error {
	return c.call(ctx, OpLogs, Command{App: app}, nil)
}

// Resurrect starts every app in the persisted registry
func (c *Client) Resurrect(ctx context.Context, immediate bool) (*StartResult, error) {
	res := &StartResult{}
	if err := c.call(ctx, OpResurrect, Command{Immediate: immediate}, res); err != nil {
		return nil, err
	}
	return res, nil
}

// Ping checks that the daemon answers. It never starts the daemon.
func (c *Client) Ping(ctx context.Context) error {
	probe := *c
	probe.AutoStart = false
	return probe.call(ctx, OpPing, Command{}, nil)
}

// Exit shuts the daemon down and waits until its socket is gone. Exiting
// a daemon that is not running succeeds.
func (c *Client) Exit(ctx context.Context) error {
	probe := *c
	probe.AutoStart = false
	if err := probe.call(ctx, OpExit, Command{}, nil); err != nil {
		if errors.Is(err, ErrDaemonNotRunning) {
			return nil
		}
		return err
	}
	return WaitForSocket(ctx, c.SocketPath, false)
}

// Upgrade replaces the running daemon with a fresh one and resurrects the
// persisted apps
func (c *Client) Upgrade(ctx context.Context) (*StartResult, error) {
	if err := c.Exit(ctx); err != nil {
		return nil, err
	}
	pidPath := filepath.Join(filepath.Dir(c.SocketPath), PIDFile)
	if err := WaitForSocket(ctx, pidPath, false); err != nil {
		return nil, err
	}
	if err := c.StartDaemon(ctx); err != nil {
		return nil, err
	}
	return c.Resurrect(ctx, false)
}

// StartDaemon launches the daemon detached from this process and waits
// until it answers
func (c *Client) StartDaemon(ctx context.Context) error {
	path, err := c.daemonPath()
	if err != nil {
		return err
	}

	cmd := exec.Command(path, "-home", filepath.Dir(c.SocketPath), "-socket", c.SocketPath)
	cmd.SysProcAttr = unix.DetachedProcAttr()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}
	_ = cmd.Process.Release()

	waitCtx, cancel := context.WithTimeout(ctx, c.DaemonWait)
	defer cancel()

	if err := WaitForSocket(waitCtx, c.SocketPath, true); err != nil {
		return fmt.Errorf("waiting for daemon: %w", err)
	}

	probe := *c
	probe.AutoStart = false
	probe.MaxAttempts = DefaultMaxAttempts
	return probe.Ping(waitCtx)
}

func (c *Client) daemonPath() (string, error) {
	if c.DaemonPath != "" {
		return c.DaemonPath, nil
	}
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), DaemonBinary)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	path, err := exec.LookPath(DaemonBinary)
	if err != nil {
		return "", fmt.Errorf("%w: %s not found: %v", ErrDaemonNotRunning, DaemonBinary, err)
	}
	return path, nil
}

var _ Controller = (*Client)(nil)
