//go:build linux || darwin

package appz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Command is the payload of a command event
type Command struct {
	Name      string            `json:"name"`
	Dir       string            `json:"dir,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Opt       json.RawMessage   `json:"opt,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	App       string            `json:"app,omitempty"`
	Immediate bool              `json:"immediate,omitempty"`
}

// decodeOpt unmarshals the opt payload into v, leaving v untouched if absent
func (c *Command) decodeOpt(v any) error {
	if len(c.Opt) == 0 || string(c.Opt) == "null" {
		return nil
	}
	if err := json.Unmarshal(c.Opt, v); err != nil {
		return fmt.Errorf("%w: opt: %v", ErrMalformedCommand, err)
	}
	return nil
}

// Handler executes one operation
type Handler func(ctx context.Context, cmd *Command, streams Streams) (any, error)

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the structured logger
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// WithExitHandler sets the function run after the exit command has been
// answered
func WithExitHandler(fn func()) DispatcherOption {
	return func(d *Dispatcher) {
		d.onExit = fn
	}
}

// Dispatcher maps commands to supervisor operations and answers them over
// a Channel. One Dispatcher lives for the whole daemon.
type Dispatcher struct {
	sup      *Supervisor
	logger   *slog.Logger
	onExit   func()
	handlers map[Operation]Handler

	// resurrectable is true until resurrect or start runs
	resurrectable atomic.Bool
}

// NewDispatcher creates a Dispatcher for sup
func NewDispatcher(sup *Supervisor, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sup:    sup,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatcher")
	d.resurrectable.Store(true)

	d.handlers = map[Operation]Handler{
		OpStart:      d.start,
		OpStop:       d.stop,
		OpRestart:    d.restart,
		OpRestartAll: d.restartAll,
		OpList:       d.list,
		OpInfo:       d.info,
		OpLogs:       d.logs,
		OpExit:       d.exit,
		OpResurrect:  d.resurrect,
		OpPing:       d.ping,
	}
	return d
}

// Resurrectable reports whether resurrect may still run
func (d *Dispatcher) Resurrectable() bool {
	return d.resurrectable.Load()
}

// Execute runs cmd to completion
func (d *Dispatcher) Execute(ctx context.Context, cmd *Command, streams Streams) (any, error) {
	op := ParseOperation(cmd.Name)
	h, ok := d.handlers[op]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownOperation, cmd.Name)
	}
	return h(ctx, cmd, streams)
}

// Serve answers commands arriving on ch until the peer disconnects. One
// command is in flight at a time; SIGINT cancels it with ErrCanceled.
func (d *Dispatcher) Serve(ctx context.Context, ch *Channel) {
	logger := d.logger.With("conn", uuid.New().String())

	var (
		mu       sync.Mutex
		cancel   context.CancelCauseFunc
		inflight sync.WaitGroup
	)

	defer func() {
		mu.Lock()
		if cancel != nil {
			cancel(ErrChannelClosed)
		}
		mu.Unlock()
		inflight.Wait()
	}()

	for {
		ev, err := ch.Recv()
		if err != nil {
			if errors.Is(err, ErrMalformedCommand) {
				d.emit(logger, ch, EventError, remoteError(err))
				continue
			}
			if !errors.Is(err, io.EOF) {
				logger.Debug("connection read failed", "error", err)
			}
			return
		}

		switch ev.Name {
		case EventCommand:
			var cmd Command
			if err := ev.Decode(&cmd); err != nil {
				d.emit(logger, ch, EventError, remoteError(fmt.Errorf("%w: %v", ErrMalformedCommand, err)))
				continue
			}

			mu.Lock()
			if cancel != nil {
				mu.Unlock()
				d.emit(logger, ch, EventError, remoteError(fmt.Errorf("%w: a command is already running", ErrMalformedCommand)))
				continue
			}
			cmdCtx, cmdCancel := context.WithCancelCause(ctx)
			cancel = cmdCancel
			mu.Unlock()

			inflight.Add(1)
			go func() {
				defer inflight.Done()
				name, data := d.run(cmdCtx, logger, &cmd, ch)

				// The slot is free before the peer can see the terminal event
				mu.Lock()
				cmdCancel(nil)
				cancel = nil
				mu.Unlock()

				d.emit(logger, ch, name, data)
				if name == EventResult && ParseOperation(cmd.Name) == OpExit && d.onExit != nil {
					d.onExit()
				}
			}()

		case EventSIGINT:
			mu.Lock()
			if cancel != nil {
				logger.Info("command interrupted by client")
				cancel(ErrCanceled)
			}
			mu.Unlock()

		default:
			logger.Debug("ignoring event", "event", ev.Name)
		}
	}
}

// run executes one command and returns its terminal event
func (d *Dispatcher) run(ctx context.Context, logger *slog.Logger, cmd *Command, ch *Channel) (string, any) {
	op := ParseOperation(cmd.Name)
	logger = logger.With("op", cmd.Name)
	logger.Debug("running command", "app", cmd.App, "immediate", cmd.Immediate)

	if _, ok := d.handlers[op]; !ok {
		return EventError, remoteError(fmt.Errorf("%w %q", ErrUnknownOperation, cmd.Name))
	}

	if cmd.Immediate && supportsImmediate(op) {
		go func() {
			if _, err := d.Execute(context.WithoutCancel(ctx), cmd, Streams{}); err != nil {
				logger.Error("immediate command failed", "error", err)
			}
		}()
		return EventResult, struct{}{}
	}

	streams := Streams{Stdout: ch.Writer(EventStdout), Stderr: ch.Writer(EventStderr)}
	res, err := d.Execute(ctx, cmd, streams)
	if err != nil {
		logger.Info("command failed", "error", err)
		return EventError, remoteError(err)
	}
	if res == nil {
		res = struct{}{}
	}
	return EventResult, res
}

// supportsImmediate reports whether op may be answered before it completes
func supportsImmediate(op Operation) bool {
	switch op {
	case OpStart, OpStop, OpRestart, OpRestartAll, OpResurrect:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) emit(logger *slog.Logger, ch *Channel, name string, data any) {
	if err := ch.Emit(name, data); err != nil {
		logger.Debug("emitting event", "event", name, "error", err)
	}
}

func (d *Dispatcher) start(ctx context.Context, cmd *Command, streams Streams) (any, error) {
	var opt AppOptions
	if err := cmd.decodeOpt(&opt); err != nil {
		return nil, err
	}

	// A fresh start supersedes the persisted apps
	if d.resurrectable.CompareAndSwap(true, false) {
		if err := d.sup.Registry().Clear(); err != nil {
			return nil, &OpError{Op: OpStart, Err: err}
		}
	}
	return d.sup.Start(ctx, cmd.Dir, cmd.Args, opt, cmd.Env, streams)
}

func (d *Dispatcher) stop(ctx context.Context, cmd *Command, streams Streams) (any, error) {
	var opt KillOptions
	if err := cmd.decodeOpt(&opt); err != nil {
		return nil, err
	}
	return d.sup.Stop(ctx, cmd.App, opt, streams)
}

func (d *Dispatcher) restart(ctx context.Context, cmd *Command, streams Streams) (any, error) {
	var opt KillOptions
	if err := cmd.decodeOpt(&opt); err != nil {
		return nil, err
	}
	return d.sup.Restart(ctx, cmd.App, opt, streams)
}

func (d *Dispatcher) restartAll(ctx context.Context, cmd *Command, streams Streams) (any, error) {
	var opt KillOptions
	if err := cmd.decodeOpt(&opt); err != nil {
		return nil, err
	}
	return d.sup.RestartAll(ctx, opt, streams)
}

func (d *Dispatcher) list(context.Context, *Command, Streams) (any, error) {
	return d.sup.List(d.resurrectable.Load()), nil
}

func (d *Dispatcher) info(_ context.Context, cmd *Command, _ Streams) (any, error) {
	return d.sup.Info(cmd.App)
}

func (d *Dispatcher) logs(ctx context.Context, cmd *Command, streams Streams) (any, error) {
	if err := d.sup.Logs(ctx, cmd.App, streams); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (d *Dispatcher) exit(context.Context, *Command, Streams) (any, error) {
	return struct{}{}, nil
}

func (d *Dispatcher) resurrect(ctx context.Context, _ *Command, streams Streams) (any, error) {
	if !d.resurrectable.CompareAndSwap(true, false) {
		return nil, ErrAlreadyResurrected
	}
	return d.sup.Resurrect(ctx, streams)
}

func (d *Dispatcher) ping(context.Context, *Command, Streams) (any, error) {
	return struct{}{}, nil
}
