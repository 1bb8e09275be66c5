//go:build linux || darwin

package appz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/throw-out-error/appz/internal/unix"
)

// infoEventLimit is how many journal events Info reports
const infoEventLimit = 10

// KillOptions control how workers are stopped
type KillOptions struct {
	// Timeout is the grace period in milliseconds; negative means never
	// force-kill, nil means the daemon default
	Timeout *int64 `json:"timeout,omitempty"`
	// Signal is sent once the grace period is over (default SIGTERM)
	Signal string `json:"signal,omitempty"`
}

// GraceTimeout converts d into a KillOptions timeout; Infinite maps to -1
func GraceTimeout(d time.Duration) *int64 {
	ms := int64(-1)
	if d >= 0 {
		ms = d.Milliseconds()
	}
	return &ms
}

func (o KillOptions) resolve(def time.Duration) (time.Duration, syscall.Signal, error) {
	grace := def
	if o.Timeout != nil {
		if *o.Timeout < 0 {
			grace = Infinite
		} else {
			grace = time.Duration(*o.Timeout) * time.Millisecond
		}
	}

	sig := DefaultKillSignal
	if o.Signal != "" {
		parsed, err := unix.ParseSignal(o.Signal)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
		}
		sig = parsed
	}
	return grace, sig, nil
}

// StopResult reports a stopped app
type StopResult struct {
	App    string `json:"app"`
	Killed int    `json:"killed"`
}

// AppStats summarizes one app
type AppStats struct {
	Name        string         `json:"name,omitempty"`
	Dir         string         `json:"dir"`
	Pending     int            `json:"pending"`
	Available   int            `json:"available"`
	Killed      int            `json:"killed"`
	Ports       []int          `json:"ports"`
	Workers     int            `json:"workers"`
	ReviveCount int            `json:"reviveCount"`
	Events      []JournalEvent `json:"events,omitempty"`
}

func (st *AppStats) add(w *Worker) {
	switch w.State() {
	case StatePending:
		st.Pending++
	case StateAvailable:
		st.Available++
	case StateKilled:
		st.Killed++
	}
	st.Ports = mergePorts(st.Ports, w.Ports)
}

// ListResult reports every app
type ListResult struct {
	IsResurrectable bool                 `json:"isResurrectable"`
	Stats           map[string]*AppStats `json:"stats"`
}

// mergePorts appends the ports of b missing from a
func mergePorts(a, b []int) []int {
	out := append([]int{}, a...)
	for _, p := range b {
		found := false
		for _, q := range out {
			if p == q {
				found = true
				break
			}
		}
		if !found {
			out = append(out, p)
		}
	}
	return out
}

// Start loads the app in dir, registers it and starts its workers. A
// failed start leaves no registry entry behind.
func (s *Supervisor) Start(ctx context.Context, dir string, args []string, opt AppOptions, env map[string]string, streams Streams) (*StartResult, error) {
	desc, err := LoadDescriptor(dir, opt, env, args)
	if err != nil {
		return nil, &OpError{Op: OpStart, App: opt.Name, Err: err}
	}

	unlock, err := s.lockApp(ctx, desc.Name)
	if err != nil {
		return nil, &OpError{Op: OpStart, App: desc.Name, Err: err}
	}
	defer unlock()

	entry := App{
		Name:    desc.Name,
		Dir:     desc.Dir,
		Args:    args,
		Opt:     opt,
		Env:     env,
		Workers: desc.Workers,
	}
	if err := s.registry.Add(entry); err != nil {
		return nil, &OpError{Op: OpStart, App: desc.Name, Err: err}
	}

	res, err := s.StartWorkers(ctx, desc, desc.Workers, streams)
	if err != nil {
		if _, rmErr := s.registry.Remove(desc.Name); rmErr != nil {
			s.logger.Error("removing failed app", "app", desc.Name, "error", rmErr)
		}
		return nil, &OpError{Op: OpStart, App: desc.Name, Err: err}
	}
	return res, nil
}

// Stop kills every worker of app and forgets it. Stopping an unknown app
// kills nothing and is not an error.
func (s *Supervisor) Stop(ctx context.Context, app string, opts KillOptions, streams Streams) (*StopResult, error) {
	if app == ReservedName {
		return nil, &OpError{Op: OpStop, App: app, Err: ErrInvalidName}
	}
	grace, sig, err := opts.resolve(s.killTimeout)
	if err != nil {
		return nil, &OpError{Op: OpStop, App: app, Err: err}
	}

	// Ends pending revivals before the workers go away
	s.stopTask(app)

	unlock, err := s.lockApp(ctx, app)
	if err != nil {
		return nil, &OpError{Op: OpStop, App: app, Err: err}
	}
	defer unlock()

	killed := s.KillWorkers(ctx, s.Workers(app), grace, sig, streams)
	// A restart that held the lock before us may have started a new task
	s.stopTask(app)

	if _, err := s.registry.Remove(app); err != nil {
		return nil, &OpError{Op: OpStop, App: app, Err: err}
	}
	s.logs.Remove(app)
	s.record(JournalEvent{App: app, Kind: string(JournalStopped), Detail: fmt.Sprintf("%d killed", killed)})
	s.logger.Info("app stopped", "app", app, "killed", killed)

	return &StopResult{App: app, Killed: killed}, nil
}

// Restart starts a fresh batch from the app's manifest, then kills the
// old workers. If the manifest now names the app differently, the new name
// is registered first and the old entry removed after the swap.
func (s *Supervisor) Restart(ctx context.Context, app string, opts KillOptions, streams Streams) (*StartResult, error) {
	grace, sig, err := opts.resolve(s.killTimeout)
	if err != nil {
		return nil, &OpError{Op: OpRestart, App: app, Err: err}
	}

	unlock, err := s.lockApp(ctx, app)
	if err != nil {
		return nil, &OpError{Op: OpRestart, App: app, Err: err}
	}
	defer unlock()

	entry, ok := s.registry.Get(app)
	if !ok {
		return nil, &OpError{Op: OpRestart, App: app, Err: ErrAppNotFound}
	}

	desc, err := LoadDescriptor(entry.Dir, entry.Opt, entry.Env, entry.Args)
	if err != nil {
		return nil, &OpError{Op: OpRestart, App: app, Err: err}
	}

	renamed := desc.Name != app
	if renamed {
		unlockNew, err := s.lockApp(ctx, desc.Name)
		if err != nil {
			return nil, &OpError{Op: OpRestart, App: app, Err: err}
		}
		defer unlockNew()

		moved := entry
		moved.Name = desc.Name
		moved.Workers = desc.Workers
		if err := s.registry.Add(moved); err != nil {
			if errors.Is(err, ErrDuplicateName) {
				err = fmt.Errorf("new name %q: %w", desc.Name, err)
			}
			return nil, &OpError{Op: OpRestart, App: app, Err: err}
		}
	}

	old := s.Workers(app)

	res, err := s.StartWorkers(ctx, desc, desc.Workers, streams)
	if err != nil {
		if renamed {
			if _, rmErr := s.registry.Remove(desc.Name); rmErr != nil {
				s.logger.Error("removing failed rename", "app", desc.Name, "error", rmErr)
			}
		}
		return nil, &OpError{Op: OpRestart, App: app, Err: err}
	}

	res.Killed = s.KillWorkers(ctx, old, grace, sig, streams)

	if renamed {
		s.stopTask(app)
		if _, err := s.registry.Remove(app); err != nil {
			return nil, &OpError{Op: OpRestart, App: app, Err: err}
		}
		s.logs.Remove(app)
		s.record(JournalEvent{App: desc.Name, Kind: string(JournalRenamed), Detail: "from " + app})
	}

	s.logger.Info("app restarted", "app", desc.Name, "started", res.Started, "killed", res.Killed)
	return res, nil
}

// RestartAll restarts every registered app
func (s *Supervisor) RestartAll(ctx context.Context, opts KillOptions, streams Streams) (*StartResult, error) {
	total := &StartResult{App: "*", Ports: []int{}}
	var mu sync.Mutex

	apps := s.registry.Apps()
	names := make([]string, len(apps))
	for i, a := range apps {
		names[i] = a.Name
	}

	err := fanOut(ctx, s.concurrency, names, func(ctx context.Context, name string) error {
		res, err := s.Restart(ctx, name, opts, streams)
		if err != nil {
			return err
		}
		mu.Lock()
		total.Started += res.Started
		total.Killed += res.Killed
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return total, nil
}

// Resurrect starts every app in the registry, as after a daemon restart
func (s *Supervisor) Resurrect(ctx context.Context, streams Streams) (*StartResult, error) {
	apps := s.registry.Apps()
	names := make([]string, len(apps))
	byName := make(map[string]App, len(apps))
	for i, a := range apps {
		names[i] = a.Name
		byName[a.Name] = a
	}

	err := fanOut(ctx, s.concurrency, names, func(ctx context.Context, name string) error {
		entry := byName[name]
		desc, err := LoadDescriptor(entry.Dir, entry.Opt, entry.Env, entry.Args)
		if err != nil {
			return &OpError{Op: OpResurrect, App: name, Err: err}
		}
		// The registry entry stays authoritative for the name
		desc.Name = name

		unlock, err := s.lockApp(ctx, name)
		if err != nil {
			return &OpError{Op: OpResurrect, App: name, Err: err}
		}
		defer unlock()

		if _, err := s.StartWorkers(ctx, desc, desc.Workers, streams); err != nil {
			return &OpError{Op: OpResurrect, App: name, Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &StartResult{App: "*", Started: len(s.Workers("")), Ports: []int{}}, nil
}

// List reports every registered app plus unregistered apps that still
// have live workers
func (s *Supervisor) List(resurrectable bool) *ListResult {
	stats := make(map[string]*AppStats)

	for _, a := range s.registry.Apps() {
		stats[a.Name] = &AppStats{
			Dir:         a.Dir,
			Ports:       []int{},
			Workers:     a.Workers,
			ReviveCount: a.ReviveCount,
		}
	}

	for _, w := range s.Workers("") {
		st, ok := stats[w.App]
		if !ok {
			st = &AppStats{Dir: w.Dir, Ports: []int{}}
			stats[w.App] = st
		}
		st.add(w)
	}

	return &ListResult{IsResurrectable: resurrectable, Stats: stats}
}

// Info reports a registered app with its recent lifecycle events
func (s *Supervisor) Info(app string) (*AppStats, error) {
	entry, ok := s.registry.Get(app)
	if !ok {
		return nil, &OpError{Op: OpInfo, App: app, Err: ErrAppNotFound}
	}

	st := &AppStats{
		Name:        entry.Name,
		Dir:         entry.Dir,
		Ports:       []int{},
		Workers:     entry.Workers,
		ReviveCount: entry.ReviveCount,
	}
	for _, w := range s.Workers(app) {
		st.add(w)
	}

	events, err := s.journal.Recent(app, infoEventLimit)
	if err != nil {
		s.logger.Warn("reading journal", "app", app, "error", err)
	}
	st.Events = events

	return st, nil
}

// Logs streams the output of app to streams until ctx ends. The daemon's
// own log is available as the reserved app name.
func (s *Supervisor) Logs(ctx context.Context, app string, streams Streams) error {
	relay, ok := s.logs.Get(app)
	if !ok {
		entry, found := s.registry.Get(app)
		if !found {
			return &OpError{Op: OpLogs, App: app, Err: ErrAppNotFound}
		}
		var err error
		relay, err = s.logs.Setup(app, OutputDir(s.home, app, entry.Dir, entry.Opt.Output))
		if err != nil {
			return &OpError{Op: OpLogs, App: app, Err: err}
		}
	}

	relay.Attach(streams)
	defer relay.Detach(streams)

	<-ctx.Done()

	cause := context.Cause(ctx)
	if errors.Is(cause, ErrCanceled) || errors.Is(cause, ErrChannelClosed) {
		return nil
	}
	return cause
}
