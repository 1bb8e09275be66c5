//go:build linux || darwin

package appz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"vawter.tech/stopper"
)

// reviveStableAfter is how long a worker must run before its crash no
// longer counts toward the consecutive revival streak
const reviveStableAfter = 30 * time.Second

// rollbackWait bounds how long a failed batch waits for SIGTERM before
// escalating to SIGKILL
const rollbackWait = 5 * time.Second

// StartResult summarizes a started batch
type StartResult struct {
	App     string `json:"app"`
	Dir     string `json:"dir,omitempty"`
	Started int    `json:"started"`
	Killed  int    `json:"killed,omitempty"`
	Ports   []int  `json:"ports"`
}

// SupervisorOption configures a Supervisor
type SupervisorOption func(*Supervisor)

// WithLogger sets the structured logger
func WithLogger(l *slog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.logger = l
	}
}

// WithJournal records lifecycle events in j
func WithJournal(j Journal) SupervisorOption {
	return func(s *Supervisor) {
		s.journal = j
	}
}

// WithConcurrency limits how many apps restart-all and resurrect handle at once
func WithConcurrency(n int) SupervisorOption {
	return func(s *Supervisor) {
		s.concurrency = n
	}
}

// WithKillTimeout sets the grace period used when a command gives none
func WithKillTimeout(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.killTimeout = d
	}
}

// WithReviveBackoff delays consecutive revivals exponentially from min up
// to max. Zero disables the delay.
func WithReviveBackoff(minDelay, maxDelay time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.reviveMin = minDelay
		s.reviveMax = maxDelay
	}
}

// WithReviveLimit stops reviving an app after n consecutive crashes. Zero
// means no limit.
func WithReviveLimit(n int) SupervisorOption {
	return func(s *Supervisor) {
		s.reviveLimit = n
	}
}

// WithBaseEnv sets the environment every worker inherits before app
// overrides; it defaults to the daemon's own environment
func WithBaseEnv(env []string) SupervisorOption {
	return func(s *Supervisor) {
		s.baseEnv = env
	}
}

// appTask is the supervised background task owning an app's revival watches
type appTask struct {
	app    string
	sctx   *stopper.Context
	ctx    context.Context
	cancel context.CancelFunc
	streak atomic.Int32
}

// Supervisor owns the live worker table and starts, kills and revives
// batches of workers
type Supervisor struct {
	home     string
	registry *Registry
	logs     *LogManager
	journal  Journal
	logger   *slog.Logger

	concurrency int
	killTimeout time.Duration
	reviveMin   time.Duration
	reviveMax   time.Duration
	reviveLimit int
	baseEnv     []string

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	nextID  int
	workers map[int]*Worker
	tasks   map[string]*appTask
	locks   map[string]chan struct{}
}

// NewSupervisor creates a Supervisor persisting to registry and relaying
// logs through logs
func NewSupervisor(home string, registry *Registry, logs *LogManager, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		home:        home,
		registry:    registry,
		logs:        logs,
		journal:     nopJournal{},
		logger:      slog.Default(),
		concurrency: DefaultConcurrency,
		killTimeout: DefaultKillTimeout,
		baseEnv:     os.Environ(),
		workers:     make(map[int]*Worker),
		tasks:       make(map[string]*appTask),
		locks:       make(map[string]chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.concurrency < 1 {
		s.concurrency = 1
	}
	if s.journal == nil {
		s.journal = nopJournal{}
	}
	s.logger = s.logger.With("component", "supervisor")
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Registry returns the app registry
func (s *Supervisor) Registry() *Registry {
	return s.registry
}

// LogManager returns the log manager
func (s *Supervisor) LogManager() *LogManager {
	return s.logs
}

// Journal returns the lifecycle journal
func (s *Supervisor) Journal() Journal {
	return s.journal
}

func (s *Supervisor) record(event JournalEvent) {
	if err := s.journal.Record(event); err != nil {
		s.logger.Warn("recording journal event", "app", event.App, "kind", event.Kind, "error", err)
	}
}

// lockApp serializes mutating operations on one app name
func (s *Supervisor) lockApp(ctx context.Context, app string) (func(), error) {
	s.mu.Lock()
	lock, ok := s.locks[app]
	if !ok {
		lock = make(chan struct{}, 1)
		s.locks[app] = lock
	}
	s.mu.Unlock()

	select {
	case lock <- struct{}{}:
		return func() { <-lock }, nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

func (s *Supervisor) taskFor(app string) *appTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tasks[app]; ok {
		return t
	}
	ctx, cancel := context.WithCancel(s.ctx)
	t := &appTask{
		app:    app,
		sctx:   stopper.WithContext(ctx),
		ctx:    ctx,
		cancel: cancel,
	}
	s.tasks[app] = t
	return t
}

// stopTask stops the revival task of app and waits for its watches to end
func (s *Supervisor) stopTask(app string) {
	s.mu.Lock()
	t, ok := s.tasks[app]
	delete(s.tasks, app)
	s.mu.Unlock()

	if !ok {
		return
	}
	t.cancel()
	t.sctx.Stop(0)
	if err := t.sctx.Wait(); err != nil {
		s.logger.Warn("revival task ended with error", "app", app, "error", err)
	}
}

func (s *Supervisor) track(w *Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[w.ID] = w
}

func (s *Supervisor) untrack(w *Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, w.ID)
}

// Workers returns the live workers of app ordered by id. An empty app
// returns every live worker.
func (s *Supervisor) Workers(app string) []*Worker {
	s.mu.Lock()
	out := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		if app == "" || w.App == app {
			out = append(out, w)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// workerEnv builds a worker environment: the base environment, then the
// app overrides, then the variables describing the app
func (s *Supervisor) workerEnv(desc *Descriptor) []string {
	vars := make(map[string]string, len(s.baseEnv)+len(desc.Env)+5)
	order := make([]string, 0, len(vars))
	set := func(k, v string) {
		if _, ok := vars[k]; !ok {
			order = append(order, k)
		}
		vars[k] = v
	}

	for _, kv := range s.baseEnv {
		if k, v, ok := strings.Cut(kv, "="); ok {
			set(k, v)
		}
	}
	for k, v := range desc.Env {
		set(k, v)
	}

	ports := make([]string, len(desc.Ports))
	for i, p := range desc.Ports {
		ports[i] = strconv.Itoa(p)
	}
	set("PWD", desc.Dir)
	set("APPNAME", desc.Name)
	if len(ports) > 0 {
		set("PORT", ports[0])
	}
	set("PORTS", strings.Join(ports, ","))
	set("WORKERS", strconv.Itoa(desc.Workers))

	env := make([]string, 0, len(order))
	for _, k := range order {
		env = append(env, k+"="+vars[k])
	}
	return env
}

// StartWorkers spawns count workers of desc and waits until all of them
// are available. If any worker exits first, or ctx is cancelled, every
// worker of the batch is killed and the error is returned. Workers of a
// successful batch are revived when they crash. streams receive the
// batch's output while it starts.
func (s *Supervisor) StartWorkers(ctx context.Context, desc *Descriptor, count int, streams Streams) (*StartResult, error) {
	if err := ValidateName(desc.Name); err != nil {
		return nil, err
	}
	if count < 1 {
		count = 1
	}

	relay, err := s.logs.Setup(desc.Name, OutputDir(s.home, desc.Name, desc.Dir, desc.Output))
	if err != nil {
		return nil, err
	}

	err = s.registry.Update(desc.Name, func(a *App) { a.Workers = desc.Workers })
	if err != nil && !errors.Is(err, ErrAppNotFound) {
		return nil, err
	}

	env := s.workerEnv(desc)
	batch := make([]*Worker, 0, count)
	var spawnErr error

	for i := 0; i < count; i++ {
		s.mu.Lock()
		s.nextID++
		id := s.nextID
		s.mu.Unlock()

		w := newWorker(workerSpec{
			id:    id,
			app:   desc.Name,
			dir:   desc.Dir,
			main:  desc.Main,
			args:  desc.Args,
			env:   env,
			ports: desc.Ports,
		}, s.logger)
		w.release = s.untrack
		w.Stdout.Attach(relay.Stdout)
		w.Stderr.Attach(relay.Stderr)
		w.Stdout.Attach(streams.Stdout)
		w.Stderr.Attach(streams.Stderr)

		s.track(w)
		if err := w.start(); err != nil {
			s.untrack(w)
			spawnErr = err
			break
		}
		batch = append(batch, w)
	}

	if spawnErr == nil {
		spawnErr = s.awaitBatch(ctx, desc.Name, batch)
	}

	for _, w := range batch {
		w.Stdout.Detach(streams.Stdout)
		w.Stderr.Detach(streams.Stderr)
	}

	if spawnErr != nil {
		s.rollback(ctx, desc.Name, batch)
		s.record(JournalEvent{App: desc.Name, Kind: string(JournalStartFailed), Detail: spawnErr.Error()})
		return nil, spawnErr
	}

	task := s.taskFor(desc.Name)
	for _, w := range batch {
		s.watchRevival(task, desc, w)
	}

	s.record(JournalEvent{App: desc.Name, Kind: string(JournalStarted), Detail: fmt.Sprintf("%d workers", len(batch))})
	s.logger.Info("workers started", "app", desc.Name, "count", len(batch), "ports", desc.Ports)

	return &StartResult{
		App:     desc.Name,
		Dir:     desc.Dir,
		Started: len(batch),
		Ports:   append([]int{}, desc.Ports...),
	}, nil
}

// awaitBatch races the batch becoming available against any worker
// exiting and against ctx
func (s *Supervisor) awaitBatch(ctx context.Context, app string, batch []*Worker) error {
	availCh := make(chan *Worker, len(batch))
	exitCh := make(chan *Worker, len(batch))
	done := make(chan struct{})
	defer close(done)

	for _, w := range batch {
		go func(w *Worker) {
			select {
			case <-w.Available():
				availCh <- w
			case <-w.Exited():
				exitCh <- w
				return
			case <-done:
				return
			}
			select {
			case <-w.Exited():
				exitCh <- w
			case <-done:
			}
		}(w)
	}

	for available := 0; available < len(batch); {
		select {
		case <-availCh:
			available++
		case w := <-exitCh:
			status, _ := w.ExitStatus()
			return &WorkerExitError{App: app, Status: status}
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
	return nil
}

// rollback force-kills a failed batch and waits for it to exit
func (s *Supervisor) rollback(ctx context.Context, app string, batch []*Worker) {
	if len(batch) > 0 {
		waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackWait)
		s.KillWorkers(waitCtx, batch, 0, DefaultKillSignal, Streams{})
		cancel()

		for _, w := range batch {
			select {
			case <-w.Exited():
			default:
				w.logger.Warn("worker ignored SIGTERM during rollback")
				w.mu.Lock()
				w.signalLocked(syscall.SIGKILL)
				w.mu.Unlock()
				<-w.Exited()
			}
		}
	}

	if len(s.Workers(app)) == 0 {
		s.logs.Remove(app)
	}
	s.logger.Info("batch rolled back", "app", app, "count", len(batch))
}

// KillWorkers kills every connected worker concurrently, streaming each
// one's remaining output to streams until it exits. It returns how many
// workers were live. Waiting stops early if ctx ends.
func (s *Supervisor) KillWorkers(ctx context.Context, workers []*Worker, grace time.Duration, sig syscall.Signal, streams Streams) int {
	var wg sync.WaitGroup
	var killed atomic.Int64

	for _, w := range workers {
		if !w.Connected() {
			continue
		}

		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()

			w.Stdout.Attach(streams.Stdout)
			w.Stderr.Attach(streams.Stderr)
			defer func() {
				w.Stdout.Detach(streams.Stdout)
				w.Stderr.Detach(streams.Stderr)
			}()

			if !w.Kill(sig, grace) {
				return
			}
			killed.Add(1)

			select {
			case <-w.Exited():
				s.record(JournalEvent{App: w.App, Kind: string(JournalKilled), WorkerID: w.ID, Pid: w.Pid()})
			case <-ctx.Done():
			}
		}(w)
	}

	wg.Wait()
	return int(killed.Load())
}

// watchRevival replaces w with a fresh worker if it exits without having
// been killed
func (s *Supervisor) watchRevival(task *appTask, desc *Descriptor, w *Worker) {
	started := time.Now()
	task.sctx.Go(func(_ *stopper.Context) error {
		select {
		case <-w.Exited():
		case <-task.ctx.Done():
			return nil
		}

		if w.State() == StateKilled {
			return nil
		}

		status, _ := w.ExitStatus()
		s.logger.Warn("worker crashed", "app", desc.Name, "worker", w.ID, "code", status.Code, "signal", status.Signal)
		s.record(JournalEvent{
			App: desc.Name, Kind: string(JournalCrashed),
			WorkerID: w.ID, Pid: w.Pid(), ExitCode: status.Code, Signal: status.Signal,
		})

		if time.Since(started) >= reviveStableAfter {
			task.streak.Store(0)
		}
		s.revive(task, desc)
		return nil
	})
}

// revive starts one replacement worker for desc
func (s *Supervisor) revive(task *appTask, desc *Descriptor) {
	streak := int(task.streak.Add(1))
	if s.reviveLimit > 0 && streak > s.reviveLimit {
		s.logger.Error("revive limit reached, not replacing worker", "app", desc.Name, "limit", s.reviveLimit)
		return
	}

	if delay := calculateBackoff(streak, s.reviveMin, s.reviveMax); delay > 0 {
		select {
		case <-time.After(delay):
		case <-task.ctx.Done():
			return
		}
	}

	unlock, err := s.lockApp(task.ctx, desc.Name)
	if err != nil {
		return
	}
	defer unlock()

	// The app may have been stopped or renamed while we waited
	if task.ctx.Err() != nil {
		return
	}
	if _, ok := s.registry.Get(desc.Name); !ok {
		return
	}

	if err := s.registry.Update(desc.Name, func(a *App) { a.ReviveCount++ }); err != nil {
		s.logger.Error("saving revive count", "app", desc.Name, "error", &OpError{Op: OpRevive, App: desc.Name, Err: err})
	}
	s.record(JournalEvent{App: desc.Name, Kind: string(JournalRevived), Detail: fmt.Sprintf("streak %d", streak)})

	if _, err := s.StartWorkers(task.ctx, desc, 1, Streams{}); err != nil {
		s.logger.Error("reviving worker", "error", &OpError{Op: OpRevive, App: desc.Name, Err: err})
	}
}

// calculateBackoff returns initialDelay * 2^(attempt-1), capped at maxDelay
func calculateBackoff(attempt int, initialDelay, maxDelay time.Duration) time.Duration {
	if attempt <= 0 || initialDelay <= 0 {
		return 0
	}
	backoff := initialDelay
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if maxDelay > 0 && backoff > maxDelay {
			return maxDelay
		}
	}
	return backoff
}

// Shutdown stops every revival task and kills all live workers with
// grace, waiting until they exit or ctx ends. It returns the kill count.
func (s *Supervisor) Shutdown(ctx context.Context, grace time.Duration) int {
	s.mu.Lock()
	apps := make([]string, 0, len(s.tasks))
	for app := range s.tasks {
		apps = append(apps, app)
	}
	s.mu.Unlock()

	for _, app := range apps {
		s.stopTask(app)
	}
	s.cancel()

	return s.KillWorkers(ctx, s.Workers(""), grace, DefaultKillSignal, Streams{})
}
