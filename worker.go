//go:build linux || darwin

package appz

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/throw-out-error/appz/internal/unix"
)

// WorkerState is the lifecycle state of a worker. States only advance.
type WorkerState int

const (
	// StatePending means the worker was spawned but is not ready yet
	StatePending WorkerState = iota
	// StateAvailable means the worker bound all its ports or reported ready
	StateAvailable
	// StateKilled means termination was requested; the process may still be draining
	StateKilled
)

// String returns the lowercase state name used in stats
func (s WorkerState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAvailable:
		return "available"
	case StateKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// ExitStatus describes how a worker process ended
type ExitStatus struct {
	// Code is the exit code, or -1 when the process was killed by a signal
	Code int `json:"code"`
	// Signal names the terminating signal, if any
	Signal string `json:"signal,omitempty"`
}

// Success reports whether the process exited with code 0
func (s ExitStatus) Success() bool {
	return s.Code == 0 && s.Signal == ""
}

// ipcMessage is a line on a worker's control socket
type ipcMessage struct {
	Type string `json:"type"`
	Port int    `json:"port,omitempty"`
}

const (
	ipcReady     = "ready"
	ipcListening = "listening"
)

// workerSpec describes one process to spawn
type workerSpec struct {
	id    int
	app   string
	dir   string
	main  string
	args  []string
	env   []string
	ports []int
}

// Worker wraps one supervised child process and its lifecycle state machine
type Worker struct {
	// ID is the supervisor-assigned handle id
	ID int
	// App is the owning app name
	App string
	// Dir is the worker's working directory
	Dir string
	// Ports are the ports declared for the app
	Ports []int

	// Stdout and Stderr carry the worker's output to attached sinks
	Stdout *Tap
	Stderr *Tap

	spec   workerSpec
	cmd    *exec.Cmd
	logger *slog.Logger

	// release runs once on exit, before exit subscribers are notified
	release func(*Worker)

	mu        sync.Mutex
	state     WorkerState
	expected  map[int]struct{}
	conn      net.Conn
	connected bool
	exited    bool
	status    ExitStatus
	timer     *time.Timer
	onExit    []func(ExitStatus)
	available chan struct{}
	done      chan struct{}
}

func newWorker(spec workerSpec, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		ID:        spec.id,
		spec:      spec,
		App:       spec.app,
		Dir:       spec.dir,
		Ports:     append([]int(nil), spec.ports...),
		Stdout:    &Tap{},
		Stderr:    &Tap{},
		logger:    logger.With("app", spec.app, "worker", spec.id),
		expected:  make(map[int]struct{}, len(spec.ports)),
		available: make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, p := range spec.ports {
		w.expected[p] = struct{}{}
	}
	return w
}

// start spawns the worker's process. The worker must already be tracked:
// its release hook may run as soon as the process is started.
func (w *Worker) start() error {
	parent, child, err := unix.Socketpair(fmt.Sprintf("appz-ipc-%d", w.ID))
	if err != nil {
		return err
	}
	defer func() { _ = child.Close() }()

	conn, err := net.FileConn(parent)
	_ = parent.Close()
	if err != nil {
		return fmt.Errorf("wrapping control socket: %w", err)
	}

	cmd := exec.Command(w.spec.main, w.spec.args...)
	cmd.Dir = w.spec.dir
	cmd.Env = append(append([]string(nil), w.spec.env...), fmt.Sprintf("%s=%d", IPCFDEnv, ipcFD))
	cmd.ExtraFiles = []*os.File{child}
	cmd.Stdout = w.Stdout
	cmd.Stderr = w.Stderr
	cmd.SysProcAttr = unix.WorkerProcAttr()
	cmd.WaitDelay = DefaultWaitDelay

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := cmd.Start(); err != nil {
		_ = conn.Close()
		return fmt.Errorf("starting worker: %w", err)
	}

	w.cmd = cmd
	w.conn = conn
	w.connected = true
	w.logger = w.logger.With("pid", cmd.Process.Pid)

	go w.readControl(conn)
	go w.wait()

	return nil
}

// Pid returns the worker's process id, or 0 if it has none
func (w *Worker) Pid() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cmd == nil || w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

// State returns the current lifecycle state
func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Connected reports whether the control socket is still open, which is
// the case until the worker is killed or exits
func (w *Worker) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// Available is closed when the worker becomes available
func (w *Worker) Available() <-chan struct{} {
	return w.available
}

// Exited is closed once the process has exited and left the live table
func (w *Worker) Exited() <-chan struct{} {
	return w.done
}

// ExitStatus returns the exit status once the worker has exited
func (w *Worker) ExitStatus() (ExitStatus, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status, w.exited
}

// OnExit registers fn to run once with the exit status. If the worker
// already exited, fn runs immediately.
func (w *Worker) OnExit(fn func(ExitStatus)) {
	w.mu.Lock()
	if !w.exited {
		w.onExit = append(w.onExit, fn)
		w.mu.Unlock()
		return
	}
	status := w.status
	w.mu.Unlock()
	fn(status)
}

// advanceLocked moves to next if that is a forward transition
func (w *Worker) advanceLocked(next WorkerState) bool {
	if next <= w.state {
		return false
	}
	w.state = next
	if next == StateAvailable {
		w.expected = nil
		close(w.available)
	}
	return true
}

// markListening records that port is bound. The worker becomes available
// when the last declared port is reported; undeclared and repeated ports
// are ignored.
func (w *Worker) markListening(port int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StatePending {
		return
	}
	if _, ok := w.expected[port]; !ok {
		return
	}
	delete(w.expected, port)
	if len(w.expected) == 0 {
		w.advanceLocked(StateAvailable)
		w.logger.Debug("worker available", "reason", "ports")
	}
}

// markReady makes a pending worker available
func (w *Worker) markReady() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StatePending {
		return
	}
	w.advanceLocked(StateAvailable)
	w.logger.Debug("worker available", "reason", "ready")
}

// readControl consumes the worker's control socket until it closes
func (w *Worker) readControl(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var msg ipcMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			w.logger.Debug("ignoring control message", "error", err)
			continue
		}
		switch msg.Type {
		case ipcReady:
			w.markReady()
		case ipcListening:
			w.markListening(msg.Port)
		}
	}
}

// Kill requests a cooperative disconnect and, unless grace is Infinite,
// force-terminates the process with sig after grace. It reports whether the
// worker was live, meaning neither exited nor already disconnected.
func (w *Worker) Kill(sig syscall.Signal, grace time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.exited {
		return false
	}

	w.advanceLocked(StateKilled)

	live := w.connected
	if w.connected {
		w.connected = false
		if w.conn != nil {
			_ = w.conn.Close()
		}
	}

	// An armed timer is kept; the first finite grace wins
	if grace >= 0 && w.timer == nil {
		if grace == 0 {
			w.signalLocked(sig)
		} else {
			w.timer = time.AfterFunc(grace, func() { w.forceKill(sig) })
		}
	}

	w.logger.Debug("worker killed", "signal", unix.SignalName(sig), "grace", grace, "live", live)
	return live
}

func (w *Worker) forceKill(sig syscall.Signal) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.exited {
		return
	}
	w.logger.Info("grace period over, terminating worker", "signal", unix.SignalName(sig))
	w.signalLocked(sig)
}

func (w *Worker) signalLocked(sig syscall.Signal) {
	if w.cmd == nil || w.cmd.Process == nil {
		return
	}
	if err := w.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		w.logger.Warn("signalling worker", "signal", unix.SignalName(sig), "error", err)
	}
}

// wait blocks on the process and publishes its exit
func (w *Worker) wait() {
	err := w.cmd.Wait()
	status := exitStatusOf(w.cmd.ProcessState)
	if status.Code < 0 && status.Signal == "" && err != nil {
		w.logger.Warn("waiting for worker", "error", err)
	}
	w.handleExit(status)
}

// handleExit finalizes the worker: the live-table release runs before
// Exited is closed and subscribers are called
func (w *Worker) handleExit(status ExitStatus) {
	w.mu.Lock()
	if w.exited {
		w.mu.Unlock()
		return
	}
	w.exited = true
	w.status = status
	w.connected = false
	if w.conn != nil {
		_ = w.conn.Close()
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	subscribers := w.onExit
	w.onExit = nil
	state := w.state
	w.mu.Unlock()

	w.logger.Debug("worker exited", "code", status.Code, "signal", status.Signal, "state", state.String())

	if w.release != nil {
		w.release(w)
	}
	close(w.done)
	for _, fn := range subscribers {
		fn(status)
	}
}

func exitStatusOf(ps *os.ProcessState) ExitStatus {
	if ps == nil {
		return ExitStatus{Code: -1}
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Code: -1, Signal: unix.SignalName(ws.Signal())}
	}
	return ExitStatus{Code: ps.ExitCode()}
}
