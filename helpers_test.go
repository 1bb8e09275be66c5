//go:build linux || darwin

package appz

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment understood by the helper worker
const (
	testWorkerEnv     = "APPZ_TEST_WORKER"
	testSeqDirEnv     = "APPZ_TEST_SEQ_DIR"
	testExitOnEnv     = "APPZ_TEST_EXIT_ON"
	testCrashOnEnv    = "APPZ_TEST_CRASH_ON"
	testLingerEnv     = "APPZ_TEST_LINGER"
	testTrapTermEnv   = "APPZ_TEST_TRAP_TERM"
	testMarkerDirEnv  = "APPZ_TEST_MARKER_DIR"
	testCrashDelayEnv = "APPZ_TEST_CRASH_DELAY"
)

// Helper worker modes
const (
	modeReady   = "ready"
	modeListen  = "listen"
	modePending = "pending"
)

func TestMain(m *testing.M) {
	if mode := os.Getenv(testWorkerEnv); mode != "" {
		os.Exit(runTestWorker(mode))
	}
	os.Exit(m.Run())
}

// runTestWorker is the body of the helper worker process. Its ordinal is
// the order in which it started among workers sharing a sequence dir.
func runTestWorker(mode string) int {
	if os.Getenv(testTrapTermEnv) != "" {
		signal.Ignore(syscall.SIGTERM)
	}

	ordinal := nextOrdinal(os.Getenv(testSeqDirEnv))
	fmt.Printf("worker %d up\n", ordinal)
	fmt.Fprintf(os.Stderr, "worker %d stderr\n", ordinal)

	if inList(os.Getenv(testExitOnEnv), ordinal) {
		return 1
	}

	var listeners []net.Listener
	switch mode {
	case modeReady:
		if err := Ready(); err != nil {
			fmt.Fprintf(os.Stderr, "ready: %v\n", err)
			return 10
		}
	case modeListen:
		for _, p := range strings.Split(os.Getenv("PORTS"), ",") {
			if p == "" {
				continue
			}
			l, err := Listen("tcp", "127.0.0.1:"+p)
			if err != nil {
				fmt.Fprintf(os.Stderr, "listen: %v\n", err)
				return 11
			}
			listeners = append(listeners, l)
		}
	case modePending:
	}

	if inList(os.Getenv(testCrashOnEnv), ordinal) {
		delay := 50 * time.Millisecond
		if v := os.Getenv(testCrashDelayEnv); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				delay = d
			}
		}
		time.Sleep(delay)
		return 2
	}

	<-Disconnected()
	if dir := os.Getenv(testMarkerDirEnv); dir != "" {
		_ = os.WriteFile(filepath.Join(dir, fmt.Sprintf("disconnected-%d", ordinal)), nil, 0o644)
	}
	if os.Getenv(testLingerEnv) != "" {
		time.Sleep(time.Hour)
	}
	for _, l := range listeners {
		_ = l.Close()
	}
	return 0
}

// nextOrdinal claims the lowest unused ordinal in dir, starting at 1
func nextOrdinal(dir string) int {
	if dir == "" {
		return 0
	}
	for i := 1; ; i++ {
		f, err := os.OpenFile(filepath.Join(dir, strconv.Itoa(i)), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_ = f.Close()
			return i
		}
		if !errors.Is(err, os.ErrExist) {
			return -1
		}
	}
}

func inList(list string, n int) bool {
	if list == "" {
		return false
	}
	return slices.Contains(strings.Split(list, ","), strconv.Itoa(n))
}

// testApp describes an app directory backed by the helper worker
type testApp struct {
	Name    string
	Mode    string
	Ports   []int
	Workers int
	Env     map[string]string
}

// writeTestApp creates an app directory whose manifest runs the test
// binary as the helper worker
func writeTestApp(t testing.TB, app testApp) string {
	t.Helper()

	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("locating test binary: %v", err)
	}
	dir := filepath.Join(t.TempDir(), app.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("creating app dir: %v", err)
	}

	mode := app.Mode
	if mode == "" {
		mode = modeReady
	}
	env := map[string]string{testWorkerEnv: mode}
	for k, v := range app.Env {
		env[k] = v
	}

	m := map[string]any{
		"name":    app.Name,
		"main":    exe,
		"workers": app.Workers,
		"env":     env,
	}
	if len(app.Ports) > 0 {
		m["ports"] = app.Ports
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		t.Fatalf("encoding manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), data, 0o644); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}
	return dir
}

// seqDir returns a fresh ordinal directory for helper workers
func seqDir(t testing.TB) string {
	t.Helper()
	return t.TempDir()
}

// freePorts reserves n distinct loopback TCP ports
func freePorts(t testing.TB, n int) []int {
	t.Helper()
	ports := make([]int, 0, n)
	var ls []net.Listener
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("reserving port: %v", err)
		}
		ls = append(ls, l)
		ports = append(ports, l.Addr().(*net.TCPAddr).Port)
	}
	for _, l := range ls {
		_ = l.Close()
	}
	return ports
}

// shortTempDir returns a directory whose paths fit in a unix socket address
func shortTempDir(t testing.TB) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "appz")
	if err != nil {
		t.Fatalf("creating temp dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func testLogger() *slog.Logger {
	if testing.Verbose() {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestSupervisor builds a supervisor on a temporary home and kills all
// of its workers when the test ends
func newTestSupervisor(t testing.TB, opts ...SupervisorOption) *Supervisor {
	t.Helper()

	home := t.TempDir()
	registry, err := OpenRegistry(filepath.Join(home, RegistryFile))
	if err != nil {
		t.Fatalf("opening registry: %v", err)
	}
	logs := NewLogManager(home, testLogger())

	opts = append([]SupervisorOption{WithLogger(testLogger())}, opts...)
	sup := NewSupervisor(home, registry, logs, opts...)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sup.Shutdown(ctx, 0)
		for _, w := range sup.Workers("") {
			w.Kill(syscall.SIGKILL, 0)
			<-w.Exited()
		}
		_ = logs.Close()
	})
	return sup
}

// waitExited waits for every worker to leave the live table
func waitExited(t testing.TB, workers []*Worker, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for _, w := range workers {
		select {
		case <-w.Exited():
		case <-deadline:
			t.Fatalf("worker %d did not exit within %v", w.ID, timeout)
		}
	}
}

// syncBuffer is a goroutine-safe buffer for captured output
type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
