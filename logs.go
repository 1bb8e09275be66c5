package appz

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Log file names inside an app's output directory
const (
	StdoutLogFile = "out.log"
	StderrLogFile = "err.log"
)

// Tap fans every write out to the currently attached sinks. A failing sink
// never fails the write, so a vanished client cannot stall a worker's pipe.
// Sinks are compared by identity and must be comparable.
type Tap struct {
	mu    sync.RWMutex
	sinks []io.Writer
}

// Attach adds w to the sinks; attaching the same sink twice is a no-op
func (t *Tap) Attach(w io.Writer) {
	if w == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.sinks {
		if s == w {
			return
		}
	}
	t.sinks = append(t.sinks, w)
}

// Detach removes w from the sinks
func (t *Tap) Detach(w io.Writer) {
	if w == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.sinks {
		if s == w {
			t.sinks = append(t.sinks[:i], t.sinks[i+1:]...)
			return
		}
	}
}

// Len returns the number of attached sinks
func (t *Tap) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sinks)
}

// Write copies p to every attached sink
func (t *Tap) Write(p []byte) (int, error) {
	t.mu.RLock()
	sinks := make([]io.Writer, len(t.sinks))
	copy(sinks, t.sinks)
	t.mu.RUnlock()

	for _, s := range sinks {
		_, _ = s.Write(p)
	}
	return len(p), nil
}

// Streams are the requester-side sinks for worker output. Nil fields
// discard.
type Streams struct {
	Stdout io.Writer
	Stderr io.Writer
}

// LogRelay persists and forwards the combined output of one app's workers
type LogRelay struct {
	// App is the owning app name
	App string
	// Stdout receives worker standard output
	Stdout *Tap
	// Stderr receives worker standard error
	Stderr *Tap

	mu  sync.Mutex
	dir string
	out *os.File
	err *os.File
}

// Dir returns the directory the relay writes its log files to
func (r *LogRelay) Dir() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dir
}

// Attach forwards app output to s until Detach
func (r *LogRelay) Attach(s Streams) {
	r.Stdout.Attach(s.Stdout)
	r.Stderr.Attach(s.Stderr)
}

// Detach stops forwarding app output to s
func (r *LogRelay) Detach(s Streams) {
	r.Stdout.Detach(s.Stdout)
	r.Stderr.Detach(s.Stderr)
}

// open points the relay at the log files in dir, closing any previous pair
func (r *LogRelay) open(dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.out != nil && r.dir == dir {
		return nil
	}

	if err := os.MkdirAll(dir, DirMode); err != nil {
		return fmt.Errorf("creating log dir: %w", err)
	}
	out, err := os.OpenFile(filepath.Join(dir, StdoutLogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, FileMode)
	if err != nil {
		return fmt.Errorf("opening stdout log: %w", err)
	}
	errFile, err := os.OpenFile(filepath.Join(dir, StderrLogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, FileMode)
	if err != nil {
		_ = out.Close()
		return fmt.Errorf("opening stderr log: %w", err)
	}

	_ = r.closeFilesLocked()
	r.Stdout.Attach(out)
	r.Stderr.Attach(errFile)
	r.out, r.err, r.dir = out, errFile, dir
	return nil
}

func (r *LogRelay) closeFilesLocked() error {
	var errs []error
	if r.out != nil {
		r.Stdout.Detach(r.out)
		errs = append(errs, r.out.Close())
		r.out = nil
	}
	if r.err != nil {
		r.Stderr.Detach(r.err)
		errs = append(errs, r.err.Close())
		r.err = nil
	}
	return errors.Join(errs...)
}

// Close detaches and closes the relay's log files
func (r *LogRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeFilesLocked()
}

// LogManager owns one LogRelay per app
type LogManager struct {
	home   string
	logger *slog.Logger

	mu     sync.Mutex
	relays map[string]*LogRelay
}

// NewLogManager creates a LogManager whose default output directories live
// below home
func NewLogManager(home string, logger *slog.Logger) *LogManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogManager{
		home:   home,
		logger: logger.With("component", "logs"),
		relays: make(map[string]*LogRelay),
	}
}

// OutputDir resolves where an app's logs go: an absolute override is used
// as-is, a relative one is joined to the app directory, and no override
// means <home>/<app>
func OutputDir(home, app, appDir, output string) string {
	switch {
	case output == "":
		return filepath.Join(home, app)
	case filepath.IsAbs(output):
		return filepath.Clean(output)
	default:
		return filepath.Join(appDir, output)
	}
}

// Setup returns the relay for app, creating it or moving it to dir
func (m *LogManager) Setup(app, dir string) (*LogRelay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	relay, ok := m.relays[app]
	if !ok {
		relay = &LogRelay{App: app, Stdout: &Tap{}, Stderr: &Tap{}}
	}
	if err := relay.open(dir); err != nil {
		return nil, err
	}
	if !ok {
		m.relays[app] = relay
		m.logger.Debug("log relay opened", "app", app, "dir", dir)
	}
	return relay, nil
}

// Get returns the relay for app, if one is set up
func (m *LogManager) Get(app string) (*LogRelay, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	relay, ok := m.relays[app]
	return relay, ok
}

// Remove closes and forgets the relay for app
func (m *LogManager) Remove(app string) {
	m.mu.Lock()
	relay, ok := m.relays[app]
	delete(m.relays, app)
	m.mu.Unlock()

	if !ok {
		return
	}
	if err := relay.Close(); err != nil {
		m.logger.Warn("closing log relay", "app", app, "error", err)
	}
}

// Close closes every relay
func (m *LogManager) Close() error {
	m.mu.Lock()
	relays := m.relays
	m.relays = make(map[string]*LogRelay)
	m.mu.Unlock()

	merr := &MultiError{}
	for _, relay := range relays {
		merr.Add(relay.Close())
	}
	return merr.Err()
}
