//go:build linux || darwin

package appz

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/throw-out-error/appz/internal/unix"
)

// Worker-side helpers. A process started by the daemon finds its control
// socket on the descriptor named by APPZ_IPC_FD; outside the daemon every
// helper is a no-op, so workers also run standalone.

var control struct {
	once         sync.Once
	mu           sync.Mutex
	conn         net.Conn
	err          error
	disconnected chan struct{}
}

func controlConn() (net.Conn, error) {
	control.once.Do(func() {
		control.disconnected = make(chan struct{})

		raw := os.Getenv(IPCFDEnv)
		if raw == "" {
			return
		}
		fd, err := strconv.Atoi(raw)
		if err != nil {
			control.err = fmt.Errorf("parsing %s: %w", IPCFDEnv, err)
			return
		}

		f := os.NewFile(uintptr(fd), "appz-ipc")
		conn, err := net.FileConn(f)
		_ = f.Close()
		if err != nil {
			control.err = fmt.Errorf("opening control socket: %w", err)
			return
		}
		control.conn = conn

		// The daemon never writes; EOF means it asked us to shut down
		go func() {
			_, _ = io.Copy(io.Discard, conn)
			close(control.disconnected)
		}()
	})
	return control.conn, control.err
}

// Supervised reports whether this process was started by the appz daemon
func Supervised() bool {
	return os.Getenv(IPCFDEnv) != ""
}

func notify(msg ipcMessage) error {
	conn, err := controlConn()
	if err != nil || conn == nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	control.mu.Lock()
	defer control.mu.Unlock()
	_, err = conn.Write(data)
	return err
}

// Ready tells the daemon this worker is available regardless of which
// ports it has bound
func Ready() error {
	return notify(ipcMessage{Type: ipcReady})
}

// Listening tells the daemon this worker has bound port
func Listening(port int) error {
	return notify(ipcMessage{Type: ipcListening, Port: port})
}

// Listen binds a listener that sibling workers can share and reports the
// bound TCP port to the daemon
func Listen(network, address string) (net.Listener, error) {
	lc := net.ListenConfig{Control: unix.ReusePort}
	l, err := lc.Listen(context.Background(), network, address)
	if err != nil {
		return nil, err
	}

	if addr, ok := l.Addr().(*net.TCPAddr); ok {
		if err := Listening(addr.Port); err != nil {
			_ = l.Close()
			return nil, fmt.Errorf("reporting port %d: %w", addr.Port, err)
		}
	}
	return l, nil
}

// Disconnected is closed when the daemon asks this worker to shut down.
// Outside the daemon it is never closed.
func Disconnected() <-chan struct{} {
	_, _ = controlConn()
	return control.disconnected
}
