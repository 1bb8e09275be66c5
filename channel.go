package appz

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Channel event names
const (
	EventCommand = "command"
	EventResult  = "result"
	EventError   = "error"
	EventStdout  = "stdout"
	EventStderr  = "stderr"
	EventSIGINT  = "SIGINT"
)

// DefaultWriteTimeout bounds a single event write so a stalled peer cannot
// block worker output
const DefaultWriteTimeout = 5 * time.Second

// maxEventSize is the largest event line a Channel accepts
const maxEventSize = 8 << 20

// Event is one newline-delimited JSON message on a Channel
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the event payload into v
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// Channel carries named events in both directions over one connection.
// Emit is safe for concurrent use; Recv must be called from one goroutine.
type Channel struct {
	conn         net.Conn
	reader       *bufio.Reader
	writeTimeout time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// NewChannel wraps conn
func NewChannel(conn net.Conn) *Channel {
	return &Channel{
		conn:         conn,
		reader:       bufio.NewReaderSize(conn, 64*1024),
		writeTimeout: DefaultWriteTimeout,
		done:         make(chan struct{}),
	}
}

// Emit sends an event; data is marshalled to JSON
func (c *Channel) Emit(name string, data any) error {
	ev := Event{Name: name}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encoding %s event: %w", name, err)
		}
		ev.Data = raw
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()

	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.conn.Write(line); err != nil {
		return err
	}
	return nil
}

// Recv reads the next event. It returns io.EOF once the peer has closed
// the connection. A malformed or oversized line is reported as
// ErrMalformedCommand and skipped, so the next call reads the following line.
func (c *Channel) Recv() (Event, error) {
	line, err := c.readLine()
	if err != nil {
		if errors.Is(err, ErrMalformedCommand) || errors.Is(err, io.EOF) {
			return Event{}, err
		}
		select {
		case <-c.done:
			return Event{}, io.EOF
		default:
		}
		if errors.Is(err, net.ErrClosed) {
			return Event{}, io.EOF
		}
		return Event{}, err
	}

	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	return ev, nil
}

// readLine returns the next line without its terminator. A line longer
// than maxEventSize is consumed and discarded.
func (c *Channel) readLine() ([]byte, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := c.reader.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > maxEventSize+1 {
				tooLong, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}

		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case err != nil && (tooLong || len(line) == 0 || !errors.Is(err, io.EOF)):
			return nil, err
		case tooLong:
			return nil, fmt.Errorf("%w: event exceeds %d bytes", ErrMalformedCommand, maxEventSize)
		}

		line = bytes.TrimSuffix(line, []byte("\n"))
		return bytes.TrimSuffix(line, []byte("\r")), nil
	}
}

// Writer returns a writer that emits every write as an event called name.
// Each call returns a distinct writer, suitable for Tap.Attach.
func (c *Channel) Writer(name string) io.Writer {
	return &channelWriter{ch: c, name: name}
}

// Done is closed once the channel is closed
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Close closes the underlying connection
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		close(c.done)
		c.wmu.Unlock()
		err = c.conn.Close()
	})
	return err
}

type channelWriter struct {
	ch   *Channel
	name string
}

func (w *channelWriter) Write(p []byte) (int, error) {
	if err := w.ch.Emit(w.name, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
