package stream

import (
	"context"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
)

var errConnClosed = errors.New("fake conn closed")

type fakeFrame struct {
	payload []byte
	err     error
}

// fakeConn is a scripted connection: tests feed inbound frames and close
// errors through a channel, every write is recorded, and Close releases a
// blocked reader.
type fakeConn struct {
	in   chan fakeFrame
	done chan struct{}

	mu       sync.Mutex
	writes   [][]byte
	writeErr error
	closed   bool
	closes   []CloseCode
	autoPong bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:   make(chan fakeFrame, 64),
		done: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.in:
		return f.payload, f.err
	case <-c.done:
		return nil, errConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) WriteMessage(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errConnClosed
	}
	buf := append([]byte(nil), payload...)
	c.writes = append(c.writes, buf)
	err := c.writeErr
	auto := c.autoPong
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if auto {
		var env Envelope
		if sonic.ConfigFastest.Unmarshal(buf, &env) == nil && env.Type == TypePing {
			c.feed(`{"type":"pong"}`)
		}
	}
	return nil
}

func (c *fakeConn) Close(code CloseCode, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes = append(c.closes, code)
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

// feed queues an inbound payload.
func (c *fakeConn) feed(payload string) {
	c.in <- fakeFrame{payload: []byte(payload)}
}

// abort simulates the peer dropping the connection with the given code.
func (c *fakeConn) abort(code CloseCode, reason string) {
	c.in <- fakeFrame{err: &CloseError{Code: code, Reason: reason}}
}

func (c *fakeConn) setWriteErr(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

func (c *fakeConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func (c *fakeConn) lastWrite() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.writes) == 0 {
		return nil
	}
	return c.writes[len(c.writes)-1]
}

// typedWrites returns the envelope types of every recorded write.
func (c *fakeConn) typedWrites() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.writes))
	for _, w := range c.writes {
		var env Envelope
		if sonic.ConfigFastest.Unmarshal(w, &env) == nil {
			out = append(out, env.Type)
		}
	}
	return out
}

func (c *fakeConn) pingCount() int {
	n := 0
	for _, typ := range c.typedWrites() {
		if typ == TypePing {
			n++
		}
	}
	return n
}

func (c *fakeConn) closedWith(code CloseCode) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cc := range c.closes {
		if cc == code {
			return true
		}
	}
	return false
}

// fakeDialer hands out fakeConns in order. Scripted errors fail the
// matching dial; a gate, when set, holds every dial until released.
type fakeDialer struct {
	mu        sync.Mutex
	conns     []*fakeConn
	errs      []error
	endpoints []string
	calls     int
	gate      chan struct{}
	autoPong  bool
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	d.mu.Lock()
	i := d.calls
	d.calls++
	d.endpoints = append(d.endpoints, endpoint)
	var err error
	if i < len(d.errs) {
		err = d.errs[i]
	}
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	conn := newFakeConn()
	conn.autoPong = d.autoPong
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) lastEndpoint() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.endpoints) == 0 {
		return ""
	}
	return d.endpoints[len(d.endpoints)-1]
}

type logEntry struct {
	level string
	event string
	args  []any
}

// recordLogger captures every sink call for assertions.
type recordLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordLogger) Debug(event string, args ...any) { l.record("debug", event, args) }
func (l *recordLogger) Warn(event string, args ...any)  { l.record("warn", event, args) }
func (l *recordLogger) Error(event string, args ...any) { l.record("error", event, args) }

func (l *recordLogger) record(level, event string, args []any) {
	l.mu.Lock()
	l.entries = append(l.entries, logEntry{level: level, event: event, args: args})
	l.mu.Unlock()
}

func (l *recordLogger) count(level, event string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.level == level && e.event == event {
			n++
		}
	}
	return n
}

// argValues collects the value following the named key across every entry
// with the given event.
func (l *recordLogger) argValues(event, key string) []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []any
	for _, e := range l.entries {
		if e.event != event {
			continue
		}
		for i := 0; i+1 < len(e.args); i += 2 {
			if e.args[i] == key {
				out = append(out, e.args[i+1])
			}
		}
	}
	return out
}
