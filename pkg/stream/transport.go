// Package stream implements the resilient client for the backend's
// real-time feed: one socket at a time, bounded reconnection on a
// fixed-interval backoff, a ping/pong heartbeat that force-closes stale
// connections, and handler registries that isolate subscriber failures.
package stream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// MessageHandler receives every validated application envelope in arrival
// order. Control envelopes (ping, pong) never reach it.
type MessageHandler func(env Envelope)

// ConnectHandler runs after every successful open, initial or reconnect.
type ConnectHandler func()

// DisconnectHandler runs after the socket closes, with the close code the
// transport observed.
type DisconnectHandler func(code CloseCode, reason string)

// ErrorHandler receives dial failures, write failures, socket errors and
// the terminal ErrMaxAttempts signal.
type ErrorHandler func(err error)

// Config tunes one Transport. BaseURL is required; every other field has
// a usable default.
type Config struct {
	// BaseURL is the endpoint prefix, e.g. "ws://127.0.0.1:8089/ws". The
	// suffix passed to Connect is appended after a slash.
	BaseURL string
	// Dialer opens connections. Nil means a production WSDialer.
	Dialer Dialer
	// Validator screens inbound payloads. Nil means ValidateEnvelope.
	Validator Validator
	// Logger receives every lifecycle occurrence. Nil means the logs sink.
	Logger Logger
	// Stats receives counters. Nil discards them.
	Stats Stats

	// ReconnectInterval is the per-attempt delay before a reconnect.
	ReconnectInterval time.Duration
	// MaxReconnectAttempts bounds consecutive failed reconnects before the
	// transport gives up for the session.
	MaxReconnectAttempts int
	// PingInterval is the heartbeat period once open.
	PingInterval time.Duration
	// PongTimeout is how long a ping may go unanswered before the
	// connection is force-closed as stale.
	PongTimeout time.Duration
	// Backoff overrides the reconnect delay curve. The zero value waits a
	// fixed ReconnectInterval between attempts.
	Backoff Backoff
}

func (c Config) withDefaults() Config {
	if c.Dialer == nil {
		c.Dialer = &WSDialer{}
	}
	if c.Validator == nil {
		c.Validator = ValidateEnvelope
	}
	if c.Logger == nil {
		c.Logger = logsSink{}
	}
	if c.Stats == nil {
		c.Stats = nopStats{}
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	if c.Backoff == (Backoff{}) {
		c.Backoff = Backoff{Interval: c.ReconnectInterval, Factor: 1.0}
	}
	if c.Backoff.Interval <= 0 {
		c.Backoff.Interval = c.ReconnectInterval
	}
	return c
}

// Transport owns at most one live socket to the configured backend. It
// survives unexpected closes through bounded reconnection, detects dead
// peers with the heartbeat, and fans validated envelopes out to the
// registered handlers. All methods are safe for concurrent use; the
// socket and every timer belong to the transport alone.
type Transport struct {
	cfg Config

	mu         sync.Mutex
	state      State
	conn       Conn
	gen        uint64
	endpoint   string
	attempts   int
	closing    bool
	opening    chan struct{}
	dialErr    error
	pingSentAt time.Time
	timers     timerSet

	writeMu sync.Mutex

	onMessage    *registry[MessageHandler]
	onConnect    *registry[ConnectHandler]
	onDisconnect *registry[DisconnectHandler]
	onError      *registry[ErrorHandler]
}

// New validates the config and builds a transport. The transport is inert
// until Connect.
func New(cfg Config) (*Transport, error) {
	cfg = cfg.withDefaults()
	if cfg.BaseURL == "" {
		return nil, ErrBadConfig
	}
	return &Transport{
		cfg:          cfg,
		state:        StateIdle,
		onMessage:    newRegistry[MessageHandler](),
		onConnect:    newRegistry[ConnectHandler](),
		onDisconnect: newRegistry[DisconnectHandler](),
		onError:      newRegistry[ErrorHandler](),
	}, nil
}

// Connect dials BaseURL + "/" + endpointSuffix and blocks until the
// socket is open. Calling while open returns nil immediately; calling
// while a dial is in flight joins that attempt and shares its result, so
// a second socket is never created. A dial failure here is returned to
// the caller and is not retried automatically; automatic reconnection
// only follows an unexpected close of an established connection.
func (t *Transport) Connect(ctx context.Context, endpointSuffix string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		t.mu.Lock()
		switch t.state {
		case StateOpen:
			t.mu.Unlock()
			return nil
		case StateConnecting:
			ch := t.opening
			t.mu.Unlock()
			if ch == nil {
				continue
			}
			select {
			case <-ch:
			case <-ctx.Done():
				return ctx.Err()
			}
			t.mu.Lock()
			switch t.state {
			case StateOpen:
				t.mu.Unlock()
				return nil
			case StateConnecting:
				// A newer attempt took over; join that one instead.
				t.mu.Unlock()
				continue
			}
			// The joined attempt settled: nil means it opened (even if
			// the socket has since dropped and reconnection owns it now),
			// otherwise this is the dial error, or ErrClosed when a
			// Disconnect interrupted the attempt.
			err := t.dialErr
			t.mu.Unlock()
			return err
		}

		// Idle, Closed or Closing: become the dialer and fully re-arm.
		t.closing = false
		t.attempts = 0
		t.timers.stopAll()
		t.endpoint = endpointSuffix
		t.state = StateConnecting
		t.gen++
		gen := t.gen
		ch := make(chan struct{})
		t.opening = ch
		t.dialErr = nil
		endpoint := joinEndpoint(t.cfg.BaseURL, endpointSuffix)
		t.mu.Unlock()

		return t.dial(ctx, gen, ch, endpoint)
	}
}

// dial performs one connection attempt and settles the opened channel for
// any joined Connect callers. On success it installs the connection,
// starts the heartbeat and the read loop, and fires connect handlers.
func (t *Transport) dial(ctx context.Context, gen uint64, opened chan struct{}, endpoint string) error {
	conn, err := t.cfg.Dialer.Dial(ctx, endpoint)

	t.mu.Lock()
	if gen != t.gen || t.closing {
		t.mu.Unlock()
		close(opened)
		if conn != nil {
			_ = conn.Close(CloseNormal, "superseded")
		}
		return ErrClosed
	}
	if err != nil {
		t.state = StateClosed
		t.dialErr = err
		t.opening = nil
		t.mu.Unlock()
		close(opened)

		t.cfg.Stats.ConnectFailed()
		t.cfg.Logger.Error("connect failed", "endpoint", endpoint, "err", err)
		t.dispatchError(err)
		return err
	}

	t.conn = conn
	t.state = StateOpen
	t.attempts = 0
	t.dialErr = nil
	t.opening = nil
	t.timers.armPing(t.cfg.PingInterval, func() { t.heartbeatTick(gen) })
	t.mu.Unlock()
	close(opened)

	t.cfg.Stats.ConnectOpened()
	t.cfg.Logger.Debug("socket open", "endpoint", endpoint)
	t.dispatchConnect()
	go t.readLoop(gen, conn)
	return nil
}

// Disconnect intentionally shuts the transport down: no reconnect will be
// scheduled, the whole timer set is cancelled, the socket closes with a
// normal closure code and the attempt counter resets. Idempotent. A later
// Connect fully re-arms the state machine.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.closing = true
	t.attempts = 0
	t.gen++
	t.timers.stopAll()
	conn := t.conn
	t.conn = nil
	if t.opening != nil {
		t.dialErr = ErrClosed
		t.opening = nil
	}
	if conn != nil {
		t.state = StateClosing
	} else if t.state != StateIdle {
		t.state = StateClosed
	}
	t.mu.Unlock()

	if conn == nil {
		return
	}
	_ = conn.Close(CloseNormal, "client disconnect")

	t.mu.Lock()
	if t.closing && t.state == StateClosing {
		t.state = StateClosed
	}
	t.mu.Unlock()

	t.cfg.Logger.Debug("socket closed", "code", CloseNormal, "reason", "client disconnect")
	t.dispatchDisconnect(CloseNormal, "client disconnect")
}

// Send serializes a message and writes it to the open socket. Strings and
// byte slices pass through unchanged, everything else is JSON-encoded.
// When the socket is not open the send is a reported no-op: it logs,
// counts and returns ErrNotOpen without touching any connection. Write
// failures are reported through the error handlers and returned; they
// never panic.
func (t *Transport) Send(v any) error {
	t.mu.Lock()
	if t.state != StateOpen || t.conn == nil {
		state := t.state
		t.mu.Unlock()
		t.cfg.Stats.SendFailed()
		t.cfg.Logger.Warn("send while not open", "state", state)
		return ErrNotOpen
	}
	conn := t.conn
	t.mu.Unlock()

	payload, err := encodeOutbound(v)
	if err != nil {
		t.cfg.Stats.SendFailed()
		t.cfg.Logger.Error("send encode failed", "err", err)
		return err
	}

	t.writeMu.Lock()
	err = conn.WriteMessage(context.Background(), payload)
	t.writeMu.Unlock()
	if err != nil {
		t.cfg.Stats.SendFailed()
		t.cfg.Logger.Error("socket write failed", "err", err)
		t.dispatchError(err)
		return err
	}
	t.cfg.Stats.MessageSent()
	return nil
}

// IsConnected reports whether the socket is open. Never blocks.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateOpen
}

// State returns the current lifecycle state. Never blocks.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// OnMessage registers a handler for validated application envelopes and
// returns its disposer. Disposers are idempotent and safe during dispatch.
func (t *Transport) OnMessage(h MessageHandler) func() {
	if h == nil {
		return func() {}
	}
	return t.onMessage.add(h)
}

// OnConnect registers a handler fired on every successful open.
func (t *Transport) OnConnect(h ConnectHandler) func() {
	if h == nil {
		return func() {}
	}
	return t.onConnect.add(h)
}

// OnDisconnect registers a handler fired when the socket closes.
func (t *Transport) OnDisconnect(h DisconnectHandler) func() {
	if h == nil {
		return func() {}
	}
	return t.onDisconnect.add(h)
}

// OnError registers a handler for transport-level failures.
func (t *Transport) OnError(h ErrorHandler) func() {
	if h == nil {
		return func() {}
	}
	return t.onError.add(h)
}

func (t *Transport) readLoop(gen uint64, conn Conn) {
	for {
		raw, err := conn.ReadMessage(context.Background())
		if err != nil {
			t.handleReadError(gen, err)
			return
		}
		t.handleMessage(gen, raw)
	}
}

func (t *Transport) handleReadError(gen uint64, err error) {
	t.mu.Lock()
	if gen != t.gen || t.closing || t.state == StateClosed || t.state == StateIdle {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	var ce *CloseError
	if errors.As(err, &ce) {
		t.handleClose(gen, ce.Code, ce.Reason)
		return
	}
	// A socket error without a close frame: report it, then treat the
	// connection as abnormally closed. The error alone never reconnects;
	// the close transition does.
	t.dispatchError(err)
	t.handleClose(gen, CloseAbnormal, err.Error())
}

// handleClose drives the close transition for the given connection epoch:
// teardown of the heartbeat, disconnect dispatch, and either a scheduled
// reconnect, the terminal max-attempts signal, or nothing for a normal
// closure.
func (t *Transport) handleClose(gen uint64, code CloseCode, reason string) {
	t.mu.Lock()
	if gen != t.gen || t.state == StateClosed || t.state == StateIdle {
		t.mu.Unlock()
		return
	}
	intentional := t.closing
	conn := t.conn
	t.conn = nil
	t.state = StateClosed
	t.timers.disarmPing()
	t.timers.disarmPong()

	var wait time.Duration
	var attempt int
	var terminal bool
	if !intentional && code != CloseNormal {
		wait, attempt, terminal = t.scheduleReconnectLocked()
	}
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close(code, reason)
	}
	if intentional {
		t.cfg.Logger.Debug("socket closed", "code", code)
		return
	}

	t.cfg.Logger.Warn("socket closed", "code", code, "reason", reason)
	t.dispatchDisconnect(code, reason)

	switch {
	case terminal:
		t.cfg.Logger.Error("reconnect attempts exhausted", "attempts", attempt)
		t.dispatchError(ErrMaxAttempts)
	case attempt > 0:
		t.cfg.Stats.ReconnectScheduled()
		t.cfg.Logger.Warn("reconnect scheduled", "attempt", attempt, "wait", wait)
	}
}

// scheduleReconnectLocked arms the reconnect timer for the next attempt,
// or reports the budget exhausted. The counter increments here, when the
// attempt is scheduled, and resets only on a successful reopen. Requires
// t.mu held.
func (t *Transport) scheduleReconnectLocked() (wait time.Duration, attempt int, terminal bool) {
	if t.attempts >= t.cfg.MaxReconnectAttempts {
		return 0, t.attempts, true
	}
	t.attempts++
	attempt = t.attempts
	wait = t.cfg.Backoff.Next(attempt)
	gen := t.gen
	t.timers.armReconnect(wait, func() { t.redial(gen) })
	return wait, attempt, false
}

// redial runs one scheduled reconnect attempt. Attempts are strictly
// sequential: the next is armed only after this one settles.
func (t *Transport) redial(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.closing || t.state != StateClosed {
		t.mu.Unlock()
		return
	}
	t.timers.disarmReconnect()
	t.state = StateConnecting
	t.gen++
	next := t.gen
	ch := make(chan struct{})
	t.opening = ch
	t.dialErr = nil
	attempt := t.attempts
	endpoint := joinEndpoint(t.cfg.BaseURL, t.endpoint)
	t.mu.Unlock()

	t.cfg.Logger.Debug("reconnecting", "attempt", attempt, "endpoint", endpoint)
	if err := t.dial(context.Background(), next, ch, endpoint); err != nil {
		t.afterFailedRedial(next)
	}
}

// afterFailedRedial counts a failed reconnect dial as a further
// unexpected close and either arms the next attempt or signals terminal
// failure.
func (t *Transport) afterFailedRedial(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.closing || t.state != StateClosed {
		t.mu.Unlock()
		return
	}
	wait, attempt, terminal := t.scheduleReconnectLocked()
	t.mu.Unlock()

	if terminal {
		t.cfg.Logger.Error("reconnect attempts exhausted", "attempts", attempt)
		t.dispatchError(ErrMaxAttempts)
		return
	}
	t.cfg.Stats.ReconnectScheduled()
	t.cfg.Logger.Warn("reconnect scheduled", "attempt", attempt, "wait", wait)
}

// handleMessage validates one inbound payload and routes it: malformed
// input is dropped with a single warning, pong clears the heartbeat
// deadline, ping is answered in place, and everything else goes to the
// message handlers in arrival order.
func (t *Transport) handleMessage(gen uint64, raw []byte) {
	env, err := t.cfg.Validator(raw)
	if err != nil {
		t.cfg.Stats.MessageDropped()
		t.cfg.Logger.Warn("message dropped", "err", err)
		return
	}

	switch env.Type {
	case TypePong:
		t.mu.Lock()
		if gen != t.gen {
			t.mu.Unlock()
			return
		}
		var rtt time.Duration
		if t.timers.pongArmed() {
			t.timers.disarmPong()
			rtt = time.Since(t.pingSentAt)
		}
		t.mu.Unlock()
		t.cfg.Stats.PongReceived()
		t.cfg.Logger.Debug("pong received", "rtt", rtt)
		return
	case TypePing:
		t.sendPong(gen)
		return
	}

	t.cfg.Stats.MessageReceived()
	t.dispatchMessage(env)
}

func (t *Transport) sendPong(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.state != StateOpen || t.conn == nil {
		t.mu.Unlock()
		return
	}
	conn := t.conn
	t.mu.Unlock()

	payload, err := encodeOutbound(Envelope{Type: TypePong, Timestamp: time.Now().UTC().Format(time.RFC3339)})
	if err != nil {
		return
	}
	t.writeMu.Lock()
	err = conn.WriteMessage(context.Background(), payload)
	t.writeMu.Unlock()
	if err != nil {
		t.cfg.Logger.Debug("pong send failed", "err", err)
	}
}

// heartbeatTick sends one ping and arms the pong deadline. At most one
// ping is outstanding: while a pong is still pending the tick only
// re-arms itself.
func (t *Transport) heartbeatTick(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.closing || t.state != StateOpen {
		t.mu.Unlock()
		return
	}
	conn := t.conn
	skip := t.timers.pongArmed()
	if !skip {
		t.pingSentAt = time.Now()
		t.timers.armPong(t.cfg.PongTimeout, func() { t.pongTimeout(gen) })
	}
	t.timers.armPing(t.cfg.PingInterval, func() { t.heartbeatTick(gen) })
	t.mu.Unlock()

	if skip || conn == nil {
		return
	}
	payload, err := encodeOutbound(Envelope{Type: TypePing, Timestamp: time.Now().UTC().Format(time.RFC3339)})
	if err == nil {
		t.writeMu.Lock()
		err = conn.WriteMessage(context.Background(), payload)
		t.writeMu.Unlock()
	}
	if err != nil {
		// Leave the pong deadline armed: a conn that cannot carry a ping
		// is exactly what the stale-close path is for.
		t.cfg.Logger.Error("ping send failed", "err", err)
		return
	}
	t.cfg.Stats.PingSent()
	t.cfg.Logger.Debug("ping sent")
}

// pongTimeout fires when a ping went unanswered: the connection is
// presumed dead and force-closed with the stale-heartbeat code, which
// hands control to the standard reconnection path.
func (t *Transport) pongTimeout(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.closing || t.state != StateOpen {
		t.mu.Unlock()
		return
	}
	t.timers.disarmPong()
	conn := t.conn
	t.mu.Unlock()

	t.cfg.Logger.Warn("pong timeout", "timeout", t.cfg.PongTimeout)
	if conn != nil {
		_ = conn.Close(CloseStaleHeartbeat, "heartbeat timeout")
	}
	t.handleClose(gen, CloseStaleHeartbeat, "heartbeat timeout")
}

func (t *Transport) dispatchMessage(env Envelope) {
	for _, h := range t.onMessage.snapshot() {
		t.invoke(func() { h(env) })
	}
}

func (t *Transport) dispatchConnect() {
	for _, h := range t.onConnect.snapshot() {
		t.invoke(h)
	}
}

func (t *Transport) dispatchDisconnect(code CloseCode, reason string) {
	for _, h := range t.onDisconnect.snapshot() {
		t.invoke(func() { h(code, reason) })
	}
}

func (t *Transport) dispatchError(err error) {
	for _, h := range t.onError.snapshot() {
		t.invoke(func() { h(err) })
	}
}

// invoke shields the transport from handler panics: the panic is reported
// once and the remaining handlers in the dispatch still run.
func (t *Transport) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.cfg.Stats.HandlerPanicked()
			t.cfg.Logger.Error("handler panic", "panic", r)
		}
	}()
	fn()
}

func joinEndpoint(base, suffix string) string {
	base = strings.TrimRight(base, "/")
	suffix = strings.TrimLeft(suffix, "/")
	if suffix == "" {
		return base
	}
	return base + "/" + suffix
}
