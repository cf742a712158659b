package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"
)

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

func (t *Transport) testAttempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

func newTestTransport(t *testing.T, dialer Dialer, log Logger, tune func(*Config)) *Transport {
	t.Helper()
	cfg := Config{
		BaseURL:              "ws://backend.test/ws",
		Dialer:               dialer,
		Logger:               log,
		ReconnectInterval:    15 * time.Millisecond,
		MaxReconnectAttempts: 3,
		PingInterval:         time.Hour,
		PongTimeout:          time.Hour,
	}
	if log == nil {
		cfg.Logger = &recordLogger{}
	}
	if tune != nil {
		tune(&cfg)
	}
	tr, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(tr.Disconnect)
	return tr
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, ErrBadConfig)
}

func TestConnectOpensDashboard(t *testing.T) {
	dialer := &fakeDialer{autoPong: true}
	log := &recordLogger{}
	tr := newTestTransport(t, dialer, log, func(cfg *Config) {
		cfg.PingInterval = 20 * time.Millisecond
		cfg.PongTimeout = 500 * time.Millisecond
	})

	var opened atomic.Int32
	tr.OnConnect(func() { opened.Add(1) })

	require.NoError(t, tr.Connect(context.Background(), "dashboard"))
	assert.True(t, tr.IsConnected())
	assert.Equal(t, StateOpen, tr.State())
	assert.Equal(t, "ws://backend.test/ws/dashboard", dialer.lastEndpoint())
	assert.Equal(t, int32(1), opened.Load())

	// The heartbeat ping goes out within one interval of opening.
	conn := dialer.conn(0)
	require.NotNil(t, conn)
	require.Eventually(t, func() bool { return conn.pingCount() >= 1 }, waitFor, tick)

	// Pongs keep arriving (autoPong), so the socket must stay open well
	// past several heartbeat rounds.
	time.Sleep(100 * time.Millisecond)
	assert.True(t, tr.IsConnected())
	assert.False(t, conn.closedWith(CloseStaleHeartbeat))
}

func TestConnectSingleFlight(t *testing.T) {
	gate := make(chan struct{})
	dialer := &fakeDialer{gate: gate}
	tr := newTestTransport(t, dialer, nil, nil)

	results := make(chan error, 2)
	go func() { results <- tr.Connect(context.Background(), "dashboard") }()
	require.Eventually(t, func() bool { return tr.State() == StateConnecting }, waitFor, tick)
	go func() { results <- tr.Connect(context.Background(), "dashboard") }()

	time.Sleep(20 * time.Millisecond)
	close(gate)

	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			require.NoError(t, err)
		case <-time.After(waitFor):
			t.Fatal("connect did not settle")
		}
	}
	assert.Equal(t, 1, dialer.dials(), "joined connect must not dial a second socket")
	assert.True(t, tr.IsConnected())
}

func TestConnectWhileOpenIsNoop(t *testing.T) {
	dialer := &fakeDialer{}
	tr := newTestTransport(t, dialer, nil, nil)

	require.NoError(t, tr.Connect(context.Background(), "dashboard"))
	require.NoError(t, tr.Connect(context.Background(), "dashboard"))
	assert.Equal(t, 1, dialer.dials())
}

func TestConnectDialFailureIsNotRetried(t *testing.T) {
	errDial := errors.New("refused")
	dialer := &fakeDialer{errs: []error{errDial}}
	log := &recordLogger{}
	tr := newTestTransport(t, dialer, log, nil)

	var got atomic.Value
	tr.OnError(func(err error) { got.Store(err) })

	err := tr.Connect(context.Background(), "dashboard")
	require.ErrorIs(t, err, errDial)
	assert.Equal(t, StateClosed, tr.State())

	require.Eventually(t, func() bool { return got.Load() != nil }, waitFor, tick)
	assert.ErrorIs(t, got.Load().(error), errDial)

	// A construction failure never schedules a reconnect.
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, dialer.dials())
	assert.Zero(t, log.count("warn", "reconnect scheduled"))
}

func TestDisconnectIsCleanAndIdempotent(t *testing.T) {
	dialer := &fakeDialer{autoPong: true}
	tr := newTestTransport(t, dialer, nil, func(cfg *Config) {
		cfg.PingInterval = 10 * time.Millisecond
		cfg.PongTimeout = 500 * time.Millisecond
	})

	var disconnects atomic.Int32
	var lastCode atomic.Value
	tr.OnDisconnect(func(code CloseCode, reason string) {
		disconnects.Add(1)
		lastCode.Store(code)
	})

	require.NoError(t, tr.Connect(context.Background(), "dashboard"))
	conn := dialer.conn(0)
	require.NotNil(t, conn)

	tr.Disconnect()
	assert.False(t, tr.IsConnected())
	assert.Equal(t, StateClosed, tr.State())
	assert.Equal(t, int32(1), disconnects.Load())
	assert.Equal(t, CloseNormal, lastCode.Load())
	assert.True(t, conn.closedWith(CloseNormal))

	// No socket construction, pings or handler calls after teardown.
	time.Sleep(20 * time.Millisecond)
	dials := dialer.dials()
	pings := conn.pingCount()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, dials, dialer.dials())
	assert.Equal(t, pings, conn.pingCount())
	assert.Equal(t, int32(1), disconnects.Load())

	tr.Disconnect()
	assert.Equal(t, int32(1), disconnects.Load(), "second disconnect must not redispatch")
}

func TestReconnectAfterAbruptClose(t *testing.T) {
	dialer := &fakeDialer{}
	log := &recordLogger{}
	tr := newTestTransport(t, dialer, log, nil)

	var lastCode atomic.Value
	tr.OnDisconnect(func(code CloseCode, reason string) { lastCode.Store(code) })

	require.NoError(t, tr.Connect(context.Background(), "dashboard"))
	dialer.conn(0).abort(CloseAbnormal, "gone")

	require.Eventually(t, func() bool { return dialer.dials() == 2 && tr.IsConnected() }, waitFor, tick)
	assert.Equal(t, CloseAbnormal, lastCode.Load())
	assert.Equal(t, []any{1}, log.argValues("reconnect scheduled", "attempt"))
	assert.Zero(t, tr.testAttempts(), "counter resets on successful reopen")
}

func TestNormalPeerCloseDoesNotReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	log := &recordLogger{}
	tr := newTestTransport(t, dialer, log, nil)

	var disconnects atomic.Int32
	tr.OnDisconnect(func(code CloseCode, reason string) { disconnects.Add(1) })

	require.NoError(t, tr.Connect(context.Background(), "dashboard"))
	dialer.conn(0).abort(CloseNormal, "server going down politely")

	require.Eventually(t, func() bool { return disconnects.Load() == 1 }, waitFor, tick)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, dialer.dials())
	assert.Equal(t, StateClosed, tr.State())
	assert.Zero(t, log.count("warn", "reconnect scheduled"))
}

func TestReconnectBoundAndTerminalSignal(t *testing.T) {
	errDial := errors.New("refused")
	dialer := &fakeDialer{errs: []error{nil, errDial, errDial, errDial}}
	log := &recordLogger{}
	tr := newTestTransport(t, dialer, log, func(cfg *Config) {
		cfg.MaxReconnectAttempts = 3
	})

	var terminal atomic.Int32
	tr.OnError(func(err error) {
		if errors.Is(err, ErrMaxAttempts) {
			terminal.Add(1)
		}
	})

	require.NoError(t, tr.Connect(context.Background(), "dashboard"))
	dialer.conn(0).abort(CloseAbnormal, "gone")

	require.Eventually(t, func() bool { return terminal.Load() == 1 }, waitFor, tick)
	// One initial dial plus exactly MaxReconnectAttempts redials; the
	// budget being spent, no further attempt may ever start.
	assert.Equal(t, 4, dialer.dials())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 4, dialer.dials())
	assert.Equal(t, int32(1), terminal.Load())
	assert.Equal(t, StateClosed, tr.State())
	assert.Equal(t, 1, log.count("error", "reconnect attempts exhausted"))
}

func TestAttemptCounterRestartsAfterReopen(t *testing.T) {
	dialer := &fakeDialer{}
	log := &recordLogger{}
	tr := newTestTransport(t, dialer, log, nil)

	require.NoError(t, tr.Connect(context.Background(), "dashboard"))

	dialer.conn(0).abort(CloseAbnormal, "first drop")
	require.Eventually(t, func() bool { return dialer.dials() == 2 && tr.IsConnected() }, waitFor, tick)

	dialer.conn(1).abort(CloseAbnormal, "second drop")
	require.Eventually(t, func() bool { return dialer.dials() == 3 && tr.IsConnected() }, waitFor, tick)

	// Each drop was scheduled as attempt 1, not a running total.
	assert.Equal(t, []any{1, 1}, log.argValues("reconnect scheduled", "attempt"))
}

func TestHeartbeatTimeoutForcesStaleClose(t *testing.T) {
	dialer := &fakeDialer{}
	log := &recordLogger{}
	tr := newTestTransport(t, dialer, log, func(cfg *Config) {
		cfg.PingInterval = 10 * time.Millisecond
		cfg.PongTimeout = 25 * time.Millisecond
	})

	var lastCode atomic.Value
	tr.OnDisconnect(func(code CloseCode, reason string) { lastCode.Store(code) })

	require.NoError(t, tr.Connect(context.Background(), "dashboard"))
	conn := dialer.conn(0)
	require.NotNil(t, conn)

	// No pong ever arrives: the transport must force-close with the
	// stale-heartbeat code and reconnect through the standard path.
	require.Eventually(t, func() bool { return conn.closedWith(CloseStaleHeartbeat) }, waitFor, tick)
	require.Eventually(t, func() bool { return dialer.dials() >= 2 }, waitFor, tick)
	assert.Equal(t, CloseStaleHeartbeat, lastCode.Load())
	assert.GreaterOrEqual(t, log.count("warn", "pong timeout"), 1)
}

func TestPongClearsDeadline(t *testing.T) {
	dialer := &fakeDialer{autoPong: true}
	tr := newTestTransport(t, dialer, nil, func(cfg *Config) {
		cfg.PingInterval = 10 * time.Millisecond
		cfg.PongTimeout = 30 * time.Millisecond
	})

	require.NoError(t, tr.Connect(context.Background(), "dashboard"))
	conn := dialer.conn(0)
	require.Eventually(t, func() bool { return conn.pingCount() >= 3 }, waitFor, tick)

	assert.False(t, conn.closedWith(CloseStaleHeartbeat))
	assert.True(t, tr.IsConnected())
	assert.Equal(t, 1, dialer.dials())
}

func TestMessageFiltering(t *testing.T) {
	dialer := &fakeDialer{}
	log := &recordLogger{}
	tr := newTestTransport(t, dialer, log, nil)

	var seen []string
	var mu sync.Mutex
	tr.OnMessage(func(env Envelope) {
		mu.Lock()
		seen = append(seen, env.Type)
		mu.Unlock()
	})

	require.NoError(t, tr.Connect(context.Background(), "dashboard"))
	conn := dialer.conn(0)

	conn.feed(`{"type":"pong"}`)
	conn.feed(`{not json`)
	conn.feed(`{"data":{"x":1}}`)
	conn.feed(`{"type":"task.updated","topic":"tasks","data":{"id":"t1"}}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, waitFor, tick)

	mu.Lock()
	assert.Equal(t, []string{"task.updated"}, seen)
	mu.Unlock()
	// One warning per malformed payload, nothing for the pong.
	assert.Equal(t, 2, log.count("warn", "message dropped"))
}

func TestHandlerIsolation(t *testing.T) {
	dialer := &fakeDialer{}
	log := &recordLogger{}
	tr := newTestTransport(t, dialer, log, nil)

	var before, after atomic.Int32
	tr.OnMessage(func(env Envelope) { before.Add(1) })
	tr.OnMessage(func(env Envelope) { panic("boom") })
	tr.OnMessage(func(env Envelope) { after.Add(1) })

	require.NoError(t, tr.Connect(context.Background(), "dashboard"))
	dialer.conn(0).feed(`{"type":"alert.raised"}`)

	require.Eventually(t, func() bool { return after.Load() == 1 }, waitFor, tick)
	assert.Equal(t, int32(1), before.Load())
	assert.Equal(t, 1, log.count("error", "handler panic"))
}

func TestSendWhileNotOpen(t *testing.T) {
	dialer := &fakeDialer{}
	log := &recordLogger{}
	tr := newTestTransport(t, dialer, log, nil)

	require.ErrorIs(t, tr.Send("anything"), ErrNotOpen)

	require.NoError(t, tr.Connect(context.Background(), "dashboard"))
	tr.Disconnect()
	require.ErrorIs(t, tr.Send("anything"), ErrNotOpen)
	assert.Equal(t, 2, log.count("warn", "send while not open"))
}

func TestSendSerialization(t *testing.T) {
	dialer := &fakeDialer{}
	tr := newTestTransport(t, dialer, nil, nil)

	require.NoError(t, tr.Connect(context.Background(), "dashboard"))
	conn := dialer.conn(0)

	msg := struct {
		Type string `json:"type"`
		Data string `json:"data"`
	}{Type: "chat", Data: "hi"}
	require.NoError(t, tr.Send(msg))
	assert.Equal(t, `{"type":"chat","data":"hi"}`, string(conn.lastWrite()))

	require.NoError(t, tr.Send("plain text passes through"))
	assert.Equal(t, "plain text passes through", string(conn.lastWrite()))

	require.NoError(t, tr.Send([]byte(`{"type":"raw"}`)))
	assert.Equal(t, `{"type":"raw"}`, string(conn.lastWrite()))
}

func TestSendWriteErrorIsReported(t *testing.T) {
	errWrite := errors.New("broken pipe")
	dialer := &fakeDialer{}
	tr := newTestTransport(t, dialer, nil, nil)

	var reported atomic.Value
	tr.OnError(func(err error) { reported.Store(err) })

	require.NoError(t, tr.Connect(context.Background(), "dashboard"))
	dialer.conn(0).setWriteErr(errWrite)

	require.ErrorIs(t, tr.Send("x"), errWrite)
	require.Eventually(t, func() bool { return reported.Load() != nil }, waitFor, tick)
	assert.ErrorIs(t, reported.Load().(error), errWrite)
	// A write error alone does not transition the state machine.
	assert.True(t, tr.IsConnected())
}

func TestDisconnectMidBackoffCancelsReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	log := &recordLogger{}
	tr := newTestTransport(t, dialer, log, func(cfg *Config) {
		cfg.ReconnectInterval = 60 * time.Millisecond
	})

	require.NoError(t, tr.Connect(context.Background(), "dashboard"))
	dialer.conn(0).abort(CloseAbnormal, "gone")

	require.Eventually(t, func() bool { return log.count("warn", "reconnect scheduled") == 1 }, waitFor, tick)
	tr.Disconnect()

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, dialer.dials(), "cancelled reconnect must never fire")
	assert.Equal(t, StateClosed, tr.State())
}

func TestConnectAfterDisconnectRearms(t *testing.T) {
	dialer := &fakeDialer{}
	tr := newTestTransport(t, dialer, nil, nil)

	require.NoError(t, tr.Connect(context.Background(), "dashboard"))
	tr.Disconnect()
	require.NoError(t, tr.Connect(context.Background(), "dashboard"))
	assert.Equal(t, 2, dialer.dials())
	assert.True(t, tr.IsConnected())

	// The no-reconnect intent from Disconnect must be gone.
	dialer.conn(1).abort(CloseAbnormal, "gone")
	require.Eventually(t, func() bool { return dialer.dials() == 3 && tr.IsConnected() }, waitFor, tick)
}

func TestDisposerSafeDuringDispatchAndTwice(t *testing.T) {
	dialer := &fakeDialer{}
	tr := newTestTransport(t, dialer, nil, nil)

	var first, second atomic.Int32
	var offSecond func()
	tr.OnMessage(func(env Envelope) {
		first.Add(1)
		offSecond()
		offSecond()
	})
	offSecond = tr.OnMessage(func(env Envelope) { second.Add(1) })

	require.NoError(t, tr.Connect(context.Background(), "dashboard"))
	conn := dialer.conn(0)

	// First dispatch iterates the snapshot taken before removal, so the
	// second handler still runs once; afterwards it is gone.
	conn.feed(`{"type":"a"}`)
	require.Eventually(t, func() bool { return second.Load() == 1 }, waitFor, tick)
	assert.Equal(t, int32(1), first.Load())

	conn.feed(`{"type":"b"}`)
	require.Eventually(t, func() bool { return first.Load() == 2 }, waitFor, tick)
	assert.Equal(t, int32(1), second.Load())
}

func TestServerPingIsAnsweredNotForwarded(t *testing.T) {
	dialer := &fakeDialer{}
	tr := newTestTransport(t, dialer, nil, nil)

	var forwarded atomic.Int32
	tr.OnMessage(func(env Envelope) { forwarded.Add(1) })

	require.NoError(t, tr.Connect(context.Background(), "dashboard"))
	conn := dialer.conn(0)
	conn.feed(`{"type":"ping","timestamp":"2026-01-01T00:00:00Z"}`)

	require.Eventually(t, func() bool {
		for _, typ := range conn.typedWrites() {
			if typ == TypePong {
				return true
			}
		}
		return false
	}, waitFor, tick)
	assert.Zero(t, forwarded.Load())
}
