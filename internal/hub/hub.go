// Package hub is the distribution layer between the dashboard stream and
// in-process consumers. It owns one stream connection, keeps topic
// subscriptions alive across reconnects and fans validated events out to
// registered watchers.
package hub

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/yanun0323/logs"

	"github.com/orchview/orchview/internal/notify"
	"github.com/orchview/orchview/internal/obs"
	"github.com/orchview/orchview/pkg/stream"
)

// EndpointSuffix is the stream endpoint the hub binds to.
const EndpointSuffix = "dashboard"

// TopicAll registers a watcher for every event regardless of topic. It is
// a local filter only and never reaches the wire.
const TopicAll = "*"

// Transport is the slice of the stream client the hub drives. It is
// satisfied by *stream.Transport; tests inject fakes.
type Transport interface {
	Connect(ctx context.Context, endpointSuffix string) error
	Disconnect()
	Send(v any) error
	IsConnected() bool
	OnMessage(h stream.MessageHandler) func()
	OnConnect(h stream.ConnectHandler) func()
	OnDisconnect(h stream.DisconnectHandler) func()
	OnError(h stream.ErrorHandler) func()
}

// Watcher receives events for the topic it watches.
type Watcher func(env stream.Envelope)

// Options carry the hub's optional collaborators.
type Options struct {
	// Notifier receives terminal-failure and recovery notices. Nil
	// discards them.
	Notifier notify.Notifier
	// Metrics counts dispatched events. Nil disables counting.
	Metrics *obs.Metrics
}

type watcherEntry struct {
	id uint64
	fn Watcher
}

type topicsMsg struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
}

// Hub fans dashboard events out to watchers. Construct with New and
// release with Close.
type Hub struct {
	transport Transport
	notifier  notify.Notifier
	metrics   *obs.Metrics

	mu        sync.Mutex
	refs      map[string]int
	watchers  map[string][]watcherEntry
	nextID    uint64
	last      stream.Envelope
	hasLast   bool
	down      bool
	closed    bool
	disposers []func()
}

// New wires a hub onto the given transport. The hub installs its stream
// handlers immediately; call Connect to open the socket.
func New(transport Transport, opts Options) *Hub {
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop()
	}
	h := &Hub{
		transport: transport,
		notifier:  opts.Notifier,
		metrics:   opts.Metrics,
		refs:      make(map[string]int),
		watchers:  make(map[string][]watcherEntry),
	}
	h.disposers = append(h.disposers,
		transport.OnConnect(h.handleOpen),
		transport.OnDisconnect(h.handleClosed),
		transport.OnMessage(h.handleEvent),
		transport.OnError(h.handleError),
	)
	return h
}

// Connect opens the dashboard stream.
func (h *Hub) Connect(ctx context.Context) error {
	return h.transport.Connect(ctx, EndpointSuffix)
}

// IsConnected reports whether the stream is open.
func (h *Hub) IsConnected() bool {
	return h.transport.IsConnected()
}

// LastEvent returns the most recent event and whether one arrived yet.
func (h *Hub) LastEvent() (stream.Envelope, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last, h.hasLast
}

// Subscribe registers interest in the given topics. The wire message goes
// out only for topics gaining their first subscriber; while the stream is
// down the registration is kept and replayed on the next open.
func (h *Hub) Subscribe(topics ...string) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	fresh := make([]string, 0, len(topics))
	for _, topic := range topics {
		if h.refs[topic] == 0 {
			fresh = append(fresh, topic)
		}
		h.refs[topic]++
	}
	h.mu.Unlock()
	return h.sendTopics(stream.TypeSubscribe, fresh)
}

// Unsubscribe drops interest in the given topics. The wire message goes
// out only for topics losing their last subscriber.
func (h *Hub) Unsubscribe(topics ...string) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	released := make([]string, 0, len(topics))
	for _, topic := range topics {
		if h.refs[topic] == 0 {
			continue
		}
		h.refs[topic]--
		if h.refs[topic] == 0 {
			delete(h.refs, topic)
			released = append(released, topic)
		}
	}
	h.mu.Unlock()
	return h.sendTopics(stream.TypeUnsubscribe, released)
}

// Watch registers fn for events on the given topic and subscribes to it.
// The returned cancel removes the watcher and unsubscribes; it is safe to
// call more than once. TopicAll watches everything without a wire
// subscription.
func (h *Hub) Watch(topic string, fn Watcher) func() {
	if fn == nil {
		return func() {}
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return func() {}
	}
	id := h.nextID
	h.nextID++
	h.watchers[topic] = append(h.watchers[topic], watcherEntry{id: id, fn: fn})
	h.mu.Unlock()

	if topic != TopicAll {
		if err := h.Subscribe(topic); err != nil {
			logs.Warnf("subscribe %s failed: %v", topic, err)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			entries := h.watchers[topic]
			for i, entry := range entries {
				if entry.id == id {
					h.watchers[topic] = append(entries[:i:i], entries[i+1:]...)
					break
				}
			}
			if len(h.watchers[topic]) == 0 {
				delete(h.watchers, topic)
			}
			closed := h.closed
			h.mu.Unlock()
			if topic != TopicAll && !closed {
				if err := h.Unsubscribe(topic); err != nil {
					logs.Warnf("unsubscribe %s failed: %v", topic, err)
				}
			}
		})
	}
}

// SendMessage passes an application message through to the stream. While
// the stream is down it is a documented no-op.
func (h *Hub) SendMessage(v any) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	h.mu.Unlock()
	if !h.transport.IsConnected() {
		logs.Debugf("stream offline, dropping outbound message")
		return nil
	}
	err := h.transport.Send(v)
	if errors.Is(err, stream.ErrNotOpen) {
		logs.Debugf("stream offline, dropping outbound message")
		return nil
	}
	return err
}

// Close disconnects the stream and removes every handler registration the
// hub installed. Safe to call twice.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	disposers := h.disposers
	h.disposers = nil
	h.refs = make(map[string]int)
	h.watchers = make(map[string][]watcherEntry)
	h.mu.Unlock()

	for _, dispose := range disposers {
		dispose()
	}
	h.transport.Disconnect()
}

func (h *Hub) sendTopics(msgType string, topics []string) error {
	if len(topics) == 0 {
		return nil
	}
	if !h.transport.IsConnected() {
		logs.Debugf("stream offline, deferring %s for %v", msgType, topics)
		return nil
	}
	err := h.transport.Send(topicsMsg{Type: msgType, Topics: topics})
	if errors.Is(err, stream.ErrNotOpen) {
		logs.Debugf("stream offline, deferring %s for %v", msgType, topics)
		return nil
	}
	return err
}

// handleOpen replays the active subscription set. It runs on every open,
// initial or reconnect, before any inbound message is dispatched.
func (h *Hub) handleOpen() {
	h.mu.Lock()
	topics := make([]string, 0, len(h.refs))
	for topic := range h.refs {
		topics = append(topics, topic)
	}
	wasDown := h.down
	h.down = false
	h.mu.Unlock()

	sort.Strings(topics)
	if len(topics) > 0 {
		if err := h.transport.Send(topicsMsg{Type: stream.TypeSubscribe, Topics: topics}); err != nil {
			logs.Warnf("resubscribe failed: %v", err)
		}
	}
	if wasDown {
		h.notifier.Up()
	}
}

func (h *Hub) handleClosed(code stream.CloseCode, reason string) {
	logs.Debugf("stream closed: code=%d reason=%s", code, reason)
}

func (h *Hub) handleEvent(env stream.Envelope) {
	start := time.Now()
	h.mu.Lock()
	h.last = env
	h.hasLast = true
	entries := append([]watcherEntry(nil), h.watchers[env.Topic]...)
	if env.Topic != TopicAll {
		entries = append(entries, h.watchers[TopicAll]...)
	}
	h.mu.Unlock()

	for _, entry := range entries {
		h.invokeWatcher(entry.fn, env)
	}
	h.metrics.EventDelivered(env.Topic)
	h.metrics.ObserveDispatch(time.Since(start))
}

// invokeWatcher keeps one panicking watcher from starving the rest.
func (h *Hub) invokeWatcher(fn Watcher, env stream.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			h.metrics.HandlerPanicked()
			logs.Errorf("watcher panic on %s: %v", env.Type, r)
		}
	}()
	fn(env)
}

func (h *Hub) handleError(err error) {
	if errors.Is(err, stream.ErrMaxAttempts) {
		h.mu.Lock()
		h.down = true
		h.mu.Unlock()
		h.notifier.Down("reconnect attempts exhausted")
	}
}
