package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/yanun0323/logs"

	"github.com/orchview/orchview/internal/model"
	"github.com/orchview/orchview/pkg/stream"
)

const (
	defaultInterval = 400 * time.Millisecond
	sendBuffer      = 64
	logKeep         = 256
)

// ServerConfig tunes the simulator.
type ServerConfig struct {
	// Interval is the period between generated events.
	Interval time.Duration
	// Seed drives the generator. Zero picks a time-based seed.
	Seed uint64
	// DropAfter abruptly severs each connection after it has received
	// this many events. Zero disables the fault.
	DropAfter int
	// MutePings ignores client pings so their heartbeat deadline lapses.
	MutePings bool
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.Seed == 0 {
		c.Seed = uint64(time.Now().UTC().UnixNano())
	}
	return c
}

// Server simulates the orchestration backend for local development: it
// serves the dashboard stream over a websocket, honors subscribe and
// unsubscribe, answers pings, and mirrors the generated fleet on the
// REST endpoints. The fault knobs exercise a client's reconnect and
// heartbeat paths.
type Server struct {
	cfg      ServerConfig
	upgrader websocket.Upgrader
	state    *worldState

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewServer builds a simulator. Call Run to start the feed and serve
// Handler over HTTP.
func NewServer(cfg ServerConfig) *Server {
	return &Server{
		cfg: cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		state:   newWorldState(),
		clients: make(map[*client]struct{}),
	}
}

// Run generates events until the context is cancelled. The generator is
// confined to this goroutine.
func (s *Server) Run(ctx context.Context) {
	gen := NewGenerator(s.cfg.Seed)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.publish(gen.Next(now))
		}
	}
}

// Handler returns the simulator's HTTP surface: the dashboard stream at
// /ws/dashboard and the REST mirror under /api.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/dashboard", s.handleDashboard)
	mux.HandleFunc("GET /api/instances", s.handleInstances)
	mux.HandleFunc("GET /api/instances/{id}", s.handleInstance)
	mux.HandleFunc("GET /api/instances/{id}/logs", s.handleLogs)
	mux.HandleFunc("GET /api/tasks", s.handleTasks)
	mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleCancelTask)
	mux.HandleFunc("GET /api/worktrees", s.handleWorktrees)
	mux.HandleFunc("DELETE /api/worktrees/{id}", s.handleDeleteWorktree)
	mux.HandleFunc("GET /api/alerts", s.handleAlerts)
	mux.HandleFunc("POST /api/alerts/{id}/ack", s.handleAckAlert)
	return mux
}

// Shutdown tells every connected client the simulator is going away and
// severs the connections.
func (s *Server) Shutdown() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "feedsim shutting down")
	for _, c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.close()
	}
}

func (s *Server) publish(ev Event) {
	data, err := sonic.ConfigFastest.Marshal(ev.Data)
	if err != nil {
		logs.Errorf("feedsim: encode event data: %v", err)
		return
	}
	s.state.apply(ev.Type, data)

	payload, err := sonic.ConfigFastest.Marshal(ev)
	if err != nil {
		logs.Errorf("feedsim: encode event: %v", err)
		return
	}
	s.broadcast(ev.Topic, payload)
}

// publishData rebuilds an envelope around an already-materialized payload
// and fans it out. Used for events triggered over REST.
func (s *Server) publishData(eventType, topic string, data json.RawMessage) {
	payload, err := sonic.ConfigFastest.Marshal(Event{
		Type:      eventType,
		Topic:     topic,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	s.broadcast(topic, payload)
}

func (s *Server) broadcast(topic string, payload []byte) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		if topic != "" && !c.subscribed(topic) {
			continue
		}
		c.deliver(payload)
		if s.cfg.DropAfter > 0 && c.bump() >= uint64(s.cfg.DropAfter) {
			logs.Warnf("feedsim: severing connection after %d events", s.cfg.DropAfter)
			c.abort()
		}
	}
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logs.Warnf("feedsim: upgrade failed: %v", err)
		return
	}
	c := newClient(conn)

	hello, err := sonic.ConfigFastest.Marshal(Hello(time.Now()))
	if err == nil {
		c.deliver(hello)
	}
	s.addClient(c)
	logs.Debugf("feedsim: client connected from %s", r.RemoteAddr)

	go c.writeLoop()
	s.readLoop(c)

	s.removeClient(c)
	c.close()
	logs.Debugf("feedsim: client disconnected from %s", r.RemoteAddr)
}

// readLoop consumes the client's control messages until the connection
// drops.
func (s *Server) readLoop(c *client) {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg controlMsg
		if err := sonic.ConfigFastest.Unmarshal(raw, &msg); err != nil {
			logs.Debugf("feedsim: bad client payload: %v", err)
			continue
		}
		switch msg.Type {
		case stream.TypeSubscribe:
			c.setTopics(msg.Topics, true)
		case stream.TypeUnsubscribe:
			c.setTopics(msg.Topics, false)
		case stream.TypePing:
			if s.cfg.MutePings {
				continue
			}
			pong, err := sonic.ConfigFastest.Marshal(Event{
				Type:      stream.TypePong,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			})
			if err == nil {
				c.deliver(pong)
			}
		case stream.TypePong:
		default:
			logs.Debugf("feedsim: ignoring %q message", msg.Type)
		}
	}
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.state.instanceList())
}

func (s *Server) handleInstance(w http.ResponseWriter, r *http.Request) {
	data, ok := s.state.instance(r.PathValue("id"))
	if !ok {
		http.Error(w, "instance not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	n := 100
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			http.Error(w, "n must be a positive integer", http.StatusBadRequest)
			return
		}
		n = parsed
	}
	writeJSON(w, http.StatusOK, s.state.logTail(r.PathValue("id"), n))
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.state.taskList())
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}
	var req struct {
		InstanceID string `json:"instanceId"`
		Title      string `json:"title"`
		Prompt     string `json:"prompt"`
	}
	if err := sonic.ConfigFastest.Unmarshal(body, &req); err != nil {
		http.Error(w, "malformed task request", http.StatusBadRequest)
		return
	}
	if req.Title == "" {
		http.Error(w, "title is required", http.StatusBadRequest)
		return
	}
	data, err := s.state.createTask(req.InstanceID, req.Title, req.Prompt, time.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.publishData(model.EventTaskUpdated, model.TopicTasks, data)
	writeJSON(w, http.StatusCreated, data)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	data, ok := s.state.cancelTask(r.PathValue("id"), time.Now())
	if !ok {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	s.publishData(model.EventTaskUpdated, model.TopicTasks, data)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWorktrees(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.state.worktreeList())
}

func (s *Server) handleDeleteWorktree(w http.ResponseWriter, r *http.Request) {
	if !s.state.deleteWorktree(r.PathValue("id")) {
		http.Error(w, "worktree not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.state.alertList())
}

func (s *Server) handleAckAlert(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.state.ackAlert(r.PathValue("id")); !ok {
		http.Error(w, "alert not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.ConfigFastest.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// controlMsg is what clients send upstream: topic control and heartbeat.
type controlMsg struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
}

// client is one connected dashboard. Writes go through a buffered channel
// so a stalled peer cannot block the feed.
type client struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	delivered uint64

	mu     sync.Mutex
	topics map[string]bool
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		topics: make(map[string]bool),
	}
}

func (c *client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

// deliver enqueues a payload without blocking. Full buffers drop the
// payload; the peer is too slow to matter for a simulator.
func (c *client) deliver(payload []byte) {
	select {
	case <-c.done:
	case c.send <- payload:
	default:
	}
}

func (c *client) bump() uint64 {
	return atomic.AddUint64(&c.delivered, 1)
}

func (c *client) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topics[topic]
}

func (c *client) setTopics(topics []string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		if on {
			c.topics[topic] = true
		} else {
			delete(c.topics, topic)
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// abort severs the underlying socket without a close frame, the way a
// crashed backend would.
func (c *client) abort() {
	_ = c.conn.UnderlyingConn().Close()
}

// worldState is the materialized fleet the REST mirror serves. The feed
// loop and the REST handlers both touch it, so every method locks.
type worldState struct {
	mu        sync.Mutex
	instances map[string]json.RawMessage
	tasks     map[string]json.RawMessage
	trees     map[string]json.RawMessage
	alerts    map[string]json.RawMessage
	logLines  map[string][]json.RawMessage
	ctlSeq    uint64
}

func newWorldState() *worldState {
	return &worldState{
		instances: make(map[string]json.RawMessage),
		tasks:     make(map[string]json.RawMessage),
		trees:     make(map[string]json.RawMessage),
		alerts:    make(map[string]json.RawMessage),
		logLines:  make(map[string][]json.RawMessage),
	}
}

// apply folds one generated event into the materialized state.
func (w *worldState) apply(eventType string, data json.RawMessage) {
	var probe struct {
		ID         string `json:"id"`
		InstanceID string `json:"instanceId"`
	}
	if err := sonic.ConfigFastest.Unmarshal(data, &probe); err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	switch eventType {
	case model.EventInstanceUpdated:
		w.instances[probe.ID] = data
	case model.EventTaskUpdated:
		w.tasks[probe.ID] = data
	case model.EventWorktreeUpdated:
		w.trees[probe.ID] = data
	case model.EventAlertRaised:
		w.alerts[probe.ID] = data
	case model.EventLogLine:
		lines := append(w.logLines[probe.InstanceID], data)
		if len(lines) > logKeep {
			lines = lines[len(lines)-logKeep:]
		}
		w.logLines[probe.InstanceID] = lines
	}
}

func (w *worldState) instanceList() []json.RawMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return sortedValues(w.instances)
}

func (w *worldState) instance(id string) (json.RawMessage, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	data, ok := w.instances[id]
	return data, ok
}

func (w *worldState) taskList() []json.RawMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return sortedValues(w.tasks)
}

func (w *worldState) worktreeList() []json.RawMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return sortedValues(w.trees)
}

func (w *worldState) alertList() []json.RawMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return sortedValues(w.alerts)
}

func (w *worldState) logTail(instanceID string, n int) []json.RawMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	lines := w.logLines[instanceID]
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := make([]json.RawMessage, len(lines))
	copy(out, lines)
	return out
}

func (w *worldState) createTask(instanceID, title, prompt string, now time.Time) (json.RawMessage, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ctlSeq++
	id := fmt.Sprintf("task-ctl-%d", w.ctlSeq)
	stamp := now.UTC().Format(time.RFC3339)
	data, err := sonic.ConfigFastest.Marshal(map[string]any{
		"id":         id,
		"instanceId": instanceID,
		"title":      title,
		"prompt":     prompt,
		"state":      model.TaskQueued.String(),
		"progress":   0.0,
		"costUsd":    "0.00",
		"createdAt":  stamp,
		"updatedAt":  stamp,
	})
	if err != nil {
		return nil, err
	}
	w.tasks[id] = data
	return data, nil
}

func (w *worldState) cancelTask(id string, now time.Time) (json.RawMessage, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return mutateEntry(w.tasks, id, func(m map[string]any) {
		m["state"] = model.TaskCancelled.String()
		m["updatedAt"] = now.UTC().Format(time.RFC3339)
	})
}

func (w *worldState) ackAlert(id string) (json.RawMessage, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return mutateEntry(w.alerts, id, func(m map[string]any) {
		m["acked"] = true
	})
}

func (w *worldState) deleteWorktree(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.trees[id]; !ok {
		return false
	}
	delete(w.trees, id)
	return true
}

// mutateEntry rewrites one stored payload in place. Requires the state
// lock held.
func mutateEntry(store map[string]json.RawMessage, id string, mutate func(map[string]any)) (json.RawMessage, bool) {
	data, ok := store[id]
	if !ok {
		return nil, false
	}
	var m map[string]any
	if err := sonic.ConfigFastest.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	mutate(m)
	out, err := sonic.ConfigFastest.Marshal(m)
	if err != nil {
		return nil, false
	}
	store[id] = out
	return out, true
}

func sortedValues(store map[string]json.RawMessage) []json.RawMessage {
	keys := make([]string, 0, len(store))
	for key := range store {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]json.RawMessage, 0, len(keys))
	for _, key := range keys {
		out = append(out, store[key])
	}
	return out
}
