// Package obs collects lightweight counters for the stream client, the
// hub and the archive.
package obs

import (
	"sync/atomic"
	"time"

	"github.com/orchview/orchview/internal/model"
	"github.com/orchview/orchview/pkg/stream"
)

var _ stream.Stats = (*Metrics)(nil)

// Metrics implements stream.Stats and carries the hub and archive
// counters next to it. All methods are safe for concurrent use and
// tolerate a nil receiver.
type Metrics struct {
	connectsOpened      uint64
	connectsFailed      uint64
	reconnectsScheduled uint64
	messagesReceived    uint64
	messagesDropped     uint64
	messagesSent        uint64
	sendFailures        uint64
	pingsSent           uint64
	pongsReceived       uint64
	handlerPanics       uint64

	topicCounts  map[string]*uint64
	otherTopics  uint64
	dispatchTime LatencyStats

	archiveEnqueued uint64
	archiveDropped  uint64
	archiveWritten  uint64
	archiveFailed   uint64
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current counter values.
type Snapshot struct {
	ConnectsOpened      uint64
	ConnectsFailed      uint64
	ReconnectsScheduled uint64
	MessagesReceived    uint64
	MessagesDropped     uint64
	MessagesSent        uint64
	SendFailures        uint64
	PingsSent           uint64
	PongsReceived       uint64
	HandlerPanics       uint64

	TopicCounts  map[string]uint64
	OtherTopics  uint64
	DispatchTime LatencySnapshot

	ArchiveEnqueued uint64
	ArchiveDropped  uint64
	ArchiveWritten  uint64
	ArchiveFailed   uint64
}

// NewMetrics allocates a metrics container with a counter per known
// topic.
func NewMetrics() *Metrics {
	counts := make(map[string]*uint64, len(model.Topics()))
	for _, topic := range model.Topics() {
		counts[topic] = new(uint64)
	}
	return &Metrics{topicCounts: counts}
}

func (m *Metrics) ConnectOpened() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.connectsOpened, 1)
}

func (m *Metrics) ConnectFailed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.connectsFailed, 1)
}

func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.reconnectsScheduled, 1)
}

func (m *Metrics) MessageReceived() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.messagesReceived, 1)
}

func (m *Metrics) MessageDropped() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.messagesDropped, 1)
}

func (m *Metrics) MessageSent() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.messagesSent, 1)
}

func (m *Metrics) SendFailed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.sendFailures, 1)
}

func (m *Metrics) PingSent() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.pingsSent, 1)
}

func (m *Metrics) PongReceived() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.pongsReceived, 1)
}

func (m *Metrics) HandlerPanicked() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.handlerPanics, 1)
}

// EventDelivered counts one dispatched event on a topic. Topics
// outside the known set share a single counter.
func (m *Metrics) EventDelivered(topic string) {
	if m == nil {
		return
	}
	if counter, ok := m.topicCounts[topic]; ok {
		atomic.AddUint64(counter, 1)
		return
	}
	atomic.AddUint64(&m.otherTopics, 1)
}

// ObserveDispatch measures one hub fan-out.
func (m *Metrics) ObserveDispatch(d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchTime.Observe(d)
}

// ArchiveEnqueued counts an event accepted by the archive queue.
func (m *Metrics) ArchiveEnqueued() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.archiveEnqueued, 1)
}

// ArchiveDropped counts an event rejected by a full archive queue.
func (m *Metrics) ArchiveDropped() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.archiveDropped, 1)
}

// ArchiveWritten counts events the sink persisted.
func (m *Metrics) ArchiveWritten(n int) {
	if m == nil || n <= 0 {
		return
	}
	atomic.AddUint64(&m.archiveWritten, uint64(n))
}

// ArchiveFailed counts a failed sink write.
func (m *Metrics) ArchiveFailed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.archiveFailed, 1)
}

// Snapshot returns a copy of the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	topicCounts := make(map[string]uint64, len(m.topicCounts))
	for topic, counter := range m.topicCounts {
		if v := atomic.LoadUint64(counter); v > 0 {
			topicCounts[topic] = v
		}
	}
	return Snapshot{
		ConnectsOpened:      atomic.LoadUint64(&m.connectsOpened),
		ConnectsFailed:      atomic.LoadUint64(&m.connectsFailed),
		ReconnectsScheduled: atomic.LoadUint64(&m.reconnectsScheduled),
		MessagesReceived:    atomic.LoadUint64(&m.messagesReceived),
		MessagesDropped:     atomic.LoadUint64(&m.messagesDropped),
		MessagesSent:        atomic.LoadUint64(&m.messagesSent),
		SendFailures:        atomic.LoadUint64(&m.sendFailures),
		PingsSent:           atomic.LoadUint64(&m.pingsSent),
		PongsReceived:       atomic.LoadUint64(&m.pongsReceived),
		HandlerPanics:       atomic.LoadUint64(&m.handlerPanics),
		TopicCounts:         topicCounts,
		OtherTopics:         atomic.LoadUint64(&m.otherTopics),
		DispatchTime:        m.dispatchTime.Snapshot(),
		ArchiveEnqueued:     atomic.LoadUint64(&m.archiveEnqueued),
		ArchiveDropped:      atomic.LoadUint64(&m.archiveDropped),
		ArchiveWritten:      atomic.LoadUint64(&m.archiveWritten),
		ArchiveFailed:       atomic.LoadUint64(&m.archiveFailed),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
