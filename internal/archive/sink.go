// Package archive persists the dashboard event stream.
package archive

import (
	"context"
	"encoding/json"
	"time"
)

// Event is one archived stream event. Payload keeps the raw envelope
// data untouched.
type Event struct {
	ReceivedAt time.Time
	Type       string
	Topic      string
	Payload    json.RawMessage
}

// Sink persists event batches. Implementations are driven by a single
// archiver goroutine and need not be safe for concurrent use.
type Sink interface {
	Write(ctx context.Context, batch []Event) error
	Close() error
}

type nopSink struct{}

// NopSink discards everything. It backs the "none" driver.
func NopSink() Sink {
	return nopSink{}
}

func (nopSink) Write(context.Context, []Event) error { return nil }
func (nopSink) Close() error                         { return nil }
