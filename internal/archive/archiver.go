package archive

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orchview/orchview/internal/obs"
)

var (
	ErrQueueFull      = errors.New("archive queue full")
	ErrClosed         = errors.New("archiver closed")
	ErrNotStarted     = errors.New("archiver not started")
	ErrAlreadyStarted = errors.New("archiver already started")
)

// Archiver pumps events from a bounded queue into a Sink in batches.
// TryAppend never blocks the dispatch path; a full queue drops the event
// and counts the drop.
type Archiver struct {
	cfg     Config
	sink    Sink
	metrics *obs.Metrics
	ch      chan Event
	wg      sync.WaitGroup
	err     atomic.Value

	started uint32
	closed  uint32
}

// NewArchiver wires a sink behind a bounded queue.
func NewArchiver(sink Sink, cfg Config, metrics *obs.Metrics) (*Archiver, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Archiver{
		cfg:     cfg,
		sink:    sink,
		metrics: metrics,
		ch:      make(chan Event, cfg.QueueSize),
	}, nil
}

// Start runs the writer loop in a new goroutine.
func (a *Archiver) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&a.started, 0, 1) {
		return ErrAlreadyStarted
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.run(ctx)
	}()
	return nil
}

// Close stops the archiver, flushes the remaining batch and closes the
// sink.
func (a *Archiver) Close() error {
	if atomic.CompareAndSwapUint32(&a.closed, 0, 1) {
		close(a.ch)
	}
	a.wg.Wait()
	if err := a.sink.Close(); err != nil {
		a.setErr(err)
	}
	return a.Err()
}

// Err returns the first error observed by the writer, if any.
func (a *Archiver) Err() error {
	if v := a.err.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// TryAppend enqueues an event without blocking.
func (a *Archiver) TryAppend(e Event) error {
	if atomic.LoadUint32(&a.closed) != 0 {
		return ErrClosed
	}
	if atomic.LoadUint32(&a.started) == 0 {
		return ErrNotStarted
	}
	if err := a.Err(); err != nil {
		return err
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	select {
	case a.ch <- e:
		a.metrics.ArchiveEnqueued()
		return nil
	default:
		a.metrics.ArchiveDropped()
		return ErrQueueFull
	}
}

func (a *Archiver) run(ctx context.Context) {
	batch := make([]Event, 0, a.cfg.BatchSize)
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func(ctx context.Context) bool {
		if len(batch) == 0 {
			return true
		}
		if err := a.sink.Write(ctx, batch); err != nil {
			a.metrics.ArchiveFailed()
			a.setErr(err)
			return false
		}
		a.metrics.ArchiveWritten(len(batch))
		batch = batch[:0]
		return true
	}

	for {
		select {
		case <-ctx.Done():
			a.drainNonBlocking(&batch)
			// The final flush runs past the cancelled context so the
			// tail of the stream still lands in the sink.
			flush(context.Background())
			return
		case e, ok := <-a.ch:
			if !ok {
				flush(context.Background())
				return
			}
			batch = append(batch, e)
			if len(batch) >= a.cfg.BatchSize {
				if !flush(ctx) {
					return
				}
			}
		case <-ticker.C:
			if !flush(ctx) {
				return
			}
		}
	}
}

func (a *Archiver) drainNonBlocking(batch *[]Event) {
	for {
		select {
		case e, ok := <-a.ch:
			if !ok {
				return
			}
			*batch = append(*batch, e)
		default:
			return
		}
	}
}

func (a *Archiver) setErr(err error) {
	if err == nil {
		return
	}
	if a.err.Load() != nil {
		return
	}
	a.err.Store(err)
}
