package archive

import (
	"fmt"
	"time"
)

const (
	defaultQueueSize       = 4096
	defaultBatchSize       = 64
	defaultFlushInterval   = time.Second
	defaultSegmentMaxBytes = 16 << 20
	defaultFilePrefix      = "events"
)

// Config tunes the archiver queue and batching.
type Config struct {
	// QueueSize bounds events buffered between the hub and the sink.
	QueueSize int
	// BatchSize caps the events handed to the sink in one Write.
	BatchSize int
	// FlushInterval pushes a partial batch out after this long.
	FlushInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize == 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.BatchSize == 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = defaultFlushInterval
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.QueueSize < 0 {
		return fmt.Errorf("invalid archive config: queue size must be >= 0")
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("invalid archive config: batch size must be >= 0")
	}
	if c.FlushInterval < 0 {
		return fmt.Errorf("invalid archive config: flush interval must be >= 0")
	}
	return nil
}
