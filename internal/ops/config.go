// Package ops loads the runtime configuration shared by the orchview
// binaries.
package ops

import (
	"fmt"
	"os"
	"time"

	"github.com/bytedance/sonic"
	"github.com/orchview/orchview/internal/model"
)

const (
	defaultBaseWS  = "ws://127.0.0.1:8089/ws"
	defaultBaseAPI = "http://127.0.0.1:8089/api"

	defaultReconnectInterval    = 3 * time.Second
	defaultMaxReconnectAttempts = 10
	defaultPingInterval         = 30 * time.Second
	defaultPongTimeout          = 10 * time.Second

	defaultArchiveDriver       = "none"
	defaultArchiveQueueSize    = 4096
	defaultArchiveSegmentBytes = 16 << 20
)

// Duration decodes JSON duration strings like "3s" or "500ms". Bare
// numbers are read as nanoseconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.Duration.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) >= 2 && data[0] == '"' && data[len(data)-1] == '"' {
		parsed, err := time.ParseDuration(string(data[1 : len(data)-1]))
		if err != nil {
			return fmt.Errorf("invalid duration %s: %w", data, err)
		}
		d.Duration = parsed
		return nil
	}
	var ns int64
	if err := sonic.ConfigFastest.Unmarshal(data, &ns); err != nil {
		return fmt.Errorf("invalid duration %s: %w", data, err)
	}
	d.Duration = time.Duration(ns)
	return nil
}

// ServerConfig addresses the backend.
type ServerConfig struct {
	// BaseWS is the stream endpoint prefix.
	BaseWS string `json:"baseWs"`
	// BaseAPI is the REST endpoint prefix.
	BaseAPI string `json:"baseApi"`
	// UnixSocket, when set, dials a local daemon socket instead of TCP.
	UnixSocket string `json:"unixSocket,omitempty"`
}

// StreamConfig carries the connection tunables.
type StreamConfig struct {
	ReconnectInterval    Duration `json:"reconnectInterval"`
	MaxReconnectAttempts int      `json:"maxReconnectAttempts"`
	PingInterval         Duration `json:"pingInterval"`
	PongTimeout          Duration `json:"pongTimeout"`
	// BackoffFactor above 1 grows the reconnect delay geometrically. The
	// default keeps the delay fixed per attempt.
	BackoffFactor float64  `json:"backoffFactor,omitempty"`
	BackoffMax    Duration `json:"backoffMax,omitempty"`
}

// ArchiveConfig selects the event archive sink.
type ArchiveConfig struct {
	// Driver is one of none, file, postgres.
	Driver string `json:"driver"`
	// DSN is the postgres connection string for the postgres driver.
	DSN string `json:"dsn,omitempty"`
	// Dir is the segment directory for the file driver.
	Dir string `json:"dir,omitempty"`
	// SegmentMaxBytes rotates a file segment once it grows past this size.
	SegmentMaxBytes int64 `json:"segmentMaxBytes,omitempty"`
	// QueueSize bounds the number of events waiting for the sink.
	QueueSize int `json:"queueSize,omitempty"`
}

// Config is the resolved configuration for every binary.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Stream  StreamConfig  `json:"stream"`
	Topics  []string      `json:"topics"`
	Archive ArchiveConfig `json:"archive"`
}

// DefaultConfig returns the documented defaults: a local backend, fixed
// three-second reconnects bounded at ten attempts, a thirty-second
// heartbeat with a ten-second pong deadline, every topic watched, no
// archive.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			BaseWS:  defaultBaseWS,
			BaseAPI: defaultBaseAPI,
		},
		Stream: StreamConfig{
			ReconnectInterval:    Duration{defaultReconnectInterval},
			MaxReconnectAttempts: defaultMaxReconnectAttempts,
			PingInterval:         Duration{defaultPingInterval},
			PongTimeout:          Duration{defaultPongTimeout},
		},
		Topics: model.Topics(),
		Archive: ArchiveConfig{
			Driver:          defaultArchiveDriver,
			QueueSize:       defaultArchiveQueueSize,
			SegmentMaxBytes: defaultArchiveSegmentBytes,
		},
	}
}

// Load reads a JSON config file, fills defaults and validates. An empty
// path returns the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := sonic.ConfigFastest.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	if c.Server.BaseWS == "" {
		c.Server.BaseWS = defaultBaseWS
	}
	if c.Server.BaseAPI == "" {
		c.Server.BaseAPI = defaultBaseAPI
	}
	if c.Stream.ReconnectInterval.Duration == 0 {
		c.Stream.ReconnectInterval = Duration{defaultReconnectInterval}
	}
	if c.Stream.MaxReconnectAttempts == 0 {
		c.Stream.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if c.Stream.PingInterval.Duration == 0 {
		c.Stream.PingInterval = Duration{defaultPingInterval}
	}
	if c.Stream.PongTimeout.Duration == 0 {
		c.Stream.PongTimeout = Duration{defaultPongTimeout}
	}
	if len(c.Topics) == 0 {
		c.Topics = model.Topics()
	}
	if c.Archive.Driver == "" {
		c.Archive.Driver = defaultArchiveDriver
	}
	if c.Archive.QueueSize == 0 {
		c.Archive.QueueSize = defaultArchiveQueueSize
	}
	if c.Archive.SegmentMaxBytes == 0 {
		c.Archive.SegmentMaxBytes = defaultArchiveSegmentBytes
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.Server.BaseWS == "" {
		return fmt.Errorf("invalid config: server.baseWs is empty")
	}
	if c.Stream.ReconnectInterval.Duration < 0 {
		return fmt.Errorf("invalid config: stream.reconnectInterval must be >= 0")
	}
	if c.Stream.MaxReconnectAttempts < 0 {
		return fmt.Errorf("invalid config: stream.maxReconnectAttempts must be >= 0")
	}
	if c.Stream.PingInterval.Duration <= 0 {
		return fmt.Errorf("invalid config: stream.pingInterval must be > 0")
	}
	if c.Stream.PongTimeout.Duration <= 0 {
		return fmt.Errorf("invalid config: stream.pongTimeout must be > 0")
	}
	for _, topic := range c.Topics {
		if !model.KnownTopic(topic) {
			return fmt.Errorf("invalid config: unknown topic %q", topic)
		}
	}
	switch c.Archive.Driver {
	case "none":
	case "file":
		if c.Archive.Dir == "" {
			return fmt.Errorf("invalid config: archive.dir is required for the file driver")
		}
	case "postgres":
		if c.Archive.DSN == "" {
			return fmt.Errorf("invalid config: archive.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid config: unknown archive driver %q", c.Archive.Driver)
	}
	if c.Archive.QueueSize < 0 {
		return fmt.Errorf("invalid config: archive.queueSize must be >= 0")
	}
	return nil
}
