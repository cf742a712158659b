// dashboard is the headless stream client: it opens the dashboard feed,
// keeps it alive across backend restarts, renders events to stdout and
// optionally archives the raw stream to a file or postgres sink.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/spf13/pflag"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"github.com/orchview/orchview/internal/archive"
	"github.com/orchview/orchview/internal/hub"
	"github.com/orchview/orchview/internal/model"
	"github.com/orchview/orchview/internal/notify"
	"github.com/orchview/orchview/internal/obs"
	"github.com/orchview/orchview/internal/ops"
	"github.com/orchview/orchview/pkg/stream"
)

func main() {
	flags := pflag.NewFlagSet("dashboard", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to JSON config")
	topicsFlag := flags.StringSlice("topics", nil, "topics to watch (default: config)")
	quiet := flags.Bool("quiet", false, "suppress event rendering, keep archiving and logs")
	statsInterval := flags.Duration("stats-interval", 30*time.Second, "counter snapshot period (0=disable)")
	notifyWindow := flags.Duration("notify-window", time.Minute, "minimum gap between stream-down notices")
	profileAddr := flags.String("profile", "", "pyroscope server address (empty=disabled)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("flag parse failed: %v", err)
	}

	cfg, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	topics := cfg.Topics
	if len(*topicsFlag) > 0 {
		for _, topic := range *topicsFlag {
			if !model.KnownTopic(topic) {
				log.Fatalf("unknown topic %q", topic)
			}
		}
		topics = *topicsFlag
	}

	if *profileAddr != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "orchview.dashboard",
			ServerAddress:   *profileAddr,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			log.Fatalf("pyroscope start failed: %v", err)
		}
		defer func() { _ = profiler.Stop() }()
	}

	metrics := obs.NewMetrics()
	transport, err := stream.New(stream.Config{
		BaseURL:              cfg.Server.BaseWS,
		Dialer:               &stream.WSDialer{UnixSocket: cfg.Server.UnixSocket},
		Stats:                metrics,
		ReconnectInterval:    cfg.Stream.ReconnectInterval.Duration,
		MaxReconnectAttempts: cfg.Stream.MaxReconnectAttempts,
		PingInterval:         cfg.Stream.PingInterval.Duration,
		PongTimeout:          cfg.Stream.PongTimeout.Duration,
		Backoff: stream.Backoff{
			Interval: cfg.Stream.ReconnectInterval.Duration,
			Factor:   cfg.Stream.BackoffFactor,
			Max:      cfg.Stream.BackoffMax.Duration,
		},
	})
	if err != nil {
		log.Fatalf("stream init failed: %v", err)
	}
	transport.OnConnect(func() {
		log.Printf("stream connected: %s", cfg.Server.BaseWS)
	})
	transport.OnDisconnect(func(code stream.CloseCode, reason string) {
		log.Printf("stream disconnected: code=%d reason=%s", code, reason)
	})

	h := hub.New(transport, hub.Options{
		Notifier: notify.Throttle(notify.NewLog(), *notifyWindow),
		Metrics:  metrics,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	archiver, err := buildArchiver(cfg.Archive, metrics)
	if err != nil {
		log.Fatalf("archive init failed: %v", err)
	}
	if archiver != nil {
		if err := archiver.Start(ctx); err != nil {
			log.Fatalf("archive start failed: %v", err)
		}
		h.Watch(hub.TopicAll, func(env stream.Envelope) {
			err := archiver.TryAppend(archive.Event{
				Type:    env.Type,
				Topic:   env.Topic,
				Payload: env.Data,
			})
			if err != nil && !errors.Is(err, archive.ErrQueueFull) && !errors.Is(err, archive.ErrClosed) {
				logs.Warnf("archive append failed: %v", err)
			}
		})
		log.Printf("archiving events: driver=%s", cfg.Archive.Driver)
	}

	if *quiet {
		if err := h.Subscribe(topics...); err != nil {
			log.Fatalf("subscribe failed: %v", err)
		}
	} else {
		for _, topic := range topics {
			h.Watch(topic, renderEvent)
		}
	}

	if err := h.Connect(ctx); err != nil {
		log.Fatalf("connect failed: %v", err)
	}
	log.Printf("watching topics: %v", topics)

	if *statsInterval > 0 {
		go reportStats(ctx, metrics, *statsInterval)
	}

	<-sys.Shutdown()
	log.Printf("shutting down")
	h.Close()
	if archiver != nil {
		if err := archiver.Close(); err != nil {
			log.Printf("archive close failed: %v", err)
		}
	}
	logStats("final", metrics.Snapshot())
}

// buildArchiver wires the configured sink behind the archive queue. The
// "none" driver returns a nil archiver.
func buildArchiver(cfg ops.ArchiveConfig, metrics *obs.Metrics) (*archive.Archiver, error) {
	var sink archive.Sink
	switch cfg.Driver {
	case "none":
		return nil, nil
	case "file":
		fileSink, err := archive.NewFileSink(cfg.Dir, cfg.SegmentMaxBytes)
		if err != nil {
			return nil, err
		}
		sink = fileSink
	case "postgres":
		pgSink, err := archive.NewPgSink(cfg.DSN)
		if err != nil {
			return nil, err
		}
		sink = pgSink
	default:
		return nil, fmt.Errorf("unknown archive driver %q", cfg.Driver)
	}
	return archive.NewArchiver(sink, archive.Config{QueueSize: cfg.QueueSize}, metrics)
}

// renderEvent prints one stream event as a dashboard line. Payloads that
// fail to decode are logged and skipped; the stream itself already
// validated the envelope.
func renderEvent(env stream.Envelope) {
	ts := time.Now().Format("15:04:05")
	switch env.Type {
	case model.EventInstanceUpdated:
		in, err := model.DecodeInstance(env.Data)
		if err != nil {
			logs.Warnf("bad instance payload: %v", err)
			return
		}
		fmt.Printf("%s [%s] %s %s cost=$%v tokens=%d/%d\n",
			ts, env.Topic, in.Name, in.Status, in.CostUSD, in.TokensIn, in.TokensOut)
	case model.EventTaskUpdated:
		task, err := model.DecodeTask(env.Data)
		if err != nil {
			logs.Warnf("bad task payload: %v", err)
			return
		}
		fmt.Printf("%s [%s] %s %q %s %d%%\n",
			ts, env.Topic, task.ID, task.Title, task.State, int(task.Progress*100))
	case model.EventWorktreeUpdated:
		tree, err := model.DecodeWorktree(env.Data)
		if err != nil {
			logs.Warnf("bad worktree payload: %v", err)
			return
		}
		fmt.Printf("%s [%s] %s %s dirty=%t ahead=%d behind=%d\n",
			ts, env.Topic, tree.ID, tree.Branch, tree.Dirty, tree.Ahead, tree.Behind)
	case model.EventAlertRaised:
		alert, err := model.DecodeAlert(env.Data)
		if err != nil {
			logs.Warnf("bad alert payload: %v", err)
			return
		}
		fmt.Printf("%s [%s] %s: %s (%s)\n",
			ts, env.Topic, alert.Level, alert.Title, alert.InstanceID)
	case model.EventLogLine:
		line, err := model.DecodeLogLine(env.Data)
		if err != nil {
			logs.Warnf("bad log payload: %v", err)
			return
		}
		fmt.Printf("%s [%s] %s %s: %s\n",
			ts, env.Topic, line.InstanceID, line.Stream, line.Line)
	default:
		fmt.Printf("%s [%s] %s\n", ts, env.Topic, env.Type)
	}
}

func reportStats(ctx context.Context, metrics *obs.Metrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logStats("stats", metrics.Snapshot())
		}
	}
}

func logStats(label string, snap obs.Snapshot) {
	log.Printf("%s: received=%d dropped=%d sent=%d reconnects=%d panics=%d topics=%v dispatch=%+v archive_written=%d archive_dropped=%d",
		label, snap.MessagesReceived, snap.MessagesDropped, snap.MessagesSent,
		snap.ReconnectsScheduled, snap.HandlerPanics, snap.TopicCounts,
		snap.DispatchTime, snap.ArchiveWritten, snap.ArchiveDropped)
}
