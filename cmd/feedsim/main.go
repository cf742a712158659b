// feedsim runs a local stand-in for the orchestration backend: a
// synthetic dashboard stream plus the REST mirror, with fault knobs for
// exercising a client's reconnect and heartbeat handling.
package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/yanun0323/pkg/sys"

	"github.com/orchview/orchview/internal/feed"
)

func main() {
	flags := pflag.NewFlagSet("feedsim", pflag.ContinueOnError)
	addr := flags.String("addr", "127.0.0.1:8089", "listen address")
	unixSocket := flags.String("unix", "", "also listen on a unix socket path")
	interval := flags.Duration("interval", 400*time.Millisecond, "event period")
	seed := flags.Uint64("seed", 0, "generator seed (0=time-based)")
	dropAfter := flags.Int("drop-after", 0, "sever each connection after N events (0=never)")
	mutePings := flags.Bool("mute-pings", false, "ignore client pings to trip their heartbeat")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("flag parse failed: %v", err)
	}

	sim := feed.NewServer(feed.ServerConfig{
		Interval:  *interval,
		Seed:      *seed,
		DropAfter: *dropAfter,
		MutePings: *mutePings,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sim.Run(ctx)

	server := &http.Server{Addr: *addr, Handler: sim.Handler()}
	go func() {
		log.Printf("feedsim listening on %s", *addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen failed: %v", err)
		}
	}()

	if *unixSocket != "" {
		_ = os.Remove(*unixSocket)
		listener, err := net.Listen("unix", *unixSocket)
		if err != nil {
			log.Fatalf("unix listen failed: %v", err)
		}
		go func() {
			log.Printf("feedsim listening on %s", *unixSocket)
			if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("unix serve failed: %v", err)
			}
		}()
	}

	<-sys.Shutdown()
	log.Printf("shutting down")
	cancel()
	sim.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
