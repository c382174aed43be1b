// Command genie-peer runs a local stand-in for the SmartGenie assistant so the
// client can be tried without the real backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/smartgenie/internal/devpeer"
)

func main() {
	os.Exit(run())
}

func run() int {
	addr := flag.String("addr", "127.0.0.1:8000", "listen address")
	mode := flag.String("mode", string(devpeer.ModeJSON), "reply framing: json or raw")
	toneHz := flag.Float64("tone", devpeer.DefaultToneHz, "reply tone frequency in Hz")
	toneLen := flag.Duration("tone-duration", devpeer.DefaultToneDuration, "reply tone length")
	delay := flag.Duration("delay", 0, "pause before each reply")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	lvl := slog.LevelInfo
	if *debug {
		lvl = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))

	m := devpeer.Mode(*mode)
	if !m.IsValid() {
		fmt.Fprintf(os.Stderr, "genie-peer: unknown mode %q\n", *mode)
		return 2
	}

	peer := devpeer.New(
		devpeer.WithMode(m),
		devpeer.WithTone(*toneHz, *toneLen),
		devpeer.WithReplyDelay(*delay),
	)
	srv := &http.Server{
		Addr:              *addr,
		Handler:           peer.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("genie-peer listening", "addr", *addr, "endpoint", "ws://"+*addr+"/ws/assistant", "mode", m)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			return 1
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown error", "err", err)
	}
	slog.Info("genie-peer stopped", "connections", peer.Connections(), "turns", peer.Turns())
	return 0
}
