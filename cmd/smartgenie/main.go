// Command smartgenie is the push-to-talk voice client for the SmartGenie
// study assistant.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"

	"github.com/MrWong99/smartgenie/internal/app"
	"github.com/MrWong99/smartgenie/internal/config"
	"github.com/MrWong99/smartgenie/internal/notify"
	"github.com/MrWong99/smartgenie/internal/observe"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "path to an optional .env file")
	traceFile := flag.String("trace-file", "", "write turn spans as JSON to this file")
	flag.Parse()

	// ── Environment and configuration ─────────────────────────────────────────
	if err := config.LoadDotEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "smartgenie: %v\n", err)
		return 1
	}

	watch := true
	cfg, err := config.Load(*configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "smartgenie: %v\n", err)
			return 1
		}
		fmt.Fprintf(os.Stderr, "smartgenie: config file %q not found, using defaults\n", *configPath)
		cfg = config.Default()
		watch = false
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.LogLevel.Level())
	slog.SetDefault(newLogger(level))

	slog.Info("smartgenie starting",
		"config", *configPath,
		"endpoint", cfg.Session.Endpoint,
		"log_level", cfg.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	var telOpts []observe.SetupOption
	if *traceFile != "" {
		f, err := os.Create(*traceFile)
		if err != nil {
			slog.Error("failed to create trace file", "path", *traceFile, "err", err)
			return 1
		}
		defer f.Close()
		exp, err := stdouttrace.New(stdouttrace.WithWriter(f))
		if err != nil {
			slog.Error("failed to create span exporter", "err", err)
			return 1
		}
		telOpts = append(telOpts, observe.WithSpanExporter(exp))
	}
	tel, err := observe.Setup(ctx, "smartgenie", telOpts...)
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Audio backend ─────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	devices, err := reg.CreateAudio(cfg.Audio)
	if err != nil {
		slog.Error("failed to open audio backend", "backend", cfg.Audio.Backend, "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, devices,
		app.WithNotifier(notify.NewConsole(os.Stdout)),
		app.WithLevelVar(level),
		app.WithMetrics(tel.Metrics),
	)
	if err != nil {
		if devices.Close != nil {
			_ = devices.Close()
		}
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	application.Log().OnAppend(printEntry)

	if watch {
		w, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			application.ApplyConfig(ctx, old, new)
		})
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	printStartupSummary(cfg, reg, application)
	go runConsole(ctx, os.Stdin, application, stop)

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger writes text logs to stderr so they do not interleave with the
// conversation printed on stdout. level may be changed by config reloads.
func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, reg *config.Registry, a *app.App) {
	fmt.Println("╔═══════════════════════════════════════════╗")
	fmt.Println("║        SmartGenie — startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════════╣")
	printRow("Endpoint", cfg.Session.Endpoint)
	printRow("Collection", cfg.Session.Collection)
	printRow("Collections", fmt.Sprint(len(a.Catalogue().All())))
	printRow("Audio", fmt.Sprintf("%s (%d available)", cfg.Audio.Backend, len(reg.AudioBackends())))
	printRow("Format", fmt.Sprintf("%d Hz / %d ch", cfg.Audio.SampleRate, cfg.Audio.Channels))
	printRow("SQLite", orDisabled(cfg.Conversation.SQLitePath))
	printRow("Postgres", orDisabled(redact(cfg.Conversation.PostgresDSN)))
	printRow("NATS", orDisabled(cfg.Conversation.NATS.URL))
	printRow("Admin", orDisabled(a.AdminAddr()))
	fmt.Println("╚═══════════════════════════════════════════╝")
	fmt.Println("Press Enter to talk, Enter again to send. /help lists commands.")
}

func printRow(label, value string) {
	if len(value) > 25 {
		value = value[:22] + "…"
	}
	fmt.Printf("║  %-12s : %-25s ║\n", label, value)
}

func orDisabled(s string) string {
	if s == "" {
		return "(disabled)"
	}
	return s
}

// redact hides everything but the scheme of a DSN.
func redact(dsn string) string {
	if dsn == "" {
		return ""
	}
	if scheme, _, ok := strings.Cut(dsn, "://"); ok {
		return scheme + "://…"
	}
	return "configured"
}
