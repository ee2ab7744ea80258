// Command parlox is the entry point of the parlox real-time speech
// translator.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/parlox/internal/app"
	"github.com/MrWong99/parlox/internal/config"
	"github.com/MrWong99/parlox/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "dotenv file loaded before the configuration")
	watch := flag.Bool("watch", true, "apply configuration file changes while running")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	// Variables already set in the process take precedence over the file.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "parlox: load %s: %v\n", *envFile, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parlox: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parlox: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("parlox starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := app.BuildProviders(cfg, reg, tel.Metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Audio devices ─────────────────────────────────────────────────────────
	devices, err := openDevices()
	if err != nil {
		slog.Error("failed to open audio devices", "err", err)
		return 1
	}
	defer func() {
		if err := devices.close(); err != nil {
			slog.Warn("close audio devices", "err", err)
		}
	}()

	opts := []app.Option{
		app.WithMetrics(tel.Metrics),
		app.WithMetricsHandler(tel.MetricsHandler),
		app.WithLevelVar(level),
	}
	if devices.catalog != nil {
		opts = append(opts, app.WithCatalog(devices.catalog))
	}
	if devices.capture != nil {
		opts = append(opts, app.WithCapture(devices.capture))
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, devices.backend)

	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, backend string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         parlox: startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("STT", providerLabel(cfg.Providers.STT, len(cfg.Providers.Fallbacks.STT)))
	printRow("LLM", providerLabel(cfg.Providers.LLM, len(cfg.Providers.Fallbacks.LLM)))
	printRow("TTS", providerLabel(cfg.Providers.TTS, len(cfg.Providers.Fallbacks.TTS)))
	printRow("Languages", cfg.Session.SourceLang+" → "+cfg.Session.TargetLang)
	printRow("Input", orDefault(cfg.Input.Device, "(default mic)"))
	printRow("Output", orDefault(cfg.Output.Device, "(default)"))
	printRow("Audio backend", backend)
	if cfg.Discord.Enabled() {
		printRow("Discord", "enabled")
	} else {
		printRow("Discord", "(disabled)")
	}
	if cfg.History.PostgresDSN != "" {
		printRow("History", "postgres")
	} else {
		printRow("History", "memory")
	}
	if cfg.Status.RedisURL != "" {
		printRow("Status", "websocket + redis")
	} else {
		printRow("Status", "websocket")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(e config.ProviderEntry, fallbacks int) string {
	if e.Name == "" {
		return ""
	}
	label := e.Name
	if e.Model != "" {
		label += " / " + e.Model
	}
	if fallbacks > 0 {
		label += fmt.Sprintf(" +%d", fallbacks)
	}
	return label
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func printRow(key, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", key, value)
}
