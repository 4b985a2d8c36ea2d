// Command convoxa is the main entry point for the Convoxa session runtime.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/convoxa/internal/app"
	"github.com/MrWong99/convoxa/internal/config"
	"github.com/MrWong99/convoxa/internal/observe"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", defaultConfigPath(), "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "convoxa: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "convoxa: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so the config watcher can turn debug
	// logging on and off without a restart.
	levelVar := new(slog.LevelVar)
	levelVar.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	slog.Info("convoxa starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	// Before app.New: subsystem constructors bind their instruments to the
	// global meter provider, so the Prometheus exporter must already be it.
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "convoxa"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_ *config.Config, diff config.ConfigDiff) {
		if diff.LogLevelChanged {
			levelVar.Set(slogLevel(diff.NewLogLevel))
			slog.Info("log level reloaded", "level", diff.NewLogLevel)
		}
		application.Apply(diff)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready, press Ctrl+C to shut down")

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

// defaultConfigPath prefers the CONVOXA_CONFIG environment variable so
// containerised deployments can mount the file anywhere.
func defaultConfigPath() string {
	if p := os.Getenv("CONVOXA_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║        Convoxa — session runtime         ║")
	fmt.Println("╠══════════════════════════════════════════╣")
	printRow("Provider", cfg.Provider.BaseURL)
	printRow("TTS model (en)", cfg.Provider.DefaultEnTTSModel)
	printRow("TTS model (multi)", cfg.Provider.DefaultMultiTTSModel)
	printRow("Store", storeSummary(cfg))
	printRow("Registry", registrySummary(cfg))
	printRow("Meter rate", fmt.Sprintf("%d tokens/min", cfg.Quota.TokensPerMinute))
	printRow("Reconciler", fmt.Sprintf("%d workers", cfg.Reconciler.Workers))
	printRow("Summarizer", orDisabled(cfg.Summarizer.Provider))
	printRow("Embeddings", orDisabled(cfg.Embeddings.Name))
	if cfg.Discord != nil && cfg.Discord.Token != "" {
		printRow("Discord", fmt.Sprintf("%d channel(s)", len(cfg.Discord.Bindings)))
	} else {
		printRow("Discord", "(disabled)")
	}
	if len(cfg.Seed.Agents) > 0 {
		printRow("Seed agents", fmt.Sprintf("%d", len(cfg.Seed.Agents)))
	}
	if cfg.Server.TLS != nil {
		printRow("TLS", "enabled")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚══════════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 20 {
		value = value[:17] + "…"
	}
	fmt.Printf("║  %-17s: %-20s ║\n", label, value)
}

func storeSummary(cfg *config.Config) string {
	if cfg.Store.PostgresDSN == "" {
		return "(not configured)"
	}
	return "postgres"
}

func registrySummary(cfg *config.Config) string {
	if cfg.Registry.Backend == config.RegistryRedis {
		return "redis " + cfg.Registry.RedisAddr
	}
	return "memory"
}

func orDisabled(name string) string {
	if name == "" {
		return "(disabled)"
	}
	return name
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
