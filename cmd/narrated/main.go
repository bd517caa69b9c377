package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hilitelabs/narrate-core/internal/bus"
	"github.com/hilitelabs/narrate-core/internal/config"
	"github.com/hilitelabs/narrate-core/internal/journal"
	"github.com/hilitelabs/narrate-core/internal/natsserver"
	"github.com/hilitelabs/narrate-core/internal/runtime"
	"github.com/hilitelabs/narrate-core/internal/session"
	"github.com/hilitelabs/narrate-core/internal/speech"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "narrate.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	embedded, err := natsserver.Start(cfg.Bus, logger)
	if err != nil {
		logger.Error("failed to start embedded NATS server", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer embedded.Shutdown()

	busClient, err := bus.Connect(ctx, cfg.Bus, logger)
	if err != nil {
		logger.Error("failed to connect to NATS", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer busClient.Close()

	store, err := journal.Open(ctx, cfg.Journal, logger)
	if err != nil {
		logger.Error("failed to open journal", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	provider, err := buildProvider(cfg)
	if err != nil {
		logger.Error("failed to build speech provider", slog.String("error", err.Error()))
		os.Exit(1)
	}

	manager := session.NewManager(provider, store, session.OptionsFromConfig(cfg), logger)
	service := session.NewService(ctx, cfg.Narration, busClient, manager, logger)
	if err := service.Start(); err != nil {
		logger.Error("failed to start narration service", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer service.Close()

	rt := runtime.New(cfg, logger, busClient, service)
	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func buildProvider(cfg config.Config) (speech.Provider, error) {
	switch cfg.Speech.Mode {
	case "exec":
		return speech.NewExecProvider(cfg.Speech.Command, cfg.Speech.SampleRate, cfg.Speech.Channels)
	case "mock", "":
		return speech.NewMockProvider(cfg.Timing.TargetWPM), nil
	default:
		return nil, fmt.Errorf("unknown speech mode %q", cfg.Speech.Mode)
	}
}
