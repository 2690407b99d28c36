package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sebas/dialcast/internal/banner"
	"github.com/sebas/dialcast/internal/dialer/app"
	"github.com/sebas/dialcast/internal/dialer/config"
	"github.com/sebas/dialcast/internal/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.SetLevel(cfg.LogLevel)
	logger.InitLogger(os.Stdout)

	printBanner(cfg)

	// Create dialer node
	dialer, err := app.New(cfg)
	if err != nil {
		slog.Error("Failed to create dialer", "error", err)
		os.Exit(1)
	}

	run(dialer, cfg)
}

func run(dialer *app.Dialer, cfg *config.Config) {
	slog.Info("Starting Dialcast dialer node",
		"pbx", cfg.PBXAddr,
		"api", cfg.APIAddr,
	)

	if err := dialer.Start(); err != nil {
		slog.Error("Failed to start dialer", "error", err)
		os.Exit(1)
	}

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down", "signal", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := dialer.Stop(ctx); err != nil {
		slog.Warn("Shutdown finished with errors", "error", err)
	}
}

func printBanner(cfg *config.Config) {
	pbx := cfg.PBXAddr
	if cfg.Simulate {
		pbx = "simulated"
	}
	store := cfg.StorePath
	if store == "" {
		store = "memory"
	}
	events := cfg.NATSURL
	if events == "" {
		events = "disabled"
	}
	banner.Print("Dialcast Dialer", []banner.ConfigLine{
		{Label: "PBX", Value: pbx},
		{Label: "API", Value: cfg.APIAddr},
		{Label: "Store", Value: store},
		{Label: "Events", Value: events},
		{Label: "Log Level", Value: cfg.LogLevel},
	})
}
