package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitboxsync/bitbox/internal/config"
	"github.com/bitboxsync/bitbox/internal/logging"
	"github.com/bitboxsync/bitbox/internal/server"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "configuration.properties", "path to the properties file")
	flag.Parse()

	// Load once up front so a broken configuration fails the process
	// before anything binds.
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("bitbox starting",
		slog.String("version", Version),
		slog.String("config", *configPath),
	)

	watcher, err := config.NewWatcher(*configPath, logger)
	if err != nil {
		return fmt.Errorf("watching config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return server.New(watcher, logger).Run(ctx)
}
