package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lyger/matsuri-monitor/internal/app"
	"github.com/lyger/matsuri-monitor/internal/config"
	"github.com/lyger/matsuri-monitor/internal/util"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := util.NewLogger(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Matsuri monitor starting...",
		zap.String("log_level", cfg.Logging.Level),
		zap.String("archive_backend", cfg.Archive.Backend),
		zap.Strings("orgs", cfg.Holodex.Orgs),
		zap.Int("port", cfg.Server.Port),
	)

	buildCtx, buildCancel := context.WithTimeout(context.Background(), 30*time.Second)
	container, err := app.Build(buildCtx, cfg, logger)
	buildCancel()
	if err != nil {
		logger.Error("Failed to assemble application services", zap.Error(err))
		os.Exit(1)
	}
	defer container.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- container.Run(ctx)
	}()

	logger.Info("Monitor started, waiting for signals...")

	select {
	case sig := <-sigCh:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("Supervision tree exited", zap.Error(err))
		return
	}

	logger.Info("Shutting down gracefully...")
	cancel()

	// The tree has its own shutdown timeout; this bounds the wait if it misbehaves.
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Error during shutdown", zap.Error(err))
		}
	case <-time.After(time.Minute):
		logger.Error("Shutdown timed out")
	}

	logger.Info("Shutdown complete")
}
