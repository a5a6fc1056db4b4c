// Package main runs the onyx-background Watcher: the single process that
// promotes due scheduled jobs and reclaims attempts whose owning fiber died.
// Only one Watcher should run per deployment; see spec.md's singleton
// assumption in the DESIGN NOTES.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/onyx-run/onyx-background/internal/config"
	"github.com/onyx-run/onyx-background/internal/datastore"
	"github.com/onyx-run/onyx-background/internal/logger"
	"github.com/onyx-run/onyx-background/internal/metrics"
	"github.com/onyx-run/onyx-background/internal/watcher"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := log.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", err)
		}
	}()
	logger.SetDefault(log)

	watcherLog := log.WithComponent(logger.ComponentWatcher).WithSource(logger.LogSourceInternal)
	watcherLog.Info("watcher starting", "queues", cfg.Queues, "interval", cfg.WatcherInterval, "redis_url", cfg.RedisURL)

	store, err := datastore.New(cfg.RedisURL, cfg.Namespace)
	if err != nil {
		watcherLog.Error("failed to connect to redis", "error", err.Error())
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			watcherLog.Error("failed to close datastore", "error", err.Error())
		}
	}()

	w := watcher.New(watcher.Config{
		Store:    store,
		Queues:   cfg.Queues,
		Interval: cfg.WatcherInterval,
		Logger:   log,
		Metrics:  metrics.Default(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- w.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		watcherLog.Info("received shutdown signal, stopping watcher", "signal", sig.String())
		w.Stop()
		cancel()
		select {
		case <-w.Done():
		case <-time.After(10 * time.Second):
			watcherLog.Warn("watcher did not stop within grace period")
		}
	case err := <-runErrCh:
		if err != nil {
			watcherLog.Error("watcher exited with error", "error", err.Error())
			os.Exit(1)
		}
	}

	watcherLog.Info("watcher shut down successfully")
}
