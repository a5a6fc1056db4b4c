// Package main runs an onyx-background Worker process: it pulls ready jobs
// off one or more queues and executes them against the registered job classes.
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
	"github.com/onyx-run/onyx-background/internal/examplejobs"
	"github.com/onyx-run/onyx-background/internal/logger"
	"github.com/onyx-run/onyx-background/internal/metrics"
	"github.com/onyx-run/onyx-background/internal/registry"
	"github.com/onyx-run/onyx-background/internal/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	workerCfg, err := config.LoadWorkerConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load worker config: %v\n", err)
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

	workerLog := log.WithComponent(logger.ComponentWorker).WithSource(logger.LogSourceInternal)
	workerLog.Info("worker starting", "mode", workerCfg.Mode, "fibers", workerCfg.Fibers, "queues", workerCfg.Queues, "redis_url", cfg.RedisURL)

	store, err := datastore.New(cfg.RedisURL, cfg.Namespace)
	if err != nil {
		workerLog.Error("failed to connect to redis", "error", err.Error())
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			workerLog.Error("failed to close datastore", "error", err.Error())
		}
	}()

	reg := registry.New()
	// Reference job classes; replace with your own registrations.
	reg.Register("SimpleJob", examplejobs.NewSimpleJobFactory(store))
	reg.Register("FailingJob", examplejobs.NewFailingJobFactory())
	reg.Register("LongJob", examplejobs.NewLongJobFactory())
	workerLog.Info("registered job classes", "count", reg.Count(), "classes", reg.ClassIDs())

	w := worker.New(worker.Config{
		Store:    store,
		Registry: reg,
		Queues:   workerCfg.Queues,
		Fibers:   workerCfg.Fibers,
		PoolWait: cfg.RedisPoolWait,
		PoolTTL:  cfg.RedisPoolTTL,
		Logger:   log,
		Metrics:  metrics.Default(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		workerLog.Error("failed to start worker", "error", err.Error())
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m := metrics.GetMetrics()
				workerLog.Info("worker metrics",
					"attempts_started", m.TotalAttemptsStarted,
					"attempts_completed", m.TotalAttemptsCompleted,
					"attempts_failed", m.TotalAttemptsFailed,
					"attempts_reclaimed", m.TotalAttemptsReclaimed,
					"avg_attempt_duration_ms", m.AvgAttemptDuration.Milliseconds(),
					"fiber_utilization", fmt.Sprintf("%.1f%%", m.FiberUtilization),
					"error_rate", fmt.Sprintf("%.2f%%", m.ErrorRate),
					"uptime", m.Uptime.String(),
				)
			}
		}
	}()

	sig := <-sigChan
	workerLog.Info("received shutdown signal, stopping worker", "signal", sig.String())
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := w.Stop(stopCtx, worker.StopOptions{FibersTimeout: 5 * time.Second}); err != nil {
		workerLog.Error("worker stop failed", "error", err.Error())
		os.Exit(1)
	}

	workerLog.Info("worker shut down successfully")
}
