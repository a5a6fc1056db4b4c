// Package main runs the onyx-background cron scheduler: a process that
// ticks registered recurring schedules and enqueues their job on each due
// run, guarded by a distributed lock so more than one scheduler instance
// can run without double-enqueuing.
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
	"github.com/onyx-run/onyx-background/internal/manager"
	"github.com/onyx-run/onyx-background/internal/schedule"
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

	schedulerLog := log.WithComponent(logger.ComponentScheduler).WithSource(logger.LogSourceInternal)

	if !cfg.ScheduleEnabled {
		schedulerLog.Info("schedule runner disabled, exiting", "set", "ONYX_SCHEDULE_ENABLED=true to enable")
		return
	}

	store, err := datastore.New(cfg.RedisURL, cfg.Namespace)
	if err != nil {
		schedulerLog.Error("failed to connect to redis", "error", err.Error())
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			schedulerLog.Error("failed to close datastore", "error", err.Error())
		}
	}()

	reg := schedule.NewRegistry()

	// Register your recurring schedules here, e.g.:
	// reg.MustRegister(&schedule.Schedule{
	// 	ID:          "daily-report",
	// 	Cron:        "0 0 * * *",
	// 	Class:       "GenerateReport",
	// 	Queue:       job.DefaultQueue,
	// 	Enabled:     true,
	// 	Description: "Generate the daily report",
	// })

	runner := schedule.New(schedule.Config{
		Store:    store,
		Registry: reg,
		Enqueuer: manager.New(store),
		Interval: cfg.ScheduleInterval,
		LockTTL:  cfg.ScheduleLockTTL,
		Logger:   log,
	})

	schedulerLog.Info("scheduler starting", "interval", cfg.ScheduleInterval, "lock_ttl", cfg.ScheduleLockTTL, "schedules", reg.Count())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- runner.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		schedulerLog.Info("received shutdown signal, stopping scheduler", "signal", sig.String())
		cancel()
		<-runErrCh
	case err := <-runErrCh:
		if err != nil {
			schedulerLog.Error("scheduler exited with error", "error", err.Error())
			os.Exit(1)
		}
	}

	// Give any in-flight lock release a moment to land before the process exits.
	time.Sleep(200 * time.Millisecond)
	schedulerLog.Info("scheduler shut down successfully")
}
