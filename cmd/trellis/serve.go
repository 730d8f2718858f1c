package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/untoldecay/trellis/internal/cache"
	"github.com/untoldecay/trellis/internal/config"
	"github.com/untoldecay/trellis/internal/events"
	"github.com/untoldecay/trellis/internal/index"
	"github.com/untoldecay/trellis/internal/trace"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the store daemon with background maintenance",
	Long: `Open the store and keep it running: rebuild the in-memory indexes,
start the cache pressure monitor and trace cleanup, and let the store's
checkpoint and vacuum timers do their work until SIGINT or SIGTERM.

The daemon holds the database lock for its lifetime, so client tools
sharing the same base directory must go through it.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log := newLogger()
		defer func() { _ = log.Close() }()

		store, err := openStore(ctx, log)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = store.Close() }()

		bus := events.New(config.GetInt("events.history-size"), log)

		resultCache, err := cache.New(cache.Config{
			MaxEntries: config.GetInt("cache.max-entries"),
			MaxMemory:  config.GetInt64("cache.max-memory"),
		}, bus, log)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		monitor := cache.NewMonitor(resultCache, bus, cache.MonitorConfig{
			CheckInterval: config.GetDuration("cache.check-interval"),
			Threshold:     config.GetFloat64("cache.pressure-threshold"),
			MaxMemory:     config.GetInt64("cache.max-memory"),
			MaxEntries:    config.GetInt("cache.max-entries"),
		})
		monitor.Start()
		defer monitor.Stop()

		tracer := trace.New(trace.Config{
			MaxTraces:         config.GetInt("tracer.max-traces"),
			MaxEventsPerTrace: config.GetInt("tracer.max-events-per-trace"),
			TTL:               config.GetDuration("tracer.trace-retention"),
		})
		cleanup := time.NewTicker(config.GetDuration("tracer.cleanup-interval"))
		defer cleanup.Stop()
		go func() {
			for {
				select {
				case <-cleanup.C:
					tracer.Cleanup()
				case <-ctx.Done():
					return
				}
			}
		}()

		indexes := index.NewCoordinator(log)
		if err := indexes.Rebuild(ctx, store); err != nil {
			fmt.Fprintf(os.Stderr, "Error rebuilding indexes: %v\n", err)
			os.Exit(1)
		}

		if err := config.Watch(func() {
			log.Info("configuration reloaded")
		}); err != nil {
			log.Warn("config watcher disabled", "error", err)
		}

		log.Info("trellis daemon started",
			"version", Version, "database", store.Path())
		fmt.Printf("trellis daemon started (database: %s)\n", store.Path())

		<-ctx.Done()

		log.Info("shutting down")
		if err := store.Checkpoint(cmd.Context()); err != nil {
			log.Warn("final checkpoint failed", "error", err)
		}
		fmt.Println("trellis daemon stopped")
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
