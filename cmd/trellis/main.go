// Command trellis manages a trellis store: schema migration, snapshot
// export and import, integrity checks, and the long-running maintenance
// daemon.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/untoldecay/trellis/internal/config"
	"github.com/untoldecay/trellis/internal/logging"
	"github.com/untoldecay/trellis/internal/storage"
	"github.com/untoldecay/trellis/internal/storage/sqlite"
)

var (
	flagBaseDir  string
	flagDBName   string
	flagLogLevel string
	jsonOutput   bool
)

var rootCmd = &cobra.Command{
	Use:   "trellis",
	Short: "Hierarchical task and knowledge store",
	Long: `trellis maintains a hierarchical task and knowledge database.

The database lives under the base directory (default .trellis/) and is
created on first use. Configuration is read from .trellis/config.yaml,
discovered by walking up from the working directory, and can be
overridden with TRELLIS_* environment variables or the flags below.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagBaseDir, "base-dir", "", "Database directory (default from config)")
	rootCmd.PersistentFlags().StringVar(&flagDBName, "db", "", "Database file name (default from config)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Minimum log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Emit machine-readable JSON output")
}

func main() {
	if err := config.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// storageConfig resolves the store configuration, with flags taking
// precedence over the config file and environment.
func storageConfig() storage.Config {
	cfg := storage.Config{
		BaseDir:            config.GetString("storage.base-dir"),
		Name:               config.GetString("storage.name"),
		MaxConnections:     config.GetInt("storage.connection.max-connections"),
		BusyTimeout:        config.GetDuration("storage.connection.busy-timeout"),
		IdleTimeout:        config.GetDuration("storage.connection.idle-timeout"),
		PageSize:           config.GetInt("storage.performance.page-size"),
		CacheSizePages:     config.GetInt("storage.performance.cache-size"),
		MmapSize:           config.GetInt64("storage.performance.mmap-size"),
		CheckpointInterval: config.GetDuration("storage.performance.checkpoint-interval"),
		VacuumInterval:     config.GetDuration("storage.performance.vacuum-interval"),
		JournalMode:        config.GetString("storage.journal.mode"),
		Synchronous:        config.GetString("storage.journal.synchronous"),
		TempStore:          config.GetString("storage.journal.temp-store"),
		AutoVacuum:         config.GetString("storage.journal.auto-vacuum"),
		StartupBackups:     config.GetInt("storage.startup-backups"),
	}
	if flagBaseDir != "" {
		cfg.BaseDir = flagBaseDir
	}
	if flagDBName != "" {
		cfg.Name = flagDBName
	}
	return cfg
}

func newLogger() *logging.Logger {
	level := config.GetString("logging.min-level")
	if flagLogLevel != "" {
		level = flagLogLevel
	}
	return logging.New(logging.Config{
		MinLevel:    level,
		LogDir:      config.GetString("logging.log-dir"),
		Console:     config.GetBool("logging.console"),
		File:        config.GetBool("logging.file"),
		MaxFiles:    config.GetInt("logging.max-files"),
		MaxFileSize: config.GetInt("logging.max-file-size"),
	})
}

// openStore opens the database with the resolved configuration. The
// caller owns the returned store and must Close it.
func openStore(ctx context.Context, log *logging.Logger) (*sqlite.SQLiteStorage, error) {
	return sqlite.Open(ctx, storageConfig(), log)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		os.Exit(1)
	}
}
