// Package config loads trellis configuration: a YAML file discovered by
// walking up from the working directory, overridden by TRELLIS_*
// environment variables, with every default enumerated here. Runtime
// file changes are re-read by a watcher and take effect at the next
// operation boundary (callers re-read values, never cache them).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var (
	mu sync.RWMutex
	v  *viper.Viper
)

// Initialize sets up the viper configuration singleton. Call once at
// application startup, before any component reads configuration.
func Initialize() error {
	mu.Lock()
	defer mu.Unlock()

	v = viper.New()
	v.SetConfigType("yaml")

	// Precedence: project .trellis/config.yaml (walking up from CWD)
	// > ~/.config/trellis/config.yaml > ~/.trellis/config.yaml.
	configFileSet := false
	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			configPath := filepath.Join(dir, ".trellis", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
				break
			}
		}
	}
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "trellis", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}
	if !configFileSet {
		if homeDir, err := os.UserHomeDir(); err == nil {
			configPath := filepath.Join(homeDir, ".trellis", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// Environment variables take precedence over the config file,
	// e.g. TRELLIS_STORAGE_BASE_DIR, TRELLIS_LOGGING_MIN_LEVEL.
	v.SetEnvPrefix("TRELLIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Storage
	v.SetDefault("storage.base-dir", ".trellis")
	v.SetDefault("storage.name", "trellis.db")
	v.SetDefault("storage.connection.max-connections", 10)
	v.SetDefault("storage.connection.max-retries", 3)
	v.SetDefault("storage.connection.retry-delay", "1s")
	v.SetDefault("storage.connection.busy-timeout", "5s")
	v.SetDefault("storage.connection.idle-timeout", "60s")
	v.SetDefault("storage.connection.acquire-timeout", "30s")
	v.SetDefault("storage.performance.page-size", 4096)
	v.SetDefault("storage.performance.cache-size", 2000)
	v.SetDefault("storage.performance.mmap-size", 64*1024*1024)
	v.SetDefault("storage.performance.max-memory", 256*1024*1024)
	v.SetDefault("storage.performance.checkpoint-interval", "5m")
	v.SetDefault("storage.performance.vacuum-interval", "1h")
	v.SetDefault("storage.performance.statement-cache-size", 100)
	v.SetDefault("storage.journal.mode", "WAL")
	v.SetDefault("storage.journal.synchronous", "NORMAL")
	v.SetDefault("storage.journal.temp-store", "FILE")
	v.SetDefault("storage.journal.locking-mode", "NORMAL")
	v.SetDefault("storage.journal.auto-vacuum", "NONE")
	v.SetDefault("storage.startup-backups", 5)

	// Logging
	v.SetDefault("logging.min-level", "info")
	v.SetDefault("logging.log-dir", "")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", false)
	v.SetDefault("logging.max-files", 5)
	v.SetDefault("logging.max-file-size", 10)
	v.SetDefault("logging.no-colors", false)

	// Cache
	v.SetDefault("cache.max-memory", 512*1024*1024)
	v.SetDefault("cache.max-entries", 4096)
	v.SetDefault("cache.check-interval", "60s")
	v.SetDefault("cache.pressure-threshold", 0.8)
	v.SetDefault("cache.debug-mode", false)

	// Tracer
	v.SetDefault("tracer.max-traces", 1000)
	v.SetDefault("tracer.max-events-per-trace", 100)
	v.SetDefault("tracer.trace-retention", "1h")
	v.SetDefault("tracer.cleanup-interval", "1h")

	// Backup
	v.SetDefault("backup.enabled", true)
	v.SetDefault("backup.schedule", "0 */6 * * *")
	v.SetDefault("backup.max-backups", 10)
	v.SetDefault("backup.backup-on-start", false)

	// Events
	v.SetDefault("events.history-size", 512)

	// Service
	v.SetDefault("service.max-in-flight", 64)
	v.SetDefault("service.acquire-timeout", "5s")
	v.SetDefault("service.validation-mode", "strict")
	v.SetDefault("service.allow-rule-registration", false)

	// Transactions
	v.SetDefault("txn.default-timeout", "30s")
	v.SetDefault("txn.retry-attempts", 3)
	v.SetDefault("txn.retry-base-delay", "100ms")
	v.SetDefault("txn.retry-max-delay", "1s")

	// Indexes
	v.SetDefault("index.atomic-operations", true)
	v.SetDefault("index.max-batch-size", 1000)
	v.SetDefault("index.retry-attempts", 3)
}

// Watch re-reads the config file when it changes on disk. onChange may
// be nil. Watching is best-effort: a missing config file disables it.
func Watch(onChange func()) error {
	mu.RLock()
	file := ""
	if v != nil {
		file = v.ConfigFileUsed()
	}
	mu.RUnlock()
	if file == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(file)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("config watcher: %w", err)
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(file) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				mu.Lock()
				_ = v.ReadInConfig()
				mu.Unlock()
				if onChange != nil {
					onChange()
				}
			case <-watcher.Errors:
				// Watcher errors are not fatal; config just stops
				// hot-reloading until restart.
			}
		}
	}()
	return nil
}

func get() *viper.Viper {
	mu.RLock()
	cur := v
	mu.RUnlock()
	if cur != nil {
		return cur
	}
	_ = Initialize()
	mu.RLock()
	defer mu.RUnlock()
	return v
}

// GetString returns a string config value.
func GetString(key string) string { return get().GetString(key) }

// GetInt returns an integer config value.
func GetInt(key string) int { return get().GetInt(key) }

// GetInt64 returns a 64-bit integer config value.
func GetInt64(key string) int64 { return get().GetInt64(key) }

// GetBool returns a boolean config value.
func GetBool(key string) bool { return get().GetBool(key) }

// GetFloat64 returns a float config value.
func GetFloat64(key string) float64 { return get().GetFloat64(key) }

// GetDuration returns a duration config value.
func GetDuration(key string) time.Duration { return get().GetDuration(key) }

// Set overrides a value at runtime (primarily for tests and flags).
func Set(key string, value any) { get().Set(key, value) }

// ResetForTesting discards the singleton so tests can re-Initialize.
func ResetForTesting() {
	mu.Lock()
	defer mu.Unlock()
	v = nil
}
