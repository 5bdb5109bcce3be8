// Package config manages savecontext configuration via viper.
// Precedence: environment (SAVECONTEXT_*) > ~/.savecontext/config.json > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Defaults for every key. Every configurable value appears here so a bare
// install behaves predictably.
const (
	DefaultCompactionMode      = "remind"
	DefaultCompactionThreshold = 80

	DefaultEmbeddingProvider = "ollama"
	DefaultEmbeddingModel    = "nomic-embed-text"
	DefaultEmbeddingURL      = "http://localhost:11434"
	DefaultEmbeddingWorkers  = 2
	DefaultSearchThreshold   = 0.5
)

// Init configures viper: env prefix, config file location, and defaults.
// A missing config file is fine; env and defaults still apply.
func Init() error {
	viper.SetEnvPrefix("SAVECONTEXT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("data_dir", defaultDataDir())
	viper.SetDefault("agent_id", "")
	viper.SetDefault("debug", false)

	viper.SetDefault("compaction.mode", DefaultCompactionMode)
	viper.SetDefault("compaction.threshold", DefaultCompactionThreshold)

	viper.SetDefault("embedding.provider", DefaultEmbeddingProvider)
	viper.SetDefault("embedding.model", DefaultEmbeddingModel)
	viper.SetDefault("embedding.url", DefaultEmbeddingURL)
	viper.SetDefault("embedding.workers", DefaultEmbeddingWorkers)
	viper.SetDefault("embedding.batch_size", 50)

	viper.SetDefault("search.threshold", DefaultSearchThreshold)

	viper.SetDefault("sync.url", "")

	viper.SetDefault("http.addr", "")

	viper.SetDefault("skill.installs", []string{})

	cfgPath := filepath.Join(DataDir(), "config.json")
	viper.SetConfigFile(cfgPath)
	viper.SetConfigType("json")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok || os.IsNotExist(err) {
			return nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("failed to read config %s: %w", cfgPath, err)
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".savecontext"
	}
	return filepath.Join(home, ".savecontext")
}

// DataDir returns the root state directory (~/.savecontext by default).
func DataDir() string {
	dir := viper.GetString("data_dir")
	if dir == "" {
		dir = defaultDataDir()
	}
	return dir
}

// DatabasePath returns the SQLite database location.
func DatabasePath() string {
	return filepath.Join(DataDir(), "data", "savecontext.db")
}

// BackupDir returns where pre-migration and pre-recreation backups land.
func BackupDir() string {
	return filepath.Join(DataDir(), "backups")
}

// SyncQueuePath returns the durable sync queue file.
func SyncQueuePath() string {
	return filepath.Join(DataDir(), "sync-queue.json")
}

// StatusCacheDir returns the status line snapshot directory.
func StatusCacheDir() string {
	return filepath.Join(DataDir(), "status-cache")
}

// LogPath returns the rotated debug log file.
func LogPath() string {
	return filepath.Join(DataDir(), "logs", "savecontext.log")
}

// SocketPath returns the unix socket for CLI status tooling.
func SocketPath() string {
	return filepath.Join(DataDir(), "savecontext.sock")
}

// LockPath returns the serve single-instance lock file.
func LockPath() string {
	return filepath.Join(DataDir(), "savecontext.lock")
}

// Save writes the current configuration back to config.json.
func Save() error {
	if err := os.MkdirAll(DataDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := viper.WriteConfigAs(filepath.Join(DataDir(), "config.json")); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// CompactionMode returns the configured compaction behavior
// ("auto", "remind", or "manual").
func CompactionMode() string {
	mode := viper.GetString("compaction.mode")
	switch mode {
	case "auto", "remind", "manual":
		return mode
	}
	return DefaultCompactionMode
}

// CompactionThreshold returns the context usage percentage that triggers
// compaction guidance, clamped to [50, 95].
func CompactionThreshold() int {
	t := viper.GetInt("compaction.threshold")
	if t < 50 || t > 95 {
		return DefaultCompactionThreshold
	}
	return t
}

// SearchThreshold returns the minimum cosine similarity for semantic hits.
func SearchThreshold() float64 {
	t := viper.GetFloat64("search.threshold")
	if t <= 0 || t > 1 {
		return DefaultSearchThreshold
	}
	return t
}
