// Package config provides configuration for the content engine.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds engine configuration.
type Config struct {
	// DBPath is the SQLite database file.
	DBPath string
	// DataDir is the root under which working copies and volumes are allocated.
	DataDir string
	// TypesFile is an optional YAML resource-type registry; empty uses the built-in one.
	TypesFile string
	// LogLevel is a zerolog level name.
	LogLevel string
	// LogJSON switches the logger from console to JSON output.
	LogJSON bool
	// LockTTL is the edit-lock maximum duration.
	LockTTL time.Duration
	// TxRetries caps transparent retries of lock-contended transactions.
	TxRetries int
	// SyncWorkers, GraphWorkers and BatchWorkers size the per-subsystem pools.
	SyncWorkers  int
	GraphWorkers int
	BatchWorkers int
	// CloneDelay is the settle time before revision-copy batches fan out.
	CloneDelay time.Duration
	// CloneBatchSize is the number of resources per revision-copy job.
	CloneBatchSize int
	// PackageWait bounds how long ingestion waits for a just-created package.
	PackageWait time.Duration
	// WatchDebounce is the working-copy watcher debounce interval.
	WatchDebounce time.Duration
	// VCSAuthor and VCSEmail sign commits made by the sync engine.
	VCSAuthor string
	VCSEmail  string
}

// FromEnv creates a Config from environment variables.
func FromEnv() *Config {
	home, _ := os.UserHomeDir()
	dataDir := getEnv("CONTENT_ENGINE_DATA", filepath.Join(home, ".content-engine"))
	return &Config{
		DBPath:         getEnv("CONTENT_ENGINE_DB", filepath.Join(dataDir, "content.db")),
		DataDir:        dataDir,
		TypesFile:      getEnv("CONTENT_ENGINE_TYPES", ""),
		LogLevel:       getEnv("CONTENT_ENGINE_LOG_LEVEL", "info"),
		LogJSON:        getEnvBool("CONTENT_ENGINE_LOG_JSON", false),
		LockTTL:        getEnvDuration("CONTENT_ENGINE_LOCK_TTL", 30*time.Minute),
		TxRetries:      getEnvInt("CONTENT_ENGINE_TX_RETRIES", 5),
		SyncWorkers:    getEnvInt("CONTENT_ENGINE_SYNC_WORKERS", 2),
		GraphWorkers:   getEnvInt("CONTENT_ENGINE_GRAPH_WORKERS", 2),
		BatchWorkers:   getEnvInt("CONTENT_ENGINE_BATCH_WORKERS", 4),
		CloneDelay:     getEnvDuration("CONTENT_ENGINE_CLONE_DELAY", 2*time.Second),
		CloneBatchSize: getEnvInt("CONTENT_ENGINE_CLONE_BATCH", 10),
		PackageWait:    getEnvDuration("CONTENT_ENGINE_PACKAGE_WAIT", 30*time.Second),
		WatchDebounce:  getEnvDuration("CONTENT_ENGINE_WATCH_DEBOUNCE", 500*time.Millisecond),
		VCSAuthor:      getEnv("CONTENT_ENGINE_VCS_AUTHOR", "content-engine"),
		VCSEmail:       getEnv("CONTENT_ENGINE_VCS_EMAIL", "content-engine@localhost"),
	}
}

// ReposDir is where package working copies live.
func (c *Config) ReposDir() string { return filepath.Join(c.DataDir, "repos") }

// VolumesDir is where rendered blobs and web content live.
func (c *Config) VolumesDir() string { return filepath.Join(c.DataDir, "volumes") }

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
