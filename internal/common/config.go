package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Backend names accepted by the storage factory
const (
	BackendLocal  = "local"
	BackendRemote = "remote"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Worker      WorkerConfig    `toml:"worker"`
	Limits      LimitsConfig    `toml:"limits"`
	Retention   RetentionConfig `toml:"retention"`
	Logging     LoggingConfig   `toml:"logging"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// StorageConfig selects and configures the job store backend
type StorageConfig struct {
	Backend string       `toml:"backend"` // "local" (embedded SQLite) or "remote" (PostgreSQL)
	Local   LocalConfig  `toml:"local"`
	Remote  RemoteConfig `toml:"remote"`
}

// LocalConfig represents embedded SQLite configuration
type LocalConfig struct {
	Path          string `toml:"path"`            // Database file path
	CacheSizeMB   int    `toml:"cache_size_mb"`   // Page cache size
	BusyTimeoutMS int    `toml:"busy_timeout_ms"` // Lock wait before SQLITE_BUSY
	WALMode       bool   `toml:"wal_mode"`
}

// RemoteConfig represents PostgreSQL configuration
type RemoteConfig struct {
	URL      string `toml:"url"`       // postgres:// connection string
	MaxConns int    `toml:"max_conns"` // Pool size
}

// WorkerConfig controls the background worker pool
type WorkerConfig struct {
	Concurrency        int     `toml:"concurrency"`          // Number of worker threads
	PollInterval       float64 `toml:"poll_interval"`        // Seconds between idle queue polls
	CancelPollInterval float64 `toml:"cancel_poll_interval"` // Seconds between subprocess join attempts (min 0.05)
	StaleThreshold     float64 `toml:"stale_threshold"`      // Seconds of inactivity before health reports the pool stuck
	StartMethod        string  `toml:"start_method"`         // Child start method; only "spawn" is supported
}

// LimitsConfig bounds the per-job event tables
type LimitsConfig struct {
	MaxProgressEvents int `toml:"max_progress_events"`
	MaxLogEntries     int `toml:"max_log_entries"`
}

// RetentionConfig controls the terminal-job retention sweeper
type RetentionConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"` // Cron schedule
	MaxAge   string `toml:"max_age"`  // Duration string, e.g. "720h"
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Format string   `toml:"format"` // "json" or "text"
	Output []string `toml:"output"` // "stdout", "file"
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Backend: BackendLocal,
			Local: LocalConfig{
				Path:          "dspy_jobs.db",
				CacheSizeMB:   32,
				BusyTimeoutMS: 5000,
				WALMode:       true,
			},
			Remote: RemoteConfig{
				MaxConns: 8,
			},
		},
		Worker: WorkerConfig{
			Concurrency:        2,
			PollInterval:       2.0,
			CancelPollInterval: 1.0,
			StaleThreshold:     600,
			StartMethod:        "spawn",
		},
		Limits: LimitsConfig{
			MaxProgressEvents: 5000,
			MaxLogEntries:     5000,
		},
		Retention: RetentionConfig{
			Enabled:  false,
			Schedule: "0 3 * * *", // Daily at 03:00
			MaxAge:   "720h",      // 30 days
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout"},
		},
	}
}

// LoadFromFiles loads configuration with priority: defaults -> file1 -> file2 -> ... -> env -> CLI
// Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("OPTIQ_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("OPTIQ_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("OPTIQ_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Storage configuration
	if backend := os.Getenv("JOB_STORE_BACKEND"); backend != "" {
		config.Storage.Backend = strings.ToLower(strings.TrimSpace(backend))
	}
	if path := os.Getenv("LOCAL_DB_PATH"); path != "" {
		config.Storage.Local.Path = path
	}
	if url := os.Getenv("REMOTE_DB_URL"); url != "" {
		config.Storage.Remote.URL = url
	}

	// Worker configuration
	if concurrency := os.Getenv("WORKER_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil && c > 0 {
			config.Worker.Concurrency = c
		}
	}
	if poll := os.Getenv("WORKER_POLL_INTERVAL"); poll != "" {
		if v, err := strconv.ParseFloat(poll, 64); err == nil && v > 0 {
			config.Worker.PollInterval = v
		}
	}
	if cancelPoll := os.Getenv("CANCEL_POLL_INTERVAL"); cancelPoll != "" {
		if v, err := strconv.ParseFloat(cancelPoll, 64); err == nil && v > 0 {
			config.Worker.CancelPollInterval = v
		}
	}
	if stale := os.Getenv("WORKER_STALE_THRESHOLD"); stale != "" {
		if v, err := strconv.ParseFloat(stale, 64); err == nil && v > 0 {
			config.Worker.StaleThreshold = v
		}
	}
	if method := os.Getenv("JOB_RUN_START_METHOD"); method != "" {
		config.Worker.StartMethod = strings.ToLower(strings.TrimSpace(method))
	}

	// Logging configuration
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Logging.Level = strings.ToLower(level)
	}
	if format := os.Getenv("OPTIQ_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("OPTIQ_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks the configuration for unusable values and clamps
// the cancel poll interval to its floor.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendLocal:
		if c.Storage.Local.Path == "" {
			return fmt.Errorf("storage.local.path is required for the local backend")
		}
	case BackendRemote:
		if c.Storage.Remote.URL == "" {
			return fmt.Errorf("storage.remote.url (or REMOTE_DB_URL) is required for the remote backend")
		}
	default:
		return fmt.Errorf("unsupported storage backend: %s (expected %q or %q)", c.Storage.Backend, BackendLocal, BackendRemote)
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.CancelPollInterval < 0.05 {
		c.Worker.CancelPollInterval = 0.05
	}
	if c.Limits.MaxProgressEvents < 1 {
		return fmt.Errorf("limits.max_progress_events must be positive, got %d", c.Limits.MaxProgressEvents)
	}
	if c.Limits.MaxLogEntries < 1 {
		return fmt.Errorf("limits.max_log_entries must be positive, got %d", c.Limits.MaxLogEntries)
	}

	if c.Retention.Enabled {
		if _, err := time.ParseDuration(c.Retention.MaxAge); err != nil {
			return fmt.Errorf("invalid retention.max_age: %w", err)
		}
	}

	return nil
}

// PollDuration returns the idle queue poll interval as a duration
func (w *WorkerConfig) PollDuration() time.Duration {
	return time.Duration(w.PollInterval * float64(time.Second))
}

// CancelPollDuration returns the subprocess join interval as a duration
func (w *WorkerConfig) CancelPollDuration() time.Duration {
	return time.Duration(w.CancelPollInterval * float64(time.Second))
}

// StaleDuration returns the liveness staleness threshold as a duration
func (w *WorkerConfig) StaleDuration() time.Duration {
	return time.Duration(w.StaleThreshold * float64(time.Second))
}

// RetentionMaxAge returns the parsed retention age; Validate has already
// rejected unparseable values when retention is enabled.
func (r *RetentionConfig) RetentionMaxAge() time.Duration {
	d, err := time.ParseDuration(r.MaxAge)
	if err != nil {
		return 0
	}
	return d
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
