// Package config holds all configuration types and loading logic for prioq.
// Config structure never shrinks — fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a prioq engine.
type Config struct {
	Engine   EngineConfig   `yaml:"engine"`
	Queue    QueueConfig    `yaml:"queue"`
	Storage  StorageConfig  `yaml:"storage"`
	Executor ExecutorConfig `yaml:"executor"`
	Monitor  MonitorConfig  `yaml:"monitor"`
}

// EngineConfig holds identity and data placement for the engine.
type EngineConfig struct {
	// Name labels the engine in logs and monitor output.
	Name    string `yaml:"name"`
	DataDir string `yaml:"data_dir"`
}

// QueueConfig sets defaults that apply to every queue the engine creates.
type QueueConfig struct {
	// InitialCapacity is the entry capacity each new queue starts with.
	InitialCapacity int `yaml:"initial_capacity"`
	// Guard enables the single-owner assertion on every queue. Debug aid;
	// the engine serialises access anyway, so the assertion should never fire.
	Guard bool `yaml:"guard"`
}

// Backend selects the snapshot store implementation.
type Backend string

const (
	BackendBolt   Backend = "bolt"   // single-file bbolt database — default
	BackendPebble Backend = "pebble" // pebble LSM directory
)

// StorageConfig controls how queue snapshots are persisted.
type StorageConfig struct {
	Backend Backend `yaml:"backend"`
	// SnapshotInterval is how often the engine persists every queue
	// ("30s", "5m", ...). Empty disables the periodic loop; queues are
	// still snapshotted on Close.
	SnapshotInterval string `yaml:"snapshot_interval"`
}

// SnapshotEvery returns the parsed snapshot interval, or zero when the
// periodic loop is disabled. Call Validate first.
func (s StorageConfig) SnapshotEvery() time.Duration {
	if s.SnapshotInterval == "" {
		return 0
	}
	d, err := time.ParseDuration(s.SnapshotInterval)
	if err != nil {
		return 0
	}
	return d
}

// ExecutorConfig controls the per-queue owner workers.
type ExecutorConfig struct {
	// QueueDepth is how many submitted jobs may wait per owner before
	// submissions are refused.
	QueueDepth int `yaml:"queue_depth"`
	// MaxRate is accepted jobs per second per owner. Zero disables the
	// throttle.
	MaxRate int `yaml:"max_rate"`
	// Burst allows temporary spikes above MaxRate.
	Burst int `yaml:"burst"`
}

// MonitorConfig controls the optional HTTP introspection server.
type MonitorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Addr returns the host:port the monitor server binds to.
func (m MonitorConfig) Addr() string {
	return net.JoinHostPort(m.Host, strconv.Itoa(m.Port))
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			Name:    "prioq",
			DataDir: "./data",
		},
		Queue: QueueConfig{
			InitialCapacity: 64,
			Guard:           false,
		},
		Storage: StorageConfig{
			Backend:          BackendBolt,
			SnapshotInterval: "1m",
		},
		Executor: ExecutorConfig{
			QueueDepth: 256,
			MaxRate:    0,
			Burst:      0,
		},
		Monitor: MonitorConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    9610,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to embed prioq with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	PRIOQ_DATA_DIR        — sets engine.data_dir
//	PRIOQ_STORAGE_BACKEND — sets storage.backend
//	PRIOQ_MONITOR_PORT    — sets monitor.port and enables the monitor
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("PRIOQ_DATA_DIR"); v != "" {
		cfg.Engine.DataDir = v
	}
	if v := os.Getenv("PRIOQ_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = Backend(v)
	}
	if v := os.Getenv("PRIOQ_MONITOR_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Monitor.Port = p
			cfg.Monitor.Enabled = true
		}
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Engine.Name == "" {
		return errors.New("engine.name must not be empty")
	}
	if c.Engine.DataDir == "" {
		return errors.New("engine.data_dir must not be empty")
	}
	if c.Queue.InitialCapacity < 0 {
		return errors.New("queue.initial_capacity must not be negative")
	}
	switch c.Storage.Backend {
	case BackendBolt, BackendPebble:
		// valid
	default:
		return errors.New(`storage.backend must be one of "bolt", "pebble"`)
	}
	if c.Storage.SnapshotInterval != "" {
		d, err := time.ParseDuration(c.Storage.SnapshotInterval)
		if err != nil {
			return fmt.Errorf("storage.snapshot_interval: %w", err)
		}
		if d <= 0 {
			return errors.New("storage.snapshot_interval must be positive")
		}
	}
	if c.Executor.QueueDepth < 1 {
		return errors.New("executor.queue_depth must be at least 1")
	}
	if c.Executor.MaxRate < 0 {
		return errors.New("executor.max_rate must be >= 0")
	}
	if c.Executor.MaxRate > 0 && c.Executor.Burst < 1 {
		return errors.New("executor.burst must be at least 1 when executor.max_rate is set")
	}
	if c.Monitor.Enabled {
		if c.Monitor.Port < 1 || c.Monitor.Port > 65535 {
			return errors.New("monitor.port must be between 1 and 65535")
		}
		if c.Monitor.Host == "" {
			return errors.New("monitor.host must not be empty")
		}
	}
	return nil
}
