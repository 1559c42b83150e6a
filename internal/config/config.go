package config

import (
	"fmt"
	"os"
	"time"

	"github.com/devrev/pairdb/backlog/internal/validation"
	"gopkg.in/yaml.v3"
)

// Store types
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreBolt   = "bolt"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// BacklogConfig holds redo log and shipping configuration
type BacklogConfig struct {
	// Capacity is the in-memory weight budget of each channel
	Capacity uint64 `yaml:"capacity"`
	// BatchWeight bounds the weight of a shipped batch
	BatchWeight           uint64        `yaml:"batch_weight"`
	ShipInterval          time.Duration `yaml:"ship_interval"`
	ShipTimeout           time.Duration `yaml:"ship_timeout"`
	DiscardedPacketWeight uint64        `yaml:"discarded_packet_weight"`
}

// StoreConfig holds backing store configuration
type StoreConfig struct {
	Type        string `yaml:"type"`
	Dir         string `yaml:"dir"`
	MaxWeight   uint64 `yaml:"max_weight"`
	SegmentSize int64  `yaml:"segment_size"`
	SyncWrites  bool   `yaml:"sync_writes"`
	// QuotaBytes bounds the spill directory; zero means unbounded
	QuotaBytes uint64 `yaml:"quota_bytes"`
	// MaxDiskUsage is the filesystem usage fraction at which spilling stops
	MaxDiskUsage float64 `yaml:"max_disk_usage"`
}

// RetryConfig holds retry configuration for denied packets
type RetryConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// WorkersConfig holds shipping worker pool configuration
type WorkersConfig struct {
	MaxWorkers int `yaml:"max_workers"`
	QueueSize  int `yaml:"queue_size"`
}

// ChannelConfig names a backup and where to reach it
type ChannelConfig struct {
	Name   string `yaml:"name"`
	Target string `yaml:"target"`
}

// HealthConfig holds health check configuration
type HealthConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration of a backlog node
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Backlog  BacklogConfig   `yaml:"backlog"`
	Store    StoreConfig     `yaml:"store"`
	Retry    RetryConfig     `yaml:"retry"`
	Workers  WorkersConfig   `yaml:"workers"`
	Channels []ChannelConfig `yaml:"channels"`
	// Receivers lists the channels this node accepts as a backup
	Receivers []string      `yaml:"receivers"`
	Health    HealthConfig  `yaml:"health"`
	Metrics   MetricsConfig `yaml:"metrics"`
	Logging   LoggingConfig `yaml:"logging"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses, defaults and validates a YAML document
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 50053
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Backlog.Capacity == 0 {
		cfg.Backlog.Capacity = 64 * 1024 * 1024 // 64MB of payload weight
	}
	if cfg.Backlog.BatchWeight == 0 {
		cfg.Backlog.BatchWeight = 4 * 1024 * 1024
	}
	if cfg.Backlog.ShipInterval == 0 {
		cfg.Backlog.ShipInterval = 100 * time.Millisecond
	}
	if cfg.Backlog.ShipTimeout == 0 {
		cfg.Backlog.ShipTimeout = 5 * time.Second
	}
	if cfg.Backlog.DiscardedPacketWeight == 0 {
		cfg.Backlog.DiscardedPacketWeight = 1
	}

	if cfg.Store.Type == "" {
		cfg.Store.Type = StoreFile
	}
	if cfg.Store.Dir == "" {
		cfg.Store.Dir = "/var/lib/pairdb/backlog"
	}
	if cfg.Store.SegmentSize == 0 {
		cfg.Store.SegmentSize = 16 * 1024 * 1024 // 16MB
	}
	if cfg.Store.MaxDiskUsage == 0 {
		cfg.Store.MaxDiskUsage = 0.9
	}

	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 3
	}
	if cfg.Retry.InitialInterval == 0 {
		cfg.Retry.InitialInterval = 50 * time.Millisecond
	}
	if cfg.Retry.MaxInterval == 0 {
		cfg.Retry.MaxInterval = 2 * time.Second
	}

	if cfg.Workers.MaxWorkers == 0 {
		cfg.Workers.MaxWorkers = 4
	}
	if cfg.Workers.QueueSize == 0 {
		cfg.Workers.QueueSize = 64
	}

	if cfg.Health.CheckInterval == 0 {
		cfg.Health.CheckInterval = 30 * time.Second
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9092
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Backlog.BatchWeight > c.Backlog.Capacity {
		return fmt.Errorf("backlog.batch_weight must not exceed backlog.capacity")
	}

	switch c.Store.Type {
	case StoreMemory, StoreFile, StoreBolt:
	default:
		return fmt.Errorf("store.type must be one of %s, %s, %s", StoreMemory, StoreFile, StoreBolt)
	}
	if c.Store.MaxDiskUsage < 0 || c.Store.MaxDiskUsage > 1 {
		return fmt.Errorf("store.max_disk_usage must be between 0 and 1")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}

	seen := make(map[string]bool, len(c.Channels))
	for i, ch := range c.Channels {
		if err := validation.ValidateChannelName(ch.Name); err != nil {
			return fmt.Errorf("channels[%d]: %w", i, err)
		}
		if ch.Target == "" {
			return fmt.Errorf("channels[%d].target is required", i)
		}
		if seen[ch.Name] {
			return fmt.Errorf("channels[%d]: duplicate channel %s", i, ch.Name)
		}
		seen[ch.Name] = true
	}
	for i, name := range c.Receivers {
		if err := validation.ValidateChannelName(name); err != nil {
			return fmt.Errorf("receivers[%d]: %w", i, err)
		}
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}
	return nil
}
