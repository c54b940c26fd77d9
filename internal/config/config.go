// Package config loads the daemon configuration from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is everything the daemon needs at startup.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Storage StorageConfig `yaml:"storage"`
	Queue   QueueConfig   `yaml:"queue"`
	Chain   ChainConfig   `yaml:"chain"`
	Engine  EngineConfig  `yaml:"engine"`
}

// ServerConfig controls the API listener.
type ServerConfig struct {
	Address string `yaml:"address"`
}

// LoggingConfig controls the application and audit log streams.
type LoggingConfig struct {
	Level       string   `yaml:"level"`
	Format      string   `yaml:"format"`
	OutputPaths []string `yaml:"output_paths"`
	Audit       struct {
		Enabled    bool   `yaml:"enabled"`
		Path       string `yaml:"path"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"audit"`
}

// StorageConfig selects the backing stores. The vault store holds engine
// records; the instruction store holds pipeline state. Both accept the
// drivers "memory" and "mysql".
type StorageConfig struct {
	VaultStore       DriverConfig `yaml:"vault_store"`
	InstructionStore DriverConfig `yaml:"instruction_store"`
}

// DriverConfig names a storage driver and its DSN.
type DriverConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// QueueConfig selects the instruction queue. Drivers: memory, redis,
// rabbitmq.
type QueueConfig struct {
	Driver   string         `yaml:"driver"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig describes the Redis queue connection.
type RedisConfig struct {
	Address   string        `yaml:"address"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Queue     string        `yaml:"queue"`
	BlockWait time.Duration `yaml:"block_wait"`
}

// RabbitMQConfig describes the RabbitMQ queue connection.
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Prefetch   int    `yaml:"prefetch"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// ChainConfig selects the height source delegate expiry is measured
// against. Drivers: manual, ethereum.
type ChainConfig struct {
	Driver      string        `yaml:"driver"`
	RPCURL      string        `yaml:"rpc_url"`
	CacheWindow time.Duration `yaml:"cache_window"`
	StartHeight uint64        `yaml:"start_height"`
}

// EngineConfig holds pipeline tuning knobs.
type EngineConfig struct {
	Workers    int `yaml:"workers"`
	MaxRetries int `yaml:"max_retries"`
	QueueSize  int `yaml:"queue_size"`
}

// Load parses the YAML configuration at path.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, nil
}

// applyDefaults fills sensible values for anything the user left out.
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(baseDir, "logs", "audit.log")
	}

	if c.Storage.VaultStore.Driver == "" {
		c.Storage.VaultStore.Driver = "memory"
	}
	if c.Storage.InstructionStore.Driver == "" {
		c.Storage.InstructionStore.Driver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}

	if c.Chain.Driver == "" {
		c.Chain.Driver = "manual"
	}

	if c.Engine.Workers <= 0 {
		c.Engine.Workers = 4
	}
	if c.Engine.MaxRetries <= 0 {
		c.Engine.MaxRetries = 3
	}
	if c.Engine.QueueSize <= 0 {
		c.Engine.QueueSize = 256
	}
}
