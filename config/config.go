package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Processor ProcessorConfig `mapstructure:"processor"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

type QueueConfig struct {
	MaxQueueSize  int `mapstructure:"max_queue_size"`
	MaxDownloadMB int `mapstructure:"max_download_mb"`
}

type ProcessorConfig struct {
	Strategy      string        `mapstructure:"strategy"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	BatchSize     int           `mapstructure:"batch_size"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	ItemTimeout   time.Duration `mapstructure:"item_timeout"`
}

type DatabaseConfig struct {
	DataDir        string        `mapstructure:"data_dir"`
	PoolSize       int           `mapstructure:"pool_size"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	RetentionDays  int           `mapstructure:"retention_days"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Load reads configuration from defaults overridden by VARCHIVE_* env vars
// (e.g. VARCHIVE_PROCESSOR_MAX_CONCURRENT=4).
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 7893)
	v.SetDefault("server.host", "0.0.0.0")

	v.SetDefault("queue.max_queue_size", 1000)
	v.SetDefault("queue.max_download_mb", 500)

	v.SetDefault("processor.strategy", "concurrent")
	v.SetDefault("processor.max_concurrent", 3)
	v.SetDefault("processor.batch_size", 5)
	v.SetDefault("processor.max_retries", 3)
	v.SetDefault("processor.retry_delay", 5*time.Second)
	v.SetDefault("processor.item_timeout", 30*time.Second)

	v.SetDefault("database.data_dir", "/data")
	v.SetDefault("database.pool_size", 5)
	v.SetDefault("database.acquire_timeout", 5*time.Second)
	v.SetDefault("database.retention_days", 365)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetEnvPrefix("VARCHIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Processor.MaxConcurrent < 1 {
		return fmt.Errorf("processor.max_concurrent must be >= 1, got %d", c.Processor.MaxConcurrent)
	}
	if c.Processor.BatchSize < 1 {
		return fmt.Errorf("processor.batch_size must be >= 1, got %d", c.Processor.BatchSize)
	}
	if c.Database.PoolSize < 1 {
		return fmt.Errorf("database.pool_size must be >= 1, got %d", c.Database.PoolSize)
	}
	return nil
}
