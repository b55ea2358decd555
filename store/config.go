package store

import (
	"time"

	"github.com/BaSui01/dagflow/internal/database"
	"github.com/BaSui01/dagflow/internal/metrics"
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFile   StoreType = "file"
	StoreTypeRedis  StoreType = "redis"
)

// CleanupConfig defines periodic removal of old finished runs
type CleanupConfig struct {
	// Enabled determines if automatic cleanup is enabled
	Enabled bool `json:"enabled" yaml:"enabled" env:"ENABLED"`

	// Interval is how often cleanup runs (default: 1h)
	Interval time.Duration `json:"interval" yaml:"interval" env:"INTERVAL"`

	// RetentionDays is how long finished runs are kept (default: 30)
	RetentionDays int `json:"retention_days" yaml:"retention_days" env:"RETENTION_DAYS"`
}

// RedisStoreConfig contains Redis-specific configuration
type RedisStoreConfig struct {
	Host      string `json:"host" yaml:"host" env:"HOST"`
	Port      int    `json:"port" yaml:"port" env:"PORT"`
	Password  string `json:"password" yaml:"password" env:"PASSWORD"`
	DB        int    `json:"db" yaml:"db" env:"DB"`
	PoolSize  int    `json:"pool_size" yaml:"pool_size" env:"POOL_SIZE"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix" env:"KEY_PREFIX"`
}

// IndexConfig configures the SQL secondary index of the file store.
// An empty Driver selects a pure-Go sqlite database under BaseDir.
type IndexConfig struct {
	// Driver is one of postgres, mysql, sqlite, sqlite3
	Driver string `json:"driver" yaml:"driver" env:"DRIVER"`

	// DSN is the driver-specific connection string
	DSN string `json:"dsn" yaml:"dsn" env:"DSN"`

	// AutoMigrate creates the run_index table on open. Disable it when the
	// schema is managed by `dagflow migrate`.
	AutoMigrate bool `json:"auto_migrate" yaml:"auto_migrate" env:"AUTO_MIGRATE"`

	// Pool is the connection pool configuration
	Pool database.PoolConfig `json:"pool" yaml:"pool" env:"POOL"`
}

// StoreConfig is the configuration for all run store implementations
type StoreConfig struct {
	// Type is the storage backend type
	Type StoreType `json:"type" yaml:"type" env:"TYPE"`

	// BaseDir is the base directory for file-based storage
	BaseDir string `json:"base_dir" yaml:"base_dir" env:"BASE_DIR"`

	// Redis configuration (only used when Type is "redis")
	Redis RedisStoreConfig `json:"redis" yaml:"redis" env:"REDIS"`

	// Index configuration (only used when Type is "file")
	Index IndexConfig `json:"index" yaml:"index" env:"INDEX"`

	// Cleanup configuration
	Cleanup CleanupConfig `json:"cleanup" yaml:"cleanup" env:"CLEANUP"`
}

// DefaultStoreConfig returns the default store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:    StoreTypeFile,
		BaseDir: "./data/runs",
		Redis: RedisStoreConfig{
			Host:      "localhost",
			Port:      6379,
			DB:        0,
			PoolSize:  10,
			KeyPrefix: "dagflow:",
		},
		Index: IndexConfig{
			AutoMigrate: true,
			Pool:        database.DefaultPoolConfig(),
		},
		Cleanup: CleanupConfig{
			Enabled:       false,
			Interval:      time.Hour,
			RetentionDays: 30,
		},
	}
}

// Option configures optional store collaborators
type Option func(*options)

type options struct {
	metrics *metrics.Collector
	index   RunIndex
}

// WithMetrics reports operation latency to the collector
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) {
		o.metrics = c
	}
}

// WithIndex replaces the default secondary index of the file store
func WithIndex(idx RunIndex) Option {
	return func(o *options) {
		o.index = idx
	}
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
