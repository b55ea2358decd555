// =============================================================================
// 📦 DAGFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("dagflow.yaml").
//	    WithEnvPrefix("DAGFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/BaSui01/dagflow/run"
	"github.com/BaSui01/dagflow/store"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 DAGFlow 的完整配置结构
type Config struct {
	// Store 运行存储配置
	Store store.StoreConfig `yaml:"store" env:"STORE"`

	// Database 索引数据库配置（迁移与文件存储索引共用）
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Scheduler 调度器默认值
	Scheduler SchedulerConfig `yaml:"scheduler" env:"SCHEDULER"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Metrics Prometheus 指标配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite, sqlite3
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名；sqlite 为文件路径，留空时使用 <store.base_dir>/index.db
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// SchedulerConfig 调度器配置，RegisterStep 未显式指定时使用这些默认值
type SchedulerConfig struct {
	// 并行调度器的最大并发步骤数
	MaxConcurrency int `yaml:"max_concurrency" env:"MAX_CONCURRENCY"`
	// 默认最大重试次数
	DefaultMaxRetries int `yaml:"default_max_retries" env:"DEFAULT_MAX_RETRIES"`
	// 默认重试基础延迟
	DefaultRetryDelay time.Duration `yaml:"default_retry_delay" env:"DEFAULT_RETRY_DELAY"`
	// 默认退避策略: exponential, linear, constant
	DefaultBackoff run.BackoffStrategy `yaml:"default_backoff" env:"DEFAULT_BACKOFF"`
	// 每秒最多派发的步骤数，0 表示不限速
	DispatchRate float64 `yaml:"dispatch_rate" env:"DISPATCH_RATE"`
	// 派发突发容量
	DispatchBurst int `yaml:"dispatch_burst" env:"DISPATCH_BURST"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率，作用于根 Span（dagflow.run），步骤 Span 跟随父 Span
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	// 以明文 gRPC 连接 collector
	Insecure bool `yaml:"insecure" env:"INSECURE"`
	// 指标导出周期
	MetricInterval time.Duration `yaml:"metric_interval" env:"METRIC_INTERVAL"`
	// 部署环境，写入 deployment.environment 资源属性
	Environment string `yaml:"environment" env:"ENVIRONMENT"`
}

// MetricsConfig Prometheus 指标配置
type MetricsConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 指标命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
	applied    []string
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "DAGFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置，文件不存在时保留默认值
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 用环境变量覆盖配置，并记录生效的键
func (l *Loader) loadFromEnv(cfg *Config) error {
	b := newEnvBinder()
	b.bind(reflect.ValueOf(cfg).Elem(), l.envPrefix)
	l.applied = b.applied
	return b.err()
}

// EnvOverrides 返回最近一次 Load 中生效的环境变量键
func (l *Loader) EnvOverrides() []string {
	return append([]string(nil), l.applied...)
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从默认值与环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	switch c.Store.Type {
	case store.StoreTypeMemory, store.StoreTypeFile, store.StoreTypeRedis:
	default:
		errs = append(errs, fmt.Sprintf("unsupported store type %q", c.Store.Type))
	}
	if c.Store.Type == store.StoreTypeFile && c.Store.BaseDir == "" {
		errs = append(errs, "store.base_dir is required for the file store")
	}
	if c.Store.Cleanup.Enabled && c.Store.Cleanup.RetentionDays <= 0 {
		errs = append(errs, "store.cleanup.retention_days must be positive")
	}

	if c.Scheduler.MaxConcurrency <= 0 {
		errs = append(errs, "scheduler.max_concurrency must be positive")
	}
	if c.Scheduler.DefaultMaxRetries < 0 {
		errs = append(errs, "scheduler.default_max_retries must not be negative")
	}
	if c.Scheduler.DefaultRetryDelay < 0 {
		errs = append(errs, "scheduler.default_retry_delay must not be negative")
	}
	switch c.Scheduler.DefaultBackoff {
	case run.BackoffExponential, run.BackoffLinear, run.BackoffConstant:
	default:
		errs = append(errs, fmt.Sprintf("unknown scheduler.default_backoff %q", c.Scheduler.DefaultBackoff))
	}
	if c.Scheduler.DispatchRate < 0 {
		errs = append(errs, "scheduler.dispatch_rate must not be negative")
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry.sample_rate must be between 0 and 1")
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		errs = append(errs, "telemetry.otlp_endpoint is required when telemetry is enabled")
	}
	if c.Telemetry.MetricInterval < 0 {
		errs = append(errs, "telemetry.metric_interval must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite", "sqlite3":
		return d.Name
	default:
		return ""
	}
}

// IndexDatabase 返回文件存储索引所用的数据库配置。
// sqlite 未指定文件时落在存储目录下的 index.db。
func (c *Config) IndexDatabase() DatabaseConfig {
	db := c.Database
	if (db.Driver == "sqlite" || db.Driver == "sqlite3" || db.Driver == "") && db.Name == "" {
		db.Name = filepath.Join(c.Store.BaseDir, "index.db")
	}
	if db.Driver == "" {
		db.Driver = "sqlite"
	}
	return db
}

// StoreConfig 返回已合并数据库配置的存储配置。
// store.index 未显式配置时使用 database 段。
func (c *Config) StoreConfig() store.StoreConfig {
	sc := c.Store
	if sc.Index.Driver == "" && sc.Index.DSN == "" {
		db := c.IndexDatabase()
		sc.Index.Driver = db.Driver
		sc.Index.DSN = db.DSN()
	}
	if c.Database.MaxOpenConns > 0 {
		sc.Index.Pool.MaxOpenConns = c.Database.MaxOpenConns
	}
	if c.Database.MaxIdleConns > 0 {
		sc.Index.Pool.MaxIdleConns = c.Database.MaxIdleConns
	}
	if c.Database.ConnMaxLifetime > 0 {
		sc.Index.Pool.ConnMaxLifetime = c.Database.ConnMaxLifetime
	}
	return sc
}
