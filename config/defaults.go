// =============================================================================
// 📦 DAGFlow 默认配置
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/dagflow/run"
	"github.com/BaSui01/dagflow/store"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Store:     store.DefaultStoreConfig(),
		Database:  DefaultDatabaseConfig(),
		Scheduler: DefaultSchedulerConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Metrics:   DefaultMetricsConfig(),
	}
}

// DefaultDatabaseConfig 返回默认数据库配置（本地 sqlite）
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		SSLMode:         "disable",
		MaxOpenConns:    0,
		MaxIdleConns:    0,
		ConnMaxLifetime: 0,
	}
}

// DefaultSchedulerConfig 返回默认调度器配置
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxConcurrency:    4,
		DefaultMaxRetries: 3,
		DefaultRetryDelay: time.Second,
		DefaultBackoff:    run.BackoffExponential,
		DispatchRate:      0,
		DispatchBurst:     1,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:        false,
		OTLPEndpoint:   "localhost:4317",
		ServiceName:    "dagflow",
		SampleRate:     0.1,
		Insecure:       true,
		MetricInterval: 30 * time.Second,
		Environment:    "development",
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   false,
		Namespace: "dagflow",
	}
}
