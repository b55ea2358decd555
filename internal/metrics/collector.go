// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。所有 Record 方法在 nil 接收者上为空操作。
type Collector struct {
	// 运行指标
	runsTotal *prometheus.CounterVec

	// 步骤指标
	stepExecutionsTotal *prometheus.CounterVec
	stepDuration        *prometheus.HistogramVec
	stepRetriesTotal    *prometheus.CounterVec
	stepsInFlight       *prometheus.GaugeVec

	// 存储指标
	storeOperationDuration *prometheus.HistogramVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器。reg 为 nil 时注册到 prometheus.DefaultRegisterer。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.runsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of finished DAG runs",
		},
		[]string{"dag_id", "status"},
	)

	c.stepExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_executions_total",
			Help:      "Total number of step attempts",
		},
		[]string{"dag_id", "status"},
	)

	c.stepDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step attempt duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"dag_id"},
	)

	c.stepRetriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Total number of step retries",
		},
		[]string{"dag_id"},
	)

	c.stepsInFlight = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "steps_in_flight",
			Help:      "Number of steps currently executing",
		},
		[]string{"dag_id"},
	)

	c.storeOperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Run store operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🏃 运行指标记录
// =============================================================================

// RecordRun 记录运行结束
func (c *Collector) RecordRun(dagID, status string) {
	if c == nil {
		return
	}
	c.runsTotal.WithLabelValues(dagID, status).Inc()
}

// =============================================================================
// 🧩 步骤指标记录
// =============================================================================

// RecordStepExecution 记录一次步骤尝试
func (c *Collector) RecordStepExecution(dagID, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.stepExecutionsTotal.WithLabelValues(dagID, status).Inc()
	c.stepDuration.WithLabelValues(dagID).Observe(duration.Seconds())
}

// RecordStepRetry 记录一次步骤重试
func (c *Collector) RecordStepRetry(dagID string) {
	if c == nil {
		return
	}
	c.stepRetriesTotal.WithLabelValues(dagID).Inc()
}

// StepStarted 增加执行中步骤数
func (c *Collector) StepStarted(dagID string) {
	if c == nil {
		return
	}
	c.stepsInFlight.WithLabelValues(dagID).Inc()
}

// StepFinished 减少执行中步骤数
func (c *Collector) StepFinished(dagID string) {
	if c == nil {
		return
	}
	c.stepsInFlight.WithLabelValues(dagID).Dec()
}

// =============================================================================
// 🗄️ 存储指标记录
// =============================================================================

// RecordStoreOperation 记录存储操作耗时
func (c *Collector) RecordStoreOperation(backend, operation string, duration time.Duration) {
	if c == nil {
		return
	}
	c.storeOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}
