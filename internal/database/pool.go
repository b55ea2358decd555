package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/dagflow/internal/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrPoolClosed is returned by every operation after Close
var ErrPoolClosed = errors.New("pool is closed")

const (
	healthCheckTimeout = 5 * time.Second
	retryBaseDelay     = 100 * time.Millisecond
	retryMaxDelay      = 2 * time.Second
)

// PoolConfig 连接池配置
type PoolConfig struct {
	// 最大空闲连接数
	MaxIdleConns int `yaml:"max_idle_conns" json:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 最大打开连接数。sqlite 索引建议保持较小，写入在库级别串行
	MaxOpenConns int `yaml:"max_open_conns" json:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	// 连接最大空闲时间
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time" env:"CONN_MAX_IDLE_TIME"`
	// 健康检查间隔，0 表示关闭
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
}

// DefaultPoolConfig 返回运行索引的默认连接池配置
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:    5,
		MaxOpenConns:    20,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

// Validate 校验连接池配置
func (c PoolConfig) Validate() error {
	switch {
	case c.MaxOpenConns <= 0:
		return errors.New("max_open_conns must be positive")
	case c.MaxIdleConns <= 0:
		return errors.New("max_idle_conns must be positive")
	case c.MaxIdleConns > c.MaxOpenConns:
		return fmt.Errorf("max_idle_conns (%d) exceeds max_open_conns (%d)", c.MaxIdleConns, c.MaxOpenConns)
	}
	return nil
}

// apply 把配置写入底层 sql.DB
func (c PoolConfig) apply(db *sql.DB) {
	db.SetMaxIdleConns(c.MaxIdleConns)
	db.SetMaxOpenConns(c.MaxOpenConns)
	db.SetConnMaxLifetime(c.ConnMaxLifetime)
	db.SetConnMaxIdleTime(c.ConnMaxIdleTime)
}

// PoolManager 持有运行索引的 GORM 连接及其连接池。
// Close 之后所有操作返回 ErrPoolClosed。
type PoolManager struct {
	db      *gorm.DB
	sqlDB   *sql.DB
	name    string
	config  PoolConfig
	metrics *metrics.Collector
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// PoolOption 连接池可选项
type PoolOption func(*PoolManager)

// WithMetrics 以 name 为标签把连接数上报到指标收集器
func WithMetrics(name string, c *metrics.Collector) PoolOption {
	return func(pm *PoolManager) {
		pm.name = name
		pm.metrics = c
	}
}

// NewPoolManager 应用连接池配置，并在配置了间隔时启动健康检查
func NewPoolManager(db *gorm.DB, config PoolConfig, logger *zap.Logger, opts ...PoolOption) (*PoolManager, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	config.apply(sqlDB)

	pm := &PoolManager{
		db:     db,
		sqlDB:  sqlDB,
		name:   db.Dialector.Name(),
		config: config,
		logger: logger.With(zap.String("component", "db_pool")),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(pm)
	}

	if config.HealthCheckInterval > 0 {
		pm.wg.Add(1)
		go pm.healthCheckLoop()
	}

	pm.logger.Info("database pool ready",
		zap.String("database", pm.name),
		zap.Int("max_open_conns", config.MaxOpenConns),
		zap.Int("max_idle_conns", config.MaxIdleConns),
		zap.Duration("health_check_interval", config.HealthCheckInterval),
	)
	return pm, nil
}

// DB 返回 GORM 数据库实例
func (pm *PoolManager) DB() *gorm.DB {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.db
}

// Ping 检查数据库连接
func (pm *PoolManager) Ping(ctx context.Context) error {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if pm.closed {
		return ErrPoolClosed
	}
	return pm.sqlDB.PingContext(ctx)
}

// Stats 返回底层连接池统计
func (pm *PoolManager) Stats() sql.DBStats {
	return pm.sqlDB.Stats()
}

// Close 停止健康检查并关闭连接，重复调用无副作用
func (pm *PoolManager) Close() error {
	pm.mu.Lock()
	if pm.closed {
		pm.mu.Unlock()
		return nil
	}
	pm.closed = true
	close(pm.stop)
	pm.mu.Unlock()

	// 健康检查持有读锁做 Ping，先解锁再等待
	pm.wg.Wait()
	pm.logger.Info("database pool closed", zap.String("database", pm.name))
	return pm.sqlDB.Close()
}

func (pm *PoolManager) healthCheckLoop() {
	defer pm.wg.Done()

	ticker := time.NewTicker(pm.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pm.stop:
			return
		case <-ticker.C:
			pm.checkHealth()
		}
	}
}

func (pm *PoolManager) checkHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	if err := pm.Ping(ctx); err != nil {
		if !errors.Is(err, ErrPoolClosed) {
			pm.logger.Error("database health check failed", zap.Error(err))
		}
		return
	}
	s := pm.GetStats()
	pm.logger.Debug("database health check passed",
		zap.Int("open", s.OpenConnections),
		zap.Int("in_use", s.InUse),
		zap.Int("idle", s.Idle))
}

// PoolStats 连接池统计快照
type PoolStats struct {
	MaxOpenConnections int           `json:"max_open_connections"`
	OpenConnections    int           `json:"open_connections"`
	InUse              int           `json:"in_use"`
	Idle               int           `json:"idle"`
	WaitCount          int64         `json:"wait_count"`
	WaitDuration       time.Duration `json:"wait_duration"`
}

// GetStats 返回统计快照并刷新连接数指标
func (pm *PoolManager) GetStats() PoolStats {
	s := pm.Stats()
	pm.metrics.RecordDBConnections(pm.name, s.OpenConnections, s.Idle)
	return PoolStats{
		MaxOpenConnections: s.MaxOpenConnections,
		OpenConnections:    s.OpenConnections,
		InUse:              s.InUse,
		Idle:               s.Idle,
		WaitCount:          s.WaitCount,
		WaitDuration:       s.WaitDuration,
	}
}

// TransactionFunc 事务回调
type TransactionFunc func(tx *gorm.DB) error

// WithTransaction 在单个事务中执行 fn，fn 返回错误时回滚
func (pm *PoolManager) WithTransaction(ctx context.Context, fn TransactionFunc) error {
	pm.mu.RLock()
	closed, db := pm.closed, pm.db
	pm.mu.RUnlock()
	if closed {
		return ErrPoolClosed
	}
	return db.WithContext(ctx).Transaction(fn)
}

// WithTransactionRetry 最多执行 attempts 次事务；仅死锁、锁等待、
// SQLITE_BUSY 与连接类错误会重试，退避从 100ms 翻倍，上限 2s。
func (pm *PoolManager) WithTransactionRetry(ctx context.Context, attempts int, fn TransactionFunc) error {
	attempts = max(attempts, 1)

	var err error
	for i := range attempts {
		if err = pm.WithTransaction(ctx, fn); err == nil || !isRetryableError(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		delay := min(retryBaseDelay<<i, retryMaxDelay)
		pm.logger.Warn("index transaction failed, retrying",
			zap.Int("attempt", i+1),
			zap.Int("attempts", attempts),
			zap.Duration("delay", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", attempts, err)
}

// retryableMarkers 是各驱动可重试错误文本的小写片段
var retryableMarkers = []string{
	// mysql 1213 / postgres 40P01
	"deadlock",
	// postgres 40001
	"could not serialize", "serialization failure", "40001",
	"lock wait timeout", "lock timeout",
	// sqlite
	"database is locked", "sqlite_busy",
	"connection reset", "connection refused", "broken pipe", "bad connection",
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range retryableMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
