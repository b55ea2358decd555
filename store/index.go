package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/dagflow/internal/database"
	"github.com/BaSui01/dagflow/run"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RunIndex is the secondary index over run records. It is derived data and
// can always be rebuilt from the primary records.
type RunIndex interface {
	// Upsert inserts or replaces the summary of one run
	Upsert(ctx context.Context, s RunSummary) error

	// Remove deletes the summary of one run
	Remove(ctx context.Context, runID string) error

	// Query returns summaries newest first. Empty dagID or statuses match all.
	Query(ctx context.Context, dagID string, statuses []run.Status, limit int) ([]RunSummary, error)

	// Rebuild replaces the whole index with the given summaries
	Rebuild(ctx context.Context, summaries []RunSummary) error

	// Close releases index resources
	Close() error
}

// =============================================================================
// Memory index
// =============================================================================

// MemoryIndex is an in-process RunIndex
type MemoryIndex struct {
	mu   sync.RWMutex
	rows map[string]RunSummary
}

// NewMemoryIndex creates an empty in-memory index
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{rows: make(map[string]RunSummary)}
}

// Upsert implements RunIndex
func (m *MemoryIndex) Upsert(_ context.Context, s RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[s.RunID] = s
	return nil
}

// Remove implements RunIndex
func (m *MemoryIndex) Remove(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, runID)
	return nil
}

// Query implements RunIndex
func (m *MemoryIndex) Query(_ context.Context, dagID string, statuses []run.Status, limit int) ([]RunSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]RunSummary, 0)
	for _, s := range m.rows {
		if dagID != "" && s.DagID != dagID {
			continue
		}
		if len(statuses) > 0 && !containsStatus(statuses, s.Status) {
			continue
		}
		out = append(out, s)
	}
	sortNewest(out)
	return applyLimit(out, limit), nil
}

// Rebuild implements RunIndex
func (m *MemoryIndex) Rebuild(_ context.Context, summaries []RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = make(map[string]RunSummary, len(summaries))
	for _, s := range summaries {
		m.rows[s.RunID] = s
	}
	return nil
}

// Close implements RunIndex
func (m *MemoryIndex) Close() error { return nil }

func containsStatus(list []run.Status, s run.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// =============================================================================
// GORM index
// =============================================================================

// RunIndexRow is the run_index table row
type RunIndexRow struct {
	RunID       string    `gorm:"column:run_id;primaryKey;size:64"`
	DagID       string    `gorm:"column:dag_id;size:255;index:idx_run_index_dag"`
	Status      string    `gorm:"column:status;size:32;index:idx_run_index_status"`
	CreatedTime time.Time `gorm:"column:created_at;index:idx_run_index_created"`
	UpdatedTime time.Time `gorm:"column:updated_at"`
	Location    string    `gorm:"column:location;size:1024"`
}

// TableName specifies the table name
func (RunIndexRow) TableName() string {
	return "run_index"
}

func rowFromSummary(s RunSummary) RunIndexRow {
	return RunIndexRow{
		RunID:       s.RunID,
		DagID:       s.DagID,
		Status:      string(s.Status),
		CreatedTime: s.CreatedAt.UTC(),
		UpdatedTime: s.UpdatedAt.UTC(),
		Location:    s.Location,
	}
}

func (r RunIndexRow) summary() RunSummary {
	return RunSummary{
		RunID:     r.RunID,
		DagID:     r.DagID,
		Status:    run.Status(r.Status),
		CreatedAt: r.CreatedTime,
		UpdatedAt: r.UpdatedTime,
		Location:  r.Location,
	}
}

// GormIndex is a RunIndex stored in a SQL table through GORM
type GormIndex struct {
	pool   *database.PoolManager
	logger *zap.Logger
}

// NewGormIndex creates a GORM-backed index. With autoMigrate the run_index
// table is created or updated on open.
func NewGormIndex(pool *database.PoolManager, autoMigrate bool, logger *zap.Logger) (*GormIndex, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if autoMigrate {
		if err := pool.DB().AutoMigrate(&RunIndexRow{}); err != nil {
			return nil, fmt.Errorf("failed to migrate run_index: %w", err)
		}
	}

	return &GormIndex{
		pool:   pool,
		logger: logger.With(zap.String("component", "run_index")),
	}, nil
}

// Upsert implements RunIndex
func (g *GormIndex) Upsert(ctx context.Context, s RunSummary) error {
	row := rowFromSummary(s)
	err := g.pool.DB().WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert run_index %s: %w", s.RunID, err)
	}
	return nil
}

// Remove implements RunIndex
func (g *GormIndex) Remove(ctx context.Context, runID string) error {
	err := g.pool.DB().WithContext(ctx).
		Where("run_id = ?", runID).
		Delete(&RunIndexRow{}).Error
	if err != nil {
		return fmt.Errorf("delete run_index %s: %w", runID, err)
	}
	return nil
}

// Query implements RunIndex
func (g *GormIndex) Query(ctx context.Context, dagID string, statuses []run.Status, limit int) ([]RunSummary, error) {
	q := g.pool.DB().WithContext(ctx).Model(&RunIndexRow{})
	if dagID != "" {
		q = q.Where("dag_id = ?", dagID)
	}
	if len(statuses) > 0 {
		values := make([]string, len(statuses))
		for i, s := range statuses {
			values[i] = string(s)
		}
		q = q.Where("status IN ?", values)
	}
	q = q.Order("created_at DESC").Order("run_id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []RunIndexRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query run_index: %w", err)
	}

	out := make([]RunSummary, len(rows))
	for i, r := range rows {
		out[i] = r.summary()
	}
	return out, nil
}

// Rebuild implements RunIndex
func (g *GormIndex) Rebuild(ctx context.Context, summaries []RunSummary) error {
	rows := make([]RunIndexRow, len(summaries))
	for i, s := range summaries {
		rows[i] = rowFromSummary(s)
	}

	err := g.pool.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&RunIndexRow{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(rows, 100).Error
	})
	if err != nil {
		return fmt.Errorf("rebuild run_index: %w", err)
	}

	g.logger.Info("run index rebuilt", zap.Int("rows", len(rows)))
	return nil
}

// Close implements RunIndex
func (g *GormIndex) Close() error {
	return g.pool.Close()
}

// OpenGormIndex opens the index database described by cfg. An empty driver
// selects pure-Go sqlite at defaultPath.
func OpenGormIndex(cfg IndexConfig, defaultPath string, logger *zap.Logger, opts ...database.PoolOption) (*GormIndex, error) {
	driver, dsn := cfg.Driver, cfg.DSN
	if driver == "" {
		driver = database.DriverSQLite
	}
	if dsn == "" && (driver == database.DriverSQLite || driver == database.DriverSQLite3) {
		dsn = defaultPath
	}

	db, err := database.Open(driver, dsn, logger)
	if err != nil {
		return nil, err
	}

	pool := cfg.Pool
	if pool.MaxOpenConns <= 0 {
		pool = database.DefaultPoolConfig()
	}
	if driver == database.DriverSQLite || driver == database.DriverSQLite3 {
		// sqlite allows one writer; a single connection avoids SQLITE_BUSY
		pool.MaxOpenConns = 1
		pool.MaxIdleConns = 1
	}

	pm, err := database.NewPoolManager(db, pool, logger, opts...)
	if err != nil {
		return nil, err
	}

	idx, err := NewGormIndex(pm, cfg.AutoMigrate, logger)
	if err != nil {
		pm.Close()
		return nil, err
	}
	return idx, nil
}
