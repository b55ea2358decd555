package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/dagflow/internal/database"
	"github.com/BaSui01/dagflow/internal/metrics"
	"github.com/BaSui01/dagflow/run"
	"go.uber.org/zap"
)

// FileRunStore 是基于文件的 RunStore 实现，适合单节点部署。
// 每个运行一个带缩进的 JSON 文件 <base>/runs/<id>.json，追踪记录位于
// <base>/traces/<id>.json；列表查询走 RunIndex 二级索引。
type FileRunStore struct {
	runsDir   string
	tracesDir string
	index     RunIndex
	mu        sync.RWMutex
	closed    bool
	cleaner   *cleaner
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// NewFileRunStore 新建文件运行存储
func NewFileRunStore(config StoreConfig, logger *zap.Logger, opts ...Option) (*FileRunStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := buildOptions(opts)

	runsDir := filepath.Join(config.BaseDir, "runs")
	tracesDir := filepath.Join(config.BaseDir, "traces")
	for _, dir := range []string{runsDir, tracesDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create run store directory: %w", err)
		}
	}

	index := o.index
	if index == nil {
		gi, err := OpenGormIndex(
			config.Index,
			filepath.Join(config.BaseDir, "index.db"),
			logger,
			database.WithMetrics("run_index", o.metrics),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to open run index: %w", err)
		}
		index = gi
	}

	s := &FileRunStore{
		runsDir:   runsDir,
		tracesDir: tracesDir,
		index:     index,
		metrics:   o.metrics,
		logger:    logger.With(zap.String("component", "file_run_store")),
	}
	s.cleaner = startCleaner(config.Cleanup, s, s.logger)
	return s, nil
}

func (s *FileRunStore) observe(op string, start time.Time) {
	s.metrics.RecordStoreOperation("file", op, time.Since(start))
}

func (s *FileRunStore) runPath(runID string) string {
	return filepath.Join(s.runsDir, runID+".json")
}

func (s *FileRunStore) tracePath(runID string) string {
	return filepath.Join(s.tracesDir, runID+".json")
}

// writeFile 原子写: 写入临时文件后重命名
func writeFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tempPath, path)
}

func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && id != "." && id != ".."
}

// Close 关闭存储
func (s *FileRunStore) Close() error {
	s.cleaner.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.index.Close()
}

// Ping 检查存储是否可用
func (s *FileRunStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	_, err := os.Stat(s.runsDir)
	return err
}

// Create 持久化新运行
func (s *FileRunStore) Create(ctx context.Context, r *run.Run) (string, error) {
	defer s.observe("create", time.Now())
	if err := validateRun(r); err != nil || !validID(r.RunID) {
		return "", ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrStoreClosed
	}

	path := s.runPath(r.RunID)
	if _, err := os.Stat(path); err == nil {
		return "", ErrAlreadyExists
	}

	if err := writeFile(path, r); err != nil {
		return "", fmt.Errorf("create run %s: %w", r.RunID, err)
	}
	s.indexRun(ctx, r, path)
	return r.RunID, nil
}

// indexRun 更新二级索引；索引是派生数据，失败只记录日志，可通过 Reindex 修复
func (s *FileRunStore) indexRun(ctx context.Context, r *run.Run, path string) {
	if err := s.index.Upsert(ctx, summarize(r, path)); err != nil {
		s.logger.Warn("run index update failed",
			zap.String("run_id", r.RunID),
			zap.Error(err))
	}
}

// Get 通过 ID 获取运行；读取或解析失败记录日志并返回不存在
func (s *FileRunStore) Get(ctx context.Context, runID string) (*run.Run, bool) {
	defer s.observe("get", time.Now())
	if !validID(runID) {
		return nil, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.readRun(s.runPath(runID))
}

func (s *FileRunStore) readRun(path string) (*run.Run, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Error("failed to read run record", zap.String("path", path), zap.Error(err))
		}
		return nil, false
	}

	var r run.Run
	if err := json.Unmarshal(data, &r); err != nil {
		s.logger.Error("corrupt run record", zap.String("path", path), zap.Error(err))
		return nil, false
	}
	return &r, true
}

// Update 覆盖已存在的运行记录
func (s *FileRunStore) Update(ctx context.Context, r *run.Run) error {
	defer s.observe("update", time.Now())
	if err := validateRun(r); err != nil || !validID(r.RunID) {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	path := s.runPath(r.RunID)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("update run %s: %w", r.RunID, ErrNotFound)
		}
		return err
	}

	if err := writeFile(path, r); err != nil {
		return fmt.Errorf("update run %s: %w", r.RunID, err)
	}
	s.indexRun(ctx, r, path)
	return nil
}

// Delete 同时删除运行记录与追踪记录
func (s *FileRunStore) Delete(ctx context.Context, runID string) (bool, error) {
	defer s.observe("delete", time.Now())
	if !validID(runID) {
		return false, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrStoreClosed
	}

	path := s.runPath(runID)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("delete run %s: %w", runID, err)
	}

	// 先删追踪：失败时记录仍在，调用方可重试
	if err := os.Remove(s.tracePath(runID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("delete trace of run %s: %w", runID, err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("delete run %s: %w", runID, err)
	}

	if err := s.index.Remove(ctx, runID); err != nil {
		s.logger.Warn("run index delete failed", zap.String("run_id", runID), zap.Error(err))
	}
	return true, nil
}

// List 通过索引检索运行摘要，按创建时间倒序
func (s *FileRunStore) List(ctx context.Context, filter RunFilter) ([]RunSummary, error) {
	defer s.observe("list", time.Now())
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	return s.index.Query(ctx, filter.DagID, filterStatuses(filter), filter.Limit)
}

// ActiveRuns 返回未结束的运行
func (s *FileRunStore) ActiveRuns(ctx context.Context) ([]RunSummary, error) {
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	return s.index.Query(ctx, "", activeStatuses, 0)
}

// CleanupOlderThan 删除早于 days 天创建的已结束运行
func (s *FileRunStore) CleanupOlderThan(ctx context.Context, days int) (int, error) {
	defer s.observe("cleanup", time.Now())

	all, err := s.List(ctx, RunFilter{})
	if err != nil {
		return 0, err
	}

	count := 0
	for _, id := range cleanupCandidates(all, cutoffFor(days)) {
		ok, err := s.Delete(ctx, id)
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}

// Statistics 统计运行记录
func (s *FileRunStore) Statistics(ctx context.Context, dagID string) (*Statistics, error) {
	summaries, err := s.List(ctx, RunFilter{DagID: dagID})
	if err != nil {
		return nil, err
	}
	return computeStatistics(dagID, loadAll(ctx, s, summaries)), nil
}

// SaveTrace 持久化追踪记录
func (s *FileRunStore) SaveTrace(ctx context.Context, t *run.Trace) error {
	defer s.observe("save_trace", time.Now())
	if t == nil || !validID(t.RunID) {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if err := writeFile(s.tracePath(t.RunID), t); err != nil {
		return fmt.Errorf("save trace %s: %w", t.RunID, err)
	}
	return nil
}

// GetTrace 获取追踪记录
func (s *FileRunStore) GetTrace(ctx context.Context, runID string) (*run.Trace, bool) {
	if !validID(runID) {
		return nil, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	path := s.tracePath(runID)
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Error("failed to read trace", zap.String("path", path), zap.Error(err))
		}
		return nil, false
	}

	var t run.Trace
	if err := json.Unmarshal(data, &t); err != nil {
		s.logger.Error("corrupt trace record", zap.String("path", path), zap.Error(err))
		return nil, false
	}
	return &t, true
}

// Reindex 从主记录重建二级索引，返回索引的运行数。无法解析的记录被跳过。
func (s *FileRunStore) Reindex(ctx context.Context) (int, error) {
	defer s.observe("reindex", time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	entries, err := os.ReadDir(s.runsDir)
	if err != nil {
		return 0, fmt.Errorf("read runs directory: %w", err)
	}

	summaries := make([]RunSummary, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.runsDir, e.Name())
		r, ok := s.readRun(path)
		if !ok {
			continue
		}
		summaries = append(summaries, summarize(r, path))
	}

	if err := s.index.Rebuild(ctx, summaries); err != nil {
		return 0, err
	}
	return len(summaries), nil
}

// Ensure FileRunStore implements RunStore
var _ RunStore = (*FileRunStore)(nil)
