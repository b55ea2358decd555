package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/BaSui01/dagflow/internal/metrics"
	"github.com/BaSui01/dagflow/run"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisRunStore is a Redis-based implementation of RunStore.
// Suitable for distributed deployments. Records are JSON strings; the
// secondary index is a hash per run plus sorted sets scored by creation time.
type RedisRunStore struct {
	client    *redis.Client
	keyPrefix string
	cleaner   *cleaner
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// NewRedisRunStore creates a new Redis-based run store
func NewRedisRunStore(config StoreConfig, logger *zap.Logger, opts ...Option) (*RedisRunStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Redis.Host, config.Redis.Port),
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
		PoolSize: config.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	s := NewRedisRunStoreWithClient(client, config.Redis.KeyPrefix, logger, opts...)
	s.cleaner = startCleaner(config.Cleanup, s, s.logger)
	return s, nil
}

// NewRedisRunStoreWithClient creates a store on an existing client
func NewRedisRunStoreWithClient(client *redis.Client, keyPrefix string, logger *zap.Logger, opts ...Option) *RedisRunStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if keyPrefix == "" {
		keyPrefix = "dagflow:"
	}
	o := buildOptions(opts)

	return &RedisRunStore{
		client:    client,
		keyPrefix: keyPrefix + "run:",
		cleaner:   &cleaner{stop: make(chan struct{})},
		metrics:   o.metrics,
		logger:    logger.With(zap.String("component", "redis_run_store")),
	}
}

func (s *RedisRunStore) observe(op string, start time.Time) {
	s.metrics.RecordStoreOperation("redis", op, time.Since(start))
}

// Close closes the store
func (s *RedisRunStore) Close() error {
	s.cleaner.Stop()
	return s.client.Close()
}

// Ping checks if the store is healthy
func (s *RedisRunStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisRunStore) dataKey(runID string) string  { return s.keyPrefix + "data:" + runID }
func (s *RedisRunStore) traceKey(runID string) string { return s.keyPrefix + "trace:" + runID }
func (s *RedisRunStore) indexKey(runID string) string { return s.keyPrefix + "index:" + runID }
func (s *RedisRunStore) allKey() string               { return s.keyPrefix + "all" }
func (s *RedisRunStore) dagKey(dagID string) string   { return s.keyPrefix + "dag:" + dagID }

func (s *RedisRunStore) statusKey(status run.Status) string {
	return s.keyPrefix + "status:" + string(status)
}

// write stores the record and refreshes every index entry in one pipeline
func (s *RedisRunStore) write(ctx context.Context, pipe redis.Pipeliner, r *run.Run, data []byte, oldStatus run.Status) {
	score := float64(r.CreatedAt.UnixNano())
	member := redis.Z{Score: score, Member: r.RunID}

	pipe.Set(ctx, s.dataKey(r.RunID), data, 0)
	pipe.HSet(ctx, s.indexKey(r.RunID), map[string]any{
		"dag_id":     r.DagID,
		"status":     string(r.Status),
		"created_at": r.CreatedAt.UnixNano(),
		"updated_at": r.UpdatedAt.UnixNano(),
		"location":   s.dataKey(r.RunID),
	})
	if oldStatus != "" && oldStatus != r.Status {
		pipe.ZRem(ctx, s.statusKey(oldStatus), r.RunID)
	}
	pipe.ZAdd(ctx, s.statusKey(r.Status), member)
	pipe.ZAdd(ctx, s.allKey(), member)
	pipe.ZAdd(ctx, s.dagKey(r.DagID), member)
}

// Create persists a new run
func (s *RedisRunStore) Create(ctx context.Context, r *run.Run) (string, error) {
	defer s.observe("create", time.Now())
	if err := validateRun(r); err != nil {
		return "", err
	}

	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to marshal run: %w", err)
	}

	created, err := s.client.SetNX(ctx, s.dataKey(r.RunID), data, 0).Result()
	if err != nil {
		return "", fmt.Errorf("create run %s: %w", r.RunID, err)
	}
	if !created {
		return "", ErrAlreadyExists
	}

	pipe := s.client.TxPipeline()
	s.write(ctx, pipe, r, data, "")
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("index run %s: %w", r.RunID, err)
	}
	return r.RunID, nil
}

// Get retrieves a run by id. Redis and decode errors are logged and
// reported as absent.
func (s *RedisRunStore) Get(ctx context.Context, runID string) (*run.Run, bool) {
	defer s.observe("get", time.Now())

	data, err := s.client.Get(ctx, s.dataKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		s.logger.Error("failed to read run record", zap.String("run_id", runID), zap.Error(err))
		return nil, false
	}

	var r run.Run
	if err := json.Unmarshal(data, &r); err != nil {
		s.logger.Error("corrupt run record", zap.String("run_id", runID), zap.Error(err))
		return nil, false
	}
	return &r, true
}

// Update overwrites an existing run
func (s *RedisRunStore) Update(ctx context.Context, r *run.Run) error {
	defer s.observe("update", time.Now())
	if err := validateRun(r); err != nil {
		return err
	}

	exists, err := s.client.Exists(ctx, s.dataKey(r.RunID)).Result()
	if err != nil {
		return fmt.Errorf("update run %s: %w", r.RunID, err)
	}
	if exists == 0 {
		return fmt.Errorf("update run %s: %w", r.RunID, ErrNotFound)
	}

	oldStatus, err := s.client.HGet(ctx, s.indexKey(r.RunID), "status").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("update run %s: %w", r.RunID, err)
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	pipe := s.client.TxPipeline()
	s.write(ctx, pipe, r, data, run.Status(oldStatus))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update run %s: %w", r.RunID, err)
	}
	return nil
}

// Delete removes a run, its trace and its index entries
func (s *RedisRunStore) Delete(ctx context.Context, runID string) (bool, error) {
	defer s.observe("delete", time.Now())

	idx, err := s.client.HGetAll(ctx, s.indexKey(runID)).Result()
	if err != nil {
		return false, fmt.Errorf("delete run %s: %w", runID, err)
	}

	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.dataKey(runID))
	pipe.Del(ctx, s.traceKey(runID), s.indexKey(runID))
	pipe.ZRem(ctx, s.allKey(), runID)
	if dagID := idx["dag_id"]; dagID != "" {
		pipe.ZRem(ctx, s.dagKey(dagID), runID)
	}
	if status := idx["status"]; status != "" {
		pipe.ZRem(ctx, s.statusKey(run.Status(status)), runID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("delete run %s: %w", runID, err)
	}
	return del.Val() > 0, nil
}

func (s *RedisRunStore) summary(ctx context.Context, runID string) (RunSummary, bool) {
	idx, err := s.client.HGetAll(ctx, s.indexKey(runID)).Result()
	if err != nil || len(idx) == 0 {
		return RunSummary{}, false
	}

	created, _ := strconv.ParseInt(idx["created_at"], 10, 64)
	updated, _ := strconv.ParseInt(idx["updated_at"], 10, 64)
	return RunSummary{
		RunID:     runID,
		DagID:     idx["dag_id"],
		Status:    run.Status(idx["status"]),
		CreatedAt: time.Unix(0, created),
		UpdatedAt: time.Unix(0, updated),
		Location:  idx["location"],
	}, true
}

// List returns run summaries newest first
func (s *RedisRunStore) List(ctx context.Context, filter RunFilter) ([]RunSummary, error) {
	defer s.observe("list", time.Now())

	// Pick the narrowest index, then filter on the hash fields.
	key := s.allKey()
	switch {
	case filter.Status != "":
		key = s.statusKey(filter.Status)
	case filter.DagID != "":
		key = s.dagKey(filter.DagID)
	}

	ids, err := s.client.ZRevRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	out := make([]RunSummary, 0, len(ids))
	for _, id := range ids {
		sum, ok := s.summary(ctx, id)
		if !ok {
			continue
		}
		if filter.DagID != "" && sum.DagID != filter.DagID {
			continue
		}
		if filter.Status != "" && sum.Status != filter.Status {
			continue
		}
		out = append(out, sum)
	}
	sortNewest(out)
	return applyLimit(out, filter.Limit), nil
}

// ActiveRuns returns runs that have not finished
func (s *RedisRunStore) ActiveRuns(ctx context.Context) ([]RunSummary, error) {
	return activeRuns(ctx, s)
}

// CleanupOlderThan removes finished runs created more than days ago
func (s *RedisRunStore) CleanupOlderThan(ctx context.Context, days int) (int, error) {
	defer s.observe("cleanup", time.Now())

	cutoff := cutoffFor(days)
	ids, err := s.client.ZRangeByScore(ctx, s.allKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixNano(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("cleanup runs: %w", err)
	}

	count := 0
	for _, id := range ids {
		sum, ok := s.summary(ctx, id)
		if ok && sum.Status.IsActive() {
			continue
		}
		deleted, err := s.Delete(ctx, id)
		if err != nil {
			return count, err
		}
		if deleted {
			count++
		}
	}
	return count, nil
}

// Statistics aggregates stored runs
func (s *RedisRunStore) Statistics(ctx context.Context, dagID string) (*Statistics, error) {
	summaries, err := s.List(ctx, RunFilter{DagID: dagID})
	if err != nil {
		return nil, err
	}
	return computeStatistics(dagID, loadAll(ctx, s, summaries)), nil
}

// SaveTrace persists a trace
func (s *RedisRunStore) SaveTrace(ctx context.Context, t *run.Trace) error {
	defer s.observe("save_trace", time.Now())
	if t == nil || t.RunID == "" {
		return ErrInvalidInput
	}

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal trace: %w", err)
	}
	if err := s.client.Set(ctx, s.traceKey(t.RunID), data, 0).Err(); err != nil {
		return fmt.Errorf("save trace %s: %w", t.RunID, err)
	}
	return nil
}

// GetTrace retrieves a trace
func (s *RedisRunStore) GetTrace(ctx context.Context, runID string) (*run.Trace, bool) {
	data, err := s.client.Get(ctx, s.traceKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		s.logger.Error("failed to read trace", zap.String("run_id", runID), zap.Error(err))
		return nil, false
	}

	var t run.Trace
	if err := json.Unmarshal(data, &t); err != nil {
		s.logger.Error("corrupt trace record", zap.String("run_id", runID), zap.Error(err))
		return nil, false
	}
	return &t, true
}

// Ensure RedisRunStore implements RunStore
var _ RunStore = (*RedisRunStore)(nil)
