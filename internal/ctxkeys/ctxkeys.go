package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	runIDKey   contextKey = "run_id"
	dagIDKey   contextKey = "dag_id"
	stepIDKey  contextKey = "step_id"
	attemptKey contextKey = "attempt"
)

// WithRunID 设置 RunID
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunID 获取 RunID
func RunID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(runIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithDagID 设置 DagID
func WithDagID(ctx context.Context, dagID string) context.Context {
	return context.WithValue(ctx, dagIDKey, dagID)
}

// DagID 获取 DagID
func DagID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(dagIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithStepID 设置 StepID
func WithStepID(ctx context.Context, stepID string) context.Context {
	return context.WithValue(ctx, stepIDKey, stepID)
}

// StepID 获取 StepID
func StepID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(stepIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithAttempt 设置当前尝试次数（从 1 开始）
func WithAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptKey, attempt)
}

// Attempt 获取当前尝试次数
func Attempt(ctx context.Context) (int, bool) {
	v, ok := ctx.Value(attemptKey).(int)
	if !ok || v <= 0 {
		return 0, false
	}
	return v, true
}
