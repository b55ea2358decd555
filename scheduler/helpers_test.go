package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/dagflow/config"
	"github.com/BaSui01/dagflow/run"
	"github.com/BaSui01/dagflow/store"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *store.MemoryRunStore {
	t.Helper()
	s := store.NewMemoryRunStore(store.StoreConfig{Type: store.StoreTypeMemory}, zap.NewNop())
	t.Cleanup(func() { s.Close() })
	return s
}

func testConfig() *config.SchedulerConfig {
	cfg := config.DefaultSchedulerConfig()
	cfg.DefaultRetryDelay = time.Millisecond
	return &cfg
}

func testOptions(s store.RunStore) Options {
	return Options{Store: s, Config: testConfig()}
}

// delayRecorder replaces the retry sleep and records requested delays
type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
	real   func(ctx context.Context, d time.Duration) error
}

func recordDelays(e *engine, passthrough bool) *delayRecorder {
	rec := &delayRecorder{}
	if passthrough {
		rec.real = e.sleepCtx
	}
	e.sleep = func(ctx context.Context, d time.Duration) error {
		rec.mu.Lock()
		rec.delays = append(rec.delays, d)
		rec.mu.Unlock()
		if rec.real != nil {
			return rec.real(ctx, d)
		}
		return nil
	}
	return rec
}

func (r *delayRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func succeed(v any) Executor {
	return func(context.Context) (any, error) {
		return v, nil
	}
}

func fail(msg string) Executor {
	return func(context.Context) (any, error) {
		return nil, errors.New(msg)
	}
}

// failTimes fails the first n calls, then returns v
func failTimes(n int, v any, calls *atomic.Int32) Executor {
	return func(context.Context) (any, error) {
		c := calls.Add(1)
		if int(c) <= n {
			return nil, errors.New("transient failure")
		}
		return v, nil
	}
}

// orderLog records executor invocations
type orderLog struct {
	mu  sync.Mutex
	ids []string
}

func (l *orderLog) exec(id string) Executor {
	return func(context.Context) (any, error) {
		l.mu.Lock()
		l.ids = append(l.ids, id)
		l.mu.Unlock()
		return id, nil
	}
}

func (l *orderLog) calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ids...)
}

// failingUpdateStore fails the n-th Update call once
type failingUpdateStore struct {
	store.RunStore
	n     int32
	count atomic.Int32
}

var errInjected = errors.New("injected write failure")

func (s *failingUpdateStore) Update(ctx context.Context, r *run.Run) error {
	if s.count.Add(1) == s.n {
		return errInjected
	}
	return s.RunStore.Update(ctx, r)
}

func stepStatus(t *testing.T, r *run.Run, id string) run.StepStatus {
	t.Helper()
	s, ok := r.Step(id)
	if !ok {
		t.Fatalf("step %s missing", id)
	}
	return s.Status
}

func eventsOf(tr *run.Trace, event run.EventType) []run.TraceEntry {
	var out []run.TraceEntry
	for _, e := range tr.Entries {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}
