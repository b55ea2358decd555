package scheduler

import (
	"math"
	"testing"
	"time"

	"github.com/BaSui01/dagflow/run"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"
)

func TestComputeDelay(t *testing.T) {
	base := 100 * time.Millisecond

	tests := []struct {
		name     string
		strategy run.BackoffStrategy
		n        int
		want     time.Duration
	}{
		{"constant first", run.BackoffConstant, 1, base},
		{"constant fifth", run.BackoffConstant, 5, base},
		{"linear first", run.BackoffLinear, 1, base},
		{"linear third", run.BackoffLinear, 3, 3 * base},
		{"exponential first", run.BackoffExponential, 1, base},
		{"exponential second", run.BackoffExponential, 2, 2 * base},
		{"exponential fourth", run.BackoffExponential, 4, 8 * base},
		{"zero attempt treated as first", run.BackoffLinear, 0, base},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeDelay(tt.strategy, base, tt.n, nil))
		})
	}
}

func TestComputeDelay_ExponentCapped(t *testing.T) {
	got := ComputeDelay(run.BackoffExponential, time.Nanosecond, 200, nil)
	assert.Equal(t, time.Duration(1<<maxBackoffShift), got)
	assert.Equal(t, got, ComputeDelay(run.BackoffExponential, time.Nanosecond, maxBackoffShift+1, nil))

	// realistic bases saturate instead of wrapping negative
	assert.Equal(t, MaxDelay, ComputeDelay(run.BackoffExponential, time.Minute, 29, nil))
	assert.Equal(t, MaxDelay, ComputeDelay(run.BackoffExponential, 10*time.Second, 31, nil))
	assert.Equal(t, MaxDelay, ComputeDelay(run.BackoffExponential, time.Hour, 200, nil))
	assert.Equal(t, 512*time.Minute, ComputeDelay(run.BackoffExponential, time.Minute, 10, nil))
}

func TestComputeDelay_LinearSaturates(t *testing.T) {
	assert.Equal(t, MaxDelay, ComputeDelay(run.BackoffLinear, MaxDelay/2, 3, nil))
	assert.Equal(t, MaxDelay, ComputeDelay(run.BackoffLinear, time.Hour, math.MaxInt, nil))
	assert.Equal(t, 3*time.Hour, ComputeDelay(run.BackoffLinear, time.Hour, 3, nil))
}

func TestComputeDelay_NeverBelowBase(t *testing.T) {
	strategies := []run.BackoffStrategy{run.BackoffExponential, run.BackoffLinear, run.BackoffConstant}
	rapid.Check(t, func(rt *rapid.T) {
		strategy := rapid.SampledFrom(strategies).Draw(rt, "strategy")
		base := time.Duration(rapid.Int64Range(1, int64(24*time.Hour)).Draw(rt, "base"))
		n := rapid.IntRange(1, 500).Draw(rt, "n")

		d := ComputeDelay(strategy, base, n, nil)
		if d < base {
			rt.Fatalf("%s delay %v for attempt %d is below base %v", strategy, d, n, base)
		}
		if next := ComputeDelay(strategy, base, n+1, nil); next < d {
			rt.Fatalf("%s delay decreased from %v to %v at attempt %d", strategy, d, next, n+1)
		}
	})
}

func TestComputeDelay_UnknownStrategy(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	logger := zap.New(core)

	got := ComputeDelay("fibonacci", 10*time.Millisecond, 3, logger)
	assert.Equal(t, 40*time.Millisecond, got)

	entries := logs.FilterMessage("unknown backoff strategy, using exponential").All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "fibonacci", entries[0].ContextMap()["strategy"])
	}
}
