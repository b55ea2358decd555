package ctxkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	_, ok := RunID(ctx)
	assert.False(t, ok)

	ctx = WithRunID(ctx, "run-1")
	ctx = WithDagID(ctx, "ingest")
	ctx = WithStepID(ctx, "fetch")
	ctx = WithAttempt(ctx, 2)

	runID, ok := RunID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "run-1", runID)

	dagID, _ := DagID(ctx)
	assert.Equal(t, "ingest", dagID)

	stepID, _ := StepID(ctx)
	assert.Equal(t, "fetch", stepID)

	attempt, ok := Attempt(ctx)
	assert.True(t, ok)
	assert.Equal(t, 2, attempt)

	_, ok = StepID(WithStepID(context.Background(), ""))
	assert.False(t, ok, "empty values are reported as absent")
}
