package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/BaSui01/dagflow/scheduler"

// Instruments are the OTel counterparts of the Prometheus run metrics,
// exported over OTLP when Init installed a meter provider.
// A nil *Instruments records nothing.
type Instruments struct {
	runs         metric.Int64Counter
	stepAttempts metric.Int64Counter
	stepDuration metric.Float64Histogram
	activeSteps  metric.Int64UpDownCounter
}

// NewInstruments creates the instruments on the global meter provider
func NewInstruments() (*Instruments, error) {
	return NewInstrumentsWithProvider(otel.GetMeterProvider())
}

// NewInstrumentsWithProvider creates the instruments on mp
func NewInstrumentsWithProvider(mp metric.MeterProvider) (*Instruments, error) {
	meter := mp.Meter(instrumentationName)
	i := &Instruments{}

	var err error
	if i.runs, err = meter.Int64Counter("dagflow.run.finished",
		metric.WithDescription("Runs that reached a terminal status"),
		metric.WithUnit("{run}")); err != nil {
		return nil, err
	}
	if i.stepAttempts, err = meter.Int64Counter("dagflow.step.attempts",
		metric.WithDescription("Step executor invocations by outcome"),
		metric.WithUnit("{attempt}")); err != nil {
		return nil, err
	}
	if i.stepDuration, err = meter.Float64Histogram("dagflow.step.duration",
		metric.WithDescription("Step attempt duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600)); err != nil {
		return nil, err
	}
	if i.activeSteps, err = meter.Int64UpDownCounter("dagflow.step.active",
		metric.WithDescription("Step attempts in flight"),
		metric.WithUnit("{step}")); err != nil {
		return nil, err
	}
	return i, nil
}

// StepStarted counts an attempt in flight
func (i *Instruments) StepStarted(ctx context.Context, dagID string) {
	if i == nil {
		return
	}
	i.activeSteps.Add(ctx, 1, metric.WithAttributes(attribute.String("dag_id", dagID)))
}

// StepEnded releases an attempt counted by StepStarted
func (i *Instruments) StepEnded(ctx context.Context, dagID string) {
	if i == nil {
		return
	}
	i.activeSteps.Add(ctx, -1, metric.WithAttributes(attribute.String("dag_id", dagID)))
}

// StepFinished records the outcome and duration of one attempt
func (i *Instruments) StepFinished(ctx context.Context, dagID, status string, d time.Duration) {
	if i == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("dag_id", dagID),
		attribute.String("status", status),
	)
	i.stepAttempts.Add(ctx, 1, attrs)
	i.stepDuration.Record(ctx, d.Seconds(), attrs)
}

// RunFinished counts a run reaching status
func (i *Instruments) RunFinished(ctx context.Context, dagID, status string) {
	if i == nil {
		return
	}
	i.runs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("dag_id", dagID),
		attribute.String("status", status),
	))
}
