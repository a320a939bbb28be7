package jobs

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// instruments OTel 指标，经 telemetry 配置的 OTLP exporter 导出
type instruments struct {
	events   metric.Int64Counter
	duration metric.Float64Histogram
	active   metric.Int64UpDownCounter
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	var (
		in  instruments
		err error
	)
	in.events, err = meter.Int64Counter("cinegen.job.events",
		metric.WithDescription("Job lifecycle events"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}
	in.duration, err = meter.Float64Histogram("cinegen.job.duration",
		metric.WithDescription("Time from claim to terminal state"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 30, 60, 120, 300, 600, 1200))
	if err != nil {
		return nil, err
	}
	in.active, err = meter.Int64UpDownCounter("cinegen.job.active",
		metric.WithDescription("Jobs currently being processed by workers"),
		metric.WithUnit("{job}"))
	if err != nil {
		return nil, err
	}
	return &in, nil
}

func noopInstruments() *instruments {
	in, _ := newInstruments(noop.NewMeterProvider().Meter(instrumentationName))
	return in
}

func (in *instruments) event(ctx context.Context, typ EventType) {
	in.events.Add(ctx, 1, metric.WithAttributes(attribute.String("event", string(typ))))
}

func (in *instruments) finished(ctx context.Context, state State, provider string, d time.Duration) {
	in.duration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("state", string(state)),
		attribute.String("provider", provider),
	))
}
