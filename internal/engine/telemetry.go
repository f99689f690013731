package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/strata/internal/ir"
)

const instrumentationName = "github.com/roach88/strata/internal/engine"

// telemetry holds the orchestrator's tracer and instruments.
type telemetry struct {
	tracer trace.Tracer

	applied metric.Int64Counter
	failed  metric.Int64Counter
	retries metric.Int64Counter
	latency metric.Float64Histogram
}

func newTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) (*telemetry, error) {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	t := &telemetry{tracer: tp.Tracer(instrumentationName)}
	meter := mp.Meter(instrumentationName)

	var err error
	if t.applied, err = meter.Int64Counter("strata.events.applied",
		metric.WithDescription("Events applied without error"),
	); err != nil {
		return nil, fmt.Errorf("create applied counter: %w", err)
	}
	if t.failed, err = meter.Int64Counter("strata.events.failed",
		metric.WithDescription("Events recorded with an error"),
	); err != nil {
		return nil, fmt.Errorf("create failed counter: %w", err)
	}
	if t.retries, err = meter.Int64Counter("strata.storage.retries",
		metric.WithDescription("Event attempts retried after a storage failure"),
	); err != nil {
		return nil, fmt.Errorf("create retry counter: %w", err)
	}
	if t.latency, err = meter.Float64Histogram("strata.event.duration",
		metric.WithDescription("Time to apply one event tree"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("create latency histogram: %w", err)
	}
	return t, nil
}

func (t *telemetry) startEvent(ctx context.Context, version int64) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "strata.event",
		trace.WithAttributes(attribute.Int64("strata.version", version)),
	)
}

func (t *telemetry) startPhase(ctx context.Context, phase string, ev ir.Event) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "strata."+phase,
		trace.WithAttributes(
			attribute.String("strata.type", ev.Type),
			attribute.Int64("strata.version", ev.Version),
		),
	)
}

// finishEvent annotates the event span and records the outcome metrics.
func (t *telemetry) finishEvent(ctx context.Context, span trace.Span, ev ir.Event, started time.Time) {
	attrs := metric.WithAttributes(attribute.String("strata.type", ev.Type))
	span.SetAttributes(
		attribute.String("strata.type", ev.Type),
		attribute.Int("strata.sub_events", len(ev.SubEvents)),
	)
	if ev.Failed() {
		span.SetStatus(codes.Error, fmt.Sprint(ev.ErrorTags()))
		t.failed.Add(ctx, 1, attrs)
	} else {
		t.applied.Add(ctx, 1, attrs)
	}
	t.latency.Record(ctx, float64(time.Since(started).Microseconds())/1000, attrs)
}

func (t *telemetry) retry(ctx context.Context, attempt int) {
	t.retries.Add(ctx, 1, metric.WithAttributes(attribute.Int("strata.attempt", attempt)))
}

func failSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
