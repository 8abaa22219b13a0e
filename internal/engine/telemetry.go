package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/chronoctx/internal/ir"
)

const instrumentationName = "github.com/roach88/chronoctx/internal/engine"

// telemetry holds the engine's OpenTelemetry instruments.
type telemetry struct {
	tracer    trace.Tracer
	mutations metric.Int64Counter
	duration  metric.Float64Histogram
	reads     metric.Int64Counter
}

func newTelemetry(mp metric.MeterProvider, tp trace.TracerProvider) (*telemetry, error) {
	meter := mp.Meter(instrumentationName)

	mutations, err := meter.Int64Counter("chronoctx.mutations",
		metric.WithDescription("Mutations attempted, by kind and outcome"),
		metric.WithUnit("{mutation}"))
	if err != nil {
		return nil, fmt.Errorf("create mutations counter: %w", err)
	}

	duration, err := meter.Float64Histogram("chronoctx.mutation.duration",
		metric.WithDescription("Mutation latency including lock wait"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}

	reads, err := meter.Int64Counter("chronoctx.reads",
		metric.WithDescription("Resolver reads, by operation and outcome"),
		metric.WithUnit("{read}"))
	if err != nil {
		return nil, fmt.Errorf("create reads counter: %w", err)
	}

	return &telemetry{
		tracer:    tp.Tracer(instrumentationName),
		mutations: mutations,
		duration:  duration,
		reads:     reads,
	}, nil
}

// outcome names an error's code for metric attributes.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if code := ir.CodeOf(err); code != "" {
		return string(code)
	}
	return "error"
}

// startMutation opens a span for one mutation. The returned func records
// the outcome and ends the span.
func (t *telemetry) startMutation(ctx context.Context, kind ir.MutationKind, contextID string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := t.tracer.Start(ctx, "engine."+string(kind),
		trace.WithAttributes(attribute.String("chronoctx.context_id", contextID)))

	return ctx, func(err error) {
		attrs := metric.WithAttributes(
			attribute.String("kind", string(kind)),
			attribute.String("outcome", outcome(err)),
		)
		t.mutations.Add(ctx, 1, attrs)
		t.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
		finishSpan(span, err)
	}
}

// startRead opens a span for one resolver call.
func (t *telemetry) startRead(ctx context.Context, op, contextID string) (context.Context, func(error)) {
	ctx, span := t.tracer.Start(ctx, "engine."+op,
		trace.WithAttributes(attribute.String("chronoctx.context_id", contextID)))

	return ctx, func(err error) {
		t.reads.Add(ctx, 1, metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("outcome", outcome(err)),
		))
		finishSpan(span, err)
	}
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
