package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/steveyegge/linearbridge/internal/mapping"
	"github.com/steveyegge/linearbridge/internal/types"
)

const storageScopeName = "github.com/steveyegge/linearbridge/mapping"

// InstrumentedStore wraps mapping.Store with OTel tracing and metrics.
// Every method gets a span and is counted in lbridge.mapping.* metrics.
// Use WrapStore to create one; it returns the original store unchanged when
// telemetry is disabled.
type InstrumentedStore struct {
	inner  mapping.Store
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
	size   metric.Int64Gauge
}

// WrapStore returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is.
func WrapStore(s mapping.Store) mapping.Store {
	if !Enabled() {
		return s
	}
	return newInstrumentedStore(s)
}

func newInstrumentedStore(s mapping.Store) *InstrumentedStore {
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("lbridge.mapping.operations",
		metric.WithDescription("Mapping store operations executed"),
	)
	dur, _ := m.Float64Histogram("lbridge.mapping.operation.duration",
		metric.WithDescription("Mapping store operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("lbridge.mapping.errors",
		metric.WithDescription("Mapping store operation errors"),
	)
	size, _ := m.Int64Gauge("lbridge.mapping.entries",
		metric.WithDescription("Entries in the mapping table (snapshot from Entries)"),
	)
	return &InstrumentedStore{
		inner:  s,
		tracer: Tracer(storageScopeName),
		ops:    ops,
		dur:    dur,
		errs:   errs,
		size:   size,
	}
}

// op starts a span and records a metric for the named store operation.
func (s *InstrumentedStore) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "mapping."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (s *InstrumentedStore) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

func (s *InstrumentedStore) Get(ctx context.Context, identifier string) (types.ThreadAnchor, bool) {
	ctx, span, t := s.op(ctx, "Get", attribute.String("identifier", identifier))
	a, ok := s.inner.Get(ctx, identifier)
	span.SetAttributes(attribute.Bool("hit", ok))
	s.done(ctx, span, t, nil)
	return a, ok
}

func (s *InstrumentedStore) Set(ctx context.Context, identifier string, anchor types.ThreadAnchor) error {
	ctx, span, t := s.op(ctx, "Set", attribute.String("identifier", identifier))
	err := s.inner.Set(ctx, identifier, anchor)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStore) Entries(ctx context.Context) (mapping.Table, error) {
	ctx, span, t := s.op(ctx, "Entries")
	tbl, err := s.inner.Entries(ctx)
	if err == nil {
		s.size.Record(ctx, int64(len(tbl)))
	}
	s.done(ctx, span, t, err)
	return tbl, err
}

// Close closes the wrapped store when it supports closing.
func (s *InstrumentedStore) Close() error {
	if c, ok := s.inner.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
