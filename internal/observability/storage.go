package observability

import (
	"context"
	"gatekeeper/internal/models"
	"gatekeeper/internal/storage"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentedBanStore wraps a storage.BanStore with OpenTelemetry tracing
// and metrics.
type InstrumentedBanStore struct {
	inner    storage.BanStore
	tracer   trace.Tracer
	duration metric.Float64Histogram
	errors   metric.Int64Counter
}

// NewInstrumentedBanStore creates a wrapper that records a span, a latency
// sample and, on failure, an error count for every ban store call.
func NewInstrumentedBanStore(inner storage.BanStore, meter metric.Meter) (*InstrumentedBanStore, error) {
	duration, err := meter.Float64Histogram(
		"gatekeeper.storage.operation.duration",
		metric.WithDescription("Duration of ban store operations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	errCounter, err := meter.Int64Counter(
		"gatekeeper.storage.operation.errors",
		metric.WithDescription("Number of ban store operation errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &InstrumentedBanStore{
		inner:    inner,
		tracer:   otel.Tracer(InstrumentationName + "/storage"),
		duration: duration,
		errors:   errCounter,
	}, nil
}

func (s *InstrumentedBanStore) startSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "banstore."+operation,
		trace.WithAttributes(append([]attribute.KeyValue{
			attribute.String("storage.operation", operation),
		}, attrs...)...),
	)
}

func (s *InstrumentedBanStore) record(ctx context.Context, span trace.Span, operation string, start time.Time, err error) {
	attrs := metric.WithAttributes(attribute.String("operation", operation))

	s.duration.Record(ctx, time.Since(start).Seconds(), attrs)

	if err != nil {
		s.errors.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

func (s *InstrumentedBanStore) LoadBans(ctx context.Context) ([]*models.Ban, error) {
	ctx, span := s.startSpan(ctx, "LoadBans")
	start := time.Now()
	result, err := s.inner.LoadBans(ctx)
	span.SetAttributes(attribute.Int("bans.count", len(result)))
	s.record(ctx, span, "LoadBans", start, err)
	return result, err
}

func (s *InstrumentedBanStore) SaveBan(ctx context.Context, ban *models.Ban) error {
	var attrs []attribute.KeyValue
	if ban != nil {
		attrs = append(attrs, attribute.String("ban.ip", ban.IP), attribute.String("ban.kind", ban.Kind))
	}
	ctx, span := s.startSpan(ctx, "SaveBan", attrs...)
	start := time.Now()
	err := s.inner.SaveBan(ctx, ban)
	s.record(ctx, span, "SaveBan", start, err)
	return err
}

func (s *InstrumentedBanStore) DeleteBan(ctx context.Context, ip string) error {
	ctx, span := s.startSpan(ctx, "DeleteBan", attribute.String("ban.ip", ip))
	start := time.Now()
	err := s.inner.DeleteBan(ctx, ip)
	s.record(ctx, span, "DeleteBan", start, err)
	return err
}

func (s *InstrumentedBanStore) Ping(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "Ping")
	start := time.Now()
	err := s.inner.Ping(ctx)
	s.record(ctx, span, "Ping", start, err)
	return err
}

func (s *InstrumentedBanStore) Close() error {
	return s.inner.Close()
}
