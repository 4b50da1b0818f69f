package observability

import (
	"context"
	"fmt"
	"gatekeeper/internal/models"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// StatsSource provides the admission state snapshot exported as gauges.
type StatsSource interface {
	Stats() models.Stats
}

// StatsFunc adapts a function to StatsSource. It lets the gauges be created
// before the component they observe.
type StatsFunc func() models.Stats

func (f StatsFunc) Stats() models.Stats { return f() }

// LimiterMetrics records admission decisions and exports the limiter's
// state. It satisfies ratelimit.Recorder.
type LimiterMetrics struct {
	decisions metric.Int64Counter
	duration  metric.Float64Histogram
	reg       metric.Registration
}

// NewLimiterMetrics creates the decision instruments on meter. When source
// is non-nil its Stats are observed on every collection.
func NewLimiterMetrics(meter metric.Meter, source StatsSource) (*LimiterMetrics, error) {
	decisions, err := meter.Int64Counter(
		"gatekeeper.decisions",
		metric.WithDescription("Admission decisions by reason"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decisions counter: %w", err)
	}

	duration, err := meter.Float64Histogram(
		"gatekeeper.decision.duration",
		metric.WithDescription("Time spent producing an admission decision in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decision duration histogram: %w", err)
	}

	m := &LimiterMetrics{decisions: decisions, duration: duration}
	if source == nil {
		return m, nil
	}

	gauges := []struct {
		name  string
		desc  string
		value func(models.Stats) int
	}{
		{"gatekeeper.tracked.ips", "Source IPs with a live window", func(s models.Stats) int { return s.TotalIPs }},
		{"gatekeeper.tracked.users", "Users with a live window", func(s models.Stats) int { return s.TotalUsers }},
		{"gatekeeper.blocked.ips", "IPs under a temporary block", func(s models.Stats) int { return s.BlockedIPs }},
		{"gatekeeper.whitelisted.ips", "IPs on the allow list", func(s models.Stats) int { return s.WhitelistedIPs }},
		{"gatekeeper.blacklisted.ips", "IPs on the deny list", func(s models.Stats) int { return s.BlacklistedIPs }},
		{"gatekeeper.suspicious.ips", "IPs with a reputation record", func(s models.Stats) int { return s.SuspiciousIPs }},
		{"gatekeeper.windows.active", "Live sliding windows", func(s models.Stats) int { return s.ActiveRateLimits }},
	}

	observables := make([]metric.Observable, 0, len(gauges))
	instruments := make([]metric.Int64ObservableGauge, 0, len(gauges))
	for _, g := range gauges {
		inst, err := meter.Int64ObservableGauge(g.name, metric.WithDescription(g.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
		instruments = append(instruments, inst)
		observables = append(observables, inst)
	}

	m.reg, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stats := source.Stats()
		for i, g := range gauges {
			o.ObserveInt64(instruments[i], int64(g.value(stats)))
		}
		return nil
	}, observables...)
	if err != nil {
		return nil, fmt.Errorf("failed to register stats callback: %w", err)
	}

	return m, nil
}

// RecordDecision counts d and records how long it took.
func (m *LimiterMetrics) RecordDecision(ctx context.Context, d models.Decision, elapsed time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("reason", string(d.Reason)),
		attribute.String("allowed", strconv.FormatBool(d.Allowed)),
	}
	if d.Detail != "" && d.Reason == models.ReasonDDoSDetected {
		attrs = append(attrs, attribute.String("detail", d.Detail))
	}

	m.decisions.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs[0]))
}

// Close unregisters the stats callback.
func (m *LimiterMetrics) Close() error {
	if m.reg == nil {
		return nil
	}
	return m.reg.Unregister()
}
