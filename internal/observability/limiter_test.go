package observability

import (
	"context"
	"gatekeeper/internal/models"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type fixedStats models.Stats

func (f fixedStats) Stats() models.Stats { return models.Stats(f) }

func newManualMeter(t *testing.T) (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { mp.Shutdown(context.Background()) })
	return reader, mp
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestLimiterMetrics_RecordDecision(t *testing.T) {
	reader, mp := newManualMeter(t)
	m, err := NewLimiterMetrics(mp.Meter("test"), nil)
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordDecision(ctx, models.Decision{Allowed: true, Reason: models.ReasonAllowed}, 10*time.Microsecond)
	m.RecordDecision(ctx, models.Decision{Allowed: true, Reason: models.ReasonAllowed}, 20*time.Microsecond)
	m.RecordDecision(ctx, models.Decision{Reason: models.ReasonDDoSDetected, Detail: "DDOS_HIGH_RPS"}, time.Millisecond)

	metrics := collect(t, reader)

	decisions, ok := metrics["gatekeeper.decisions"]
	require.True(t, ok)
	sum := decisions.Data.(metricdata.Sum[int64])
	assert.True(t, sum.IsMonotonic)

	counts := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		reason, _ := dp.Attributes.Value(attribute.Key("reason"))
		counts[reason.AsString()] += dp.Value
		if reason.AsString() == "DDOS_DETECTED" {
			detail, ok := dp.Attributes.Value(attribute.Key("detail"))
			require.True(t, ok)
			assert.Equal(t, "DDOS_HIGH_RPS", detail.AsString())
		}
	}
	assert.Equal(t, map[string]int64{"ALLOWED": 2, "DDOS_DETECTED": 1}, counts)

	hist := metrics["gatekeeper.decision.duration"].Data.(metricdata.Histogram[float64])
	var samples uint64
	for _, dp := range hist.DataPoints {
		samples += dp.Count
	}
	assert.Equal(t, uint64(3), samples)
}

func TestLimiterMetrics_StatsGauges(t *testing.T) {
	reader, mp := newManualMeter(t)
	source := fixedStats{
		TotalIPs:         4,
		TotalUsers:       2,
		BlockedIPs:       1,
		WhitelistedIPs:   3,
		BlacklistedIPs:   5,
		SuspiciousIPs:    6,
		ActiveRateLimits: 9,
	}

	m, err := NewLimiterMetrics(mp.Meter("test"), source)
	require.NoError(t, err)

	metrics := collect(t, reader)
	want := map[string]int64{
		"gatekeeper.tracked.ips":     4,
		"gatekeeper.tracked.users":   2,
		"gatekeeper.blocked.ips":     1,
		"gatekeeper.whitelisted.ips": 3,
		"gatekeeper.blacklisted.ips": 5,
		"gatekeeper.suspicious.ips":  6,
		"gatekeeper.windows.active":  9,
	}
	for name, v := range want {
		gauge, ok := metrics[name].Data.(metricdata.Gauge[int64])
		require.True(t, ok, name)
		require.Len(t, gauge.DataPoints, 1, name)
		assert.Equal(t, v, gauge.DataPoints[0].Value, name)
	}

	require.NoError(t, m.Close())
	metrics = collect(t, reader)
	if gauge, ok := metrics["gatekeeper.tracked.ips"].Data.(metricdata.Gauge[int64]); ok {
		assert.Empty(t, gauge.DataPoints)
	}
}

func TestLimiterMetrics_StatsFunc(t *testing.T) {
	reader, mp := newManualMeter(t)
	calls := 0
	source := StatsFunc(func() models.Stats {
		calls++
		return models.Stats{BlockedIPs: 7}
	})

	m, err := NewLimiterMetrics(mp.Meter("test"), source)
	require.NoError(t, err)
	defer m.Close()

	metrics := collect(t, reader)
	gauge := metrics["gatekeeper.blocked.ips"].Data.(metricdata.Gauge[int64])
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(7), gauge.DataPoints[0].Value)
	assert.Equal(t, 1, calls)
}
