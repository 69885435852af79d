package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestCountersRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := NewMetricsFrom(mp.Meter("test"))
	ctx := context.Background()

	m.BatchPushed(ctx, "jira")
	m.BatchPushed(ctx, "jira")
	m.RecordsFailed(ctx, "jira", "mapping", 3)
	m.RecordsFailed(ctx, "jira", "mapping", 0)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			sum, ok := md.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				totals[md.Name] += dp.Value
			}
		}
	}
	require.Equal(t, int64(2), totals["wlm.batches.pushed"])
	require.Equal(t, int64(3), totals["wlm.records.failed"])
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.BatchPushed(context.Background(), "jira")
	m.JobFinalized(context.Background(), "jira", "finished")
}
