package internaltelemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewLockMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewLockMetrics(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.DeadlocksCounter.Add(ctx, 2)
	m.ScanDuration.Record(ctx, 1.5)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			names[md.Name] = true
		}
	}
	require.True(t, names["gojolock.deadlock.cycles_total"])
	require.True(t, names["gojolock.deadlock.scan.duration"])
}

func TestNewRPCMetrics(t *testing.T) {
	m, err := NewRPCMetrics(noop.NewMeterProvider().Meter(""))
	require.NoError(t, err)
	require.NotNil(t, m.RpcLatencyHistogram)
}
