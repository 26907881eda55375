package metacache

import (
	"context"
	"testing"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/codeGROOVE-dev/metacache/pkg/store/memory"
)

func newTestMeterProvider() (*sdkmetric.MeterProvider, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
	)
	return mp, reader
}

// observed returns the value of the named int64 metric whose "result"
// attribute equals result, or whose attributes carry no result when result
// is empty.
func observed(t *testing.T, rm metricdata.ResourceMetrics, name, result string) (int64, bool) {
	t.Helper()
	match := func(attrs attribute.Set) bool {
		v, ok := attrs.Value("result")
		if result == "" {
			return !ok
		}
		return ok && v.AsString() == result
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					if match(dp.Attributes) {
						return dp.Value, true
					}
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					if match(dp.Attributes) {
						return dp.Value, true
					}
				}
			}
		}
	}
	return 0, false
}

func TestMetrics_Collect(t *testing.T) {
	ctx := context.Background()
	mp, reader := newTestMeterProvider()
	defer func() {
		if err := mp.Shutdown(ctx); err != nil {
			t.Logf("Shutdown error: %v", err)
		}
	}()

	c, err := New(ctx, memory.New(), WithMeterProvider(mp), WithClock(clockwork.NewFakeClockAt(epoch)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() {
		if err := c.Close(); err != nil {
			t.Logf("Close error: %v", err)
		}
	}()

	if err := c.Set(ctx, "k", []byte(tenBytes), SetOptions{CacheControl: "max-age=300"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, _, err := c.Get(ctx, "k"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, _, err := c.Get(ctx, "missing"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	tests := []struct {
		name   string
		result string
		want   int64
	}{
		{metricReads, "hit", 1},
		{metricReads, "miss", 1},
		{metricReads, "stale", 0},
		{metricRevalidations, "success", 0},
		{metricRecords, "", 1},
		{metricBytes, "", 43},
		{metricWritesEnabled, "", 1},
		{metricDisables, "", 0},
	}
	for _, tt := range tests {
		got, ok := observed(t, rm, tt.name, tt.result)
		if !ok {
			t.Errorf("%s{result=%q} not reported", tt.name, tt.result)
			continue
		}
		if got != tt.want {
			t.Errorf("%s{result=%q} = %d; want %d", tt.name, tt.result, got, tt.want)
		}
	}
}

func TestMetrics_UnregisteredOnClose(t *testing.T) {
	ctx := context.Background()
	mp, reader := newTestMeterProvider()
	defer func() {
		if err := mp.Shutdown(ctx); err != nil {
			t.Logf("Shutdown error: %v", err)
		}
	}()

	c, err := New(ctx, memory.New(), WithMeterProvider(mp))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if _, ok := observed(t, rm, metricReads, "hit"); ok {
		t.Error("metrics still reported after Close")
	}
}
