package metacache

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/codeGROOVE-dev/metacache"

// Metric names.
const (
	metricReads         = "metacache.reads"
	metricRevalidations = "metacache.revalidations"
	metricDisables      = "metacache.disables"
	metricRecords       = "metacache.records"
	metricBytes         = "metacache.bytes"
	metricWritesEnabled = "metacache.writes.enabled"
)

// registerMetrics exposes the cache counters as observable instruments.
// Gauges report the registry as built so far; collecting never scans the store.
func (c *Cache) registerMetrics() (metric.Registration, error) {
	m := c.cfg.meterProvider.Meter(meterName)

	reads, err := m.Int64ObservableCounter(metricReads,
		metric.WithDescription("Reads by result"), metric.WithUnit("{read}"))
	if err != nil {
		return nil, err
	}
	revalidations, err := m.Int64ObservableCounter(metricRevalidations,
		metric.WithDescription("Background revalidations by result"), metric.WithUnit("{revalidation}"))
	if err != nil {
		return nil, err
	}
	disables, err := m.Int64ObservableCounter(metricDisables,
		metric.WithDescription("Times writes were disabled by quota exhaustion"), metric.WithUnit("{disable}"))
	if err != nil {
		return nil, err
	}
	records, err := m.Int64ObservableGauge(metricRecords,
		metric.WithDescription("Records known to the registry"), metric.WithUnit("{record}"))
	if err != nil {
		return nil, err
	}
	size, err := m.Int64ObservableGauge(metricBytes,
		metric.WithDescription("Encoded bytes known to the registry"), metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}
	enabled, err := m.Int64ObservableGauge(metricWritesEnabled,
		metric.WithDescription("1 while writes are accepted, 0 while disabled"))
	if err != nil {
		return nil, err
	}

	prefix := attribute.String("prefix", c.cfg.keyPrefix)
	with := func(result string) metric.ObserveOption {
		return metric.WithAttributes(prefix, attribute.String("result", result))
	}
	base := metric.WithAttributes(prefix)

	return m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		c.mu.Lock()
		s := c.snapshotLocked()
		count, bytes := c.reg.len(), c.reg.bytes()
		c.mu.Unlock()

		o.ObserveInt64(reads, s.Hit, with("hit"))
		o.ObserveInt64(reads, s.Miss, with("miss"))
		o.ObserveInt64(reads, s.Stale, with("stale"))
		o.ObserveInt64(reads, s.Error, with("error"))
		o.ObserveInt64(revalidations, s.RevalidateSuccess, with("success"))
		o.ObserveInt64(revalidations, s.RevalidateFailure, with("failure"))
		o.ObserveInt64(disables, s.Disables, base)
		o.ObserveInt64(records, int64(count), base)
		o.ObserveInt64(size, bytes, base)
		var on int64
		if s.Enabled {
			on = 1
		}
		o.ObserveInt64(enabled, on, base)
		return nil
	}, reads, revalidations, disables, records, size, enabled)
}
