// Package observetest provides metric helpers for tests in other packages.
//
// NewMetrics returns an [observe.Metrics] backed by a manual reader so that
// tests can assert on recorded values without touching the global provider.
package observetest

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/tingxie/internal/observe"
)

// Reader wraps a manual reader with lookup helpers.
type Reader struct {
	*sdkmetric.ManualReader
}

// NewMetrics returns isolated metrics and the reader that observes them.
func NewMetrics(t testing.TB) (*observe.Metrics, *Reader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, &Reader{reader}
}

// Collect gathers all metric data from the reader.
func (r *Reader) Collect(t testing.TB) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := r.ManualReader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// Sum returns the total of the int64 counter name across data points whose
// attributes include every kv in attrs.
func (r *Reader) Sum(t testing.TB, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	var total int64
	for _, sm := range r.Collect(t).ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					if hasAll(dp.Attributes, attrs) {
						total += dp.Value
					}
				}
			default:
				t.Fatalf("metric %q is %T, want an int64 sum", name, m.Data)
			}
		}
	}
	return total
}

// Count returns the number of observations recorded by the float64
// histogram name.
func (r *Reader) Count(t testing.TB, name string) uint64 {
	t.Helper()
	var total uint64
	for _, sm := range r.Collect(t).ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			data, ok := m.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is %T, want a float64 histogram", name, m.Data)
			}
			for _, dp := range data.DataPoints {
				total += dp.Count
			}
		}
	}
	return total
}

func hasAll(set attribute.Set, want []attribute.KeyValue) bool {
	for _, kv := range want {
		v, ok := set.Value(kv.Key)
		if !ok || v != kv.Value {
			return false
		}
	}
	return true
}
