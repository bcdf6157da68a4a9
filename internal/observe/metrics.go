// Package observe provides observability primitives for Callwarden:
// OpenTelemetry metrics, tracing, and HTTP middleware tying them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported
// via a Prometheus bridge set up by [InitProvider], so the standard /metrics
// endpoint keeps working. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for all Callwarden metrics.
const meterName = "github.com/callwarden/callwarden"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// ClassifyDuration tracks per-segment classification latency, from
	// request submission to scored response. Attribute: status.
	ClassifyDuration metric.Float64Histogram

	// SealDuration tracks per-segment envelope sealing latency.
	SealDuration metric.Float64Histogram

	// SegmentOutcomes counts resolved dispatch operations. Use with
	// attribute.String("status", "success" | "timeout" | "transport" |
	// "sealing" | "cancelled").
	SegmentOutcomes metric.Int64Counter

	// CacheUpdates counts live-status cache writes.
	CacheUpdates metric.Int64Counter

	// ActiveSessions tracks the number of in-progress analysis sessions.
	ActiveSessions metric.Int64UpDownCounter

	// InflightDispatches tracks dispatch operations awaiting a
	// classification response.
	InflightDispatches metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// classification round-trips, which dominate the pipeline.
var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ClassifyDuration, err = m.Float64Histogram("callwarden.classify.duration",
		metric.WithDescription("Latency of per-segment classification round-trips."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SealDuration, err = m.Float64Histogram("callwarden.seal.duration",
		metric.WithDescription("Latency of per-segment envelope sealing."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SegmentOutcomes, err = m.Int64Counter("callwarden.segment.outcomes",
		metric.WithDescription("Resolved dispatch operations by status."),
	); err != nil {
		return nil, err
	}
	if met.CacheUpdates, err = m.Int64Counter("callwarden.cache.updates",
		metric.WithDescription("Live-status cache writes."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("callwarden.active_sessions",
		metric.WithDescription("Number of in-progress analysis sessions."),
	); err != nil {
		return nil, err
	}
	if met.InflightDispatches, err = m.Int64UpDownCounter("callwarden.inflight_dispatches",
		metric.WithDescription("Dispatch operations awaiting a classification response."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("callwarden.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}
