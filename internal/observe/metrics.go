// Package observe provides application-wide observability primitives for
// tingxie: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all tingxie metrics.
const meterName = "github.com/MrWong99/tingxie"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use. The underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TranscriptionDuration tracks end-to-end job latency from inspection to
	// the filtered transcript.
	TranscriptionDuration metric.Float64Histogram

	// RecognitionDuration tracks the recogniser call alone. Use with attribute:
	//   attribute.String("strategy", "short_form"|"long_form")
	RecognitionDuration metric.Float64Histogram

	// OptimizeDuration tracks a complete optimisation call including retries.
	OptimizeDuration metric.Float64Histogram

	// --- Counters ---

	// Jobs counts finished transcription jobs. Use with attributes:
	//   attribute.String("status", ...), attribute.String("strategy", ...)
	Jobs metric.Int64Counter

	// OptimizeAttempts counts individual optimiser HTTP attempts. Use with
	// attributes:
	//   attribute.String("provider", ...), attribute.String("outcome", ...)
	OptimizeAttempts metric.Int64Counter

	// PreprocessFallbacks counts recovered preprocessing failures. Use with
	// attribute:
	//   attribute.String("stage", "normalize"|"split")
	PreprocessFallbacks metric.Int64Counter

	// --- Gauges ---

	// ActiveJobs tracks the number of transcription jobs currently running.
	ActiveJobs metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// jobBuckets defines histogram bucket boundaries (in seconds) for batch
// transcription and optimisation, which run for seconds to many minutes.
var jobBuckets = []float64{
	0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscriptionDuration, err = m.Float64Histogram("tingxie.transcription.duration",
		metric.WithDescription("Latency of a complete transcription job."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(jobBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RecognitionDuration, err = m.Float64Histogram("tingxie.recognition.duration",
		metric.WithDescription("Latency of speech recognition by strategy."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(jobBuckets...),
	); err != nil {
		return nil, err
	}
	if met.OptimizeDuration, err = m.Float64Histogram("tingxie.optimize.duration",
		metric.WithDescription("Latency of text optimisation including retries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(jobBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Jobs, err = m.Int64Counter("tingxie.jobs",
		metric.WithDescription("Total transcription jobs by status and strategy."),
	); err != nil {
		return nil, err
	}
	if met.OptimizeAttempts, err = m.Int64Counter("tingxie.optimize.attempts",
		metric.WithDescription("Total optimiser HTTP attempts by provider and outcome."),
	); err != nil {
		return nil, err
	}
	if met.PreprocessFallbacks, err = m.Int64Counter("tingxie.preprocess.fallbacks",
		metric.WithDescription("Total recovered preprocessing failures by stage."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveJobs, err = m.Int64UpDownCounter("tingxie.active_jobs",
		metric.WithDescription("Number of transcription jobs currently running."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("tingxie.http.request.duration",
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
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordJob records a finished transcription job.
func (m *Metrics) RecordJob(ctx context.Context, status, strategy string) {
	m.Jobs.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("status", status),
			attribute.String("strategy", strategy),
		),
	)
}

// RecordOptimizeAttempt records a single optimiser HTTP attempt.
func (m *Metrics) RecordOptimizeAttempt(ctx context.Context, provider, outcome string) {
	m.OptimizeAttempts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordPreprocessFallback records a recovered preprocessing failure.
func (m *Metrics) RecordPreprocessFallback(ctx context.Context, stage string) {
	m.PreprocessFallbacks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}
