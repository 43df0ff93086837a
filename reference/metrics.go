package reference

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/mongokit/mongoodm/reference"

// Metrics provides OpenTelemetry metrics for reference resolution.
//
// All methods are nil-safe — calling any method on a nil *Metrics is a no-op.
//
// Available metrics:
//   - mongoodm_reference_fetches_total: Counter of reference fetches executed
//   - mongoodm_reference_fetch_errors_total: Counter of failed fetches
//   - mongoodm_reference_fetch_duration_seconds: Histogram of fetch latency
type Metrics struct {
	fetchesTotal  metric.Int64Counter
	errorsTotal   metric.Int64Counter
	fetchDuration metric.Float64Histogram
}

// MetricsOption configures the Metrics instance.
type MetricsOption func(*metricsOptions)

type metricsOptions struct {
	meterProvider metric.MeterProvider
}

// WithMeterProvider sets a custom meter provider for metrics.
// By default, uses the global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) MetricsOption {
	return func(o *metricsOptions) {
		if provider != nil {
			o.meterProvider = provider
		}
	}
}

// NewMetrics creates a Metrics instance for recording reference resolution
// metrics.
func NewMetrics(opts ...MetricsOption) (*Metrics, error) {
	o := &metricsOptions{
		meterProvider: otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(o)
	}

	meter := o.meterProvider.Meter(meterName)
	m := &Metrics{}

	var err error
	m.fetchesTotal, err = meter.Int64Counter(
		"mongoodm_reference_fetches_total",
		metric.WithDescription("Total number of reference fetches executed"),
		metric.WithUnit("{fetch}"),
	)
	if err != nil {
		return nil, err
	}

	m.errorsTotal, err = meter.Int64Counter(
		"mongoodm_reference_fetch_errors_total",
		metric.WithDescription("Total number of reference fetches that failed"),
		metric.WithUnit("{fetch}"),
	)
	if err != nil {
		return nil, err
	}

	m.fetchDuration, err = meter.Float64Histogram(
		"mongoodm_reference_fetch_duration_seconds",
		metric.WithDescription("Time spent executing a reference fetch"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordFetch records one executed reference fetch.
func (m *Metrics) RecordFetch(ctx context.Context, property string, d time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("property", property))
	m.fetchesTotal.Add(ctx, 1, attrs)
	m.fetchDuration.Record(ctx, d.Seconds(), attrs)
	if err != nil {
		m.errorsTotal.Add(ctx, 1, attrs)
	}
}
