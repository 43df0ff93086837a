package messaging

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/mongokit/mongoodm/messaging"

// Metrics provides OpenTelemetry metrics for message dispatch.
//
// All methods are nil-safe — calling any method on a nil *Metrics is a no-op.
// Use NewMetrics() to create an instance with the global meter provider,
// or pass WithMeterProvider() for a custom provider.
//
// Available metrics:
//   - mongoodm_messages_dispatched_total: Counter of messages handed to listeners
//   - mongoodm_dispatch_errors_total: Counter of listener errors
//   - mongoodm_poll_errors_total: Counter of cursor fetch failures
//   - mongoodm_dispatch_duration_seconds: Histogram of listener processing time
//   - mongoodm_tasks_active: Gauge of running cursor tasks (callback-based)
type Metrics struct {
	meter metric.Meter

	// Counters
	dispatchedTotal metric.Int64Counter
	dispatchErrors  metric.Int64Counter
	pollErrors      metric.Int64Counter

	// Histograms
	dispatchDuration metric.Float64Histogram

	// Observable gauge
	tasksActive metric.Int64ObservableGauge

	// Callback for observable gauge
	activeCallback func() int64

	// Registration for cleanup
	registration metric.Registration
	mu           sync.RWMutex
}

// MetricsOption configures the Metrics instance.
type MetricsOption func(*metricsOptions)

type metricsOptions struct {
	meterProvider metric.MeterProvider
	namespace     string
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

// WithMetricsNamespace sets a namespace prefix for all metrics.
// This is useful for distinguishing metrics from different containers.
//
// Example:
//
//	metrics, _ := messaging.NewMetrics(messaging.WithMetricsNamespace("orders"))
//	// Metrics will be: orders_mongoodm_messages_dispatched_total, etc.
func WithMetricsNamespace(namespace string) MetricsOption {
	return func(o *metricsOptions) {
		if namespace != "" {
			o.namespace = namespace + "_"
		}
	}
}

// NewMetrics creates a new Metrics instance for recording dispatch metrics.
//
// By default, uses the global OpenTelemetry meter provider. Use
// WithMeterProvider to specify a custom provider.
func NewMetrics(opts ...MetricsOption) (*Metrics, error) {
	o := &metricsOptions{
		meterProvider: otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(o)
	}

	meter := o.meterProvider.Meter(meterName)
	prefix := o.namespace

	m := &Metrics{
		meter: meter,
	}

	var err error

	m.dispatchedTotal, err = meter.Int64Counter(
		prefix+"mongoodm_messages_dispatched_total",
		metric.WithDescription("Total number of messages handed to listeners"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	m.dispatchErrors, err = meter.Int64Counter(
		prefix+"mongoodm_dispatch_errors_total",
		metric.WithDescription("Total number of listener invocations that returned an error"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	m.pollErrors, err = meter.Int64Counter(
		prefix+"mongoodm_poll_errors_total",
		metric.WithDescription("Total number of cursor fetch failures"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	m.dispatchDuration, err = meter.Float64Histogram(
		prefix+"mongoodm_dispatch_duration_seconds",
		metric.WithDescription("Time spent in a listener per message"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	m.tasksActive, err = meter.Int64ObservableGauge(
		prefix+"mongoodm_tasks_active",
		metric.WithDescription("Current number of running cursor tasks"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, err
	}

	m.registration, err = meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()

			if m.activeCallback != nil {
				o.ObserveInt64(m.tasksActive, m.activeCallback())
			}
			return nil
		},
		m.tasksActive,
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// SetActiveCallback sets the callback function for the active tasks gauge.
// The callback is called on each metrics collection to get the current
// count. The container sets this when the metrics instance is attached.
func (m *Metrics) SetActiveCallback(fn func() int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeCallback = fn
}

// RecordDispatch records one listener invocation.
func (m *Metrics) RecordDispatch(ctx context.Context, props Properties, d time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("namespace", props.Namespace()))
	m.dispatchedTotal.Add(ctx, 1, attrs)
	m.dispatchDuration.Record(ctx, d.Seconds(), attrs)
	if err != nil {
		m.dispatchErrors.Add(ctx, 1, attrs)
	}
}

// RecordPollError records one cursor fetch failure.
func (m *Metrics) RecordPollError(ctx context.Context) {
	if m == nil {
		return
	}
	m.pollErrors.Add(ctx, 1)
}

// Close unregisters the metrics callbacks.
// Call this when the container is stopped to clean up resources.
func (m *Metrics) Close() error {
	if m == nil {
		return nil
	}
	if m.registration != nil {
		return m.registration.Unregister()
	}
	return nil
}
