// MetricObserver derives scope duration and count metrics from closed scopes.
// Uses the OTel Metrics API to record measurements with function and namespace attributes.
package reconstruct

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// MetricObserver records derived metrics for each closed scope.
type MetricObserver struct {
	duration metric.Float64Histogram
	scopes   metric.Int64Counter
	forced   metric.Int64Counter
}

// NewMetricObserver creates a MetricObserver backed by the given MeterProvider.
func NewMetricObserver(mp metric.MeterProvider) (*MetricObserver, error) {
	meter := mp.Meter(InstrumentationName)

	duration, err := meter.Float64Histogram("scopetrace.scope.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Host-observed duration of reconstructed scopes in milliseconds"),
	)
	if err != nil {
		return nil, err
	}

	scopes, err := meter.Int64Counter("scopetrace.scope.count",
		metric.WithDescription("Number of reconstructed scopes"),
	)
	if err != nil {
		return nil, err
	}

	forced, err := meter.Int64Counter("scopetrace.scope.forced",
		metric.WithDescription("Number of scopes closed without their own exit record"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricObserver{
		duration: duration,
		scopes:   scopes,
		forced:   forced,
	}, nil
}

// Observe records metrics derived from the closed scope.
func (m *MetricObserver) Observe(info ScopeInfo) {
	attrs := metric.WithAttributes(
		semconv.CodeFunctionKey.String(info.Name),
		semconv.CodeNamespaceKey.String(info.Location.Module),
	)
	m.scopes.Add(context.Background(), 1, attrs)
	m.duration.Record(context.Background(), float64(info.Duration)/float64(time.Millisecond), attrs)
	if info.Forced {
		m.forced.Add(context.Background(), 1, attrs)
	}
}
