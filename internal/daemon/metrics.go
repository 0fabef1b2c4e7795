package daemon

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DaemonMetrics holds HTTP metrics using OTEL semantic conventions
type DaemonMetrics struct {
	requests        metric.Int64Counter
	requestDuration metric.Float64Histogram
}

// NewDaemonMetrics creates daemon metrics on the global meter provider
func NewDaemonMetrics() (*DaemonMetrics, error) {
	meter := otel.Meter("vigil.daemon")

	requests, err := meter.Int64Counter(
		"vigil.daemon.requests",
		metric.WithDescription("Number of HTTP requests served"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	requestDuration, err := meter.Float64Histogram(
		"vigil.daemon.request.duration",
		metric.WithDescription("Duration of HTTP requests"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &DaemonMetrics{
		requests:        requests,
		requestDuration: requestDuration,
	}, nil
}

// RecordRequest records one served request
func (m *DaemonMetrics) RecordRequest(ctx context.Context, route string, code int, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("http.route", route),
		attribute.Int("http.response.status_code", code),
	)
	m.requests.Add(ctx, 1, attrs)
	m.requestDuration.Record(ctx, d.Seconds(), attrs)
}
