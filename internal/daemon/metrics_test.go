package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/yairfalse/vigil/orchestrator"
)

func withManualReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestNewDaemonMetrics(t *testing.T) {
	m, err := NewDaemonMetrics()
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.NotNil(t, m.requests)
	assert.NotNil(t, m.requestDuration)
}

func TestRecordRequest(t *testing.T) {
	reader := withManualReader(t)
	m, err := NewDaemonMetrics()
	require.NoError(t, err)

	m.RecordRequest(context.Background(), "/health", http.StatusOK, 2*time.Millisecond)
	m.RecordRequest(context.Background(), "/health", http.StatusOK, 3*time.Millisecond)
	m.RecordRequest(context.Background(), "/health", http.StatusServiceUnavailable, time.Millisecond)

	got := collect(t, reader)
	requests, ok := got["vigil.daemon.requests"]
	require.True(t, ok)
	sum, ok := requests.Data.(metricdata.Sum[int64])
	require.True(t, ok)

	byCode := map[int64]int64{}
	for _, dp := range sum.DataPoints {
		code, found := dp.Attributes.Value(attribute.Key("http.response.status_code"))
		require.True(t, found)
		byCode[code.AsInt64()] = dp.Value
	}
	assert.Equal(t, int64(2), byCode[http.StatusOK])
	assert.Equal(t, int64(1), byCode[http.StatusServiceUnavailable])

	duration, ok := got["vigil.daemon.request.duration"]
	require.True(t, ok)
	hist, ok := duration.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(3), count)
}

func TestHandlerRecordsRequests(t *testing.T) {
	reader := withManualReader(t)
	d, err := NewDaemon(Config{Health: &fakeHealth{status: orchestrator.StatusDegraded}})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		d.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	}

	got := collect(t, reader)
	sum, ok := got["vigil.daemon.requests"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(3), sum.DataPoints[0].Value)

	route, found := sum.DataPoints[0].Attributes.Value(attribute.Key("http.route"))
	require.True(t, found)
	assert.Equal(t, "/health", route.AsString())
}
