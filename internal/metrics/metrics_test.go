package metrics_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/book-expert/vc-service/internal/metrics"
	"github.com/book-expert/vc-service/internal/model"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_ObserveConversion(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	m.ObserveConversion("success", time.Second)
	m.ObserveConversion("success", 2*time.Second)
	m.ObserveConversion("error", time.Millisecond)

	assert.InDelta(t, 2.0, testutil.ToFloat64(m.ConversionsTotal.WithLabelValues("success")), 0)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.ConversionsTotal.WithLabelValues("error")), 0)
	assert.Equal(t, 2, testutil.CollectAndCount(m.ConversionSeconds))
}

func TestMetrics_ModelEvents(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	ctx := context.Background()

	require.NoError(t, m.HandleModelEvent(ctx, model.Event{Kind: model.EventLoaded, Generation: 1}))
	require.NoError(t, m.HandleModelEvent(ctx, model.Event{Kind: model.EventReplaced, Generation: 2}))

	assert.InDelta(t, 1.0, testutil.ToFloat64(m.ModelLoaded), 0)
	assert.InDelta(t, 2.0, testutil.ToFloat64(m.ModelGeneration), 0)

	require.NoError(t, m.HandleModelEvent(ctx, model.Event{Kind: model.EventUnloaded, Generation: 2}))

	assert.InDelta(t, 0.0, testutil.ToFloat64(m.ModelLoaded), 0)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.ModelEventsTotal.WithLabelValues("unloaded")), 0)
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	m.ObserveStage("INFERRED", 10*time.Millisecond)
	m.ObserveRequest("/api/rvc", http.StatusOK)

	server := httptest.NewServer(m.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `vc_conversion_stage_seconds_count{stage="INFERRED"} 1`)
	assert.Contains(t, string(body), `vc_http_requests_total{code="200",route="/api/rvc"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
