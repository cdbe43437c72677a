// Package metrics exposes Prometheus instrumentation for the conversion
// pipeline and the model lifecycle.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/book-expert/vc-service/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vc"

// Metrics holds every collector the service reports.
type Metrics struct {
	registry *prometheus.Registry

	ConversionSeconds *prometheus.HistogramVec
	ConversionsTotal  *prometheus.CounterVec
	StageSeconds      *prometheus.HistogramVec
	ModelLoaded       prometheus.Gauge
	ModelGeneration   prometheus.Gauge
	ModelEventsTotal  *prometheus.CounterVec
	HTTPRequestsTotal *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		ConversionSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "conversion",
			Name:      "request_seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"status"}),
		ConversionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conversion",
			Name:      "requests_total",
		}, []string{"status"}),
		StageSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "conversion",
			Name:      "stage_seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		ModelLoaded: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "loaded",
		}),
		ModelGeneration: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "generation",
		}),
		ModelEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "events_total",
		}, []string{"kind"}),
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
		}, []string{"route", "code"}),
	}
}

// ObserveConversion records one finished conversion.
func (m *Metrics) ObserveConversion(status string, elapsed time.Duration) {
	m.ConversionsTotal.WithLabelValues(status).Inc()
	m.ConversionSeconds.WithLabelValues(status).Observe(elapsed.Seconds())
}

// ObserveStage records the time spent reaching a pipeline stage.
func (m *Metrics) ObserveStage(stage string, elapsed time.Duration) {
	m.StageSeconds.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// ObserveRequest counts one HTTP response.
func (m *Metrics) ObserveRequest(route string, code int) {
	m.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// HandleModelEvent tracks model lifecycle transitions.
func (m *Metrics) HandleModelEvent(_ context.Context, event model.Event) error {
	m.ModelEventsTotal.WithLabelValues(event.Kind.String()).Inc()

	if event.Kind == model.EventUnloaded {
		m.ModelLoaded.Set(0)

		return nil
	}

	m.ModelLoaded.Set(1)
	m.ModelGeneration.Set(float64(event.Generation))

	return nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
