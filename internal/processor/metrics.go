package processor

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// pipelineMetrics holds Prometheus metrics for the extraction pipeline.
type pipelineMetrics struct {
	items               *prometheus.CounterVec
	itemDuration        prometheus.Histogram
	recognitionDuration *prometheus.HistogramVec
	inFlight            prometheus.Gauge
	regionFailures      *prometheus.CounterVec
	batches             prometheus.Counter
}

// Singleton so repeated construction never double-registers.
var (
	metricsInstance *pipelineMetrics
	metricsOnce     sync.Once
	metricsRegistry = prometheus.DefaultRegisterer
)

func newPipelineMetrics() *pipelineMetrics {
	metricsOnce.Do(func() {
		metricsInstance = &pipelineMetrics{
			items: promauto.With(metricsRegistry).NewCounterVec(prometheus.CounterOpts{
				Name: "generals_items_total",
				Help: "Captures processed, by final state",
			}, []string{"state"}),
			itemDuration: promauto.With(metricsRegistry).NewHistogram(prometheus.HistogramOpts{
				Name:    "generals_item_duration_seconds",
				Help:    "Time taken to extract one capture",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			}),
			recognitionDuration: promauto.With(metricsRegistry).NewHistogramVec(prometheus.HistogramOpts{
				Name:    "generals_recognition_duration_seconds",
				Help:    "Time taken by a single recognition attempt",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
			}, []string{"tier"}),
			inFlight: promauto.With(metricsRegistry).NewGauge(prometheus.GaugeOpts{
				Name: "generals_items_in_flight",
				Help: "Captures currently being extracted",
			}),
			regionFailures: promauto.With(metricsRegistry).NewCounterVec(prometheus.CounterOpts{
				Name: "generals_region_failures_total",
				Help: "Regions that could not be read, by error code",
			}, []string{"code"}),
			batches: promauto.With(metricsRegistry).NewCounter(prometheus.CounterOpts{
				Name: "generals_batches_total",
				Help: "Batches run to completion",
			}),
		}
	})
	return metricsInstance
}

// resetMetricsForTesting swaps in a fresh registry. Tests only.
func resetMetricsForTesting() {
	metricsRegistry = prometheus.NewRegistry()
	metricsInstance = nil
	metricsOnce = sync.Once{}
}

// ObserveRecognition records one recognition attempt. Pass it to
// recognition.WithObserver.
func ObserveRecognition(tier string, d time.Duration) {
	newPipelineMetrics().recognitionDuration.WithLabelValues(tier).Observe(d.Seconds())
}
