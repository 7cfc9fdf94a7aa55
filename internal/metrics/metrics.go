// Package metrics holds the pipeline's prometheus collectors. Each Metrics
// owns a private registry so several pipelines (and tests) never collide.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "production_vision"

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	Frames            prometheus.Counter
	FrameReadFailures prometheus.Counter
	EncodeFailures    prometheus.Counter
	Detections        *prometheus.CounterVec
	Inference         prometheus.Histogram
	PipelineRuns      prometheus.Counter
}

// New creates and registers the collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames delivered to viewers.",
		}),
		FrameReadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_read_failures_total",
			Help:      "Frame reads that ended a stream.",
		}),
		EncodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "encode_failures_total",
			Help:      "Annotated frames dropped because encoding failed.",
		}),
		Detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Tracked detections by class.",
		}, []string{"class"}),
		Inference: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_seconds",
			Help:      "Latency of one model tracking call.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		PipelineRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Pipelines started.",
		}),
	}
	m.registry.MustRegister(
		m.Frames,
		m.FrameReadFailures,
		m.EncodeFailures,
		m.Detections,
		m.Inference,
		m.PipelineRuns,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry for scraping
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) FrameSent() {
	if m != nil {
		m.Frames.Inc()
	}
}

func (m *Metrics) ReadFailed() {
	if m != nil {
		m.FrameReadFailures.Inc()
	}
}

func (m *Metrics) EncodeFailed() {
	if m != nil {
		m.EncodeFailures.Inc()
	}
}

func (m *Metrics) Detected(class string) {
	if m != nil {
		m.Detections.WithLabelValues(class).Inc()
	}
}

func (m *Metrics) ObserveInference(d time.Duration) {
	if m != nil {
		m.Inference.Observe(d.Seconds())
	}
}

func (m *Metrics) PipelineStarted() {
	if m != nil {
		m.PipelineRuns.Inc()
	}
}
