// Package metric wires Prometheus instrumentation for the console server:
// HTTP traffic, gallery mutations, remote fetch outcomes and stream frame
// handling. A nil registry disables collection, so callers instrument
// unconditionally and tests run without a registry.
package metric

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "localllmgallery"

// Registry owns the Prometheus registry and the server's core metrics.
type Registry struct {
	registry *prometheus.Registry
	Metrics  *Metrics
}

// Metrics holds the server's core instruments.
type Metrics struct {
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	GallerySaves    *prometheus.CounterVec
	GalleryDeletes  prometheus.Counter
	GalleryEntries  prometheus.Gauge
	FetchOutcomes   *prometheus.CounterVec
	FetchBytes      prometheus.Counter
	StreamFrames    *prometheus.CounterVec
	RateLimited     prometheus.Counter
	WriteLockDepth  prometheus.GaugeFunc
}

// NewRegistry creates a registry with the core metrics plus Go runtime and
// process collectors. queueDepth feeds the write-lock gauge; nil means the
// gauge reads zero.
func NewRegistry(queueDepth func() int64) *Registry {
	if queueDepth == nil {
		queueDepth = func() int64 { return 0 }
	}

	m := &Metrics{
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by route, method and status code",
			},
			[]string{"route", "method", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		GallerySaves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gallery",
				Name:      "saves_total",
				Help:      "Gallery save operations by outcome (saved, duplicate, error)",
			},
			[]string{"outcome"},
		),
		GalleryDeletes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gallery",
				Name:      "deletes_total",
				Help:      "Gallery entries deleted",
			},
		),
		GalleryEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "gallery",
				Name:      "entries",
				Help:      "Entries currently in the gallery index",
			},
		),
		FetchOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fetch",
				Name:      "outcomes_total",
				Help:      "Remote image fetches by outcome (ok, blocked, too_large, timeout, upstream_error)",
			},
			[]string{"outcome"},
		),
		FetchBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fetch",
				Name:      "bytes_total",
				Help:      "Total bytes downloaded from remote image hosts",
			},
		),
		StreamFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "frames_total",
				Help:      "Stream frames handled by kind (status, error, images, unknown)",
			},
			[]string{"kind"},
		),
		RateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the per-IP rate limiter",
			},
		),
		WriteLockDepth: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "gallery",
				Name:      "write_lock_queue_depth",
				Help:      "Writers holding or waiting on the gallery write lock",
			},
			func() float64 { return float64(queueDepth()) },
		),
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		m.HTTPRequests,
		m.HTTPDuration,
		m.GallerySaves,
		m.GalleryDeletes,
		m.GalleryEntries,
		m.FetchOutcomes,
		m.FetchBytes,
		m.StreamFrames,
		m.RateLimited,
		m.WriteLockDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Registry{registry: registry, Metrics: m}
}

// Handler serves the registry in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one served request. Nil-safe.
func (r *Registry) ObserveHTTP(route, method string, status int, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.Metrics.HTTPRequests.WithLabelValues(route, method, statusLabel(status)).Inc()
	r.Metrics.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// CountSave records one gallery save outcome. Nil-safe.
func (r *Registry) CountSave(outcome string) {
	if r == nil {
		return
	}
	r.Metrics.GallerySaves.WithLabelValues(outcome).Inc()
}

// CountDelete records one gallery delete. Nil-safe.
func (r *Registry) CountDelete() {
	if r == nil {
		return
	}
	r.Metrics.GalleryDeletes.Inc()
}

// SetEntries records the current index length. Nil-safe.
func (r *Registry) SetEntries(n int) {
	if r == nil {
		return
	}
	r.Metrics.GalleryEntries.Set(float64(n))
}

// CountFetch records one fetch outcome and its payload size. Nil-safe.
func (r *Registry) CountFetch(outcome string, bytes int) {
	if r == nil {
		return
	}
	r.Metrics.FetchOutcomes.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		r.Metrics.FetchBytes.Add(float64(bytes))
	}
}

// CountStreamFrame records one classified stream frame. Nil-safe.
func (r *Registry) CountStreamFrame(kind string) {
	if r == nil {
		return
	}
	r.Metrics.StreamFrames.WithLabelValues(kind).Inc()
}

// CountRateLimited records one rejected request. Nil-safe.
func (r *Registry) CountRateLimited() {
	if r == nil {
		return
	}
	r.Metrics.RateLimited.Inc()
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
