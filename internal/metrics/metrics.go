package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	cacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reportd",
			Subsystem: "report_cache",
			Name:      "requests_total",
			Help:      "Report cache lookups by cache and result (hit or miss).",
		}, []string{"cache", "result"},
	)
	generations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reportd",
			Subsystem: "report",
			Name:      "generations_total",
			Help:      "Report generations by cache and outcome.",
		}, []string{"cache", "outcome"},
	)
	generationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "reportd",
			Subsystem: "report",
			Name:      "generation_duration_seconds",
			Help:      "Wall time of report generation child processes.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"cache"},
	)
	childPeakRSS = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "reportd",
			Subsystem: "report",
			Name:      "child_peak_rss_bytes",
			Help:      "Peak resident set size observed for report generation child processes.",
			Buckets:   prometheus.ExponentialBuckets(16<<20, 2, 9),
		}, []string{"cache"},
	)
	generationsInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "reportd",
			Subsystem: "report",
			Name:      "generations_in_flight",
			Help:      "Report generations currently holding the generation lock.",
		}, []string{"cache"},
	)

	poolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "reportd",
			Subsystem: "target_pool",
			Name:      "connections",
			Help:      "Number of pooled target connections.",
		},
	)
	poolConnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reportd",
			Subsystem: "target_pool",
			Name:      "connects_total",
			Help:      "Target connection establishment attempts by result.",
		}, []string{"result"},
	)
	poolEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "reportd",
			Subsystem: "target_pool",
			Name:      "evictions_total",
			Help:      "Idle target connections closed by the eviction sweep.",
		},
	)
	poolInvalidations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "reportd",
			Subsystem: "target_pool",
			Name:      "invalidations_total",
			Help:      "Target connections dropped after a connection failure.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		cacheRequests, generations, generationDuration, childPeakRSS, generationsInFlight,
		poolSize, poolConnects, poolEvictions, poolInvalidations,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics gathered from g, or the DefaultGatherer when g is nil.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncCacheHit(cache string) {
	if regOK.Load() {
		cacheRequests.WithLabelValues(cache, "hit").Inc()
	}
}

func IncCacheMiss(cache string) {
	if regOK.Load() {
		cacheRequests.WithLabelValues(cache, "miss").Inc()
	}
}

func IncGeneration(cache, outcome string) {
	if regOK.Load() {
		generations.WithLabelValues(cache, outcome).Inc()
	}
}

func ObserveGenerationDuration(cache string, seconds float64) {
	if regOK.Load() {
		generationDuration.WithLabelValues(cache).Observe(seconds)
	}
}

func ObserveChildPeakRSS(cache string, bytes uint64) {
	if regOK.Load() && bytes > 0 {
		childPeakRSS.WithLabelValues(cache).Observe(float64(bytes))
	}
}

func AddGenerationsInFlight(cache string, delta int) {
	if regOK.Load() {
		generationsInFlight.WithLabelValues(cache).Add(float64(delta))
	}
}

func SetPoolSize(n int) {
	if regOK.Load() {
		poolSize.Set(float64(n))
	}
}

func IncPoolConnect(result string) {
	if regOK.Load() {
		poolConnects.WithLabelValues(result).Inc()
	}
}

func IncPoolEviction() {
	if regOK.Load() {
		poolEvictions.Inc()
	}
}

func IncPoolInvalidation() {
	if regOK.Load() {
		poolInvalidations.Inc()
	}
}
