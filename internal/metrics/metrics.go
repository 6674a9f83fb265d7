package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"changecache/internal/cache"
)

var (
	Registry = prometheus.NewRegistry()

	reqTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	reqInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_inflight",
			Help: "In-flight HTTP requests",
		},
	)

	reqDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	cacheItems = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cache_items",
			Help: "Approximate number of entity snapshots in the value cache",
		},
	)

	cacheHits = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cache_hits",
			Help: "Value cache hits since start",
		},
	)

	cacheMisses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cache_misses",
			Help: "Value cache misses since start",
		},
	)

	changeEntities = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "changecache_entities",
			Help: "Entities currently tracked by the change cache",
		},
		[]string{"cache"},
	)

	changeHorizon = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "changecache_horizon",
			Help: "Earliest stream position the change cache has complete knowledge of",
		},
		[]string{"cache"},
	)

	changeEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changecache_evictions_total",
			Help: "Entries dropped from the change cache to stay within capacity",
		},
		[]string{"cache"},
	)

	changeQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changecache_queries_total",
			Help: "Change cache queries by operation and result",
		},
		[]string{"cache", "op", "result"},
	)
)

func init() {
	Registry.MustRegister(reqTotal, reqInFlight, reqDuration, cacheItems, cacheHits, cacheMisses,
		changeEntities, changeHorizon, changeEvictions, changeQueries)
}

// CacheStats is the view of the value cache the metrics need.
// Implemented by internal/cache MemoryCache.
type CacheStats interface {
	Size() int
	Metrics() cache.CacheMetrics
}

// UpdateCacheItems gauges current cache size and hit/miss totals
func UpdateCacheItems(c CacheStats) {
	if c == nil {
		return
	}
	cacheItems.Set(float64(c.Size()))
	m := c.Metrics()
	cacheHits.Set(float64(m.Hits))
	cacheMisses.Set(float64(m.Misses))
}

// ChangeCacheMetrics are the series of one labelled change cache.
type ChangeCacheMetrics struct {
	Entities  prometheus.Gauge
	Horizon   prometheus.Gauge
	Evictions prometheus.Counter
	Queries   *prometheus.CounterVec
}

// NewChangeCacheMetrics binds the change cache series to label.
func NewChangeCacheMetrics(label string) *ChangeCacheMetrics {
	return &ChangeCacheMetrics{
		Entities:  changeEntities.WithLabelValues(label),
		Horizon:   changeHorizon.WithLabelValues(label),
		Evictions: changeEvictions.WithLabelValues(label),
		Queries:   changeQueries.MustCurryWith(prometheus.Labels{"cache": label}),
	}
}

// Update records size and horizon and adds newEvictions.
func (m *ChangeCacheMetrics) Update(size int, horizon int64, newEvictions uint64) {
	m.Entities.Set(float64(size))
	m.Horizon.Set(float64(horizon))
	if newEvictions > 0 {
		m.Evictions.Add(float64(newEvictions))
	}
}

// Observe counts one query. result is usually "changed", "unchanged" or
// "unknown".
func (m *ChangeCacheMetrics) Observe(op, result string) {
	m.Queries.WithLabelValues(op, result).Inc()
}

// Middleware instruments HTTP requests
func Middleware(route string, next http.Handler, stats CacheStats) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqInFlight.Inc()
		defer reqInFlight.Dec()

		// Capture status code
		rw := &statusRecorder{ResponseWriter: w, status: 200}
		next.ServeHTTP(rw, r)

		dur := time.Since(start).Seconds()
		reqDuration.WithLabelValues(r.Method, route).Observe(dur)
		reqTotal.WithLabelValues(r.Method, route, http.StatusText(rw.status)).Inc()

		// Update cache gauges opportunistically
		UpdateCacheItems(stats)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Handler returns a promhttp handler for the Registry
func Handler() http.Handler { return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}) }
