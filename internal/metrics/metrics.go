package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors. A nil *Metrics is valid and records
// nothing, so components can be built without one in tests.
type Metrics struct {
	FeedFetches       *prometheus.CounterVec
	FeedFetchDuration prometheus.Histogram
	CacheFallbacks    *prometheus.CounterVec
	LinkHops          prometheus.Histogram
	ImportRows        *prometheus.CounterVec
	SpatialResults    *prometheus.HistogramVec
	HTTPRequests      *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FeedFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "locus_feed_fetches_total",
			Help: "Feed fetches by layer kind and outcome",
		}, []string{"kind", "outcome"}),
		FeedFetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "locus_feed_fetch_duration_ms",
			Help:    "Feed fetch duration in milliseconds",
			Buckets: []float64{5, 10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}),
		CacheFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "locus_feed_cache_fallbacks_total",
			Help: "Failed feed fetches answered from cache (stale) or not at all (inaccessible)",
		}, []string{"state"}),
		LinkHops: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "locus_feed_link_hops",
			Help:    "Network links followed per feed fetch",
			Buckets: []float64{0, 1, 2, 3, 5, 8},
		}),
		ImportRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "locus_import_rows_total",
			Help: "Bulk import rows by importer and outcome",
		}, []string{"importer", "outcome"}),
		SpatialResults: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "locus_spatial_query_results",
			Help:    "Rows returned by spatial queries",
			Buckets: []float64{0, 1, 10, 100, 1000, 10000},
		}, []string{"query"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "locus_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"route", "status"}),
	}

	reg.MustRegister(
		m.FeedFetches,
		m.FeedFetchDuration,
		m.CacheFallbacks,
		m.LinkHops,
		m.ImportRows,
		m.SpatialResults,
		m.HTTPRequests,
	)
	return m
}

// Handler exposes the collectors registered on g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveFeedFetch(kind, outcome string, took time.Duration, hops int) {
	if m == nil {
		return
	}
	m.FeedFetches.WithLabelValues(kind, outcome).Inc()
	m.FeedFetchDuration.Observe(float64(took.Milliseconds()))
	m.LinkHops.Observe(float64(hops))
}

func (m *Metrics) ObserveCacheFallback(state string) {
	if m == nil {
		return
	}
	m.CacheFallbacks.WithLabelValues(state).Inc()
}

func (m *Metrics) ObserveImportRow(importer, outcome string) {
	if m == nil {
		return
	}
	m.ImportRows.WithLabelValues(importer, outcome).Inc()
}

func (m *Metrics) ObserveSpatialQuery(query string, results int) {
	if m == nil {
		return
	}
	m.SpatialResults.WithLabelValues(query).Observe(float64(results))
}

func (m *Metrics) ObserveHTTPRequest(route string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, http.StatusText(status)).Inc()
}
