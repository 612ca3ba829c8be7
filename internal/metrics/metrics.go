// Package metrics exposes Prometheus collectors for the gateway.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "iptv_gateway"

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	RefreshTotal    *prometheus.CounterVec
	RefreshDuration prometheus.Histogram
	SourceFetches   *prometheus.CounterVec
	SourceEntries   *prometheus.GaugeVec
	Corrections     prometheus.Counter
	CatalogItems    *prometheus.GaugeVec
	PlaylistRenders *prometheus.CounterVec
	RateLimited     prometheus.Counter
	LastRefresh     prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "Catalog refresh cycles by result.",
		}, []string{"result"}),
		RefreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_duration_seconds",
			Help:      "Duration of catalog refresh cycles.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		SourceFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "epg_source_fetches_total",
			Help:      "EPG source fetches by source and result.",
		}, []string{"source", "result"}),
		SourceEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "epg_source_entries",
			Help:      "Programme entries parsed from each EPG source in the last refresh.",
		}, []string{"source"}),
		Corrections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "epg_source_corrections_total",
			Help:      "EPG source URLs rewritten by the corrector.",
		}),
		CatalogItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "catalog_items",
			Help:      "Items in the published catalog snapshot by kind.",
		}, []string{"kind"}),
		PlaylistRenders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playlist_renders_total",
			Help:      "Playlist renders by format and result.",
		}, []string{"format", "result"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_requests_total",
			Help:      "Requests rejected by the per-user rate limiter.",
		}),
		LastRefresh: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_refresh_timestamp_seconds",
			Help:      "Unix time of the last published catalog snapshot.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RefreshTotal,
		m.RefreshDuration,
		m.SourceFetches,
		m.SourceEntries,
		m.Corrections,
		m.CatalogItems,
		m.PlaylistRenders,
		m.RateLimited,
		m.LastRefresh,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRefresh records one refresh cycle.
func (m *Metrics) ObserveRefresh(result string, took time.Duration) {
	m.RefreshTotal.WithLabelValues(result).Inc()
	m.RefreshDuration.Observe(took.Seconds())
}

// ObserveSnapshot records the size and time of a published snapshot.
func (m *Metrics) ObserveSnapshot(channels, vod int, at time.Time) {
	m.CatalogItems.WithLabelValues("live").Set(float64(channels))
	m.CatalogItems.WithLabelValues("vod").Set(float64(vod))
	m.LastRefresh.Set(float64(at.Unix()))
}
