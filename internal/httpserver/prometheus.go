package httpserver

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skobkin/gpuavail/internal/availability"
	"github.com/skobkin/gpuavail/internal/snapcache"
)

const (
	metricsNamespace   = "gpuavail"
	siteCollectTimeout = 5 * time.Second
)

func (s *Server) registerPrometheus(router *mux.Router) {
	registry := prometheus.NewRegistry()
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "active_connections",
			Help:      "Current number of active WebSocket clients.",
		}, func() float64 {
			return float64(s.wsActive.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "connections_total",
			Help:      "Total WebSocket connections accepted since start.",
		}, func() float64 {
			return float64(s.wsTotal.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "rejected_total",
			Help:      "Total WebSocket connection attempts rejected due to capacity.",
		}, func() float64 {
			return float64(s.wsRejected.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_sent_total",
			Help:      "Total WebSocket messages sent to clients.",
		}, func() float64 {
			return float64(s.wsSent.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_dropped_total",
			Help:      "Total WebSocket messages dropped due to backpressure.",
		}, func() float64 {
			return float64(s.wsDropped.Load())
		}),
	}

	if s.aggregator != nil {
		collectors = append(collectors,
			newCacheCollector(s.aggregator),
			newSiteCollector(s.aggregator, s.logger),
		)
	}
	if s.watcher != nil {
		collectors = append(collectors,
			newAvailabilityCollector(s.watcher),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "watch",
				Name:      "polls_total",
				Help:      "Total availability polls performed by the watcher.",
			}, func() float64 {
				polls, _ := s.watcher.Counters()
				return float64(polls)
			}),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "watch",
				Name:      "poll_failures_total",
				Help:      "Total availability polls that failed.",
			}, func() float64 {
				_, failures := s.watcher.Counters()
				return float64(failures)
			}),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "watch",
				Name:      "subscribers",
				Help:      "Current number of snapshot subscribers.",
			}, func() float64 {
				return float64(s.watcher.Subscribers())
			}),
		)
	}

	for _, collector := range collectors {
		registry.MustRegister(collector)
	}

	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods("GET")
}

// availabilityCollector exports the watcher's latest unfiltered snapshot.
type availabilityCollector struct {
	watcher   Watcher
	count     *prometheus.Desc
	requested *prometheus.Desc
	available *prometheus.Desc
	stale     *prometheus.Desc
}

func newAvailabilityCollector(watcher Watcher) *availabilityCollector {
	labels := []string{"product", "memory_mb"}
	return &availabilityCollector{
		watcher: watcher,
		count: prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "gpu", "count"),
			"GPUs declared by node labels.", labels, nil),
		requested: prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "gpu", "requested"),
			"GPUs requested by workloads on labeled nodes.", labels, nil),
		available: prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "gpu", "available"),
			"GPUs not requested by any workload.", labels, nil),
		stale: prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "gpu", "snapshot_stale"),
			"1 when the latest snapshot was served from an earlier window.", nil, nil),
	}
}

func (c *availabilityCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.count
	ch <- c.requested
	ch <- c.available
	ch <- c.stale
}

func (c *availabilityCollector) Collect(ch chan<- prometheus.Metric) {
	snapshot, ok := c.watcher.Latest()
	if !ok {
		return
	}
	for _, product := range snapshot.Products {
		labels := productLabels(product)
		ch <- prometheus.MustNewConstMetric(c.count, prometheus.GaugeValue, float64(product.Count), labels...)
		ch <- prometheus.MustNewConstMetric(c.requested, prometheus.GaugeValue, float64(product.TotalRequests), labels...)
		ch <- prometheus.MustNewConstMetric(c.available, prometheus.GaugeValue, float64(product.Available), labels...)
	}
	stale := 0.0
	if snapshot.Stale {
		stale = 1
	}
	ch <- prometheus.MustNewConstMetric(c.stale, prometheus.GaugeValue, stale)
}

func productLabels(product availability.GPUProduct) []string {
	return []string{product.Product, strconv.Itoa(product.MemoryMB)}
}

// siteCollector exports merged per-site capacity on every scrape. Session usage is
// cached by the aggregator, so scrapes do not reach the hub more than once per window.
type siteCollector struct {
	aggregator Aggregator
	logger     *slog.Logger
	capacity   *prometheus.Desc
	used       *prometheus.Desc
	available  *prometheus.Desc
	anomalies  *prometheus.Desc
}

func newSiteCollector(agg Aggregator, logger *slog.Logger) *siteCollector {
	labels := []string{"site", "product"}
	return &siteCollector{
		aggregator: agg,
		logger:     logger.With("component", "site_collector"),
		capacity: prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "site", "capacity"),
			"GPUs configured for a site.", labels, nil),
		used: prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "site", "used"),
			"GPUs used by active sessions at a site.", labels, nil),
		available: prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "site", "available"),
			"GPUs left at a site after session usage.", labels, nil),
		anomalies: prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "site", "usage_anomalies"),
			"Usage entries that match no configured site or product.", nil, nil),
	}
}

func (c *siteCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.capacity
	ch <- c.used
	ch <- c.available
	ch <- c.anomalies
}

func (c *siteCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), siteCollectTimeout)
	defer cancel()

	report, err := c.aggregator.GetMergedSiteConfig(ctx)
	if err != nil {
		c.logger.Warn("site metrics unavailable", "err", err)
		return
	}
	for _, site := range report.Sites {
		for _, gpu := range site.GPUs {
			ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(gpu.Capacity), site.ID, gpu.Product)
			ch <- prometheus.MustNewConstMetric(c.used, prometheus.GaugeValue, float64(gpu.Used), site.ID, gpu.Product)
			ch <- prometheus.MustNewConstMetric(c.available, prometheus.GaugeValue, float64(gpu.Available), site.ID, gpu.Product)
		}
	}
	ch <- prometheus.MustNewConstMetric(c.anomalies, prometheus.GaugeValue, float64(len(report.Anomalies)))
}

// cacheCollector exports snapshot cache counters.
type cacheCollector struct {
	aggregator   Aggregator
	hits         *prometheus.Desc
	misses       *prometheus.Desc
	coalesced    *prometheus.Desc
	computations *prometheus.Desc
	failures     *prometheus.Desc
	staleServes  *prometheus.Desc
	entries      *prometheus.Desc
}

func newCacheCollector(agg Aggregator) *cacheCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "cache", name),
			help,
			[]string{"cache"},
			nil,
		)
	}
	return &cacheCollector{
		aggregator:   agg,
		hits:         desc("hits_total", "Lookups answered from the current window."),
		misses:       desc("misses_total", "Lookups that had to compute or join a computation."),
		coalesced:    desc("coalesced_total", "Lookups that joined an in-flight computation."),
		computations: desc("computations_total", "Upstream computations started."),
		failures:     desc("failures_total", "Computations that returned an error."),
		staleServes:  desc("stale_serves_total", "Results served from an earlier window after a failure."),
		entries:      desc("entries", "Entries currently held."),
	}
}

func (c *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range []*prometheus.Desc{c.hits, c.misses, c.coalesced, c.computations, c.failures, c.staleServes, c.entries} {
		ch <- desc
	}
}

func (c *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.aggregator.CacheStats()
	c.collect(ch, "availability", stats.Availability)
	c.collect(ch, "usage", stats.Usage)
}

func (c *cacheCollector) collect(ch chan<- prometheus.Metric, name string, stats snapcache.Stats) {
	counter := func(desc *prometheus.Desc, value uint64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(value), name)
	}
	counter(c.hits, stats.Hits)
	counter(c.misses, stats.Misses)
	counter(c.coalesced, stats.Coalesced)
	counter(c.computations, stats.Computations)
	counter(c.failures, stats.Failures)
	counter(c.staleServes, stats.StaleServes)
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(stats.Entries), name)
}
