// Package metrics exports engine and HTTP metrics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lazypower/memgraph/internal/engine"
	"github.com/lazypower/memgraph/internal/store"
)

// Collector holds all metrics for one process. Each Collector has its own
// registry so tests can create as many as they like.
type Collector struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	ingested         *prometheus.CounterVec
	queries          prometheus.Counter
	queryDuration    prometheus.Histogram
	queryResults     prometheus.Histogram
	ticks            prometheus.Counter
	tickDuration     prometheus.Histogram
	tickNodes        *prometheus.CounterVec
	providerFailures *prometheus.CounterVec

	nodes    *prometheus.GaugeVec
	edges    *prometheus.GaugeVec
	clusters prometheus.Gauge
}

var _ engine.Metrics = (*Collector)(nil)

// New creates a Collector with the given namespace.
func New(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activities_ingested_total",
			Help:      "Activities ingested, by node type",
		}, []string{"type"}),
		queries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Queries answered",
		}),
		queryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Query latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		queryResults: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_results",
			Help:      "Results returned per query",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100},
		}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_ticks_total",
			Help:      "Completed maintenance passes",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "maintenance_tick_duration_seconds",
			Help:      "Maintenance pass duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		tickNodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_nodes_total",
			Help:      "Nodes processed by maintenance, by outcome",
		}, []string{"outcome"}),
		providerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_provider_failures_total",
			Help:      "Failed embedding calls, by model",
		}, []string{"model"}),
		nodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "graph_nodes",
			Help:      "Nodes in the graph, by state",
		}, []string{"state"}),
		edges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "graph_edges",
			Help:      "Edges in the graph, by kind",
		}, []string{"kind"}),
		clusters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "graph_clusters",
			Help:      "Session clusters in the graph",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.httpRequests, c.httpDuration,
		c.ingested, c.queries, c.queryDuration, c.queryResults,
		c.ticks, c.tickDuration, c.tickNodes, c.providerFailures,
		c.nodes, c.edges, c.clusters,
	)
	return c
}

func (c *Collector) Ingested(t store.NodeType) {
	c.ingested.WithLabelValues(string(t)).Inc()
}

func (c *Collector) Queried(d time.Duration, results int) {
	c.queries.Inc()
	c.queryDuration.Observe(d.Seconds())
	c.queryResults.Observe(float64(results))
}

func (c *Collector) Ticked(r engine.TickReport, d time.Duration) {
	c.ticks.Inc()
	c.tickDuration.Observe(d.Seconds())
	c.tickNodes.WithLabelValues("decayed").Add(float64(r.Decayed))
	c.tickNodes.WithLabelValues("archived").Add(float64(r.Archived))
	c.tickNodes.WithLabelValues("deleted").Add(float64(r.Deleted))
	c.tickNodes.WithLabelValues("failed").Add(float64(r.Failed))
}

func (c *Collector) ProviderFailed(model string) {
	c.providerFailures.WithLabelValues(model).Inc()
}

func (c *Collector) GraphSize(st store.Stats) {
	c.nodes.WithLabelValues("live").Set(float64(st.Live))
	c.nodes.WithLabelValues("archived").Set(float64(st.Archived))
	c.edges.WithLabelValues(string(store.EdgeTemporal)).Set(float64(st.Temporal))
	c.edges.WithLabelValues(string(store.EdgeSemantic)).Set(float64(st.Semantic))
	c.clusters.Set(float64(st.Clusters))
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Middleware counts requests by chi route pattern, so /api/nodes/{id}
// stays one series however many ids are requested.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		c.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		c.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
