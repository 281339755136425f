package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"deploy-go/internal/deploy"
)

// Prom implements deploy.Metrics and the HTTP request metrics on a private
// registry, so several servers can live in one test binary.
type Prom struct {
	registry *prometheus.Registry

	contentIngested *prometheus.CounterVec
	contentRemoved  prometheus.Counter
	polls           *prometheus.CounterVec
	pollDuration    *prometheus.HistogramVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

var _ deploy.Metrics = (*Prom)(nil)

func NewProm(namespace string) *Prom {
	p := &Prom{
		registry: prometheus.NewRegistry(),
		contentIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "content_ingested_total",
			Help:      "Files ingested into the repository, by whether the bytes were already stored",
		}, []string{"deduplicated"}),
		contentRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "content_removed_total",
			Help:      "Content blobs deleted from the vault",
		}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_requests_total",
			Help:      "Agent protocol requests by action and outcome",
		}, []string{"action", "outcome"}),
		pollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_request_duration_seconds",
			Help:      "Agent protocol request latency by action",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	p.registry.MustRegister(
		p.contentIngested, p.contentRemoved,
		p.polls, p.pollDuration,
		p.requests, p.requestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

func (p *Prom) IncContentIngested(deduplicated bool) {
	p.contentIngested.WithLabelValues(strconv.FormatBool(deduplicated)).Inc()
}

func (p *Prom) IncContentRemoved() {
	p.contentRemoved.Inc()
}

func (p *Prom) ObservePoll(action, outcome string, d time.Duration) {
	p.polls.WithLabelValues(action, outcome).Inc()
	p.pollDuration.WithLabelValues(action).Observe(d.Seconds())
}

// ObserveRequest records one HTTP request. route is the mux pattern, never
// the raw path, to keep label cardinality bounded.
func (p *Prom) ObserveRequest(method, route string, status int, d time.Duration) {
	p.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	p.requestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Registry exposes the registry for tests and extra collectors.
func (p *Prom) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}
