package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// promSet holds the prometheus series mirrored from the Recorder. A private
// registry keeps the scrape surface limited to the proxy's own series.
type promSet struct {
	registry  *prometheus.Registry
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

func newPromSet() *promSet {
	p := &promSet{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hlsproxy",
			Name:      "requests_total",
			Help:      "Proxied requests by upstream host and category.",
		}, []string{"host", "category"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hlsproxy",
			Name:      "request_errors_total",
			Help:      "Failed proxied requests by upstream host, category, and error code.",
		}, []string{"host", "category", "code"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hlsproxy",
			Name:      "request_duration_seconds",
			Help:      "Upstream round-trip duration by host and category.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"host", "category"}),
	}
	p.registry.MustRegister(p.requests, p.errors, p.durations)
	return p
}

func (p *promSet) observe(req Request) {
	p.requests.WithLabelValues(req.Host, string(req.Category)).Inc()
	p.durations.WithLabelValues(req.Host, string(req.Category)).Observe(req.Duration.Seconds())
	if !req.Success {
		p.errors.WithLabelValues(req.Host, string(req.Category), req.Code).Inc()
	}
}

// PromHandler serves the recorder's prometheus registry.
func (r *Recorder) PromHandler() http.Handler {
	return promhttp.HandlerFor(r.prom.registry, promhttp.HandlerOpts{})
}
