// Package metrics provides Prometheus metrics for the stream proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamRetries   *prometheus.CounterVec

	PlaylistsRewritten *prometheus.CounterVec
	RewrittenLines     prometheus.Counter
	PassthroughBytes   prometheus.Counter
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "animestream_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "animestream_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "animestream_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "animestream_proxy_upstream_request_duration_seconds",
			Help:    "Upstream attempt latency (until response headers) in seconds.",
			Buckets: defaultBuckets,
		}, []string{"family"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "animestream_proxy_upstream_responses_total",
			Help: "Total upstream attempts by CDN family and outcome.",
		}, []string{"family", "outcome"}),

		UpstreamRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "animestream_proxy_upstream_retries_total",
			Help: "Retries issued after a blocked upstream response.",
		}, []string{"family"}),

		PlaylistsRewritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "animestream_proxy_playlists_rewritten_total",
			Help: "Playlists rewritten, by playlist kind.",
		}, []string{"kind"}),

		RewrittenLines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "animestream_proxy_playlist_rewritten_lines_total",
			Help: "Playlist lines replaced with proxy URLs.",
		}),

		PassthroughBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "animestream_proxy_passthrough_bytes_total",
			Help: "Bytes streamed to clients for non-playlist content.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamRetries,
		m.PlaylistsRewritten,
		m.RewrittenLines,
		m.PassthroughBytes,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// PathNormalizer maps request paths onto a bounded set of route prefixes.
type PathNormalizer struct {
	prefixes []string
}

// NewPathNormalizer returns a normalizer over the given route prefixes.
func NewPathNormalizer(prefixes ...string) *PathNormalizer {
	return &PathNormalizer{prefixes: prefixes}
}

// Normalize returns a bounded path label for Prometheus metrics.
func (n *PathNormalizer) Normalize(path string) string {
	for _, prefix := range n.prefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
