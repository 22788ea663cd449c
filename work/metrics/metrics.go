package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Requests counts handled requests by operation (forward, resolve, playlist,
// segment, list, clear_cache) and outcome.
var Requests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "timeshift_proxy_requests_total",
	Help: "Handled proxy requests",
}, []string{"operation", "result"})

// UpstreamErrors counts failed upstream fetches by error kind.
var UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "timeshift_proxy_upstream_errors_total",
	Help: "Upstream fetch failures",
}, []string{"operation", "kind"})

// UpstreamLatency observes the time to upstream response headers.
var UpstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "timeshift_proxy_upstream_latency_seconds",
	Help:    "Time until upstream response headers arrived",
	Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 10},
}, []string{"kind"})

// BytesTransferred counts body bytes sent to clients, split by content kind
// (manifest or segment).
var BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "timeshift_proxy_bytes_transferred",
	Help: "Total bytes sent downstream",
}, []string{"kind"})

// ActiveStreams is the number of segment bodies currently being piped.
var ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "timeshift_proxy_active_streams",
	Help: "Segment responses currently streaming",
})

// Manifests counts rewritten manifests by playlist type.
var Manifests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "timeshift_proxy_manifests_rewritten_total",
	Help: "Manifests rewritten, by playlist type",
}, []string{"playlist"})

// TimeFallbacks counts time expressions that degraded to a best-effort value.
var TimeFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "timeshift_proxy_time_fallbacks_total",
	Help: "Time expressions that fell back to the current time",
}, []string{"source"})

// Probes counts background reachability probes by result
// (ok, status, error, dropped).
var Probes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "timeshift_proxy_probes_total",
	Help: "Background reachability probes",
}, []string{"result"})

// TokensIssued counts freshly minted gateway tokens.
var TokensIssued = promauto.NewCounter(prometheus.CounterOpts{
	Name: "timeshift_proxy_tokens_issued_total",
	Help: "Access tokens minted",
})
