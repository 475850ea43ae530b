package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP server metrics.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apitap_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status_class"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "apitap_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"method", "path", "status_class"},
	)

	HTTPInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "apitap_http_inflight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	RateLimitKeysGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "apitap_ratelimit_keys",
			Help: "Number of per-key rate limiters currently cached",
		},
	)

	RateLimitSweepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apitap_ratelimit_sweeps_total",
			Help: "Total number of rate limiter cache sweeps",
		},
	)

	// Replay metrics.
	ReplaysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apitap_replays_total",
			Help: "Total number of endpoint replays",
		},
		[]string{"domain", "status_class"},
	)

	ReplayDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "apitap_replay_duration_seconds",
			Help:    "Replay round-trip latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)

	ReplayRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apitap_replay_retries_total",
			Help: "Total number of post-refresh replay retries",
		},
		[]string{"domain", "outcome"},
	)

	ContractDriftTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apitap_contract_drift_total",
			Help: "Total number of contract drift findings on replays",
		},
		[]string{"domain", "severity"},
	)

	BlockedURLsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apitap_blocked_urls_total",
			Help: "Total number of URLs rejected by the safety gate",
		},
		[]string{"component"},
	)

	// Credential refresh metrics.
	RefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apitap_refreshes_total",
			Help: "Total number of credential refresh attempts",
		},
		[]string{"domain", "mechanism", "status"},
	)

	// Capture metrics.
	CaptureExchangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apitap_capture_exchanges_total",
			Help: "Total number of captured exchanges by filter decision",
		},
		[]string{"domain", "decision"},
	)

	SkillsWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apitap_skills_written_total",
			Help: "Total number of skill files written",
		},
		[]string{"domain"},
	)

	// Skills directory gauges, refreshed by the stats aggregator.
	SkillFilesGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "apitap_skill_files",
			Help: "Number of skill files on disk",
		},
	)

	SkillEndpointsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "apitap_skill_endpoints",
			Help: "Number of endpoints across all skill files",
		},
	)

	// Capture feed metrics.
	FeedSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "apitap_feed_subscribers",
			Help: "Current number of capture feed subscribers",
		},
	)

	FeedEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apitap_feed_events_total",
			Help: "Total number of events published on the capture feed",
		},
		[]string{"topic"},
	)

	// Browse facade metrics.
	BrowseRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apitap_browse_requests_total",
			Help: "Total number of browse calls by outcome",
		},
		[]string{"outcome"},
	)

	BrowseCacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apitap_browse_cache_total",
			Help: "Browse session cache lookups",
		},
		[]string{"result"},
	)
)

// StatusClass buckets a status code into 2xx/3xx/4xx/5xx for metric
// labels. Zero (transport failure) maps to "error".
func StatusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	case status >= 100:
		return "1xx"
	default:
		return "error"
	}
}
