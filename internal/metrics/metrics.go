package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qtunnel_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qtunnel_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Broker metrics
	MessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qtunnel_messages_published_total",
			Help: "Total messages published",
		},
		[]string{"queue_type"}, // "principal" or "reserved"
	)

	MessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qtunnel_messages_consumed_total",
			Help: "Total messages removed by consume",
		},
		[]string{"queue_type"},
	)

	QueueFullRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qtunnel_queue_full_total",
			Help: "Publishes rejected because the queue was at max depth",
		},
	)

	QueuesReserved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qtunnel_queues_reserved_total",
			Help: "Total reserved queues created",
		},
	)

	QueuesReleased = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qtunnel_queues_released_total",
			Help: "Total reserved queues ended",
		},
		[]string{"reason"}, // "released" or "expired"
	)

	InvalidTokens = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qtunnel_invalid_tokens_total",
			Help: "Reserved queue accesses with a wrong token",
		},
	)

	// Tunnel metrics
	TunnelCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qtunnel_calls_total",
			Help: "Total tunnel calls by endpoint kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	TunnelCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qtunnel_call_duration_seconds",
			Help:    "Tunnel call latency",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"kind"},
	)

	RequestsServed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qtunnel_requests_served_total",
			Help: "Tunnel requests handled by a responder",
		},
		[]string{"status"},
	)

	KeyCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qtunnel_key_cache_lookups_total",
			Help: "Tunnel key cache lookups",
		},
		[]string{"result"}, // "hit" or "miss"
	)

	KeyCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qtunnel_key_cache_evictions_total",
			Help: "Tunnel keys evicted after a decryption failure",
		},
	)

	// Security metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qtunnel_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)

	BlockedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qtunnel_blocked_requests_total",
			Help: "Total blocked requests",
		},
		[]string{"reason"},
	)

	AgentsRegistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qtunnel_agents_registered_total",
			Help: "Total agents registered",
		},
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qtunnel_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)
)
