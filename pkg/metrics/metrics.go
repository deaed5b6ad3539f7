package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job engine metrics
	JobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cartloom_jobs_enqueued_total",
			Help: "Total number of jobs enqueued by type",
		},
		[]string{"type"},
	)

	JobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cartloom_jobs_finished_total",
			Help: "Total number of jobs reaching a terminal status",
		},
		[]string{"type", "status"},
	)

	JobsRetried = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cartloom_jobs_retried_total",
			Help: "Total number of job retries scheduled",
		},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cartloom_job_duration_seconds",
			Help:    "Job handler duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	JobsLeased = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cartloom_jobs_leased_total",
			Help: "Total number of job leases granted",
		},
	)

	JobsReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cartloom_jobs_reaped_total",
			Help: "Total number of expired leases returned to pending",
		},
	)

	// Connection manager metrics
	TenantCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cartloom_tenant_cache_hits_total",
			Help: "Total number of tenant client cache hits",
		},
	)

	TenantCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cartloom_tenant_cache_misses_total",
			Help: "Total number of tenant client cache misses",
		},
	)

	// Resolver metrics
	HostnameCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cartloom_hostname_cache_hits_total",
			Help: "Total number of hostname resolution cache hits",
		},
	)

	HostnameCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cartloom_hostname_cache_misses_total",
			Help: "Total number of hostname resolution cache misses",
		},
	)

	TenantBuilds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cartloom_tenant_builds_total",
			Help: "Total number of tenant client builds by result",
		},
		[]string{"result"},
	)

	// Token refresh metrics
	TokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cartloom_token_refreshes_total",
			Help: "Total number of token refresh attempts by outcome",
		},
		[]string{"integration", "outcome"},
	)

	// Cron metrics
	CronFires = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cartloom_cron_fires_total",
			Help: "Total number of cron entry fires by result",
		},
		[]string{"result"},
	)

	CronLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cartloom_cron_is_leader",
			Help: "Whether this process holds the cron leader lock (1 = leader)",
		},
	)

	// Provisioning metrics
	Repairs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cartloom_repairs_total",
			Help: "Total number of tenant repair runs by result",
		},
		[]string{"result"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cartloom_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cartloom_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(JobsEnqueued)
	prometheus.MustRegister(JobsFinished)
	prometheus.MustRegister(JobsRetried)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(JobsLeased)
	prometheus.MustRegister(JobsReaped)
	prometheus.MustRegister(TenantCacheHits)
	prometheus.MustRegister(TenantCacheMisses)
	prometheus.MustRegister(HostnameCacheHits)
	prometheus.MustRegister(HostnameCacheMisses)
	prometheus.MustRegister(TenantBuilds)
	prometheus.MustRegister(TokenRefreshes)
	prometheus.MustRegister(CronFires)
	prometheus.MustRegister(CronLeader)
	prometheus.MustRegister(Repairs)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
