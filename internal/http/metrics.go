package httpx

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

func (r *Router) initMetrics() {
	r.metricsOnce.Do(func() {
		r.requestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Count of processed HTTP requests",
		}, []string{"method", "endpoint", "status_code"})

		r.requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Latency distribution of HTTP handlers",
			Buckets: histogramBuckets,
		}, []string{"method", "endpoint"})

		r.deploymentsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deployments_created_total",
			Help: "Deployments scheduled, by organisation, provider and trigger",
		}, []string{"organisation", "provider", "trigger"})

		r.deploymentsUpdated = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deployments_updated_total",
			Help: "Deployment status updates, by organisation and resulting status",
		}, []string{"organisation", "status"})

		r.deploymentsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deployments_skipped_total",
			Help: "Scheduled deployments superseded by a newer deployed version",
		}, []string{"organisation"})

		r.rollbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollbacks_total",
			Help: "Rollback remediations, by organisation and provider",
		}, []string{"organisation", "provider"})

		r.authRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_requests_total",
			Help: "Credential verification attempts, by method and outcome",
		}, []string{"method", "success"})

		r.rateLimitHits = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_hits_total",
			Help: "Number of rate-limited responses",
		}, []string{"endpoint", "key"})

		register := func(c prometheus.Collector) prometheus.Collector {
			if err := prometheus.Register(c); err != nil {
				if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
					return are.ExistingCollector
				}
			}
			return c
		}
		r.requestTotal = register(r.requestTotal).(*prometheus.CounterVec)
		r.requestLatency = register(r.requestLatency).(*prometheus.HistogramVec)
		r.deploymentsCreated = register(r.deploymentsCreated).(*prometheus.CounterVec)
		r.deploymentsUpdated = register(r.deploymentsUpdated).(*prometheus.CounterVec)
		r.deploymentsSkipped = register(r.deploymentsSkipped).(*prometheus.CounterVec)
		r.rollbacks = register(r.rollbacks).(*prometheus.CounterVec)
		r.authRequests = register(r.authRequests).(*prometheus.CounterVec)
		r.rateLimitHits = register(r.rateLimitHits).(*prometheus.CounterVec)
		r.metricsInitialized = true
	})
}

func (r *Router) recordRequestMetrics(method, endpoint string, status int, duration time.Duration) {
	if !r.metricsInitialized {
		return
	}
	r.requestTotal.With(prometheus.Labels{
		"method":      method,
		"endpoint":    endpoint,
		"status_code": strconv.Itoa(status),
	}).Inc()
	r.requestLatency.With(prometheus.Labels{
		"method":   method,
		"endpoint": endpoint,
	}).Observe(duration.Seconds())
}

func (r *Router) recordAuthAttempt(method string, success bool) {
	if !r.metricsInitialized {
		return
	}
	r.authRequests.With(prometheus.Labels{
		"method":  method,
		"success": strconv.FormatBool(success),
	}).Inc()
}

func (r *Router) recordCreated(organisation, provider, trigger string) {
	if !r.metricsInitialized {
		return
	}
	r.deploymentsCreated.With(prometheus.Labels{
		"organisation": organisation,
		"provider":     provider,
		"trigger":      trigger,
	}).Inc()
}

func (r *Router) recordUpdated(organisation, status string) {
	if !r.metricsInitialized {
		return
	}
	r.deploymentsUpdated.With(prometheus.Labels{
		"organisation": organisation,
		"status":       status,
	}).Inc()
}

func (r *Router) recordSkipped(organisation string, count int64) {
	if !r.metricsInitialized || count <= 0 {
		return
	}
	r.deploymentsSkipped.With(prometheus.Labels{"organisation": organisation}).Add(float64(count))
}

func (r *Router) recordRollback(organisation, provider string) {
	if !r.metricsInitialized {
		return
	}
	r.rollbacks.With(prometheus.Labels{
		"organisation": organisation,
		"provider":     provider,
	}).Inc()
}

func (r *Router) recordRateLimitHit(endpoint, key string) {
	if !r.metricsInitialized {
		return
	}
	r.rateLimitHits.With(prometheus.Labels{"endpoint": endpoint, "key": key}).Inc()
}
