package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	votersTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voterledger_voters",
		Help: "Registered voters by notarization status.",
	}, []string{"status"})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voterledger_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voterledger_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	registrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voterledger_registrations_total",
		Help: "Registration requests by typed outcome.",
	}, []string{"outcome"})

	notarizationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voterledger_notarizations_total",
		Help: "Settled notarizations by outcome.",
	}, []string{"outcome"})

	commitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voterledger_notary_commits_total",
		Help: "Ledger commit calls by result.",
	}, []string{"result"})

	recoveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voterledger_recovery_processed_total",
		Help: "Records processed by recovery passes.",
	})

	healthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voterledger_health_checks_total",
		Help: "Dependency health checks by dependency and result.",
	}, []string{"dependency", "result"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordNotarization records a settled notarization outcome.
func RecordNotarization(outcome string) {
	notarizationsTotal.WithLabelValues(outcome).Inc()
}

// RecordCommit records a ledger commit result.
func RecordCommit(result string) {
	commitsTotal.WithLabelValues(result).Inc()
}

// RecordRecovery records the number of records handled by a recovery pass.
func RecordRecovery(processed int) {
	recoveredTotal.Add(float64(processed))
}

// RecordHealthCheck records a dependency check result.
func RecordHealthCheck(dependency string, success bool) {
	if success {
		healthChecksTotal.WithLabelValues(dependency, "success").Inc()
	} else {
		healthChecksTotal.WithLabelValues(dependency, "failure").Inc()
	}
}

// SetVotersGauge sets the voter count gauge for a given status.
func SetVotersGauge(status string, count float64) {
	votersTotal.WithLabelValues(status).Set(count)
}

func recordRegistration(outcome string) {
	registrationsTotal.WithLabelValues(outcome).Inc()
}
