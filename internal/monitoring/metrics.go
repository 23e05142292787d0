package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes the wallet's Prometheus instruments. Transaction and anomaly
// counters are incremented by the service layer; HTTP metrics come from the
// gin middleware.
type Metrics struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	transactionsTotal  *prometheus.CounterVec
	transactionVolume  *prometheus.CounterVec
	webhookAnomalies   prometheus.Counter
	rewardsClaimed     prometheus.Counter
	reviewQueueHolds   prometheus.Counter
	sweepRunsTotal     *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		httpRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_http_requests_total",
			Help: "HTTP requests by method, path and status code",
		}, []string{"method", "path", "status"}),

		httpRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wallet_http_request_duration_seconds",
			Help:    "HTTP request latency by method and path",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),

		transactionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_transactions_total",
			Help: "Transactions by type and final status",
		}, []string{"type", "status"}),

		transactionVolume: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_transaction_volume",
			Help: "Settled transaction volume by type and currency",
		}, []string{"type", "currency"}),

		webhookAnomalies: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wallet_webhook_anomalies_total",
			Help: "Webhook notifications that contradicted local transaction state",
		}),

		rewardsClaimed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wallet_rewards_claimed_total",
			Help: "Game session rewards settled into coins",
		}),

		reviewQueueHolds: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wallet_review_holds_total",
			Help: "Transactions held for manual review by the risk gate",
		}),

		sweepRunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_sweep_runs_total",
			Help: "Scheduler sweep executions by sweep name and outcome",
		}, []string{"sweep", "outcome"}),
	}
}

// GinMiddleware records request counts and latency per route.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		m.httpRequestsTotal.WithLabelValues(
			c.Request.Method, path, strconv.Itoa(c.Writer.Status()),
		).Inc()
		m.httpRequestDuration.WithLabelValues(
			c.Request.Method, path,
		).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the Prometheus scrape endpoint.
func (m *Metrics) Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func (m *Metrics) RecordTransaction(txType, status string) {
	m.transactionsTotal.WithLabelValues(txType, status).Inc()
}

func (m *Metrics) RecordVolume(txType, currency string, amount float64) {
	m.transactionVolume.WithLabelValues(txType, currency).Add(amount)
}

func (m *Metrics) RecordWebhookAnomaly() {
	m.webhookAnomalies.Inc()
}

func (m *Metrics) RecordRewardClaimed() {
	m.rewardsClaimed.Inc()
}

func (m *Metrics) RecordReviewHold() {
	m.reviewQueueHolds.Inc()
}

func (m *Metrics) RecordSweepRun(sweep string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.sweepRunsTotal.WithLabelValues(sweep, outcome).Inc()
}
