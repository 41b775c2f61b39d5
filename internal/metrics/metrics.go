package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "code"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "code"},
	)

	// Dispatch
	messagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_sent_total",
			Help: "Messages accepted by a provider.",
		},
		[]string{"channel", "vendor"},
	)
	messagesFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_failed_total",
			Help: "Messages that reached the failed state.",
		},
		[]string{"channel", "vendor"},
	)
	messagesRetried = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_retried_total",
			Help: "Failed attempts that left the message pending for another try.",
		},
		[]string{"channel"},
	)
	sendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "send_duration_seconds",
			Help:    "Time spent in a single provider send call.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"vendor"},
	)
	failoverAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "failover_attempts_total",
			Help: "Gateways tried by immediate failover sends.",
		},
	)
	queueRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_process_runs_total",
			Help: "Completed queue processing runs.",
		},
	)

	// Webhooks
	webhookCallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_callbacks_total",
			Help: "Provider callbacks by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	// Gauges (DB collectors)
	queuedMessages = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queued_messages",
			Help: "Current count of queued messages by status.",
		},
		[]string{"status"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,

			messagesSent,
			messagesFailed,
			messagesRetried,
			sendDuration,
			failoverAttempts,
			queueRuns,

			webhookCallbacks,
			queuedMessages,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// --- HTTP ---
func ObserveHTTPRequest(method, route, code string, d time.Duration) {
	httpRequests.WithLabelValues(method, route, code).Inc()
	httpDuration.WithLabelValues(method, route, code).Observe(d.Seconds())
}

// --- Dispatch ---
func IncSent(channel, vendor string)   { messagesSent.WithLabelValues(channel, vendor).Inc() }
func IncFailed(channel, vendor string) { messagesFailed.WithLabelValues(channel, vendor).Inc() }
func IncRetried(channel string)        { messagesRetried.WithLabelValues(channel).Inc() }
func IncFailoverAttempt()              { failoverAttempts.Inc() }
func IncQueueRun()                     { queueRuns.Inc() }
func ObserveSend(vendor string, d time.Duration) {
	sendDuration.WithLabelValues(vendor).Observe(d.Seconds())
}

// --- Webhooks ---
func IncWebhook(provider, outcome string) { webhookCallbacks.WithLabelValues(provider, outcome).Inc() }

// --- Gauges ---
func SetQueuedCount(status string, count int) {
	if count < 0 {
		count = 0
	}
	queuedMessages.WithLabelValues(status).Set(float64(count))
}

func itoa(v int) string { return strconv.Itoa(v) }
