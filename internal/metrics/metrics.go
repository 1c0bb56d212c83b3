package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics of the distribution engine
type Metrics struct {
	// Delivery counters
	MessagesSentTotal    *prometheus.CounterVec
	MessagesFailedTotal  *prometheus.CounterVec
	RetriesTotal         *prometheus.CounterVec
	StatusUpdatesTotal   *prometheus.CounterVec
	RateLimitWaitSeconds prometheus.Histogram

	// Runs
	RunsTotal            *prometheus.CounterVec
	RunSLAAchieved       prometheus.Gauge
	RunRecipients        prometheus.Gauge
	BatchDurationSeconds prometheus.Histogram

	// Number pool
	NumberUsage   *prometheus.GaugeVec
	NumberQuality *prometheus.GaugeVec

	// Webhook
	WebhookEventsTotal      *prometheus.CounterVec
	WebhookSignatureFailure prometheus.Counter

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wadispatch_messages_sent_total",
				Help: "Total number of messages accepted by the Cloud API",
			},
			[]string{"number", "tier"},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wadispatch_messages_failed_total",
				Help: "Total number of failed send attempts",
			},
			[]string{"number", "error_type"},
		),
		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wadispatch_retries_total",
				Help: "Total number of recipients requeued for retry",
			},
			[]string{"reason"},
		),
		StatusUpdatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wadispatch_status_updates_total",
				Help: "Total number of provider delivery receipts applied",
			},
			[]string{"status"},
		),
		RateLimitWaitSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wadispatch_ratelimit_wait_seconds",
				Help:    "Time spent waiting for a sending number's rate budget",
				Buckets: []float64{.001, .01, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),

		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wadispatch_runs_total",
				Help: "Total number of distribution runs by final state",
			},
			[]string{"state"},
		),
		RunSLAAchieved: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wadispatch_run_sla_achieved",
				Help: "Delivery ratio of the latest run",
			},
		),
		RunRecipients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wadispatch_run_recipients",
				Help: "Recipients in the latest run",
			},
		),
		BatchDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wadispatch_batch_duration_seconds",
				Help:    "Time to process one batch",
				Buckets: []float64{.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
			},
		),

		NumberUsage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wadispatch_number_usage",
				Help: "Messages sent today per sending number",
			},
			[]string{"number"},
		),
		NumberQuality: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wadispatch_number_quality",
				Help: "Quality ordinal per sending number (3 HIGH .. 0 FLAGGED, -1 UNKNOWN)",
			},
			[]string{"number"},
		),

		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wadispatch_webhook_events_total",
				Help: "Total number of webhook events processed",
			},
			[]string{"kind"},
		),
		WebhookSignatureFailure: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wadispatch_webhook_signature_failures_total",
				Help: "Total number of webhook calls rejected for a bad signature",
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wadispatch_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wadispatch_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wadispatch_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wadispatch_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wadispatch_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wadispatch_storage_used_bytes",
				Help: "BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.RetriesTotal,
		m.StatusUpdatesTotal,
		m.RateLimitWaitSeconds,
		m.RunsTotal,
		m.RunSLAAchieved,
		m.RunRecipients,
		m.BatchDurationSeconds,
		m.NumberUsage,
		m.NumberQuality,
		m.WebhookEventsTotal,
		m.WebhookSignatureFailure,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// ObserveRateLimitWait records time blocked on the limiter
func ObserveRateLimitWait(seconds float64) {
	if m := Global(); m != nil {
		m.RateLimitWaitSeconds.Observe(seconds)
	}
}

// ObserveBatch records one batch duration
func ObserveBatch(seconds float64) {
	if m := Global(); m != nil {
		m.BatchDurationSeconds.Observe(seconds)
	}
}

// SetRun publishes the latest run figures
func SetRun(recipients int, slaAchieved float64) {
	if m := Global(); m != nil {
		m.RunRecipients.Set(float64(recipients))
		m.RunSLAAchieved.Set(slaAchieved)
	}
}

// IncWebhookSignatureFailure counts a rejected webhook call
func IncWebhookSignatureFailure() {
	if m := Global(); m != nil {
		m.WebhookSignatureFailure.Inc()
	}
}
