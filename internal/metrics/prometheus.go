package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the transcription gateway
type Metrics struct {
	// Job lifecycle metrics
	JobsCreated   prometheus.Counter
	JobsCompleted prometheus.Counter
	JobsFailed    *prometheus.CounterVec
	JobsTimedOut  prometheus.Counter
	JobsRetried   prometheus.Counter
	ActiveJobs    prometheus.Gauge
	QueueSize     prometheus.Gauge
	JobDuration   prometheus.Histogram
	TranscriptWords prometheus.Histogram

	// Watcher metrics
	WatcherTimeouts prometheus.Counter

	// Watchdog metrics
	StuckJobsCleaned   prometheus.Counter
	HealthCheckFailures prometheus.Counter
	AgentRestarts      prometheus.Counter

	// Rate limiter metrics
	RateLimitRejections prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Job lifecycle metrics
		JobsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "transcribe_jobs_created_total",
			Help: "Total number of transcription jobs created",
		}),
		JobsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "transcribe_jobs_completed_total",
			Help: "Total number of jobs that produced a transcript",
		}),
		JobsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "transcribe_jobs_failed_total",
			Help: "Total number of jobs that ended in a failed state",
		}, []string{"code"}),
		JobsTimedOut: promauto.NewCounter(prometheus.CounterOpts{
			Name: "transcribe_jobs_timed_out_total",
			Help: "Total number of job attempts that timed out",
		}),
		JobsRetried: promauto.NewCounter(prometheus.CounterOpts{
			Name: "transcribe_jobs_retried_total",
			Help: "Total number of timeout-triggered retries",
		}),
		ActiveJobs: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "transcribe_active_jobs",
			Help: "Current number of jobs inside the active transcription section",
		}),
		QueueSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "transcribe_queue_size",
			Help: "Current number of non-terminal jobs (pending + active)",
		}),
		JobDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "transcribe_job_duration_seconds",
			Help:    "Wall-clock processing time of completed jobs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17 minutes
		}),
		TranscriptWords: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "transcribe_transcript_words",
			Help:    "Word count of produced transcripts",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10 to ~10k words
		}),

		// Watcher metrics
		WatcherTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "transcribe_watcher_timeouts_total",
			Help: "Total number of waits that elapsed without a result artifact",
		}),

		// Watchdog metrics
		StuckJobsCleaned: promauto.NewCounter(prometheus.CounterOpts{
			Name: "transcribe_stuck_jobs_cleaned_total",
			Help: "Total number of stuck jobs force-transitioned by the watchdog",
		}),
		HealthCheckFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "transcribe_health_check_failures_total",
			Help: "Total number of unhealthy agent probes",
		}),
		AgentRestarts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "transcribe_agent_restarts_total",
			Help: "Total number of agent restart attempts",
		}),

		// Rate limiter metrics
		RateLimitRejections: promauto.NewCounter(prometheus.CounterOpts{
			Name: "transcribe_rate_limit_rejections_total",
			Help: "Total number of requests rejected by the rate limiter",
		}),

		// HTTP API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "transcribe_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transcribe_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "transcribe_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordJobCreated increments the jobs created counter
func (m *Metrics) RecordJobCreated() {
	m.JobsCreated.Inc()
}

// RecordJobCompleted records a completed job with its processing time and words
func (m *Metrics) RecordJobCompleted(durationSeconds float64, words int) {
	m.JobsCompleted.Inc()
	m.JobDuration.Observe(durationSeconds)
	m.TranscriptWords.Observe(float64(words))
}

// RecordJobFailed increments the failure counter for an error code
func (m *Metrics) RecordJobFailed(code string) {
	m.JobsFailed.WithLabelValues(code).Inc()
}

// RecordJobTimedOut increments the timed-out attempt counter
func (m *Metrics) RecordJobTimedOut() {
	m.JobsTimedOut.Inc()
	m.WatcherTimeouts.Inc()
}

// RecordJobRetried increments the retry counter
func (m *Metrics) RecordJobRetried() {
	m.JobsRetried.Inc()
}

// SetActiveJobs sets the active jobs gauge
func (m *Metrics) SetActiveJobs(count int) {
	m.ActiveJobs.Set(float64(count))
}

// SetQueueSize sets the non-terminal jobs gauge
func (m *Metrics) SetQueueSize(size int) {
	m.QueueSize.Set(float64(size))
}

// RecordStuckJobCleaned increments the watchdog stuck-job counter
func (m *Metrics) RecordStuckJobCleaned() {
	m.StuckJobsCleaned.Inc()
}

// RecordHealthCheckFailure increments the unhealthy probe counter
func (m *Metrics) RecordHealthCheckFailure() {
	m.HealthCheckFailures.Inc()
}

// RecordAgentRestart increments the restart attempt counter
func (m *Metrics) RecordAgentRestart() {
	m.AgentRestarts.Inc()
}

// RecordRateLimitRejection increments the rejection counter
func (m *Metrics) RecordRateLimitRejection() {
	m.RateLimitRejections.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
