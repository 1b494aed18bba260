package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "homepi_"

	resultSuccess = "success"
	resultError   = "error"

	claimResultDelivered = "delivered"
	claimResultEmpty     = "empty"
)

var (
	registerOnce sync.Once

	heartbeatsTotal prometheus.Counter

	claimResults *prometheus.CounterVec
	claimLatency *prometheus.HistogramVec

	commandsEnqueued prometheus.Counter
	commandResults   *prometheus.CounterVec

	scheduleFetchTotal *prometheus.CounterVec
	scheduleAcksTotal  *prometheus.CounterVec

	exportTotal   *prometheus.CounterVec
	exportLatency *prometheus.HistogramVec
)

// Init registers control-plane metrics and DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		heartbeatsTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "heartbeats_total",
				Help: "Total accepted device heartbeats",
			},
		)

		claimResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "claim_results_total",
				Help: "Total claim long-poll results by outcome",
			},
			[]string{"result"},
		)
		claimLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "claim_wait_seconds",
				Help:    "Claim long-poll wait time in seconds",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 20, 30},
			},
			[]string{"result"},
		)

		commandsEnqueued = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_enqueued_total",
				Help: "Total enqueued commands",
			},
		)
		commandResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_results_total",
				Help: "Total commands reaching a terminal status",
			},
			[]string{"status"},
		)

		scheduleFetchTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "schedule_fetch_total",
				Help: "Total schedule fetches by result",
			},
			[]string{"result"},
		)
		scheduleAcksTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "schedule_acks_total",
				Help: "Total schedule acknowledgements by status",
			},
			[]string{"status"},
		)

		exportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_export_total",
				Help: "Total command history exports by format and result",
			},
			[]string{"format", "result"},
		)
		exportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "command_export_latency_seconds",
				Help:    "Command history export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		prometheus.MustRegister(
			heartbeatsTotal,
			claimResults,
			claimLatency,
			commandsEnqueued,
			commandResults,
			scheduleFetchTotal,
			scheduleAcksTotal,
			exportTotal,
			exportLatency,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// IncHeartbeat increments the heartbeat counter.
func IncHeartbeat() {
	if heartbeatsTotal != nil {
		heartbeatsTotal.Inc()
	}
}

// ObserveClaim records a claim long-poll outcome and its wait time.
func ObserveClaim(delivered bool, wait time.Duration) {
	result := claimResultEmpty
	if delivered {
		result = claimResultDelivered
	}
	if claimResults != nil {
		claimResults.WithLabelValues(result).Inc()
	}
	if claimLatency != nil {
		claimLatency.WithLabelValues(result).Observe(wait.Seconds())
	}
}

// IncCommandEnqueued increments the enqueued command counter.
func IncCommandEnqueued() {
	if commandsEnqueued != nil {
		commandsEnqueued.Inc()
	}
}

// IncCommandResult increments the terminal status counter.
func IncCommandResult(status string) {
	if status == "" {
		status = "unknown"
	}
	if commandResults != nil {
		commandResults.WithLabelValues(status).Inc()
	}
}

// AddCommandExpirations increments the expired counter by count.
func AddCommandExpirations(count int) {
	if count <= 0 {
		return
	}
	if commandResults != nil {
		commandResults.WithLabelValues("expired").Add(float64(count))
	}
}

// IncScheduleFetch increments the schedule fetch counter.
func IncScheduleFetch(result string) {
	if result == "" {
		result = resultSuccess
	}
	if scheduleFetchTotal != nil {
		scheduleFetchTotal.WithLabelValues(result).Inc()
	}
}

// IncScheduleAck increments the schedule acknowledgement counter.
func IncScheduleAck(status string) {
	if status == "" {
		status = "unknown"
	}
	if scheduleAcksTotal != nil {
		scheduleAcksTotal.WithLabelValues(status).Inc()
	}
}

// ObserveExport records a command history export latency and result.
func ObserveExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if exportTotal != nil {
		exportTotal.WithLabelValues(format, result).Inc()
	}
	if exportLatency != nil {
		exportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)
