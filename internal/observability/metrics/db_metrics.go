package metrics

import (
	"database/sql"
	"log"

	"github.com/prometheus/client_golang/prometheus"
)

func registerDBMetrics(db *sql.DB, logger *log.Logger) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "commands_pending",
			Help: "Commands waiting to be claimed",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM commands WHERE status = 'pending'")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "commands_taken",
			Help: "Commands claimed but not yet acknowledged",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM commands WHERE status = 'taken'")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "schedules_pending",
			Help: "Schedules not yet acknowledged by a device",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM schedules WHERE status = 'pending'")
		},
	))
}

func queryCount(db *sql.DB, logger *log.Logger, query string) float64 {
	if db == nil {
		return 0
	}
	var count int64
	if err := db.QueryRow(query).Scan(&count); err != nil {
		if logger != nil {
			logger.Printf("metrics query failed: %v", err)
		}
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}
