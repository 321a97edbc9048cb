package metrics

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const archiveScrapeTimeout = 3 * time.Second

// archiveCollector reports archive size and connection pool usage at scrape time.
type archiveCollector struct {
	db     *sql.DB
	logger zerolog.Logger

	alerts   *prometheus.Desc
	history  *prometheus.Desc
	poolOpen *prometheus.Desc
	poolUsed *prometheus.Desc
	waits    *prometheus.Desc
}

func newArchiveCollector(db *sql.DB, logger zerolog.Logger) *archiveCollector {
	return &archiveCollector{
		db:     db,
		logger: logger,
		alerts: prometheus.NewDesc(metricPrefix+"archived_alerts",
			"Alerts persisted in the archive by status", []string{"status"}, nil),
		history: prometheus.NewDesc(metricPrefix+"archived_history_entries",
			"Alert history rows persisted in the archive", nil, nil),
		poolOpen: prometheus.NewDesc(metricPrefix+"archive_connections_open",
			"Open archive database connections", nil, nil),
		poolUsed: prometheus.NewDesc(metricPrefix+"archive_connections_in_use",
			"Archive database connections currently in use", nil, nil),
		waits: prometheus.NewDesc(metricPrefix+"archive_connection_waits_total",
			"Times a caller waited for an archive connection", nil, nil),
	}
}

func (c *archiveCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range []*prometheus.Desc{c.alerts, c.history, c.poolOpen, c.poolUsed, c.waits} {
		ch <- desc
	}
}

func (c *archiveCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.db.Stats()
	ch <- prometheus.MustNewConstMetric(c.poolOpen, prometheus.GaugeValue, float64(stats.OpenConnections))
	ch <- prometheus.MustNewConstMetric(c.poolUsed, prometheus.GaugeValue, float64(stats.InUse))
	ch <- prometheus.MustNewConstMetric(c.waits, prometheus.CounterValue, float64(stats.WaitCount))

	ctx, cancel := context.WithTimeout(context.Background(), archiveScrapeTimeout)
	defer cancel()

	rows, err := c.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM alerts GROUP BY status`)
	if err != nil {
		c.logger.Warn().Err(err).Msg("archive metrics: count alerts")
	} else {
		for rows.Next() {
			var status string
			var count int64
			if err := rows.Scan(&status, &count); err != nil {
				c.logger.Warn().Err(err).Msg("archive metrics: scan alert count")
				break
			}
			ch <- prometheus.MustNewConstMetric(c.alerts, prometheus.GaugeValue, float64(count), status)
		}
		_ = rows.Close()
	}

	var entries int64
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alert_history`).Scan(&entries); err != nil {
		c.logger.Warn().Err(err).Msg("archive metrics: count history")
		return
	}
	ch <- prometheus.MustNewConstMetric(c.history, prometheus.GaugeValue, float64(entries))
}
