package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	metricPrefix = "infrawatch_"

	resultSuccess = "success"
	resultError   = "error"
	resultTimeout = "timeout"
)

var (
	registerOnce sync.Once

	alertEventsTotal *prometheus.CounterVec
	openAlerts       prometheus.Gauge

	evaluationsTotal  *prometheus.CounterVec
	evaluationLatency *prometheus.HistogramVec
	evaluationSamples *prometheus.CounterVec
	queryFailures     *prometheus.CounterVec

	fanoutDropped   *prometheus.CounterVec
	sinkFailures    *prometheus.CounterVec
	insightsTotal   *prometheus.CounterVec
	enrichDropped   prometheus.Counter
	ruleReloads     *prometheus.CounterVec
	rulesLoaded     prometheus.Gauge
	archiveFailures prometheus.Counter
)

// Init registers collectors with the default registry. db may be nil when no archive is configured.
func Init(db *sql.DB, logger zerolog.Logger) {
	registerOnce.Do(func() {
		alertEventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alert_events_total",
				Help: "Total alert lifecycle events by kind",
			},
			[]string{"event"},
		)
		openAlerts = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "open_alerts",
			Help: "Alerts currently active or acknowledged",
		})

		evaluationsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "rule_evaluations_total",
				Help: "Rule evaluations by source and result",
			},
			[]string{"source", "result"},
		)
		evaluationLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "rule_evaluation_seconds",
				Help:    "Rule evaluation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source", "result"},
		)
		evaluationSamples = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "rule_evaluation_samples_total",
				Help: "Samples reduced from query results",
			},
			[]string{"source"},
		)
		queryFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "query_failures_total",
				Help: "Data source query failures by kind",
			},
			[]string{"source", "kind"},
		)

		fanoutDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "fanout_dropped_total",
				Help: "Events dropped because a subscriber buffer was full",
			},
			[]string{"subscriber"},
		)
		sinkFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "sink_failures_total",
				Help: "Failed event deliveries by sink",
			},
			[]string{"sink"},
		)
		insightsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "insights_total",
				Help: "Insights attached by type",
			},
			[]string{"type"},
		)
		enrichDropped = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "enrichment_dropped_total",
			Help: "Enrichment jobs dropped because the queue was full",
		})
		ruleReloads = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "rule_reloads_total",
				Help: "Rule set reloads by result",
			},
			[]string{"result"},
		)
		rulesLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "rules_loaded",
			Help: "Rules in the active rule set",
		})
		archiveFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "archive_failures_total",
			Help: "Failed alert archive writes",
		})

		prometheus.MustRegister(
			alertEventsTotal,
			openAlerts,
			evaluationsTotal,
			evaluationLatency,
			evaluationSamples,
			queryFailures,
			fanoutDropped,
			sinkFailures,
			insightsTotal,
			enrichDropped,
			ruleReloads,
			rulesLoaded,
			archiveFailures,
		)

		if db != nil {
			prometheus.MustRegister(newArchiveCollector(db, logger))
		}
	})
}

// IncAlertEvent increments alert lifecycle counters.
func IncAlertEvent(event string) {
	if event == "" {
		event = "unknown"
	}
	if alertEventsTotal != nil {
		alertEventsTotal.WithLabelValues(event).Inc()
	}
}

// SetOpenAlerts records the open alert count.
func SetOpenAlerts(count int) {
	if openAlerts != nil {
		openAlerts.Set(float64(count))
	}
}

// ObserveEvaluation records one rule tick.
func ObserveEvaluation(source, result string, duration time.Duration) {
	if source == "" {
		source = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if evaluationsTotal != nil {
		evaluationsTotal.WithLabelValues(source, result).Inc()
	}
	if evaluationLatency != nil {
		evaluationLatency.WithLabelValues(source, result).Observe(duration.Seconds())
	}
}

// AddSamples counts reduced samples.
func AddSamples(source string, count int) {
	if count <= 0 {
		return
	}
	if evaluationSamples != nil {
		evaluationSamples.WithLabelValues(source).Add(float64(count))
	}
}

// IncQueryFailure increments data source failure counters.
func IncQueryFailure(source, kind string) {
	if kind == "" {
		kind = "unknown"
	}
	if queryFailures != nil {
		queryFailures.WithLabelValues(source, kind).Inc()
	}
}

// IncFanoutDropped counts an event dropped for a slow subscriber.
func IncFanoutDropped(subscriber string) {
	if subscriber == "" {
		subscriber = "anonymous"
	}
	if fanoutDropped != nil {
		fanoutDropped.WithLabelValues(subscriber).Inc()
	}
}

// IncSinkFailure counts a failed sink delivery.
func IncSinkFailure(sink string) {
	if sinkFailures != nil {
		sinkFailures.WithLabelValues(sink).Inc()
	}
}

// IncInsight counts an attached insight.
func IncInsight(insightType string) {
	if insightsTotal != nil {
		insightsTotal.WithLabelValues(insightType).Inc()
	}
}

// IncEnrichmentDropped counts a dropped enrichment job.
func IncEnrichmentDropped() {
	if enrichDropped != nil {
		enrichDropped.Inc()
	}
}

// ObserveRuleReload records a reload attempt and the resulting rule count.
func ObserveRuleReload(result string, count int) {
	if ruleReloads != nil {
		ruleReloads.WithLabelValues(result).Inc()
	}
	if result == resultSuccess && rulesLoaded != nil {
		rulesLoaded.Set(float64(count))
	}
}

// IncArchiveFailure counts a failed archive write.
func IncArchiveFailure() {
	if archiveFailures != nil {
		archiveFailures.Inc()
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
	ResultTimeout = resultTimeout
)
