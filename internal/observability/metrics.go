package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	turnTotal      *prometheus.CounterVec
	turnDuration   *prometheus.HistogramVec
	roundTrips     prometheus.Histogram
	turnBailsTotal prometheus.Counter

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec

	conflictSkipsTotal *prometheus.CounterVec

	recallDuration      prometheus.Histogram
	recallTimeoutsTotal prometheus.Counter
	recallAliasRetries  prometheus.Counter

	sessionLoadDuration prometheus.Histogram
	sessionSaveDuration prometheus.Histogram
	activeSessions      prometheus.Gauge

	memorySearchDuration prometheus.Histogram
	memoryEntriesTotal   prometheus.Gauge

	providerCooldown *prometheus.GaugeVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turn_total",
					Help: "Total conversation turns by provider and status.",
				},
				[]string{"provider", "status"},
			),
			turnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "turn_duration_seconds",
					Help:    "Conversation turn duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			roundTrips: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "turn_round_trips",
					Help:    "Model round trips consumed per turn.",
					Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
				},
			),
			turnBailsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "turn_bails_total",
					Help: "Turns terminated by round-trip budget exhaustion.",
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_errors_total",
					Help: "Total tool execution errors by tool.",
				},
				[]string{"tool"},
			),
			conflictSkipsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conflict_skips_total",
					Help: "Tool-call requests skipped by the conflict resolver, by reason.",
				},
				[]string{"reason"},
			),
			recallDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "recall_duration_seconds",
					Help:    "Memory prefetch duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			recallTimeoutsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "recall_timeouts_total",
					Help: "Memory prefetch calls lost to the timeout race.",
				},
			),
			recallAliasRetries: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "recall_alias_retries_total",
					Help: "Memory prefetch retries under the alternate tool name.",
				},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_load_duration_seconds",
					Help:    "Session load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sessionSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_save_duration_seconds",
					Help:    "Session save duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current active session count.",
				},
			),
			memorySearchDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "memory_search_duration_seconds",
					Help:    "Memory search duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			memoryEntriesTotal: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "memory_entries_total",
					Help: "Total memory chunks indexed.",
				},
			),
			providerCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "provider_cooldown_active",
					Help: "Provider cooldown active state (1 active, 0 inactive).",
				},
				[]string{"provider"},
			),
		}

		prometheus.MustRegister(
			m.turnTotal,
			m.turnDuration,
			m.roundTrips,
			m.turnBailsTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.conflictSkipsTotal,
			m.recallDuration,
			m.recallTimeoutsTotal,
			m.recallAliasRetries,
			m.sessionLoadDuration,
			m.sessionSaveDuration,
			m.activeSessions,
			m.memorySearchDuration,
			m.memoryEntriesTotal,
			m.providerCooldown,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler exposes the prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordTurn(provider string, duration time.Duration, roundTrips int, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.turnTotal.WithLabelValues(provider, status).Inc()
	m.turnDuration.WithLabelValues(provider).Observe(duration.Seconds())
	m.roundTrips.Observe(float64(roundTrips))
}

func RecordTurnBail() {
	getMetrics().turnBailsTotal.Inc()
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

func RecordConflictSkip(reason string) {
	getMetrics().conflictSkipsTotal.WithLabelValues(reason).Inc()
}

func RecordRecall(duration time.Duration, timedOut bool) {
	m := getMetrics()
	m.recallDuration.Observe(duration.Seconds())
	if timedOut {
		m.recallTimeoutsTotal.Inc()
	}
}

func RecordRecallAliasRetry() {
	getMetrics().recallAliasRetries.Inc()
}

func RecordSessionLoad(duration time.Duration) {
	getMetrics().sessionLoadDuration.Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration) {
	getMetrics().sessionSaveDuration.Observe(duration.Seconds())
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordMemorySearch(duration time.Duration) {
	getMetrics().memorySearchDuration.Observe(duration.Seconds())
}

func SetMemoryEntries(total int) {
	getMetrics().memoryEntriesTotal.Set(float64(total))
}

func SetProviderCooldown(provider string, active bool) {
	value := 0.0
	if active {
		value = 1.0
	}
	getMetrics().providerCooldown.WithLabelValues(provider).Set(value)
}
