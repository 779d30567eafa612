package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	questionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygate_questions_total",
			Help: "Total number of gated requests by path and outcome.",
		},
		[]string{"path", "outcome"},
	)
	validationRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygate_validation_rejections_total",
			Help: "Total number of candidate queries rejected by the safety validator, by rule.",
		},
		[]string{"rule"},
	)
	queriesRewrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querygate_queries_rewritten_total",
			Help: "Total number of queries that received a row limit.",
		},
	)
	quotaDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygate_quota_denials_total",
			Help: "Total number of requests denied by the quota ledger, by scope.",
		},
		[]string{"scope"},
	)
	tokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygate_translator_tokens_total",
			Help: "Total translator tokens recorded in the usage ledger, by kind.",
		},
		[]string{"kind"},
	)
	costUSDTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querygate_translator_cost_usd_total",
			Help: "Total translator cost recorded in the usage ledger in USD.",
		},
	)
	translateLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "querygate_translate_latency_ms",
			Help:    "Translator call latency in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000},
		},
	)
	executeLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querygate_execute_latency_ms",
			Help:    "Executor call latency in milliseconds, by outcome.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000},
		},
		[]string{"outcome"},
	)
	degradedColumnsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querygate_analysis_degraded_columns_total",
			Help: "Total number of result columns the analyzer could not interpret.",
		},
	)
	ledgerPersistFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querygate_ledger_persist_failures_total",
			Help: "Total number of usage snapshot writes that failed.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		questionsTotal,
		validationRejectionsTotal,
		queriesRewrittenTotal,
		quotaDenialsTotal,
		tokensTotal,
		costUSDTotal,
		translateLatencyMs,
		executeLatencyMs,
		degradedColumnsTotal,
		ledgerPersistFailuresTotal,
	)
}

func ObserveOutcome(path, outcome string) {
	questionsTotal.WithLabelValues(path, outcome).Inc()
}

func ObserveValidation(rule string, rewritten bool) {
	if rule != "" {
		validationRejectionsTotal.WithLabelValues(rule).Inc()
		return
	}
	if rewritten {
		queriesRewrittenTotal.Inc()
	}
}

func IncrementQuotaDenied(scope string) {
	quotaDenialsTotal.WithLabelValues(scope).Inc()
}

func ObserveTokens(prompt, completion int64, costUSD float64) {
	if prompt > 0 {
		tokensTotal.WithLabelValues("prompt").Add(float64(prompt))
	}
	if completion > 0 {
		tokensTotal.WithLabelValues("completion").Add(float64(completion))
	}
	if costUSD > 0 {
		costUSDTotal.Add(costUSD)
	}
}

func ObserveTranslateLatency(elapsed time.Duration) {
	translateLatencyMs.Observe(float64(elapsed.Milliseconds()))
}

func ObserveExecuteLatency(outcome string, elapsed time.Duration) {
	executeLatencyMs.WithLabelValues(outcome).Observe(float64(elapsed.Milliseconds()))
}

func AddDegradedColumns(n int) {
	if n > 0 {
		degradedColumnsTotal.Add(float64(n))
	}
}

func IncrementLedgerPersistFailure() {
	ledgerPersistFailuresTotal.Inc()
}
