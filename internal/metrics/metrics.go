// Package metrics holds the Prometheus collectors shared by the pipeline binaries.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pipelineRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_pipeline_runs_total",
		Help: "Pipeline runs by requested stage and outcome",
	}, []string{"stage", "outcome"})

	pipelineStepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "catalog_pipeline_step_duration_seconds",
		Help:    "Duration of pipeline steps",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"step", "status"})

	stagingRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_staging_rows_total",
		Help: "Rows written to staging relations",
	}, []string{"relation"})

	stagingSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_staging_skipped_total",
		Help: "Raw events or records skipped during staging",
	}, []string{"reason"})

	discoveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_discovered_total",
		Help: "Catalogue rows inserted by discovery",
	}, []string{"entity"})

	enrichmentCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_enrichment_calls_total",
		Help: "Enrichment remote calls by call name and outcome",
	}, []string{"call", "outcome"})

	classificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_classifications_total",
		Help: "Classification labels assigned",
	}, []string{"engine", "label"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "catalog_http_request_duration_seconds",
		Help:    "API request durations by route template",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method", "code"})

	budgetDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_chain_budget_denied_total",
		Help: "Chain API requests delayed by the shared request budget",
	}, []string{"pool"})
)

// ObserveRun records the outcome of a pipeline run
func ObserveRun(stage string, succeeded bool) {
	outcome := "success"
	if !succeeded {
		outcome = "failure"
	}
	pipelineRunsTotal.WithLabelValues(stage, outcome).Inc()
}

// ObserveStep records a step duration and status
func ObserveStep(step, status string, d time.Duration) {
	pipelineStepDuration.WithLabelValues(step, status).Observe(d.Seconds())
}

// AddStagingRows counts rows written to a staging relation
func AddStagingRows(relation string, n int) {
	if n > 0 {
		stagingRowsTotal.WithLabelValues(relation).Add(float64(n))
	}
}

// AddStagingSkipped counts skipped raw events or records
func AddStagingSkipped(reason string, n int) {
	if n > 0 {
		stagingSkippedTotal.WithLabelValues(reason).Add(float64(n))
	}
}

// AddDiscovered counts newly inserted catalogue rows
func AddDiscovered(entity string, n int) {
	if n > 0 {
		discoveredTotal.WithLabelValues(entity).Add(float64(n))
	}
}

// ObserveEnrichmentCall counts a single enrichment call outcome
func ObserveEnrichmentCall(call, outcome string) {
	enrichmentCallsTotal.WithLabelValues(call, outcome).Inc()
}

// ObserveClassification counts an assigned label
func ObserveClassification(engine, label string) {
	classificationsTotal.WithLabelValues(engine, label).Inc()
}

// ObserveBudgetDenied counts chain API budget denials by pool
func ObserveBudgetDenied(pool string) {
	budgetDeniedTotal.WithLabelValues(pool).Inc()
}

// ObserveHTTPRequest records one API request
func ObserveHTTPRequest(route, method string, status int, d time.Duration) {
	httpRequestDuration.WithLabelValues(route, method, strconv.Itoa(status)).Observe(d.Seconds())
}
