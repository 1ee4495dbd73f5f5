package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RecordsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patterndb_records_ingested_total",
			Help: "Total number of records read by input adapters",
		},
		[]string{"format"},
	)

	RecordsClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patterndb_records_classified_total",
			Help: "Total number of records run through the matcher",
		},
		[]string{"result"},
	)

	MatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "patterndb_match_duration_seconds",
			Help:    "Time taken to classify and correlate one record",
			Buckets: []float64{.000005, .00001, .000025, .00005, .0001, .00025, .0005, .001, .005, .01},
		},
	)

	SyntheticRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patterndb_synthetic_records_total",
			Help: "Total number of synthetic records emitted",
		},
		[]string{"trigger", "inject"},
	)

	ContextsLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "patterndb_contexts_live",
			Help: "Number of correlation contexts currently held",
		},
	)

	ContextsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patterndb_contexts_closed_total",
			Help: "Total number of correlation contexts closed",
		},
		[]string{"reason"},
	)

	KeyRenderFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "patterndb_key_render_failures_total",
			Help: "Records that matched a correlating rule but could not render its context key",
		},
	)

	TemplateDiagnostics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patterndb_template_diagnostics_total",
			Help: "Unresolved template references and failed condition evaluations",
		},
		[]string{"kind"},
	)

	ActionsRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "patterndb_actions_rate_limited_total",
			Help: "Action firings suppressed by their rate limit",
		},
	)

	InvariantViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patterndb_invariant_violations_total",
			Help: "Internal consistency violations detected and repaired by the context store",
		},
		[]string{"kind"},
	)

	RegexTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "patterndb_regex_timeouts_total",
			Help: "PCRE pattern evaluations aborted by their match timeout",
		},
	)

	DatabaseGeneration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "patterndb_database_generation",
			Help: "Generation number of the currently published rule database",
		},
	)

	DatabaseLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patterndb_database_loads_total",
			Help: "Rule database load attempts",
		},
		[]string{"result"},
	)

	GenerationsRetained = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "patterndb_generations_retained",
			Help: "Rule database generations still referenced by live contexts",
		},
	)

	SinkErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patterndb_sink_errors_total",
			Help: "Failed writes to output sinks",
		},
		[]string{"sink"},
	)

	RecordsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patterndb_records_emitted_total",
			Help: "Records delivered to output sinks",
		},
		[]string{"sink", "origin"},
	)

	GoroutinePanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patterndb_goroutine_panics_total",
			Help: "Panics recovered in background goroutines",
		},
		[]string{"goroutine"},
	)
)
