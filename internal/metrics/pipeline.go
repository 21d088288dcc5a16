package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// All metrics are low-cardinality (no camera_id/event_id labels)

var (
	// EventsIngestedTotal counts raw events by gateway outcome
	EventsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_events_ingested_total",
			Help: "Raw detection events by ingestion outcome",
		},
		[]string{"source", "outcome"}, // accepted | duplicate | malformed
	)

	// GroupsClosedTotal counts correlation group closures
	GroupsClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_groups_closed_total",
			Help: "Correlation groups closed by reason",
		},
		[]string{"reason"}, // deadline | camera_cap
	)

	// GroupSize tracks events per closed group
	GroupSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_group_size",
			Help:    "Events per closed correlation group",
			Buckets: []float64{1, 2, 3, 4, 6, 8},
		},
	)

	// ClipFetchAttemptsTotal counts clip retrieval attempts by outcome
	ClipFetchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_clip_fetch_attempts_total",
			Help: "Clip fetch attempts by outcome",
		},
		[]string{"outcome"}, // ok | retry | not_found | exhausted
	)

	// AcquisitionsTotal counts frame acquisitions by selection path
	AcquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_acquisitions_total",
			Help: "Frame acquisitions by selection path",
		},
		[]string{"selection"}, // adaptive | uniform | snapshot
	)

	// ProviderCallsTotal counts AI provider calls
	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_provider_calls_total",
			Help: "AI provider calls by provider and outcome",
		},
		[]string{"provider", "outcome"}, // ok | error | timeout | budget
	)

	// ProviderLatency tracks provider call latency
	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_provider_latency_ms",
			Help:    "AI provider call latency in milliseconds",
			Buckets: []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"provider"},
	)

	// CostUnitsSpentTotal accumulates committed ledger spend
	CostUnitsSpentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_cost_units_spent_total",
			Help: "Cost units committed to the ledger",
		},
	)

	// CostRejectionsTotal counts ledger reservations refused at the cap
	CostRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_cost_rejections_total",
			Help: "Ledger reservations refused by period cap",
		},
		[]string{"period"}, // day | month
	)

	// AnalysesTotal counts terminal analysis results
	AnalysesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_analyses_total",
			Help: "Terminal analysis results by status and mode",
		},
		[]string{"status", "mode"},
	)

	// SinkEmitsTotal counts result sink writes
	SinkEmitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_sink_emits_total",
			Help: "Result sink writes by sink and outcome",
		},
		[]string{"sink", "outcome"},
	)

	// WorkerQueueDepth is the current depth of the analysis work queue
	WorkerQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_worker_queue_depth",
			Help: "Closed groups waiting for a pipeline worker",
		},
	)

	// EventsInFlight is the number of events currently being processed
	EventsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_events_in_flight",
			Help: "Events currently held by pipeline workers",
		},
	)

	// TasksFatalTotal counts recovered per-event panics
	TasksFatalTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_tasks_fatal_total",
			Help: "Event tasks aborted by an unexpected failure",
		},
	)
)
