// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Execution metrics
	ExecutionsEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "squadron_executions_enqueued_total",
			Help: "Total number of executions enqueued",
		},
	)

	ExecutionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "squadron_executions_finished_total",
			Help: "Total number of executions that reached a terminal state",
		},
		[]string{"status"},
	)

	ExecutionsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "squadron_executions_running",
			Help: "Executions currently running on this replica",
		},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "squadron_execution_duration_seconds",
			Help:    "Wall time from claim to terminal state",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"status"},
	)

	ExecutionsResumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "squadron_executions_resumed_total",
			Help: "Executions re-claimed after a lease expired",
		},
	)

	CancellationsRequested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "squadron_cancellations_requested_total",
			Help: "Cancellation requests accepted for running executions",
		},
	)

	LeasesLost = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "squadron_leases_lost_total",
			Help: "Times a worker abandoned an execution after losing its lease",
		},
	)

	// Step metrics
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "squadron_step_duration_seconds",
			Help:    "Step attempt duration in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"step", "outcome"},
	)

	StepRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "squadron_step_retries_total",
			Help: "Step attempts beyond the first",
		},
		[]string{"step"},
	)

	// Event bus metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "squadron_events_published_total",
			Help: "Events durably appended and fanned out",
		},
		[]string{"kind"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "squadron_events_dropped_total",
			Help: "Events dropped by slow subscriber overflow policy",
		},
		[]string{"policy"},
	)

	NotifyReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "squadron_notify_reconnects_total",
			Help: "Database notification listener reconnect attempts",
		},
	)

	// Subscription metrics
	SubscribersActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "squadron_subscribers_active",
			Help: "Active stream subscriptions on this replica",
		},
		[]string{"scope", "transport"},
	)

	SubscribersRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "squadron_subscribers_rejected_total",
			Help: "Subscriptions rejected at the per-target cap",
		},
		[]string{"scope"},
	)

	// Agent pool metrics
	AgentPoolSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "squadron_agent_pool_size",
			Help: "Agents currently held by the pool",
		},
	)

	AgentPoolLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "squadron_agent_pool_lookups_total",
			Help: "Agent pool lookups by outcome (hit, miss, error)",
		},
		[]string{"role", "outcome"},
	)

	AgentPoolEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "squadron_agent_pool_evictions_total",
			Help: "Agents evicted FIFO at capacity",
		},
	)

	// LLM call metrics
	AgentCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "squadron_agent_call_duration_seconds",
			Help:    "Duration of one agent model call",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"role"},
	)

	// Webhook metrics
	WebhooksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "squadron_webhooks_received_total",
			Help: "Webhook deliveries by verification outcome",
		},
		[]string{"outcome"},
	)
)
