// Package observability instruments the orchestration core with internal
// Prometheus collectors and a structured JSON decision-log helper. Adapted
// from the reference control plane's observability/metrics.go promauto
// instrumentation; per DESIGN.md, no /metrics scrape endpoint is wired here
// since standing up a metrics-exporter surface is an explicit Non-goal —
// nothing in this module reads these collectors back.
package observability

import (
	"encoding/json"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AdmissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_admission_decisions_total",
		Help: "Total scheduler admission decisions by outcome",
	}, []string{"decision", "reason"})

	RunRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_run_retries_total",
		Help: "Total automatic run retries by error kind",
	}, []string{"kind"})

	RuntimeQuarantineEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_runtime_quarantine_total",
		Help: "Total times a task-runtime was quarantined",
	}, []string{"reason"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_queue_depth",
		Help: "Current number of Queued runs",
	})

	ConnectedRuntimes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_connected_runtimes",
		Help: "Current number of task-runtimes with fresh heartbeats",
	})

	EventBusSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_eventbus_subscribers",
		Help: "Current number of live EventBus subscriptions",
	})

	DeadRunTerminations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_dead_run_terminations_total",
		Help: "Total runs force-terminated by the dead-run detector",
	}, []string{"reason"})

	LeaderTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_leader_transitions_total",
		Help: "Total leadership acquisitions by this process",
	})

	ReconciliationEpochAbort = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_reconciliation_epoch_abort_total",
		Help: "Total reconciliation passes aborted because leadership changed mid-run",
	})

	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_redis_operation_latency_seconds",
		Help:    "Latency of Redis-backed coordination and idempotency calls",
		Buckets: prometheus.DefBuckets,
	})
)

// schedulingDecision is the structured decision-log record emitted once per
// admission/dispatch decision, mirroring the reference's SchedulingDecision
// logging pattern.
type schedulingDecision struct {
	RunID     string    `json:"runId"`
	RuntimeID string    `json:"runtimeId,omitempty"`
	Decision  string    `json:"decision"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// LogDecision emits a single-line structured JSON decision record.
func LogDecision(runID, runtimeID, decision, reason string) {
	rec := schedulingDecision{
		RunID:     runID,
		RuntimeID: runtimeID,
		Decision:  decision,
		Reason:    reason,
		Timestamp: time.Now(),
	}
	b, err := json.Marshal(rec)
	if err != nil {
		log.Printf("[SCHEDULER] ⚠️ failed to marshal decision log: %v", err)
		return
	}
	log.Printf("[SCHEDULER] decision=%s", string(b))
}
