// Package metrics holds the engine's Prometheus collectors, adapted from
// the teacher's pkg/metrics registry pattern: a dedicated registry, a
// namespaced collector set, and an init()-time MustRegister call.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "detectbus"

var (
	// Registry holds the engine's Prometheus collectors, separate from the
	// global default registry so embedding applications can mount it
	// wherever they like.
	Registry = prometheus.NewRegistry()

	BusReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "bus", Name: "received_total",
		Help: "Events accepted by the bus, per partition.",
	}, []string{"partition"})

	BusProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "bus", Name: "processed_total",
		Help: "Events delivered to a worker and processed, per partition.",
	}, []string{"partition"})

	BusDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "bus", Name: "dropped_total",
		Help: "Events dropped under back-pressure, per partition and reason.",
	}, []string{"partition", "reason"})

	BusBackpressureHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "bus", Name: "backpressure_hits_total",
		Help: "Publish attempts that hit a full partition queue.",
	}, []string{"partition"})

	BusQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "bus", Name: "queue_depth",
		Help: "Current depth of each partition queue.",
	}, []string{"partition"})

	RuntimeEvaluations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "runtime", Name: "evaluations_total",
		Help: "Predicate evaluations, per runtime flavor and result.",
	}, []string{"flavor", "result"})

	RuntimeBudgetExceeded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "runtime", Name: "budget_exceeded_total",
		Help: "Predicate evaluations that exceeded their CPU/memory budget.",
	}, []string{"flavor", "predicate_id"})

	SequenceMatchesCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "sequence", Name: "matches_created_total",
		Help: "Partial matches created, per sequence id.",
	}, []string{"sequence_id"})

	SequenceAlertsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "sequence", Name: "alerts_emitted_total",
		Help: "Alerts emitted by sequence completion, per sequence id.",
	}, []string{"sequence_id"})

	SequenceExpired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "sequence", Name: "matches_expired_total",
		Help: "Partial matches expired by maxspan, per sequence id.",
	}, []string{"sequence_id"})

	StateQuotaRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "state", Name: "quota_rejections_total",
		Help: "Insertions rejected by quota, per scope (per_entity|per_sequence|total).",
	}, []string{"scope"})

	StateEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "state", Name: "evictions_total",
		Help: "Partial matches evicted, per reason (expired|terminated|lru|quota).",
	}, []string{"reason"})

	StateSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "state", Name: "size",
		Help: "Current partial match count, per shard.",
	}, []string{"shard"})

	LifecycleRuleChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "lifecycle", Name: "rule_changes_total",
		Help: "Rule lifecycle changes, per kind (added|modified|removed|enabled|disabled).",
	}, []string{"kind"})
)

func init() {
	Registry.MustRegister(
		BusReceived, BusProcessed, BusDropped, BusBackpressureHits, BusQueueDepth,
		RuntimeEvaluations, RuntimeBudgetExceeded,
		SequenceMatchesCreated, SequenceAlertsEmitted, SequenceExpired,
		StateQuotaRejections, StateEvictions, StateSize,
		LifecycleRuleChanges,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler exposes the registered collectors for an embedding application
// that wants to mount a /metrics endpoint; the core itself never starts
// an HTTP server.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
