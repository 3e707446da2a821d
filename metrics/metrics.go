// Package metrics exposes Prometheus collectors for the orchestrator.
// Components record into these; scraping (if any) is wired by the embedding
// binary.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "conductor"

var (
	// AgentInvocations counts LLM invocations per agent name.
	AgentInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "agentpool",
		Name:      "invocations_total",
		Help:      "LLM invocations issued through the agent pool.",
	}, []string{"agent", "status"})

	// AgentCost accumulates estimated spend per agent name.
	AgentCost = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "agentpool",
		Name:      "estimated_cost_total",
		Help:      "Estimated LLM cost accumulated per agent name.",
	}, []string{"agent"})

	// ActiveAgents tracks the number of live agents in the pool.
	ActiveAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "agentpool",
		Name:      "active_agents",
		Help:      "Agents currently held by the pool.",
	})

	// ErrorsTotal counts classified errors by kind.
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "retry",
		Name:      "errors_total",
		Help:      "Errors observed by the retry handler, by kind.",
	}, []string{"kind"})

	// RetryAttempts counts retry sleeps performed.
	RetryAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "retry",
		Name:      "attempts_total",
		Help:      "Retry attempts performed after a transient failure.",
	})

	// EscalationsPending tracks unresolved escalations on disk.
	EscalationsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "escalation",
		Name:      "pending",
		Help:      "Escalations currently awaiting a human response.",
	})

	// WorkflowSteps counts executed workflow steps by outcome.
	WorkflowSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workflow",
		Name:      "steps_total",
		Help:      "Workflow steps processed, by outcome.",
	}, []string{"outcome"})
)
