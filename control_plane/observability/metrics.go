package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// === Router ===

	// RouterDecisions tracks Decision Engine outputs by kind.
	RouterDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetgate_router_decisions_total",
		Help: "Decisions produced by the router, by kind",
	}, []string{"kind"}) // chat, batch, custom_shell, proposed_batch_script, not_supported

	// RouterSafetyDowngrades counts model actions converted to not_supported
	// by the downstream safety re-check.
	RouterSafetyDowngrades = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetgate_router_safety_downgrades_total",
		Help: "Model actions rejected by the command safety re-check",
	}, []string{"reason"})

	// CandidatesRetrieved tracks the size of retrieved batch shortlists.
	CandidatesRetrieved = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetgate_candidates_retrieved",
		Help:    "Number of candidate batches returned per request",
		Buckets: []float64{0, 1, 2, 3, 5, 10, 20},
	})

	// === AI Failover ===

	// LLMAttempts tracks model attempts by outcome.
	LLMAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetgate_llm_attempts_total",
		Help: "Model call attempts by model and outcome",
	}, []string{"model", "outcome"}) // success, error, empty, circuit_open, deadline

	// LLMFailovers tracks how many fallbacks a successful call needed.
	LLMFailovers = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetgate_llm_failover_attempts",
		Help:    "Failed attempts before a successful model response",
		Buckets: []float64{0, 1, 2, 3, 5},
	})

	// LLMLatency tracks per-attempt latency.
	LLMLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleetgate_llm_latency_seconds",
		Help:    "Latency of a single model call",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
	}, []string{"model"})

	// LLMTokens tracks token usage.
	LLMTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetgate_llm_tokens_total",
		Help: "Tokens consumed by model and direction",
	}, []string{"model", "direction"}) // input, output

	// LLMCostUSD tracks computed spend.
	LLMCostUSD = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetgate_llm_cost_usd_total",
		Help: "Computed model spend in USD",
	}, []string{"model", "request_type"})

	// UsageLogFailures counts swallowed usage logging errors.
	UsageLogFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetgate_llm_usage_log_failures_total",
		Help: "Usage log writes that failed (best-effort, not surfaced)",
	})

	// ModelCircuitState tracks per-model breaker state.
	ModelCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleetgate_llm_circuit_state",
		Help: "Per-model circuit breaker state (0=closed, 1=half_open, 2=open)",
	}, []string{"model"})

	// === Policy / Preflight / Signer ===

	// PolicyDecisions tracks resolved policy modes.
	PolicyDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetgate_policy_decisions_total",
		Help: "Policy decisions by resolved mode",
	}, []string{"mode"})

	// PreflightChecks tracks check outcomes.
	PreflightChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetgate_preflight_checks_total",
		Help: "Preflight checks by name and status",
	}, []string{"check", "status"})

	// SignerOutcomes tracks signer responses.
	SignerOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetgate_signer_outcomes_total",
		Help: "Command signer outcomes",
	}, []string{"status"}) // task_signed, task_rejected, validation_failed

	// TaskVerifications tracks signed task verification results.
	TaskVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetgate_task_verifications_total",
		Help: "Signed task verification results",
	}, []string{"result"})

	// === Execution ===

	// RunTransitions tracks BatchRun state changes.
	RunTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetgate_run_transitions_total",
		Help: "BatchRun status transitions",
	}, []string{"from", "to"})

	// RunDurationSeconds tracks reported run durations.
	RunDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetgate_run_duration_seconds",
		Help:    "Duration of finished runs as reported by agents",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
	})

	// AdmissionRejections tracks runs refused by admission control.
	AdmissionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetgate_admission_rejections_total",
		Help: "Runs rejected by admission control",
	}, []string{"reason"}) // agent_busy, tenant_busy, rate_limited

	// DispatchFailures tracks failed dispatches to agents.
	DispatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetgate_dispatch_failures_total",
		Help: "Signed task dispatches the agent did not accept",
	})

	// === Gateway ===

	// GatewaySessions tracks open WebSocket sessions.
	GatewaySessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetgate_gateway_sessions",
		Help: "Currently open streaming gateway sessions",
	})

	// GatewayFlows tracks finished logical flows by terminal outcome.
	GatewayFlows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetgate_gateway_flows_total",
		Help: "Gateway flows by mode and terminal outcome",
	}, []string{"mode", "outcome"})

	// APIRateLimited tracks API requests rejected by rate limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetgate_api_rate_limited_total",
		Help: "API requests rejected by rate limiter (storm protection)",
	}, []string{"endpoint"})

	// RedisLatency tracks Redis operation roundtrip latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetgate_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})

	// EventPublishFailures tracks failed event publish attempts.
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetgate_event_publish_failures_total",
		Help: "Failed event publish attempts (non-blocking, best-effort)",
	}, []string{"event_type"})

	// ConnectedAgents tracks agents with a fresh heartbeat.
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetgate_connected_agents",
		Help: "Agents registered with this control plane",
	})
)
