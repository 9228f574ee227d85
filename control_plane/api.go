package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itskum47/fleetgate/control_plane/admission"
	"github.com/itskum47/fleetgate/control_plane/attestation"
	"github.com/itskum47/fleetgate/control_plane/auth"
	"github.com/itskum47/fleetgate/control_plane/decision"
	"github.com/itskum47/fleetgate/control_plane/execution"
	"github.com/itskum47/fleetgate/control_plane/idempotency"
	"github.com/itskum47/fleetgate/control_plane/incident"
	"github.com/itskum47/fleetgate/control_plane/llm"
	"github.com/itskum47/fleetgate/control_plane/middleware"
	"github.com/itskum47/fleetgate/control_plane/normalize"
	"github.com/itskum47/fleetgate/control_plane/observability"
	"github.com/itskum47/fleetgate/control_plane/policy"
	"github.com/itskum47/fleetgate/control_plane/preflight"
	"github.com/itskum47/fleetgate/control_plane/store"
	"github.com/itskum47/fleetgate/control_plane/timeline"
)

// maxBody bounds every JSON request body.
const maxBody = 1 << 20

var errInvalidRequest = errors.New("invalid request")

// ReplayGuardFunc returns the replay guard of a tenant.
type ReplayGuardFunc func(tenantID string) attestation.ReplayGuard

// Services are the collaborators the API serves.
type Services struct {
	Store       store.Store
	Engine      *decision.Engine
	Policies    *policy.Service
	Pipeline    *execution.Pipeline
	Signer      *attestation.Signer
	Secret      []byte
	ReplayGuard ReplayGuardFunc
	Models      *llm.ModelCache
	Timeline    *timeline.Store
	Gateway     http.Handler
	Idempotency idempotency.Store
}

type API struct {
	Services

	// Storm protection, keyed by tenant.
	heartbeatLimiter *admission.TokenBucketLimiter
}

func NewAPI(svc Services, heartbeatRate float64, heartbeatBurst int) *API {
	if svc.Idempotency == nil {
		svc.Idempotency = idempotency.NewMemoryStore(idempotency.DefaultTTL)
	}
	return &API{
		Services:         svc,
		heartbeatLimiter: admission.NewTokenBucketLimiter(heartbeatRate, heartbeatBurst),
	}
}

// Routes mounts every endpoint. authn resolves the tenant of a request.
func (a *API) Routes(authn func(http.Handler) http.Handler, corsOrigin string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CORSMiddleware(corsOrigin))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(authn)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(auth.RoleOperator, auth.RoleAdmin))
			r.Post("/functions/router", a.handleRouter)
			r.Post("/functions/policy-check", a.handlePolicyCheck)
			r.Post("/functions/preflight", a.handlePreflight)
			r.Post("/functions/sign", a.handleSign)
			r.With(idempotency.Middleware(a.Idempotency, middleware.TenantFromRequest)).
				Post("/functions/execute", a.handleExecute)
			r.Get("/runs/{id}/incident", a.handleCaptureIncident)
			r.Get("/api/timeline/{rid}", a.handleTimeline)
			r.Get("/ws", a.Gateway.ServeHTTP)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(auth.RoleAgent, auth.RoleAdmin))
			r.Post("/agent/register", a.handleRegister)
			r.Post("/agent/heartbeat", a.handleHeartbeat)
			r.Post("/runs/{id}/events", a.handleRunEvent)
			r.Post("/tasks/verify", a.handleVerifyTask)
		})

		r.Get("/runs/{id}", a.handleGetRun)

		r.With(middleware.RequireRole(auth.RoleAdmin)).
			Post("/admin/models/refresh", a.handleRefreshModels)
	})
	return r
}

// -- Responses --

type errorBody struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string, details any) {
	writeJSON(w, status, errorBody{Error: msg, Details: details})
}

// writeServiceError maps service errors onto status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	var (
		rejected *admission.RejectedError
		launch   *execution.LaunchError
		failover *llm.FailoverError
	)
	switch {
	case errors.As(err, &rejected):
		if rejected.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(rejected.RetryAfter.Seconds())+1))
		}
		writeError(w, http.StatusTooManyRequests, err.Error(), nil)
	case errors.As(err, &launch):
		status := http.StatusForbidden
		if launch.Status == attestation.StatusValidationFailed {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error(), map[string]string{
			"status":  string(launch.Status),
			"reason":  launch.Reason,
			"command": launch.Command,
		})
	case errors.As(err, &failover):
		log.Printf("[API] AI failover exhausted: %v", err)
		writeError(w, http.StatusInternalServerError, "all AI models failed", failover.Details())
	case errors.Is(err, errInvalidRequest),
		errors.Is(err, decision.ErrEmptyRequest),
		errors.Is(err, decision.ErrMalformed),
		errors.Is(err, execution.ErrNotExecutable),
		errors.Is(err, policy.ErrNoCommands),
		errors.Is(err, normalize.ErrEmptyCommand),
		errors.Is(err, normalize.ErrUnterminatedQuote):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, execution.ErrRunTerminal), errors.Is(err, execution.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error(), nil)
	default:
		log.Printf("[API] internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error", err.Error())
	}
}

// writeRateLimitError writes a 429 response with a jittered Retry-After.
func writeRateLimitError(w http.ResponseWriter, endpoint string, wait time.Duration) {
	observability.APIRateLimited.WithLabelValues(endpoint).Inc()

	secs := int(wait.Seconds()) + 1 + rand.Intn(2)
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, http.StatusTooManyRequests, "too many requests (storm protection active)", nil)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return false
	}
	return true
}

func tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID, err := middleware.GetTenantFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", nil)
		return "", false
	}
	return tenantID, true
}

// -- Functions --

type routerResponse struct {
	Decision         json.RawMessage `json:"decision"`
	Model            string          `json:"model"`
	FailoverAttempts int             `json:"failover_attempts"`
	CostUSD          float64         `json:"cost_usd"`
}

func (a *API) handleRouter(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	var req decision.Request
	if !decode(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required", nil)
		return
	}
	req.TenantID = tenantID

	out, err := a.Engine.Route(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	raw, err := decision.Marshal(out.Decision)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, routerResponse{
		Decision:         raw,
		Model:            out.Model,
		FailoverAttempts: out.FailoverAttempts,
		CostUSD:          out.CostUSD,
	})
}

func (a *API) handlePolicyCheck(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	var req struct {
		AgentID  string   `json:"agent_id"`
		Commands []string `json:"commands"`
	}
	if !decode(w, r, &req) {
		return
	}
	res, err := a.Policies.Check(r.Context(), tenantID, req.AgentID, req.Commands)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type actionRequest struct {
	AgentID  string          `json:"agent_id"`
	Decision json.RawMessage `json:"decision"`
	RunID    string          `json:"run_id,omitempty"`
	Confirm  bool            `json:"confirm,omitempty"`
}

// parse validates the common fields and decodes the client's decision.
func (req *actionRequest) parse() (decision.Decision, error) {
	if req.AgentID == "" {
		return nil, fmt.Errorf("%w: agent_id is required", errInvalidRequest)
	}
	if len(req.Decision) == 0 {
		return nil, fmt.Errorf("%w: decision is required", errInvalidRequest)
	}
	return decision.Unmarshal(req.Decision)
}

func (a *API) handlePreflight(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	var req actionRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := req.parse()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	pf := a.Pipeline.Preflight()
	d = pf.Sanitize(r.Context(), tenantID, d)
	if !decision.IsAction(d) {
		writeServiceError(w, fmt.Errorf("%w: %s", execution.ErrNotExecutable, d.Kind()))
		return
	}
	res, err := pf.Run(r.Context(), tenantID, preflight.Request{AgentID: req.AgentID, Decision: d, RunID: req.RunID})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleSign(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	var cmd attestation.NormalizedCommand
	if !decode(w, r, &cmd) {
		return
	}
	// A caller may only sign for its own tenant.
	cmd.CustomerID = tenantID

	resp, err := a.Signer.Sign(r.Context(), cmd)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	switch resp.Status {
	case attestation.StatusRejected:
		status = http.StatusForbidden
	case attestation.StatusValidationFailed:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}

func (a *API) handleExecute(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	var req actionRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := req.parse()
	if err != nil {
		writeServiceError(w, err)
		return
	}

	res, err := a.Pipeline.Execute(r.Context(), tenantID, req.AgentID, d, req.Confirm)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	switch res.Outcome {
	case execution.OutcomeQueued:
		status = http.StatusAccepted
	case execution.OutcomeBlocked:
		status = http.StatusForbidden
	case execution.OutcomePreflightFailed:
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

// -- Runs --

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	run, err := a.Pipeline.Orchestrator().Get(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type runEventRequest struct {
	Type     string `json:"type"` // started, stdout, stderr, progress, finished
	Data     string `json:"data,omitempty"`
	Progress int    `json:"progress,omitempty"`
	Message  string `json:"message,omitempty"`
	execution.Finish
}

func (a *API) handleRunEvent(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	var req runEventRequest
	if !decode(w, r, &req) {
		return
	}
	runID := chi.URLParam(r, "id")
	orch := a.Pipeline.Orchestrator()

	var (
		run *store.BatchRun
		err error
	)
	switch req.Type {
	case "started":
		run, err = orch.ReportStarted(r.Context(), tenantID, runID)
	case "stdout", "stderr":
		run, err = orch.ReportOutput(r.Context(), tenantID, runID, req.Type, req.Data)
	case "progress":
		run, err = orch.ReportProgress(r.Context(), tenantID, runID, req.Progress, req.Message)
	case "finished":
		run, err = orch.ReportFinished(r.Context(), tenantID, runID, req.Finish)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown event type %q", req.Type), nil)
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (a *API) handleCaptureIncident(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	runID := chi.URLParam(r, "id")
	report, err := incident.Capture(r.Context(), a.Store, a.Timeline, tenantID, runID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=incident-%s.json", runID))
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleTimeline(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	events := a.Timeline.GetEvents(tenantID, chi.URLParam(r, "rid"))
	if len(events) == 0 {
		writeError(w, http.StatusNotFound, "no stages recorded for request", nil)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// -- Agents --

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	var agent store.Agent
	if !decode(w, r, &agent) {
		return
	}
	if agent.ID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required", nil)
		return
	}
	if agent.Status == "" {
		agent.Status = "active"
	}
	agent.TenantID = tenantID
	agent.LastHeartbeat = time.Now()

	if err := a.Store.UpsertAgent(r.Context(), tenantID, &agent); err != nil {
		log.Printf("[API] Failed to register agent %s: %v", agent.ID, err)
		writeServiceError(w, err)
		return
	}
	log.Printf("[API] Agent %s registered for tenant %s (%s)", agent.ID, tenantID, agent.OS)
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	if allowed, wait := a.heartbeatLimiter.Reserve(tenantID); !allowed {
		writeRateLimitError(w, "heartbeat", wait)
		return
	}

	var hb store.Heartbeat
	if !decode(w, r, &hb) {
		return
	}
	if hb.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required", nil)
		return
	}
	hb.TenantID = tenantID
	hb.ReceivedAt = time.Now().UTC()

	if err := a.Store.RecordHeartbeat(r.Context(), &hb); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type verifyResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

func (a *API) handleVerifyTask(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	var req struct {
		Task    attestation.SignedTask `json:"task"`
		AgentID string                 `json:"agent_id"`
	}
	if !decode(w, r, &req) {
		return
	}

	var guard attestation.ReplayGuard
	if a.ReplayGuard != nil {
		guard = a.ReplayGuard(tenantID)
	}
	err := attestation.NewVerifier(a.Secret, guard).Verify(r.Context(), &req.Task, req.AgentID)
	if err != nil {
		observability.TaskVerifications.WithLabelValues("rejected").Inc()
		writeJSON(w, http.StatusOK, verifyResponse{Valid: false, Reason: err.Error()})
		return
	}
	observability.TaskVerifications.WithLabelValues("valid").Inc()
	writeJSON(w, http.StatusOK, verifyResponse{Valid: true})
}

// -- Admin --

func (a *API) handleRefreshModels(w http.ResponseWriter, r *http.Request) {
	a.Models.Invalidate()
	models, err := a.Models.Get(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	log.Printf("[API] Model list refreshed: %v", models)
	writeJSON(w, http.StatusOK, map[string]any{"status": "refreshed", "models": models})
}
