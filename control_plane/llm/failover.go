package llm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/itskum47/fleetgate/control_plane/observability"
	"github.com/itskum47/fleetgate/control_plane/store"
)

var (
	// ErrEmptyResponse marks a model answer with no content.
	ErrEmptyResponse = errors.New("empty model response")
	// ErrCircuitOpen marks a model skipped by its circuit breaker.
	ErrCircuitOpen = errors.New("circuit open")
)

// Attempt records one failed model call.
type Attempt struct {
	Model string `json:"model"`
	Err   error  `json:"-"`
}

// FailoverError is returned when every model in the list failed. It lists
// every attempted model with its error.
type FailoverError struct {
	Attempts []Attempt
}

func (e *FailoverError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Model, a.Err))
	}
	return fmt.Sprintf("all %d models failed: %s", len(e.Attempts), strings.Join(parts, "; "))
}

// Unwrap exposes the per-model errors to errors.Is and errors.As.
func (e *FailoverError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// Details is the {model, error} list for API error bodies.
func (e *FailoverError) Details() []map[string]string {
	out := make([]map[string]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		out = append(out, map[string]string{"model": a.Model, "error": a.Err.Error()})
	}
	return out
}

// UsageLogger persists usage records.
type UsageLogger interface {
	RecordUsage(ctx context.Context, u *store.UsageRecord) error
}

// Config controls the failover client.
type Config struct {
	// Budget bounds the whole fallback chain. Zero disables it.
	Budget           time.Duration
	MaxTokens        int
	Temperature      *float64
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Budget:           90 * time.Second,
		MaxTokens:        1500,
		BreakerThreshold: 3,
		BreakerCooldown:  30 * time.Second,
	}
}

// Call is one logical model request, independent of the model used.
type Call struct {
	TenantID    string
	AgentID     string
	RequestType string // "router", "chat", ...
	System      string
	Messages    []Message
}

// Result is a successful response plus its accounting.
type Result struct {
	Text             string    `json:"text"`
	Model            string    `json:"model"`
	Usage            Usage     `json:"usage"`
	CostUSD          float64   `json:"cost_usd"`
	FailoverAttempts int       `json:"failover_attempts"`
	Attempts         []Attempt `json:"-"`
}

// Client is the AI Failover Layer. It is explicitly constructed and safe for
// concurrent use.
type Client struct {
	provider Provider
	models   *ModelCache
	usage    UsageLogger
	breakers *breakerSet
	cfg      Config
}

// NewClient wires a failover client. usage may be nil.
func NewClient(provider Provider, models *ModelCache, usage UsageLogger, cfg Config) *Client {
	return &Client{
		provider: provider,
		models:   models,
		usage:    usage,
		breakers: newBreakerSet(cfg.BreakerThreshold, cfg.BreakerCooldown),
		cfg:      cfg,
	}
}

// Models exposes the model cache for refresh on demand.
func (c *Client) Models() *ModelCache {
	return c.models
}

// Complete tries each model in order until one returns non-empty content.
// Exhausting the list returns a *FailoverError.
func (c *Client) Complete(ctx context.Context, call Call) (*Result, error) {
	models, err := c.models.Get(ctx)
	if err != nil {
		return nil, err
	}

	if c.cfg.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Budget)
		defer cancel()
	}

	var attempts []Attempt
	for _, model := range models {
		if err := ctx.Err(); err != nil {
			attempts = append(attempts, Attempt{Model: model, Err: fmt.Errorf("not attempted: %w", err)})
			observability.LLMAttempts.WithLabelValues(model, "deadline").Inc()
			continue
		}

		breaker := c.breakers.get(model)
		if !breaker.Allow() {
			attempts = append(attempts, Attempt{Model: model, Err: ErrCircuitOpen})
			observability.LLMAttempts.WithLabelValues(model, "circuit_open").Inc()
			continue
		}

		start := time.Now()
		resp, err := c.provider.Complete(ctx, Request{
			Model:       model,
			System:      call.System,
			Messages:    call.Messages,
			MaxTokens:   c.cfg.MaxTokens,
			Temperature: c.cfg.Temperature,
		})
		observability.LLMLatency.WithLabelValues(model).Observe(time.Since(start).Seconds())

		outcome := "error"
		if err == nil && strings.TrimSpace(resp.Text) == "" {
			err = ErrEmptyResponse
			outcome = "empty"
		}
		if err != nil {
			breaker.RecordFailure()
			attempts = append(attempts, Attempt{Model: model, Err: err})
			observability.LLMAttempts.WithLabelValues(model, outcome).Inc()
			log.Printf("[LLM] Model %s failed (%s): %v", model, call.RequestType, err)
			continue
		}

		breaker.RecordSuccess()
		observability.LLMAttempts.WithLabelValues(model, "success").Inc()
		observability.LLMFailovers.Observe(float64(len(attempts)))

		cost := Cost(model, resp.Usage)
		c.recordUsage(ctx, call, model, resp.Usage, cost)

		if len(attempts) > 0 {
			log.Printf("[LLM] %s answered by %s after %d failed attempts", call.RequestType, model, len(attempts))
		}
		return &Result{
			Text:             resp.Text,
			Model:            model,
			Usage:            resp.Usage,
			CostUSD:          cost,
			FailoverAttempts: len(attempts),
			Attempts:         attempts,
		}, nil
	}

	return nil, &FailoverError{Attempts: attempts}
}

// recordUsage is best-effort: failures are logged and counted, never
// returned.
func (c *Client) recordUsage(ctx context.Context, call Call, model string, u Usage, cost float64) {
	observability.LLMTokens.WithLabelValues(model, "input").Add(float64(u.InputTokens))
	observability.LLMTokens.WithLabelValues(model, "output").Add(float64(u.OutputTokens))
	observability.LLMCostUSD.WithLabelValues(model, call.RequestType).Add(cost)

	if c.usage == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	err := c.usage.RecordUsage(ctx, &store.UsageRecord{
		TenantID:     call.TenantID,
		AgentID:      call.AgentID,
		RequestType:  call.RequestType,
		Model:        model,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		CostUSD:      cost,
	})
	if err != nil {
		observability.UsageLogFailures.Inc()
		log.Printf("[LLM] Usage log failed (ignored): %v", err)
	}
}
