// Package admission enforces batch concurrency limits and per-agent dispatch
// rates before a run is created.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/itskum47/fleetgate/control_plane/observability"
	"github.com/itskum47/fleetgate/control_plane/store"
)

var (
	ErrAgentBusy   = errors.New("agent concurrency limit reached")
	ErrTenantBusy  = errors.New("tenant concurrency limit reached")
	ErrRateLimited = errors.New("dispatch rate exceeded")
)

// RejectedError carries the limit that refused admission.
type RejectedError struct {
	Err        error
	Limit      int
	Active     int
	RetryAfter time.Duration
}

func (e *RejectedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%v: retry after %s", e.Err, e.RetryAfter.Round(time.Millisecond))
	}
	return fmt.Sprintf("%v (%d/%d active)", e.Err, e.Active, e.Limit)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// RunCounter counts queued and running runs.
type RunCounter interface {
	CountActiveRuns(ctx context.Context, f store.RunFilter) (int, error)
}

// Controller admits runs. Counts are read fresh from the store on every call.
type Controller struct {
	runs     RunCounter
	dispatch *TokenBucketLimiter
}

// NewController creates a controller with a per-agent dispatch rate in runs
// per second and burst.
func NewController(runs RunCounter, ratePerSec float64, burst int) *Controller {
	return &Controller{
		runs:     runs,
		dispatch: NewTokenBucketLimiter(ratePerSec, burst),
	}
}

// Admit checks the batch concurrency limits then the agent dispatch rate.
// batch may be nil for ad-hoc commands, which are only rate limited.
func (c *Controller) Admit(ctx context.Context, tenantID, agentID string, batch *store.Batch) error {
	if batch != nil {
		limits := batch.ConcurrencyLimits
		if limits.PerAgent > 0 {
			if err := c.check(ctx, store.RunFilter{TenantID: tenantID, AgentID: agentID, BatchID: batch.ID}, limits.PerAgent, ErrAgentBusy); err != nil {
				return err
			}
		}
		if limits.PerTenant > 0 {
			if err := c.check(ctx, store.RunFilter{TenantID: tenantID, BatchID: batch.ID}, limits.PerTenant, ErrTenantBusy); err != nil {
				return err
			}
		}
	}

	if ok, wait := c.dispatch.Reserve(tenantID + "/" + agentID); !ok {
		observability.AdmissionRejections.WithLabelValues("rate").Inc()
		return &RejectedError{Err: ErrRateLimited, RetryAfter: wait}
	}
	return nil
}

func (c *Controller) check(ctx context.Context, f store.RunFilter, limit int, sentinel error) error {
	active, err := c.runs.CountActiveRuns(ctx, f)
	if err != nil {
		return fmt.Errorf("count active runs: %w", err)
	}
	if active >= limit {
		reason := "agent"
		if errors.Is(sentinel, ErrTenantBusy) {
			reason = "tenant"
		}
		observability.AdmissionRejections.WithLabelValues(reason).Inc()
		return &RejectedError{Err: sentinel, Limit: limit, Active: active}
	}
	return nil
}
