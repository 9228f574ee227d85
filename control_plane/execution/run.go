// Package execution owns the BatchRun lifecycle: it launches signed tasks on
// an agent and afterwards only reacts to events the agent reports.
package execution

import (
	"errors"
	"fmt"
	"time"

	"github.com/itskum47/fleetgate/control_plane/observability"
	"github.com/itskum47/fleetgate/control_plane/store"
)

var (
	ErrRunTerminal       = errors.New("run is already finished")
	ErrInvalidTransition = errors.New("invalid run transition")
)

var transitions = map[store.RunStatus][]store.RunStatus{
	store.RunQueued:  {store.RunRunning, store.RunFailed},
	store.RunRunning: {store.RunCompleted, store.RunFailed},
}

// Transition moves run to status to, stamping start and finish times.
func Transition(run *store.BatchRun, to store.RunStatus, now time.Time) error {
	from := run.Status
	if from.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrRunTerminal, run.ID, from)
	}
	allowed := false
	for _, next := range transitions[from] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	run.Status = to
	switch to {
	case store.RunRunning:
		t := now
		run.StartedAt = &t
	case store.RunCompleted, store.RunFailed:
		t := now
		run.FinishedAt = &t
		if run.StartedAt != nil {
			run.DurationSec = now.Sub(*run.StartedAt).Seconds()
		}
		observability.RunDurationSeconds.Observe(run.DurationSec)
	}
	observability.RunTransitions.WithLabelValues(string(from), string(to)).Inc()
	return nil
}
