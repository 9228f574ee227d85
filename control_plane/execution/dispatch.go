package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/itskum47/fleetgate/control_plane/attestation"
	"github.com/itskum47/fleetgate/control_plane/store"
)

// Dispatcher hands signed tasks to the agent transport.
type Dispatcher interface {
	Dispatch(ctx context.Context, agent *store.Agent, runID string, tasks []*attestation.SignedTask) error
}

// DispatchPayload is the body POSTed to the agent.
type DispatchPayload struct {
	RunID string                    `json:"run_id"`
	Tasks []*attestation.SignedTask `json:"tasks"`
}

// HTTPDispatcher POSTs tasks to http://<address>:<port>/execute.
// HTTP 202 Accepted means the agent took the run; completion is reported
// later through the run events endpoint.
type HTTPDispatcher struct {
	client *http.Client
}

func NewHTTPDispatcher(timeout time.Duration) *HTTPDispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPDispatcher{client: &http.Client{Timeout: timeout}}
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, agent *store.Agent, runID string, tasks []*attestation.SignedTask) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("dispatch cancelled: %w", err)
	}
	if agent.Address == "" || agent.Port == 0 {
		return fmt.Errorf("agent %s has no reachable address", agent.ID)
	}

	data, err := json.Marshal(DispatchPayload{RunID: runID, Tasks: tasks})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	url := fmt.Sprintf("http://%s:%d/execute", agent.Address, agent.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to contact agent: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("agent returned status %d", resp.StatusCode)
	}

	log.Printf("[EXEC] Run %s dispatched to agent %s (%d tasks)", runID, agent.ID, len(tasks))
	return nil
}
