package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/itskum47/fleetgate/control_plane/execution"
	"github.com/itskum47/fleetgate/control_plane/store"
)

const heartbeatInterval = 15 * time.Second

// ControlClient talks to the control plane's agent endpoints.
type ControlClient struct {
	cfg    *Config
	client *http.Client
}

func NewControlClient(cfg *Config) *ControlClient {
	return &ControlClient{cfg: cfg, client: &http.Client{Timeout: 10 * time.Second}}
}

func (c *ControlClient) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ServerURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	} else {
		req.Header.Set("X-Tenant-ID", c.cfg.TenantID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s failed with status %d: %s", path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

// Register announces the agent. It returns an error if registration fails.
func (c *ControlClient) Register(ctx context.Context) error {
	err := c.post(ctx, "/agent/register", store.Agent{
		ID:       c.cfg.NodeID,
		Hostname: c.cfg.Hostname,
		Address:  c.cfg.Address,
		Port:     c.cfg.Port,
		OS:       c.cfg.OS,
		Version:  c.cfg.Version,
	})
	if err != nil {
		return err
	}
	log.Printf("Successfully registered agent: %s", c.cfg.NodeID)
	return nil
}

// RegisterWithBackoff retries Register until it succeeds or ctx ends.
func (c *ControlClient) RegisterWithBackoff(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		err := c.Register(ctx)
		if err == nil {
			return nil
		}
		log.Printf("Registration failed: %v. Retrying in %s...", err, backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Heartbeat sends one host snapshot.
func (c *ControlClient) Heartbeat(ctx context.Context) error {
	return c.post(ctx, "/agent/heartbeat", snapshot(c.cfg))
}

// HeartbeatLoop runs until ctx is cancelled.
func (c *ControlClient) HeartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		if err := c.Heartbeat(ctx); err != nil {
			log.Printf("Error sending heartbeat: %v", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			log.Println("Heartbeat loop stopping...")
			return
		}
	}
}

// runEvent mirrors the control plane's run event body.
type runEvent struct {
	Type     string `json:"type"`
	Data     string `json:"data,omitempty"`
	Progress int    `json:"progress,omitempty"`
	Message  string `json:"message,omitempty"`
	execution.Finish
}

// Report posts a run event. Failures are only logged.
func (c *ControlClient) Report(ctx context.Context, runID string, ev runEvent) {
	if err := c.post(ctx, "/runs/"+runID+"/events", ev); err != nil {
		log.Printf("Failed to report %s for run %s: %v", ev.Type, runID, err)
	}
}

func snapshot(cfg *Config) store.Heartbeat {
	network := true
	return store.Heartbeat{
		AgentID:   cfg.NodeID,
		OS:        cfg.OS,
		NetworkOK: &network,
	}
}
