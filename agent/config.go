package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
)

// Config holds the agent configuration and identity.
type Config struct {
	NodeID    string
	TenantID  string
	Hostname  string
	OS        string
	Version   string
	ServerURL string
	Port      int
	Address   string // reachable address advertised at registration

	// Token is a bearer token with the agent role. Empty falls back to the
	// X-Tenant-ID header, which only a dev-mode control plane accepts.
	Token  string
	Secret []byte
}

// LoadConfig reads flags and environment and resolves the node identity.
func LoadConfig(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("fleetgate-agent", pflag.ContinueOnError)
	server := fs.String("server", "http://localhost:8080", "control plane base URL")
	tenant := fs.String("tenant", "default", "tenant the agent belongs to")
	port := fs.Int("port", 8081, "port the agent listens on for dispatched tasks")
	address := fs.String("address", "", "address the control plane reaches this agent on (default hostname)")
	nodeID := fs.String("node-id", "", "agent id (default persisted in ~/.fleetgate/node_id)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	secret := os.Getenv("FLEETGATE_SIGNING_SECRET")
	if len(secret) < 32 {
		return nil, errors.New("FLEETGATE_SIGNING_SECRET must be at least 32 characters")
	}

	id := *nodeID
	if id == "" {
		var err error
		if id, err = getOrCreateNodeID(); err != nil {
			return nil, fmt.Errorf("failed to initialize node id: %w", err)
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("Warning: could not get hostname: %v", err)
		hostname = "unknown"
	}
	addr := *address
	if addr == "" {
		addr = hostname
	}

	return &Config{
		NodeID:    id,
		TenantID:  *tenant,
		Hostname:  hostname,
		OS:        runtime.GOOS,
		Version:   "0.2.0",
		ServerURL: strings.TrimRight(*server, "/"),
		Port:      *port,
		Address:   addr,
		Token:     os.Getenv("FLEETGATE_AGENT_TOKEN"),
		Secret:    []byte(secret),
	}, nil
}

// getOrCreateNodeID retrieves the persisted node id or generates one.
func getOrCreateNodeID() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, ".fleetgate")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}
	nodeIDPath := filepath.Join(configDir, "node_id")

	if data, err := os.ReadFile(nodeIDPath); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id := uuid.NewString()
	if err := os.WriteFile(nodeIDPath, []byte(id), 0600); err != nil {
		return "", fmt.Errorf("failed to save node id to %s: %w", nodeIDPath, err)
	}
	return id, nil
}
