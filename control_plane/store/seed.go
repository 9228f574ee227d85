package store

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/itskum47/fleetgate/control_plane/policy"
)

// Seed is operator-owned configuration loaded from a YAML file in dev mode.
type Seed struct {
	TenantID     string                 `yaml:"tenant_id"`
	Policies     []policy.CommandPolicy `yaml:"policies"`
	Batches      []Batch                `yaml:"batches"`
	Agents       []Agent                `yaml:"agents"`
	Capabilities []Capability           `yaml:"capabilities"`
	Models       []ModelConfig          `yaml:"models"`
}

// LoadSeedFile reads a seed from disk.
func LoadSeedFile(path string) (*Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed: %w", err)
	}
	defer f.Close()
	return LoadSeed(f)
}

// LoadSeed decodes and validates a seed document.
func LoadSeed(r io.Reader) (*Seed, error) {
	var seed Seed
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	if err := seed.Validate(); err != nil {
		return nil, err
	}
	return &seed, nil
}

// Validate rejects entries the pipeline could not evaluate safely.
func (s *Seed) Validate() error {
	for i, p := range s.Policies {
		switch p.Mode {
		case policy.ModeAuto, policy.ModeConfirm, policy.ModeForbid:
		default:
			return fmt.Errorf("policy %d (%s): invalid mode %q", i, p.Name, p.Mode)
		}
		switch p.MatchType {
		case policy.MatchExact, policy.MatchRegex, policy.MatchWildcard:
		default:
			return fmt.Errorf("policy %d (%s): invalid match_type %q", i, p.Name, p.MatchType)
		}
		if p.MatchValue == "" {
			return fmt.Errorf("policy %d (%s): match_value is required", i, p.Name)
		}
	}
	seen := make(map[string]bool, len(s.Batches))
	for i, b := range s.Batches {
		if b.Key == "" {
			return fmt.Errorf("batch %d: key is required", i)
		}
		if seen[b.Key] {
			return fmt.Errorf("batch %d: duplicate key %q", i, b.Key)
		}
		seen[b.Key] = true
		if len(b.Commands) == 0 {
			return fmt.Errorf("batch %s: at least one command is required", b.Key)
		}
		if !b.Risk.Valid() {
			return fmt.Errorf("batch %s: invalid risk %q", b.Key, b.Risk)
		}
	}
	return nil
}

// Apply writes the seed into st under tenantID (or the seed's own tenant).
func (s *Seed) Apply(ctx context.Context, st Store, tenantID string) error {
	if s.TenantID != "" {
		tenantID = s.TenantID
	}
	for i := range s.Policies {
		if err := st.UpsertPolicy(ctx, tenantID, &s.Policies[i]); err != nil {
			return fmt.Errorf("seed policy %s: %w", s.Policies[i].Name, err)
		}
	}
	for i := range s.Batches {
		if err := st.UpsertBatch(ctx, tenantID, &s.Batches[i]); err != nil {
			return fmt.Errorf("seed batch %s: %w", s.Batches[i].Key, err)
		}
	}
	for i := range s.Agents {
		if err := st.UpsertAgent(ctx, tenantID, &s.Agents[i]); err != nil {
			return fmt.Errorf("seed agent %s: %w", s.Agents[i].ID, err)
		}
	}
	for i := range s.Capabilities {
		c := s.Capabilities[i]
		c.TenantID = tenantID
		if err := st.GrantCapability(ctx, &c); err != nil {
			return fmt.Errorf("seed capability %s/%s: %w", c.AgentID, c.Name, err)
		}
	}
	for i := range s.Models {
		if err := st.UpsertModel(ctx, &s.Models[i]); err != nil {
			return fmt.Errorf("seed model %s: %w", s.Models[i].Model, err)
		}
	}
	log.Printf("[STORE] Seeded tenant %s: %d policies, %d batches, %d agents, %d models",
		tenantID, len(s.Policies), len(s.Batches), len(s.Agents), len(s.Models))
	return nil
}
