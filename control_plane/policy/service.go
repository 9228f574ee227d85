package policy

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/itskum47/fleetgate/control_plane/observability"
)

// ErrNoCommands is returned when a check is requested for an empty list.
var ErrNoCommands = errors.New("commands are required")

// Lister loads the active policies of a tenant.
type Lister interface {
	ListActivePolicies(ctx context.Context, tenantID string) ([]CommandPolicy, error)
}

// OSLookup resolves the operating system of an agent.
type OSLookup func(ctx context.Context, tenantID, agentID string) (string, error)

// Service answers policy check invocations. Policies are read fresh on every
// call.
type Service struct {
	policies Lister
	agentOS  OSLookup
	matcher  *Matcher
}

// NewService creates a policy check service.
func NewService(policies Lister, agentOS OSLookup) *Service {
	return &Service{
		policies: policies,
		agentOS:  agentOS,
		matcher:  NewMatcher(),
	}
}

// ActivePolicies returns the active policies that apply to the agent's OS,
// together with the OS that was used for filtering.
func (s *Service) ActivePolicies(ctx context.Context, tenantID, agentID string) ([]CommandPolicy, string, error) {
	os, err := s.agentOS(ctx, tenantID, agentID)
	if err != nil {
		return nil, "", fmt.Errorf("resolve agent os: %w", err)
	}
	all, err := s.policies.ListActivePolicies(ctx, tenantID)
	if err != nil {
		return nil, "", fmt.Errorf("load policies: %w", err)
	}
	return FilterByOS(all, os), os, nil
}

// Check evaluates each command against the policies of the agent's tenant.
func (s *Service) Check(ctx context.Context, tenantID, agentID string, commands []string) (*CheckResult, error) {
	if len(commands) == 0 {
		return nil, ErrNoCommands
	}
	policies, os, err := s.ActivePolicies(ctx, tenantID, agentID)
	if err != nil {
		return nil, err
	}

	res := s.matcher.EvaluateAll(commands, policies)
	for _, d := range res.Result {
		observability.PolicyDecisions.WithLabelValues(string(d.Mode)).Inc()
	}
	log.Printf("[POLICY] agent=%s os=%s commands=%d forbid=%d confirm=%d auto=%d",
		agentID, os, len(commands), res.Summary.Forbid, res.Summary.Confirm, res.Summary.Auto)
	return &res, nil
}
