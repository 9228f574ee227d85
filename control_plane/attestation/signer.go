// Package attestation signs fully-resolved commands for remote agents and
// verifies signed tasks on receipt.
package attestation

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/fleetgate/control_plane/observability"
)

// Outcome of a signing request.
type Status string

const (
	StatusSigned           Status = "task_signed"
	StatusRejected         Status = "task_rejected"
	StatusValidationFailed Status = "validation_failed"
)

const (
	// CapabilityRunInlineSafe must be granted to an agent before it is sent
	// signed tasks.
	CapabilityRunInlineSafe = "run_inline_safe"

	DefaultTimeoutSec = 120
	MaxTimeoutSec     = 3600

	envelopeBinary = "run_inline_safe"
)

// NormalizedCommand is a fully-resolved command about to be signed.
type NormalizedCommand struct {
	Binary     string   `json:"binary"`
	Argv       []string `json:"argv"`
	TimeoutSec int      `json:"timeout_sec"`
	AgentID    string   `json:"agent_id"`
	CustomerID string   `json:"customer_id"`
	OS         string   `json:"os"`
}

// SignedTask is what the agent receives. Command and Args are the envelope;
// the signature binds them to the agent and timestamp.
type SignedTask struct {
	TaskID     string    `json:"task_id"`
	AgentID    string    `json:"agent_id"`
	Command    string    `json:"command"`
	Args       []string  `json:"args"`
	TimeoutSec int       `json:"timeout_sec"`
	Signature  string    `json:"signature"`
	CreatedAt  time.Time `json:"created_at"`
}

// SignerResponse is the outcome of Sign. Reason explains rejections and
// validation failures.
type SignerResponse struct {
	Status Status      `json:"status"`
	Task   *SignedTask `json:"task,omitempty"`
	Reason string      `json:"reason,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// CapabilityChecker reports agent capability grants.
type CapabilityChecker interface {
	HasCapability(ctx context.Context, tenantID, agentID, name string) (bool, error)
}

// Signer validates and signs commands with a server-held secret.
type Signer struct {
	secret []byte
	caps   CapabilityChecker
	now    func() time.Time
}

// NewSigner creates a signer. The secret must not be empty.
func NewSigner(secret []byte, caps CapabilityChecker) (*Signer, error) {
	if len(secret) == 0 {
		return nil, errors.New("signing secret is required")
	}
	return &Signer{secret: secret, caps: caps, now: time.Now}, nil
}

// Sign validates cmd and returns a signed task. A non-nil error means the
// capability lookup itself failed.
func (s *Signer) Sign(ctx context.Context, cmd NormalizedCommand) (SignerResponse, error) {
	return s.SignAt(ctx, cmd, s.now())
}

// SignAt is Sign with an explicit timestamp.
func (s *Signer) SignAt(ctx context.Context, cmd NormalizedCommand, at time.Time) (SignerResponse, error) {
	if reason := Validate(&cmd); reason != "" {
		return s.outcome(cmd, SignerResponse{Status: StatusValidationFailed, Reason: reason}), nil
	}

	ok, err := s.caps.HasCapability(ctx, cmd.CustomerID, cmd.AgentID, CapabilityRunInlineSafe)
	if err != nil {
		return SignerResponse{}, fmt.Errorf("capability lookup for agent %s: %w", cmd.AgentID, err)
	}
	if !ok {
		return s.outcome(cmd, SignerResponse{
			Status: StatusRejected,
			Reason: fmt.Sprintf("agent %s lacks %s capability", cmd.AgentID, CapabilityRunInlineSafe),
		}), nil
	}

	task := &SignedTask{
		TaskID:     uuid.NewString(),
		AgentID:    cmd.AgentID,
		Command:    envelopeBinary,
		Args:       Envelope(cmd),
		TimeoutSec: cmd.TimeoutSec,
		CreatedAt:  at.UTC().Truncate(time.Second),
	}
	task.Signature = Signature(s.secret, task)
	return s.outcome(cmd, SignerResponse{Status: StatusSigned, Task: task}), nil
}

func (s *Signer) outcome(cmd NormalizedCommand, resp SignerResponse) SignerResponse {
	observability.SignerOutcomes.WithLabelValues(string(resp.Status)).Inc()
	if resp.Status != StatusSigned {
		log.Printf("[SIGNER] %s agent=%s binary=%s: %s", resp.Status, cmd.AgentID, cmd.Binary, resp.Reason)
	}
	return resp
}

// Validate checks required fields, the binary allowlist, argument
// characters and forbidden programs hidden in the arguments, in that order.
// It fills a missing timeout and returns the first failure reason, or "".
func Validate(cmd *NormalizedCommand) string {
	switch {
	case strings.TrimSpace(cmd.Binary) == "":
		return "binary is required"
	case cmd.AgentID == "":
		return "agent_id is required"
	case cmd.CustomerID == "":
		return "customer_id is required"
	case cmd.TimeoutSec < 0 || cmd.TimeoutSec > MaxTimeoutSec:
		return fmt.Sprintf("timeout_sec must be between 1 and %d", MaxTimeoutSec)
	}
	if cmd.TimeoutSec == 0 {
		cmd.TimeoutSec = DefaultTimeoutSec
	}
	if !Allowed(cmd.OS, cmd.Binary) {
		return fmt.Sprintf("binary %q is not allowed on %s", cmd.Binary, osFamily(cmd.OS))
	}
	for _, arg := range cmd.Argv {
		if !SafeArg(arg) {
			return fmt.Sprintf("unsafe argument %q", arg)
		}
	}
	return UnsafeInvocation(cmd.Binary, cmd.Argv)
}

// SafeArg reports whether every character of arg is an ASCII alphanumeric
// or one of - _ . / : = @ + , space \ " ' [ ].
func SafeArg(arg string) bool {
	for _, r := range arg {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune(`-_./:=@+, \"'[]`, r):
		default:
			return false
		}
	}
	return true
}

// Envelope wraps the command for the agent's inline runner.
func Envelope(cmd NormalizedCommand) []string {
	args := []string{"--timeout", strconv.Itoa(cmd.TimeoutSec), "--", cmd.Binary}
	return append(args, cmd.Argv...)
}

// payload is the canonical signing input. Field order is fixed.
type payload struct {
	Command   string   `json:"command"`
	Args      []string `json:"args"`
	AgentID   string   `json:"agent_id"`
	Timestamp int64    `json:"timestamp"`
}

// CanonicalPayload returns the bytes the signature is computed over.
func CanonicalPayload(t *SignedTask) []byte {
	args := t.Args
	if args == nil {
		args = []string{}
	}
	data, _ := json.Marshal(payload{
		Command:   t.Command,
		Args:      args,
		AgentID:   t.AgentID,
		Timestamp: t.CreatedAt.Unix(),
	})
	return data
}

// Signature is the hex HMAC-SHA256 of the canonical payload.
func Signature(secret []byte, t *SignedTask) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(CanonicalPayload(t))
	return hex.EncodeToString(mac.Sum(nil))
}
