package attestation

import (
	"context"
	"crypto/hmac"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// AllowedSkew is the clock skew tolerated between signer and agent.
const AllowedSkew = 5 * time.Minute

var (
	ErrBadSignature = errors.New("signature verification failed")
	ErrClockSkew    = errors.New("timestamp skew too large")
	ErrReplay       = errors.New("task already seen")
	ErrWrongAgent   = errors.New("task addressed to another agent")
)

// ReplayGuard remembers task ids for the skew window. Claim returns false
// when the id was already claimed.
type ReplayGuard interface {
	Claim(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

// Verifier is the agent-side check of a SignedTask.
type Verifier struct {
	secret []byte
	guard  ReplayGuard
	now    func() time.Time
}

// NewVerifier creates a verifier. guard may be nil to skip replay checks.
func NewVerifier(secret []byte, guard ReplayGuard) *Verifier {
	return &Verifier{secret: secret, guard: guard, now: time.Now}
}

// Verify checks the signature in constant time, the clock skew, the target
// agent (when agentID is non-empty) and finally replay.
func (v *Verifier) Verify(ctx context.Context, task *SignedTask, agentID string) error {
	if err := v.Check(task, agentID); err != nil {
		return err
	}
	return v.Claim(ctx, task)
}

// Check is Verify without the replay claim.
func (v *Verifier) Check(task *SignedTask, agentID string) error {
	got, err := hex.DecodeString(task.Signature)
	if err != nil {
		return fmt.Errorf("%w: invalid signature encoding", ErrBadSignature)
	}
	want, _ := hex.DecodeString(Signature(v.secret, task))
	if !hmac.Equal(got, want) {
		log.Printf("[SIGNER] verification failed for task %s (agent %s)", task.TaskID, task.AgentID)
		return ErrBadSignature
	}

	skew := v.now().Sub(task.CreatedAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > AllowedSkew {
		return fmt.Errorf("%w: %s (max %s)", ErrClockSkew, skew.Truncate(time.Second), AllowedSkew)
	}

	if agentID != "" && agentID != task.AgentID {
		return ErrWrongAgent
	}
	return nil
}

// Claim records the task as seen. The nonce is the signature, which covers
// the command, its arguments, the agent and the timestamp; the task id is
// not signed and so cannot identify a replay.
func (v *Verifier) Claim(ctx context.Context, task *SignedTask) error {
	if v.guard == nil {
		return nil
	}
	fresh, err := v.guard.Claim(ctx, strings.ToLower(task.Signature), 2*AllowedSkew)
	if err != nil {
		return fmt.Errorf("replay guard: %w", err)
	}
	if !fresh {
		return fmt.Errorf("%w: %s", ErrReplay, task.TaskID)
	}
	return nil
}

// MemoryReplayGuard is an in-process ReplayGuard.
type MemoryReplayGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewMemoryReplayGuard() *MemoryReplayGuard {
	return &MemoryReplayGuard{seen: make(map[string]time.Time), now: time.Now}
}

func (g *MemoryReplayGuard) Claim(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for k, exp := range g.seen {
		if now.After(exp) {
			delete(g.seen, k)
		}
	}
	if _, ok := g.seen[nonce]; ok {
		return false, nil
	}
	g.seen[nonce] = now.Add(ttl)
	return true, nil
}
