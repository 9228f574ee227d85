package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/itskum47/fleetgate/control_plane/attestation"
	"github.com/itskum47/fleetgate/control_plane/execution"
)

const maxOutput = 64 << 10

var ErrBadEnvelope = errors.New("malformed task envelope")

// Reporter receives run events.
type Reporter interface {
	Report(ctx context.Context, runID string, ev runEvent)
}

// Executor verifies and runs signed tasks.
type Executor struct {
	verifier *attestation.Verifier
	agentID  string
	reporter Reporter
	// run is swapped in tests.
	run func(ctx context.Context, binary string, argv []string) (stdout, stderr string, err error)
}

func NewExecutor(cfg *Config, reporter Reporter) *Executor {
	return &Executor{
		verifier: attestation.NewVerifier(cfg.Secret, attestation.NewMemoryReplayGuard()),
		agentID:  cfg.NodeID,
		reporter: reporter,
		run:      runProcess,
	}
}

// Verify checks every task of a dispatch before any of them runs. Replay
// nonces are claimed only once all tasks passed, so a rejected dispatch can
// be sent again.
func (e *Executor) Verify(ctx context.Context, tasks []*attestation.SignedTask) error {
	if len(tasks) == 0 {
		return errors.New("no tasks")
	}
	for _, task := range tasks {
		if err := e.verifier.Check(task, e.agentID); err != nil {
			return fmt.Errorf("task %s: %w", task.TaskID, err)
		}
		if _, _, _, err := parseEnvelope(task); err != nil {
			return fmt.Errorf("task %s: %w", task.TaskID, err)
		}
	}
	// Identical commands signed in the same second share a signature.
	claimed := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		if claimed[task.Signature] {
			continue
		}
		if err := e.verifier.Claim(ctx, task); err != nil {
			return fmt.Errorf("task %s: %w", task.TaskID, err)
		}
		claimed[task.Signature] = true
	}
	return nil
}

// Execute runs verified tasks in order and stops at the first failure.
func (e *Executor) Execute(ctx context.Context, runID string, tasks []*attestation.SignedTask) {
	log.Printf("Executing run %s (%d tasks)", runID, len(tasks))
	e.reporter.Report(ctx, runID, runEvent{Type: "started"})

	start := time.Now()
	var stdout, stderr strings.Builder
	finish := execution.Finish{Success: true}

	for i, task := range tasks {
		timeout, binary, argv, _ := parseEnvelope(task)
		taskCtx, cancel := context.WithTimeout(ctx, timeout)
		out, errOut, err := e.run(taskCtx, binary, argv)
		cancel()

		stdout.WriteString(out)
		stderr.WriteString(errOut)
		if out != "" {
			e.reporter.Report(ctx, runID, runEvent{Type: "stdout", Data: out})
		}
		if errOut != "" {
			e.reporter.Report(ctx, runID, runEvent{Type: "stderr", Data: errOut})
		}
		if err != nil {
			finish.Success = false
			finish.Error = fmt.Sprintf("%s: %v", binary, err)
			break
		}
		e.reporter.Report(ctx, runID, runEvent{
			Type:     "progress",
			Progress: (i + 1) * 100 / len(tasks),
			Message:  binary + " done",
		})
	}

	finish.DurationMS = time.Since(start).Milliseconds()
	finish.Stdout = truncate(stdout.String())
	finish.Stderr = truncate(stderr.String())
	e.reporter.Report(ctx, runID, runEvent{Type: "finished", Finish: finish})
	log.Printf("Run %s finished (success=%t)", runID, finish.Success)
}

// parseEnvelope reads "--timeout N -- binary argv..." from a signed task.
func parseEnvelope(task *attestation.SignedTask) (time.Duration, string, []string, error) {
	args := task.Args
	if task.Command != attestation.CapabilityRunInlineSafe {
		return 0, "", nil, fmt.Errorf("%w: unknown runner %q", ErrBadEnvelope, task.Command)
	}
	if len(args) < 4 || args[0] != "--timeout" || args[2] != "--" {
		return 0, "", nil, ErrBadEnvelope
	}
	secs, err := strconv.Atoi(args[1])
	if err != nil || secs <= 0 || secs > attestation.MaxTimeoutSec {
		return 0, "", nil, fmt.Errorf("%w: bad timeout %q", ErrBadEnvelope, args[1])
	}
	return time.Duration(secs) * time.Second, args[3], args[4:], nil
}

// runProcess executes binary directly, without a shell.
func runProcess(ctx context.Context, binary string, argv []string) (string, string, error) {
	cmd := exec.CommandContext(ctx, binary, argv...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("timed out: %w", ctx.Err())
	}
	return stdout.String(), stderr.String(), err
}

func truncate(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	return s[len(s)-maxOutput:]
}
