package decision

import (
	"fmt"
	"path"
	"strings"

	"github.com/itskum47/fleetgate/control_plane/attestation"
	"github.com/itskum47/fleetgate/control_plane/normalize"
	"github.com/itskum47/fleetgate/control_plane/observability"
	"github.com/itskum47/fleetgate/control_plane/store"
)

// UnsafeCommandError reports a command that violates the single-command
// safety constraints.
type UnsafeCommandError struct {
	Command string
	Reason  string
}

func (e *UnsafeCommandError) Error() string {
	return fmt.Sprintf("unsafe command %q: %s", e.Command, e.Reason)
}

// wrappers run another program; the program after them is checked.
var wrappers = map[string]bool{
	"sudo": true, "env": true, "nohup": true, "nice": true, "time": true, "timeout": true, "xargs": true,
}

// chaining covers pipes, command chaining, substitution and redirection.
var chaining = []struct{ token, reason string }{
	{"|", "pipes are not allowed"},
	{"&&", "command chaining is not allowed"},
	{"&", "background execution is not allowed"},
	{";", "command chaining is not allowed"},
	{"`", "command substitution is not allowed"},
	{"$(", "command substitution is not allowed"},
	{">", "redirection is not allowed"},
	{"<", "redirection is not allowed"},
	{"\n", "multi-line commands are not allowed"},
}

// CheckCommandSafety re-verifies the constraints the model was instructed to
// follow. It never trusts the model to have followed them. Forbidden
// programs are rejected wherever they appear, quoted arguments included.
func CheckCommandSafety(cmd string) error {
	trimmed := strings.TrimSpace(cmd)
	if trimmed == "" {
		return &UnsafeCommandError{Command: cmd, Reason: "empty command"}
	}
	for _, c := range chaining {
		if strings.Contains(trimmed, c.token) {
			return &UnsafeCommandError{Command: cmd, Reason: c.reason}
		}
	}

	binary, argv, err := normalize.Split(normalize.Normalize(trimmed).Normalized)
	if err != nil {
		return &UnsafeCommandError{Command: cmd, Reason: err.Error()}
	}
	if reason := attestation.UnsafeInvocation(binary, argv); reason != "" {
		return &UnsafeCommandError{Command: cmd, Reason: reason}
	}

	for _, tok := range append([]string{binary}, argv...) {
		// Skip wrapper programs, their flags and env assignments.
		if !wrappers[strings.ToLower(path.Base(tok))] && !strings.HasPrefix(tok, "-") && !strings.Contains(tok, "=") {
			return nil
		}
	}
	return &UnsafeCommandError{Command: cmd, Reason: "no program to run"}
}

// BatchLookup resolves a batch key to its live template.
type BatchLookup func(key string) (*store.Batch, bool)

// Sanitize re-validates a model decision. Unsafe ad-hoc commands and unknown
// batches become NotSupported; batch actions take their risk from the batch
// template and are unconfirmed while parameters are missing.
func Sanitize(d Decision, lookup BatchLookup) Decision {
	v := &sanitizer{lookup: lookup}
	d.Accept(v)
	if ns, ok := v.out.(*NotSupported); ok && v.downgraded {
		observability.RouterSafetyDowngrades.WithLabelValues(string(d.Kind())).Inc()
		return ns
	}
	return v.out
}

type sanitizer struct {
	lookup     BatchLookup
	out        Decision
	downgraded bool
}

func (s *sanitizer) reject(reason string) {
	s.downgraded = true
	s.out = &NotSupported{
		Reason: reason,
		Human:  "This request cannot be run safely on the server.",
	}
}

func (s *sanitizer) VisitChat(d *Chat) { s.out = d }

func (s *sanitizer) VisitNotSupported(d *NotSupported) { s.out = d }

func (s *sanitizer) VisitCustomShell(d *CustomShellAction) {
	if err := CheckCommandSafety(d.Shell); err != nil {
		s.reject(err.Error())
		return
	}
	c := *d
	c.Status = StatusUnconfirmed
	s.out = &c
}

func (s *sanitizer) VisitProposedScript(d *ProposedScriptAction) {
	for _, cmd := range append(append([]string(nil), d.Script.Commands...), d.Script.PostChecks...) {
		if err := CheckCommandSafety(cmd); err != nil {
			s.reject(err.Error())
			return
		}
	}
	c := *d
	c.Status = StatusUnconfirmed
	s.out = &c
}

func (s *sanitizer) VisitBatch(d *BatchAction) {
	if s.lookup == nil {
		s.reject(fmt.Sprintf("unknown batch %q", d.Task))
		return
	}
	b, ok := s.lookup(d.Task)
	if !ok {
		s.reject(fmt.Sprintf("unknown batch %q", d.Task))
		return
	}

	c := *d
	c.BatchID = b.ID
	c.Risk = b.Risk
	c.MissingParams = MissingParams(b, d.Params)
	for k, v := range d.Params {
		if !safeParamValue(fmt.Sprint(v)) {
			s.reject(fmt.Sprintf("parameter %s has an unsafe value", k))
			return
		}
	}
	if len(c.MissingParams) > 0 {
		c.Status = StatusUnconfirmed
	}
	s.out = &c
}

// MissingParams lists required batch inputs that neither params nor the
// batch defaults provide. Required inputs come from inputs_schema.required.
func MissingParams(b *store.Batch, params map[string]any) []string {
	var missing []string
	for _, name := range requiredInputs(b.InputsSchema) {
		if v, ok := params[name]; ok && fmt.Sprint(v) != "" {
			continue
		}
		if _, ok := b.InputsDefaults[name]; ok {
			continue
		}
		missing = append(missing, name)
	}
	return missing
}

func requiredInputs(schema map[string]any) []string {
	raw, ok := schema["required"].([]any)
	if !ok {
		if names, ok := schema["required"].([]string); ok {
			return names
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// safeParamValue admits values that stay a single argv token after
// substitution.
func safeParamValue(v string) bool {
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("-_.:/=@+,", r):
		default:
			return false
		}
	}
	return true
}
