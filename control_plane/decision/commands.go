package decision

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/itskum47/fleetgate/control_plane/store"
)

var (
	ErrNoCommands   = errors.New("decision carries no commands")
	ErrUnknownBatch = errors.New("unknown batch")
	ErrUnsafeParam  = errors.New("unsafe parameter value")
	ErrMissingParam = errors.New("missing parameter")
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// Commands returns the concrete command list of d. Batch commands have their
// {{param}} placeholders filled from the decision params, then from the
// batch inputs_defaults. batch may be nil for non-batch decisions.
func Commands(d Decision, batch *store.Batch) ([]string, error) {
	v := &commandVisitor{batch: batch}
	d.Accept(v)
	return v.out, v.err
}

type commandVisitor struct {
	batch *store.Batch
	out   []string
	err   error
}

func (v *commandVisitor) VisitChat(*Chat) { v.err = ErrNoCommands }

func (v *commandVisitor) VisitNotSupported(*NotSupported) { v.err = ErrNoCommands }

func (v *commandVisitor) VisitCustomShell(d *CustomShellAction) {
	v.out = []string{d.Shell}
}

func (v *commandVisitor) VisitProposedScript(d *ProposedScriptAction) {
	v.out = append([]string(nil), d.Script.Commands...)
}

func (v *commandVisitor) VisitBatch(d *BatchAction) {
	if v.batch == nil {
		v.err = fmt.Errorf("%w %q", ErrUnknownBatch, d.Task)
		return
	}
	out := make([]string, 0, len(v.batch.Commands))
	for _, cmd := range v.batch.Commands {
		resolved, err := substitute(cmd, d.Params, v.batch.InputsDefaults)
		if err != nil {
			v.err = fmt.Errorf("batch %s: %w", v.batch.Key, err)
			return
		}
		out = append(out, resolved)
	}
	v.out = out
}

func substitute(cmd string, params, defaults map[string]any) (string, error) {
	var firstErr error
	resolved := placeholder.ReplaceAllStringFunc(cmd, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		val, ok := params[name]
		if !ok || fmt.Sprint(val) == "" {
			val, ok = defaults[name]
		}
		if !ok {
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: %s", ErrMissingParam, name)
			}
			return m
		}
		s := fmt.Sprint(val)
		if !safeParamValue(s) {
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: %s=%q", ErrUnsafeParam, name, s)
			}
			return m
		}
		return s
	})
	if firstErr != nil {
		return "", firstErr
	}
	return strings.TrimSpace(resolved), nil
}
