package decision

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/itskum47/fleetgate/control_plane/policy"
)

// ErrMalformed is returned by Unmarshal for decisions that do not have one of
// the accepted shapes.
var ErrMalformed = errors.New("malformed decision")

// wire is the JSON shape shared by the model contract and the API.
type wire struct {
	Mode          string          `json:"mode"`
	Text          string          `json:"text,omitempty"`
	Task          string          `json:"task,omitempty"`
	BatchID       string          `json:"batch_id,omitempty"`
	Status        Status          `json:"status,omitempty"`
	Params        json.RawMessage `json:"params,omitempty"`
	MissingParams []string        `json:"missing_params,omitempty"`
	Risk          policy.Risk     `json:"risk,omitempty"`
	Script        *Script         `json:"script,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Human         string          `json:"human,omitempty"`
}

type shellParams struct {
	Description string `json:"description"`
	Shell       string `json:"shell"`
}

// Parse interprets raw model output. Output that is not a JSON object, or a
// JSON object with text but no mode, is a chat reply. An action that cannot
// be decoded is rejected rather than guessed at.
func Parse(output string) Decision {
	raw := strings.TrimSpace(output)
	body := stripFences(raw)

	var w wire
	if err := json.Unmarshal([]byte(body), &w); err != nil {
		return &Chat{Text: raw}
	}

	switch w.Mode {
	case "action":
		d, err := fromWire(&w)
		if err != nil {
			return &NotSupported{Reason: err.Error(), Human: "I could not produce a valid action for this request."}
		}
		return d
	case "chat", "":
		if w.Text != "" {
			return &Chat{Text: w.Text}
		}
		return &Chat{Text: raw}
	default:
		return &Chat{Text: raw}
	}
}

// Unmarshal strictly decodes a client-supplied decision.
func Unmarshal(data []byte) (Decision, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch w.Mode {
	case "chat":
		return &Chat{Text: w.Text}, nil
	case "action":
		return fromWire(&w)
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrMalformed, w.Mode)
	}
}

func fromWire(w *wire) (Decision, error) {
	switch w.Task {
	case "":
		return nil, fmt.Errorf("%w: action without task", ErrMalformed)

	case TaskNotSupported:
		reason := w.Reason
		if reason == "" {
			reason = "not supported"
		}
		return &NotSupported{Reason: reason, Human: w.Human}, nil

	case TaskCustomShell:
		var p shellParams
		if len(w.Params) > 0 {
			if err := json.Unmarshal(w.Params, &p); err != nil {
				return nil, fmt.Errorf("%w: custom_shell params: %v", ErrMalformed, err)
			}
		}
		if strings.TrimSpace(p.Shell) == "" {
			return nil, fmt.Errorf("%w: custom_shell without shell command", ErrMalformed)
		}
		return &CustomShellAction{
			// The model never pre-confirms ad-hoc commands.
			Status:      StatusUnconfirmed,
			Risk:        adHocRisk(w.Risk),
			Description: p.Description,
			Shell:       strings.TrimSpace(p.Shell),
			Human:       w.Human,
		}, nil

	case TaskProposedScript:
		if w.Script == nil || len(w.Script.Commands) == 0 {
			return nil, fmt.Errorf("%w: proposed_batch_script without commands", ErrMalformed)
		}
		return &ProposedScriptAction{
			Status: StatusUnconfirmed,
			Risk:   adHocRisk(w.Risk),
			Script: *w.Script,
			Human:  w.Human,
		}, nil

	default:
		params := map[string]any{}
		if len(w.Params) > 0 && string(w.Params) != "null" {
			if err := json.Unmarshal(w.Params, &params); err != nil {
				return nil, fmt.Errorf("%w: batch params: %v", ErrMalformed, err)
			}
		}
		status := StatusUnconfirmed
		if w.Status == StatusConfirmed && len(w.MissingParams) == 0 {
			status = StatusConfirmed
		}
		return &BatchAction{
			Task:          w.Task,
			BatchID:       w.BatchID,
			Status:        status,
			Params:        params,
			MissingParams: w.MissingParams,
			Risk:          w.Risk,
			Human:         w.Human,
		}, nil
	}
}

// adHocRisk defaults unknown risk on model-drafted commands to medium.
func adHocRisk(r policy.Risk) policy.Risk {
	if r.Valid() {
		return r
	}
	return policy.RiskMedium
}

// Marshal encodes d in its wire shape.
func Marshal(d Decision) ([]byte, error) {
	var w wire
	switch d := d.(type) {
	case *Chat:
		w = wire{Mode: "chat", Text: d.Text}
	case *BatchAction:
		params, err := json.Marshal(d.Params)
		if err != nil {
			return nil, err
		}
		w = wire{Mode: "action", Task: d.Task, BatchID: d.BatchID, Status: d.Status, Params: params,
			MissingParams: d.MissingParams, Risk: d.Risk, Human: d.Human}
	case *CustomShellAction:
		params, err := json.Marshal(shellParams{Description: d.Description, Shell: d.Shell})
		if err != nil {
			return nil, err
		}
		w = wire{Mode: "action", Task: TaskCustomShell, Status: d.Status, Params: params, Risk: d.Risk, Human: d.Human}
	case *ProposedScriptAction:
		script := d.Script
		w = wire{Mode: "action", Task: TaskProposedScript, Status: d.Status, Script: &script, Risk: d.Risk, Human: d.Human}
	case *NotSupported:
		w = wire{Mode: "action", Task: TaskNotSupported, Status: StatusRejected, Reason: d.Reason, Human: d.Human}
	default:
		return nil, fmt.Errorf("unknown decision type %T", d)
	}
	return json.Marshal(w)
}

// stripFences removes a surrounding ``` or ```json code fence.
func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		return s
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}
