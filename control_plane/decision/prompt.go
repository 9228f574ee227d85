package decision

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/itskum47/fleetgate/control_plane/policy"
	"github.com/itskum47/fleetgate/control_plane/retriever"
	"github.com/itskum47/fleetgate/control_plane/store"
)

const safetyRules = `Hard rules for every command you emit:
- Never use rm, dd, mkfs, eval, base64, shred, wipefs or curl|bash.
- Never use pipes (|), && or ; inside a command. No backticks, no $( ), no redirection.
- Each entry of a script's commands array is exactly one command.
- If the request is destructive or cannot be done safely, answer with not_supported.`

const contract = `Answer in exactly one of two shapes.
1. Chat: plain text when no server action is needed.
2. Action: one JSON object and nothing else, one of
{"mode":"action","task":"<batch_key>","batch_id":"<id>","status":"confirmed|unconfirmed","params":{},"missing_params":[],"risk":"low|medium|high","human":"..."}
{"mode":"action","task":"custom_shell","status":"unconfirmed","risk":"low|medium|high","params":{"description":"...","shell":"..."},"human":"..."}
{"mode":"action","task":"proposed_batch_script","status":"unconfirmed","risk":"low|medium|high","script":{"name":"...","overview":"...","commands":["..."],"post_checks":["..."]},"human":"..."}
{"mode":"action","task":"not_supported","status":"rejected","reason":"...","human":"..."}
Prefer a listed batch when one fits. Only use custom_shell or proposed_batch_script when none does.`

type promptFacts struct {
	OS               string   `json:"os"`
	OSVersion        string   `json:"os_version,omitempty"`
	PackageManager   string   `json:"package_manager,omitempty"`
	OpenPorts        []int    `json:"open_ports,omitempty"`
	RunningServices  []string `json:"running_services,omitempty"`
	HeartbeatMissing bool     `json:"heartbeat_missing,omitempty"`
}

type promptPolicy struct {
	Name       string           `json:"name"`
	Mode       policy.Mode      `json:"mode"`
	MatchType  policy.MatchType `json:"match_type"`
	MatchValue string           `json:"match_value"`
	Risk       policy.Risk      `json:"risk,omitempty"`
}

// BuildSystemPrompt renders the router instructions for one request.
func BuildSystemPrompt(p *Prepared) string {
	facts := promptFacts{OS: p.OS}
	if hb := p.Heartbeat; hb != nil {
		facts.OSVersion = hb.OSVersion
		facts.PackageManager = hb.PackageManager
		facts.OpenPorts = hb.OpenPorts
		facts.RunningServices = hb.RunningServices
	} else {
		facts.HeartbeatMissing = true
	}

	policies := make([]promptPolicy, 0, len(p.Policies))
	for _, cp := range p.Policies {
		policies = append(policies, promptPolicy{
			Name: cp.Name, Mode: cp.Mode, MatchType: cp.MatchType, MatchValue: cp.MatchValue, Risk: cp.Risk,
		})
	}

	candidates := p.Candidates
	if candidates == nil {
		candidates = []retriever.BatchSummary{}
	}

	var b strings.Builder
	b.WriteString("You route server-management requests for a fleet of managed servers.\n\n")
	b.WriteString(contract)
	b.WriteString("\n\n")
	b.WriteString(safetyRules)
	b.WriteString("\n\nServer facts:\n")
	writeJSON(&b, facts)
	b.WriteString("\nCandidate batches:\n")
	writeJSON(&b, candidates)
	b.WriteString("\nCommand policies:\n")
	writeJSON(&b, policies)
	if len(p.PolicyNotes) > 0 {
		b.WriteString("\nPolicy notes:\n")
		for _, n := range p.PolicyNotes {
			fmt.Fprintf(&b, "- %s\n", n)
		}
	}
	return b.String()
}

// PolicyNotes summarizes policies in prose for the model.
func PolicyNotes(policies []policy.CommandPolicy) []string {
	var notes []string
	for _, cp := range policies {
		switch cp.Mode {
		case policy.ModeForbid:
			notes = append(notes, fmt.Sprintf("Commands matching %q (%s) are forbidden; do not propose them.", cp.MatchValue, cp.MatchType))
		case policy.ModeConfirm:
			msg := cp.ConfirmMessage
			if msg == "" {
				msg = "requires confirmation"
			}
			notes = append(notes, fmt.Sprintf("Commands matching %q (%s): %s.", cp.MatchValue, cp.MatchType, strings.TrimSuffix(msg, ".")))
		}
	}
	return notes
}

func writeJSON(b *strings.Builder, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		b.WriteString("null\n")
		return
	}
	b.Write(data)
	b.WriteByte('\n')
}

// heartbeatOS prefers the fresh heartbeat OS over the registered one.
func heartbeatOS(agent *store.Agent, hb *store.Heartbeat) string {
	if hb != nil && hb.OS != "" {
		return hb.OS
	}
	if agent != nil {
		return agent.OS
	}
	return ""
}
