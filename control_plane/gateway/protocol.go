package gateway

import (
	"encoding/json"
	"time"
)

// Mode selects the flow for an inbound message.
type Mode string

const (
	ModeRouter    Mode = "router"
	ModePreflight Mode = "preflight"
	ModeExecution Mode = "execution"
)

// Outbound event types not owned by the execution package.
const (
	EventRouterStart     = "router.start"
	EventRouterRetrieved = "router.retrieved"
	EventRouterToken     = "router.token"
	EventRouterSelected  = "router.selected"
	EventRouterDone      = "router.done"
	EventRouterError     = "router.error"

	EventPreflightStart = "preflight.start"
	EventPreflightItem  = "preflight.item"
	EventPreflightDone  = "preflight.done"
	EventPreflightError = "preflight.error"

	EventExecError    = "exec.error"
	EventGatewayError = "gateway.error"
)

// Inbound is a client message.
type Inbound struct {
	Mode        Mode            `json:"mode,omitempty"`
	AgentID     string          `json:"agent_id,omitempty"`
	UserRequest string          `json:"user_request,omitempty"`
	Decision    json.RawMessage `json:"decision,omitempty"`
	RunID       string          `json:"run_id,omitempty"`
	Confirm     bool            `json:"confirm,omitempty"`
}

// resolveMode fills in the mode when the client omitted it.
func (in *Inbound) resolveMode() Mode {
	if in.Mode != "" {
		return in.Mode
	}
	switch {
	case len(in.Decision) > 0:
		return ModeExecution
	case in.RunID != "":
		return ModeExecution
	default:
		return ModeRouter
	}
}

// Envelope wraps every outbound event.
type Envelope struct {
	Type string    `json:"type"`
	RID  string    `json:"rid"`
	TS   time.Time `json:"ts"`
	Data any       `json:"data,omitempty"`
}

// Chunk splits text into slices of at most size runes.
func Chunk(text string, size int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	runes := []rune(text)
	chunks := make([]string, 0, len(runes)/size+1)
	for len(runes) > 0 {
		n := size
		if n > len(runes) {
			n = len(runes)
		}
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}
