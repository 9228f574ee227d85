// Package decision turns a natural-language request into a routing decision.
// Model output is untrusted: every decision is parsed into a closed set of
// kinds and re-validated before anything downstream may act on it.
package decision

import "github.com/itskum47/fleetgate/control_plane/policy"

// Kind names a decision variant.
type Kind string

const (
	KindChat           Kind = "chat"
	KindBatch          Kind = "batch"
	KindCustomShell    Kind = "custom_shell"
	KindProposedScript Kind = "proposed_batch_script"
	KindNotSupported   Kind = "not_supported"
)

// Status is the confirmation state of an action.
type Status string

const (
	StatusConfirmed   Status = "confirmed"
	StatusUnconfirmed Status = "unconfirmed"
	StatusRejected    Status = "rejected"
)

// Task names used on the wire for ad-hoc actions.
const (
	TaskCustomShell    = "custom_shell"
	TaskProposedScript = "proposed_batch_script"
	TaskNotSupported   = "not_supported"
)

// Decision is a closed sum type. The unexported method keeps other packages
// from adding variants; Visitor forces every consumer to handle each one.
type Decision interface {
	Kind() Kind
	Accept(v Visitor)
	sealed()
}

// Visitor handles every decision variant. Adding a variant adds a method
// here, which breaks every implementation at compile time.
type Visitor interface {
	VisitChat(d *Chat)
	VisitBatch(d *BatchAction)
	VisitCustomShell(d *CustomShellAction)
	VisitProposedScript(d *ProposedScriptAction)
	VisitNotSupported(d *NotSupported)
}

// Chat is a natural-language reply that needs no server action.
type Chat struct {
	Text string
}

// BatchAction invokes an existing pre-approved batch.
type BatchAction struct {
	Task          string // batch key
	BatchID       string
	Status        Status
	Params        map[string]any
	MissingParams []string
	Risk          policy.Risk
	Human         string
}

// CustomShellAction is a single ad-hoc command.
type CustomShellAction struct {
	Status      Status
	Risk        policy.Risk
	Description string
	Shell       string
	Human       string
}

// Script is a model-drafted multi-step script.
type Script struct {
	Name       string   `json:"name"`
	Overview   string   `json:"overview"`
	Commands   []string `json:"commands"`
	PostChecks []string `json:"post_checks,omitempty"`
}

// ProposedScriptAction is an ad-hoc multi-step script.
type ProposedScriptAction struct {
	Status Status
	Risk   policy.Risk
	Script Script
	Human  string
}

// NotSupported is a rejection with a reason.
type NotSupported struct {
	Reason string
	Human  string
}

func (*Chat) Kind() Kind                 { return KindChat }
func (*BatchAction) Kind() Kind          { return KindBatch }
func (*CustomShellAction) Kind() Kind    { return KindCustomShell }
func (*ProposedScriptAction) Kind() Kind { return KindProposedScript }
func (*NotSupported) Kind() Kind         { return KindNotSupported }

func (d *Chat) Accept(v Visitor)                 { v.VisitChat(d) }
func (d *BatchAction) Accept(v Visitor)          { v.VisitBatch(d) }
func (d *CustomShellAction) Accept(v Visitor)    { v.VisitCustomShell(d) }
func (d *ProposedScriptAction) Accept(v Visitor) { v.VisitProposedScript(d) }
func (d *NotSupported) Accept(v Visitor)         { v.VisitNotSupported(d) }

func (*Chat) sealed()                 {}
func (*BatchAction) sealed()          {}
func (*CustomShellAction) sealed()    {}
func (*ProposedScriptAction) sealed() {}
func (*NotSupported) sealed()         {}

// IsAction reports whether d is anything other than a chat reply.
func IsAction(d Decision) bool {
	return d.Kind() != KindChat
}

// RiskOf returns the declared risk of an action. Rejections and chat are low.
func RiskOf(d Decision) policy.Risk {
	var r riskVisitor
	d.Accept(&r)
	return r.risk
}

type riskVisitor struct{ risk policy.Risk }

func (v *riskVisitor) VisitChat(*Chat)                       { v.risk = policy.RiskLow }
func (v *riskVisitor) VisitBatch(d *BatchAction)             { v.risk = d.Risk }
func (v *riskVisitor) VisitCustomShell(d *CustomShellAction) { v.risk = d.Risk }
func (v *riskVisitor) VisitProposedScript(d *ProposedScriptAction) {
	v.risk = d.Risk
}
func (v *riskVisitor) VisitNotSupported(*NotSupported) { v.risk = policy.RiskLow }

// TaskName is the wire "task" of an action, or the kind for chat.
func TaskName(d Decision) string {
	switch d := d.(type) {
	case *BatchAction:
		return d.Task
	case *CustomShellAction:
		return TaskCustomShell
	case *ProposedScriptAction:
		return TaskProposedScript
	case *NotSupported:
		return TaskNotSupported
	default:
		return string(KindChat)
	}
}
