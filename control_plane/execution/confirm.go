package execution

import "github.com/itskum47/fleetgate/control_plane/policy"

// Gate is what must happen before a run may start.
type Gate string

const (
	GateProceed Gate = "proceed"
	GateConfirm Gate = "confirm"
	GateBlocked Gate = "blocked"
)

// RequiresConfirmation decides the gate for an action. Any forbidden command
// blocks. Medium or high risk, or any command needing confirmation, requires
// the user to confirm. Only low risk with every command on auto proceeds.
func RequiresConfirmation(risk policy.Risk, summary policy.Summary) Gate {
	switch {
	case summary.Forbid > 0:
		return GateBlocked
	case risk != policy.RiskLow || !summary.AllAuto():
		return GateConfirm
	default:
		return GateProceed
	}
}
