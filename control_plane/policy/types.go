// Package policy evaluates commands against operator-defined command policies.
// Every command resolves to exactly one mode: forbid, confirm or auto.
package policy

// Mode is the effective handling of a matched command.
type Mode string

const (
	ModeAuto    Mode = "auto"
	ModeConfirm Mode = "confirm"
	ModeForbid  Mode = "forbid"
)

// MatchType controls how MatchValue is compared against a command.
type MatchType string

const (
	MatchExact    MatchType = "exact"
	MatchRegex    MatchType = "regex"
	MatchWildcard MatchType = "wildcard"
)

// Risk is the operator-assigned risk of a policy or batch.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// rank orders risks so the highest can be picked.
func (r Risk) rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	default:
		return 0
	}
}

// Max returns the higher of two risks. Unknown values lose to known ones.
func (r Risk) Max(other Risk) Risk {
	if other.rank() > r.rank() {
		return other
	}
	return r
}

// Valid reports whether r is one of the known risk levels.
func (r Risk) Valid() bool { return r.rank() > 0 }

// CommandPolicy is an operator-owned rule. The pipeline only reads it.
type CommandPolicy struct {
	ID             string    `json:"id" yaml:"id" db:"id"`
	TenantID       string    `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty" db:"tenant_id"`
	Name           string    `json:"name" yaml:"name" db:"name"`
	Mode           Mode      `json:"mode" yaml:"mode" db:"mode"`
	MatchType      MatchType `json:"match_type" yaml:"match_type" db:"match_type"`
	MatchValue     string    `json:"match_value" yaml:"match_value" db:"match_value"`
	OSWhitelist    []string  `json:"os_whitelist,omitempty" yaml:"os_whitelist,omitempty" db:"os_whitelist"`
	Risk           Risk      `json:"risk" yaml:"risk" db:"risk"`
	ConfirmMessage string    `json:"confirm_message,omitempty" yaml:"confirm_message,omitempty" db:"confirm_message"`
	Active         bool      `json:"active" yaml:"active" db:"active"`
}

// Decision is the resolved mode for one command.
type Decision struct {
	Command        string `json:"command"`
	Mode           Mode   `json:"mode"`
	PolicyID       string `json:"policy_id,omitempty"`
	PolicyName     string `json:"policy_name,omitempty"`
	ConfirmMessage string `json:"confirm_message,omitempty"`
	Risk           Risk   `json:"risk,omitempty"`
	Specificity    int    `json:"-"`
}

// Summary counts decisions per mode.
type Summary struct {
	Forbid  int `json:"forbid"`
	Confirm int `json:"confirm"`
	Auto    int `json:"auto"`
}

// CheckResult is the response of a policy check over several commands.
type CheckResult struct {
	Result  []Decision `json:"result"`
	Summary Summary    `json:"summary"`
}

// AllAuto reports whether every command resolved to auto.
func (s Summary) AllAuto() bool {
	return s.Forbid == 0 && s.Confirm == 0 && s.Auto > 0
}
