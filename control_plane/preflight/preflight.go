// Package preflight derives resource and safety checks from an agent's last
// heartbeat and the commands about to run. Results are never cached.
package preflight

import (
	"fmt"
	"strings"
	"time"

	"github.com/itskum47/fleetgate/control_plane/normalize"
	"github.com/itskum47/fleetgate/control_plane/store"
)

// Status of a single check.
type Status string

const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Check names.
const (
	CheckHeartbeat       = "heartbeat"
	CheckNetwork         = "network"
	CheckPackageIndex    = "package_index"
	CheckDiskSpace       = "disk_space"
	CheckMemory          = "memory"
	CheckStability       = "stability"
	CheckAgentResponsive = "agent_responsive"
)

const (
	DefaultMinDiskGB    = 2.0
	DefaultMaxMemoryPct = 80.0
	FreshBootWindow     = 10 * time.Minute
)

// Check is one preflight result.
type Check struct {
	Name    string         `json:"check"`
	Status  Status         `json:"status"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Result is the overall preflight outcome. OK is true iff no check failed.
type Result struct {
	OK     bool     `json:"preflight_ok"`
	Checks []Check  `json:"preflight_checks"`
	Failed []string `json:"failed"`
}

// Thresholds tune the heuristics. Zero values use the defaults.
type Thresholds struct {
	MinDiskGB    float64
	MaxMemoryPct float64
	// Required forces checks regardless of the command keywords.
	Required []string
}

// ThresholdsFor reads overrides from a batch template.
func ThresholdsFor(b *store.Batch) Thresholds {
	if b == nil {
		return Thresholds{}
	}
	return Thresholds{
		MinDiskGB:    b.Preflight.MinDiskGB,
		MaxMemoryPct: b.Preflight.MaxMemoryPct,
		Required:     b.Preflight.RequiredChecks,
	}
}

var (
	packageManagers = []string{"apt", "apt-get", "yum", "dnf", "apk", "zypper", "pacman", "brew", "choco", "winget", "snap", "pip", "pip3", "npm"}
	diskKeywords    = []string{"install", "download", "unzip", "tar", "wget", "curl", "pull", "upgrade"}
	serverSoftware  = []string{"nginx", "apache", "apache2", "httpd", "mysql", "mysqld", "mariadb", "postgres", "postgresql", "redis", "redis-server", "mongod", "mongodb", "docker", "java", "tomcat", "elasticsearch"}
)

// Evaluate runs the default heuristics.
func Evaluate(hb *store.Heartbeat, commands []string, now time.Time) Result {
	return EvaluateWith(hb, commands, now, Thresholds{})
}

// EvaluateWith runs the heuristics with explicit thresholds. Checks are
// emitted in a fixed order.
func EvaluateWith(hb *store.Heartbeat, commands []string, now time.Time, th Thresholds) Result {
	if hb == nil {
		return finish([]Check{{
			Name:    CheckHeartbeat,
			Status:  StatusFail,
			Message: "No heartbeat received from agent",
		}})
	}
	if th.MinDiskGB <= 0 {
		th.MinDiskGB = DefaultMinDiskGB
	}
	if th.MaxMemoryPct <= 0 {
		th.MaxMemoryPct = DefaultMaxMemoryPct
	}

	words := commandWords(commands)
	required := map[string]bool{}
	for _, r := range th.Required {
		required[r] = true
	}

	var checks []Check
	if required[CheckNetwork] || required[CheckPackageIndex] || words.any(packageManagers) {
		checks = append(checks, networkCheck(hb), packageIndexCheck(hb))
	}
	if required[CheckDiskSpace] || words.any(diskKeywords) {
		checks = append(checks, diskCheck(hb, th.MinDiskGB))
	}
	if required[CheckMemory] || words.any(serverSoftware) {
		checks = append(checks, memoryCheck(hb, th.MaxMemoryPct))
	}
	if hb.UptimeSeconds > 0 && time.Duration(hb.UptimeSeconds)*time.Second < FreshBootWindow {
		checks = append(checks, Check{
			Name:    CheckStability,
			Status:  StatusWarn,
			Message: fmt.Sprintf("Server booted %d minutes ago", hb.UptimeSeconds/60),
			Details: map[string]any{"uptime_seconds": hb.UptimeSeconds},
		})
	}
	if len(checks) == 0 {
		details := map[string]any{}
		if !hb.ReceivedAt.IsZero() {
			details["heartbeat_age_seconds"] = int64(now.Sub(hb.ReceivedAt).Seconds())
		}
		checks = append(checks, Check{
			Name:    CheckAgentResponsive,
			Status:  StatusPass,
			Message: "Agent is responsive",
			Details: details,
		})
	}
	return finish(checks)
}

func finish(checks []Check) Result {
	res := Result{OK: true, Checks: checks, Failed: []string{}}
	for _, c := range checks {
		if c.Status == StatusFail {
			res.OK = false
			res.Failed = append(res.Failed, c.Name)
		}
	}
	return res
}

func networkCheck(hb *store.Heartbeat) Check {
	c := Check{Name: CheckNetwork}
	switch {
	case hb.NetworkOK == nil:
		c.Status, c.Message = StatusWarn, "Network status unknown"
	case *hb.NetworkOK:
		c.Status, c.Message = StatusPass, "Network reachable"
	default:
		c.Status, c.Message = StatusFail, "Network unreachable"
	}
	return c
}

func packageIndexCheck(hb *store.Heartbeat) Check {
	if hb.PackageManager == "" {
		return Check{Name: CheckPackageIndex, Status: StatusWarn, Message: "Package manager not reported"}
	}
	return Check{
		Name:    CheckPackageIndex,
		Status:  StatusPass,
		Message: fmt.Sprintf("Package manager %s available", hb.PackageManager),
		Details: map[string]any{"package_manager": hb.PackageManager},
	}
}

func diskCheck(hb *store.Heartbeat, minGB float64) Check {
	c := Check{
		Name:    CheckDiskSpace,
		Details: map[string]any{"disk_free_gb": hb.DiskFreeGB, "required_gb": minGB},
	}
	if hb.DiskFreeGB < minGB {
		c.Status = StatusFail
		c.Message = fmt.Sprintf("Only %.1f GB free, need %.1f GB", hb.DiskFreeGB, minGB)
	} else {
		c.Status = StatusPass
		c.Message = fmt.Sprintf("%.1f GB free", hb.DiskFreeGB)
	}
	return c
}

// memoryCheck warns but never fails.
func memoryCheck(hb *store.Heartbeat, maxPct float64) Check {
	c := Check{
		Name:    CheckMemory,
		Details: map[string]any{"memory_used_pct": hb.MemoryUsedPct, "ceiling_pct": maxPct},
	}
	if hb.MemoryUsedPct > maxPct {
		c.Status = StatusWarn
		c.Message = fmt.Sprintf("Memory usage %.0f%% above %.0f%%", hb.MemoryUsedPct, maxPct)
	} else {
		c.Status = StatusPass
		c.Message = fmt.Sprintf("Memory usage %.0f%%", hb.MemoryUsedPct)
	}
	return c
}

type wordSet map[string]bool

func (w wordSet) any(list []string) bool {
	for _, k := range list {
		if w[k] {
			return true
		}
	}
	return false
}

// commandWords collects lower-cased tokens, with path prefixes and file
// extensions like ".service" stripped.
func commandWords(commands []string) wordSet {
	words := wordSet{}
	for _, cmd := range commands {
		for _, tok := range strings.Fields(normalize.Normalize(strings.ToLower(cmd)).Normalized) {
			if i := strings.LastIndexByte(tok, '/'); i >= 0 {
				tok = tok[i+1:]
			}
			words[tok] = true
			if i := strings.IndexByte(tok, '.'); i > 0 {
				words[tok[:i]] = true
			}
		}
	}
	return words
}
