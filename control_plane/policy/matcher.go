package policy

import (
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/itskum47/fleetgate/control_plane/normalize"
)

// exactBonus puts every exact match above any pattern match.
const exactBonus = 1000

// DefaultConfirmMessage is used when no policy matches a command.
const DefaultConfirmMessage = "No policy covers this command. Please confirm before it runs."

const regexSpecials = `\^$.|?*+()[]{}`

// Matcher evaluates commands against policies. Compiled patterns are cached,
// so a Matcher should be shared. Safe for concurrent use.
type Matcher struct {
	mu       sync.RWMutex
	compiled map[string]*regexp.Regexp
	invalid  map[string]error
}

// NewMatcher creates a Matcher with an empty pattern cache.
func NewMatcher() *Matcher {
	return &Matcher{
		compiled: make(map[string]*regexp.Regexp),
		invalid:  make(map[string]error),
	}
}

var defaultMatcher = NewMatcher()

// Evaluate resolves one command with the package-level matcher.
func Evaluate(command string, policies []CommandPolicy) Decision {
	return defaultMatcher.Evaluate(command, policies)
}

// EvaluateAll resolves each command independently with the package-level matcher.
func EvaluateAll(commands []string, policies []CommandPolicy) CheckResult {
	return defaultMatcher.EvaluateAll(commands, policies)
}

// EvaluateAll resolves each command independently and counts the modes.
func (m *Matcher) EvaluateAll(commands []string, policies []CommandPolicy) CheckResult {
	res := CheckResult{Result: make([]Decision, 0, len(commands))}
	for _, cmd := range commands {
		d := m.Evaluate(cmd, policies)
		switch d.Mode {
		case ModeForbid:
			res.Summary.Forbid++
		case ModeConfirm:
			res.Summary.Confirm++
		case ModeAuto:
			res.Summary.Auto++
		}
		res.Result = append(res.Result, d)
	}
	return res
}

// Evaluate resolves the mode for a single command. forbid beats confirm beats
// auto; within a mode the most specific policy wins. A command nothing
// matches is never auto.
func (m *Matcher) Evaluate(command string, policies []CommandPolicy) Decision {
	normalized := normalize.Normalize(command).Normalized

	var best [3]*Decision // indexed by modeIndex
	for i := range policies {
		p := &policies[i]
		if !p.Active {
			continue
		}
		idx := modeIndex(p.Mode)
		if idx < 0 {
			log.Printf("[POLICY] Skipping policy %s (%s): unknown mode %q", p.ID, p.Name, p.Mode)
			continue
		}
		ok, err := m.matches(p, normalized)
		if err != nil {
			log.Printf("[POLICY] Skipping policy %s (%s): %v", p.ID, p.Name, err)
			continue
		}
		if !ok {
			continue
		}

		score := Specificity(p)
		if best[idx] != nil && best[idx].Specificity >= score {
			continue
		}
		best[idx] = &Decision{
			Command:        command,
			Mode:           p.Mode,
			PolicyID:       p.ID,
			PolicyName:     p.Name,
			ConfirmMessage: p.ConfirmMessage,
			Risk:           p.Risk,
			Specificity:    score,
		}
	}

	if d := best[0]; d != nil {
		d.ConfirmMessage = ""
		return *d
	}
	if d := best[1]; d != nil {
		if d.ConfirmMessage == "" {
			d.ConfirmMessage = DefaultConfirmMessage
		}
		return *d
	}
	if d := best[2]; d != nil {
		d.ConfirmMessage = ""
		return *d
	}

	return Decision{
		Command:        command,
		Mode:           ModeConfirm,
		ConfirmMessage: DefaultConfirmMessage,
	}
}

// modeIndex maps modes to resolution order.
func modeIndex(mode Mode) int {
	switch mode {
	case ModeForbid:
		return 0
	case ModeConfirm:
		return 1
	case ModeAuto:
		return 2
	default:
		return -1
	}
}

// Specificity scores how narrowly a policy targets commands. Exact matches
// always outrank pattern matches.
func Specificity(p *CommandPolicy) int {
	switch p.MatchType {
	case MatchExact:
		return len(p.MatchValue) + exactBonus
	default:
		specials := 0
		for _, r := range p.MatchValue {
			if strings.ContainsRune(regexSpecials, r) {
				specials++
			}
		}
		return len(p.MatchValue) - specials
	}
}

func (m *Matcher) matches(p *CommandPolicy, normalized string) (bool, error) {
	switch p.MatchType {
	case MatchExact:
		return normalize.Normalize(p.MatchValue).Normalized == normalized, nil
	case MatchRegex:
		re, err := m.compile("(?i)" + p.MatchValue)
		if err != nil {
			return false, err
		}
		return re.MatchString(normalized), nil
	case MatchWildcard:
		re, err := m.compile(WildcardToRegex(p.MatchValue))
		if err != nil {
			return false, err
		}
		return re.MatchString(normalized), nil
	default:
		return false, fmt.Errorf("unknown match type %q", p.MatchType)
	}
}

func (m *Matcher) compile(pattern string) (*regexp.Regexp, error) {
	m.mu.RLock()
	re, ok := m.compiled[pattern]
	bad := m.invalid[pattern]
	m.mu.RUnlock()
	if ok {
		return re, nil
	}
	if bad != nil {
		return nil, bad
	}

	re, err := regexp.Compile(pattern)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		err = fmt.Errorf("invalid pattern: %w", err)
		m.invalid[pattern] = err
		return nil, err
	}
	m.compiled[pattern] = re
	return re, nil
}

// WildcardToRegex converts a shell-style wildcard into an anchored,
// case-insensitive regular expression.
func WildcardToRegex(pattern string) string {
	var b strings.Builder
	b.WriteString("(?i)^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}

// FilterByOS keeps the policies that apply to the given OS. An empty
// whitelist applies everywhere; entries are globs such as "ubuntu*".
func FilterByOS(policies []CommandPolicy, os string) []CommandPolicy {
	os = strings.ToLower(strings.TrimSpace(os))
	out := make([]CommandPolicy, 0, len(policies))
	for _, p := range policies {
		if len(p.OSWhitelist) == 0 || os == "" || MatchOS(p.OSWhitelist, os) {
			out = append(out, p)
		}
	}
	return out
}

// MatchOS reports whether os matches any of the glob patterns.
func MatchOS(patterns []string, os string) bool {
	os = strings.ToLower(os)
	for _, pat := range patterns {
		ok, err := doublestar.Match(strings.ToLower(pat), os)
		if err != nil {
			log.Printf("[POLICY] Bad OS pattern %q: %v", pat, err)
			continue
		}
		if ok {
			return true
		}
	}
	return false
}
