// Package normalize turns raw command lines into the canonical forms used for
// policy matching and signing.
package normalize

import (
	"errors"
	"regexp"
	"strings"
)

// maxFirstTokens is the number of leading tokens kept for coarse matching.
const maxFirstTokens = 3

var tokenSeparators = regexp.MustCompile(`[\s|;&]+`)

// ErrUnterminatedQuote is returned by Split when a quote is never closed.
var ErrUnterminatedQuote = errors.New("unterminated quote in command")

// ErrEmptyCommand is returned by Split for blank input.
var ErrEmptyCommand = errors.New("empty command")

// Command is the canonical form of a raw command line.
type Command struct {
	Normalized  string   `json:"normalized"`
	BaseName    string   `json:"base_name"`
	FirstTokens []string `json:"first_tokens"`
}

// Normalize collapses whitespace and extracts the base command and the first
// tokens. It has no side effects and is deterministic for a given input.
func Normalize(raw string) Command {
	normalized := strings.Join(strings.Fields(raw), " ")

	var base string
	if fields := strings.Fields(normalized); len(fields) > 0 {
		base = fields[0]
	}

	tokens := make([]string, 0, maxFirstTokens)
	for _, tok := range tokenSeparators.Split(normalized, -1) {
		if tok == "" {
			continue
		}
		tokens = append(tokens, tok)
		if len(tokens) == maxFirstTokens {
			break
		}
	}

	return Command{
		Normalized:  normalized,
		BaseName:    base,
		FirstTokens: tokens,
	}
}

// Split breaks a single command line into a binary and its argv. Single and
// double quotes group words; a backslash escapes the next character outside
// single quotes. Nothing is expanded.
func Split(command string) (string, []string, error) {
	var (
		words   []string
		current strings.Builder
		inWord  bool
		quote   rune
		escaped bool
	)

	for _, r := range command {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
			inWord = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if inWord {
				words = append(words, current.String())
				current.Reset()
				inWord = false
			}
		default:
			current.WriteRune(r)
			inWord = true
		}
	}

	if quote != 0 || escaped {
		return "", nil, ErrUnterminatedQuote
	}
	if inWord {
		words = append(words, current.String())
	}
	if len(words) == 0 {
		return "", nil, ErrEmptyCommand
	}
	return words[0], words[1:], nil
}
