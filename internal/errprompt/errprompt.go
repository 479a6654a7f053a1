package errprompt

import (
	"fmt"
	"regexp"
	"strings"
)

// Rule is the error prompt matcher's own rule type. Kind limits the rule to
// one error kind (validation, safety, execution, internal); empty matches
// every kind.
type Rule struct {
	Pattern string
	Message string
	Kind    string
}

type compiledRule struct {
	pattern *regexp.Regexp
	message string
	kind    string
}

// Matcher checks error messages against patterns and returns guidance prompts.
type Matcher struct {
	rules []compiledRule
}

// NewMatcher creates a new Matcher. Returns an error on invalid regex patterns
// or unknown kinds.
func NewMatcher(rules []Rule) (*Matcher, error) {
	compiled := make([]compiledRule, len(rules))
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("errprompt: invalid regex pattern %q: %v", r.Pattern, err)
		}
		kind := strings.ToLower(strings.TrimSpace(r.Kind))
		if !validKind(kind) {
			return nil, fmt.Errorf("errprompt: unknown error kind %q for pattern %q", r.Kind, r.Pattern)
		}
		compiled[i] = compiledRule{pattern: re, message: r.Message, kind: kind}
	}
	return &Matcher{rules: compiled}, nil
}

func validKind(kind string) bool {
	switch kind {
	case "", "validation", "safety", "execution", "confirmation", "internal":
		return true
	}
	return false
}

func (r compiledRule) matches(kind, errMsg string) bool {
	if r.kind != "" && r.kind != kind {
		return false
	}
	return r.pattern.MatchString(errMsg)
}

// Match checks an error message of the given kind against all rules (top to
// bottom). Returns all matching prompt messages joined with newline
// separators, or an empty string if nothing matched.
func (m *Matcher) Match(kind, errMsg string) string {
	var matches []string
	for _, rule := range m.rules {
		if rule.matches(kind, errMsg) {
			matches = append(matches, rule.message)
		}
	}
	return strings.Join(matches, "\n")
}

// MatchedPatterns returns the regex patterns that matched the given error.
// Returns nil if no match.
func (m *Matcher) MatchedPatterns(kind, errMsg string) []string {
	var patterns []string
	for _, rule := range m.rules {
		if rule.matches(kind, errMsg) {
			patterns = append(patterns, rule.pattern.String())
		}
	}
	return patterns
}
