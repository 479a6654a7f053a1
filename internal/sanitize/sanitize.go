package sanitize

import (
	"fmt"
	"regexp"
	"strings"
)

// Rule is the sanitizer's own rule type. Columns limits the rule to result
// columns with those names (case-insensitive); empty applies to every column.
type Rule struct {
	Pattern     string
	Replacement string
	Columns     []string
}

type compiledRule struct {
	pattern     *regexp.Regexp
	replacement string
	columns     map[string]bool
}

func (r compiledRule) appliesTo(column string) bool {
	return len(r.columns) == 0 || r.columns[strings.ToLower(column)]
}

// Sanitizer masks string values in result rows, recursing into JSON objects
// and arrays.
type Sanitizer struct {
	rules []compiledRule
}

// NewSanitizer creates a new Sanitizer. Returns an error on invalid regex patterns.
func NewSanitizer(rules []Rule) (*Sanitizer, error) {
	compiled := make([]compiledRule, len(rules))
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("sanitize: invalid regex pattern %q: %v", r.Pattern, err)
		}
		var cols map[string]bool
		if len(r.Columns) > 0 {
			cols = make(map[string]bool, len(r.Columns))
			for _, c := range r.Columns {
				cols[strings.ToLower(c)] = true
			}
		}
		compiled[i] = compiledRule{pattern: re, replacement: r.Replacement, columns: cols}
	}
	return &Sanitizer{rules: compiled}, nil
}

// HasRules returns true if the sanitizer has any rules configured.
func (s *Sanitizer) HasRules() bool {
	return len(s.rules) > 0
}

// SanitizeRows applies the rules of each column to its field values, in place.
func (s *Sanitizer) SanitizeRows(rows []map[string]interface{}) []map[string]interface{} {
	if len(s.rules) == 0 {
		return rows
	}
	applicable := make(map[string][]compiledRule)
	for _, row := range rows {
		for k, v := range row {
			rules, ok := applicable[k]
			if !ok {
				rules = s.rulesFor(k)
				applicable[k] = rules
			}
			if len(rules) > 0 {
				row[k] = sanitizeValue(rules, v)
			}
		}
	}
	return rows
}

func (s *Sanitizer) rulesFor(column string) []compiledRule {
	var rules []compiledRule
	for _, r := range s.rules {
		if r.appliesTo(column) {
			rules = append(rules, r)
		}
	}
	return rules
}

func sanitizeValue(rules []compiledRule, v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		result := val
		for _, rule := range rules {
			result = rule.pattern.ReplaceAllString(result, rule.replacement)
		}
		return result
	case map[string]interface{}:
		for k, item := range val {
			val[k] = sanitizeValue(rules, item)
		}
		return val
	case []interface{}:
		for i, item := range val {
			val[i] = sanitizeValue(rules, item)
		}
		return val
	default:
		// json.Number has string as its underlying type but is a distinct
		// type, so numbers never reach the string case.
		return v
	}
}
