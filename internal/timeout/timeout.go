package timeout

import (
	"fmt"
	"regexp"
	"time"

	"github.com/rickchristie/pgguard/internal/safety"
)

// Rule is the timeout manager's own rule type. A rule applies when the SQL
// matches Pattern (empty matches everything) and the batch risk is at least
// MinRisk.
type Rule struct {
	Pattern string
	MinRisk safety.RiskLevel
	Timeout time.Duration
}

// Config is the timeout manager's own config type.
type Config struct {
	DefaultTimeout time.Duration
	Rules          []Rule
}

type compiledRule struct {
	pattern *regexp.Regexp
	minRisk safety.RiskLevel
	timeout time.Duration
	label   string
}

// Manager resolves query timeouts based on SQL pattern matching and risk.
type Manager struct {
	rules          []compiledRule
	defaultTimeout time.Duration
}

// NewManager creates a new Manager. Returns an error on invalid regex patterns.
func NewManager(config Config) (*Manager, error) {
	compiled := make([]compiledRule, len(config.Rules))
	for i, r := range config.Rules {
		var re *regexp.Regexp
		if r.Pattern != "" {
			var err error
			re, err = regexp.Compile(r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("timeout: invalid regex pattern %q: %v", r.Pattern, err)
			}
		}
		label := r.Pattern
		if r.MinRisk > safety.RiskLow {
			if label != "" {
				label += " "
			}
			label += "min_risk=" + r.MinRisk.String()
		}
		compiled[i] = compiledRule{pattern: re, minRisk: r.MinRisk, timeout: r.Timeout, label: label}
	}
	return &Manager{rules: compiled, defaultTimeout: config.DefaultTimeout}, nil
}

// Resolve returns the timeout for sql assessed at risk, along with a label of
// the rule that matched ("" for the default).
func (m *Manager) Resolve(sql string, risk safety.RiskLevel) (time.Duration, string) {
	for _, rule := range m.rules {
		if risk < rule.minRisk {
			continue
		}
		if rule.pattern != nil && !rule.pattern.MatchString(sql) {
			continue
		}
		return rule.timeout, rule.label
	}
	return m.defaultTimeout, ""
}
