package safety

import (
	"fmt"
	"regexp"
	"strings"
)

// Operation describes one statement presented to the deny list.
// Command and ObjectType are upper-case, e.g. "DROP" and "TABLE". Schemas
// lists every schema the statement's targets are qualified with; Schema is
// the first of them.
type Operation struct {
	Command    string
	ObjectType string
	Schema     string
	Schemas    []string
	Statement  string
}

// inSchema reports whether any target of op is qualified with schema.
func (op Operation) inSchema(schema string) bool {
	if op.Schema == schema {
		return true
	}
	for _, s := range op.Schemas {
		if s == schema {
			return true
		}
	}
	return false
}

// DenyRule blocks matching operations regardless of mode. Empty fields match
// anything. Command matches whole leading words of the operation's command.
// Schema matches when any target is qualified with it; unqualified names
// resolve through search_path at execution time and never match, so pair a
// schema rule with a Pattern such as `(?i)\btruncate\b.*\blog\b` to cover
// them. Pattern is a regular expression applied to the statement text.
type DenyRule struct {
	Command    string
	ObjectType string
	Schema     string
	Pattern    string
	Reason     string
}

// Config is the safety manager's own config type.
type Config struct {
	DenyRules []DenyRule
	APIRules  []APIRule
}

type compiledDenyRule struct {
	command    string
	objectType string
	schema     string
	pattern    *regexp.Regexp
	reason     string
}

func (r compiledDenyRule) matches(op Operation) bool {
	if r.command != "" && !commandMatches(r.command, op.Command) {
		return false
	}
	if r.objectType != "" && !strings.EqualFold(r.objectType, op.ObjectType) {
		return false
	}
	if r.schema != "" && !op.inSchema(r.schema) {
		return false
	}
	if r.pattern != nil && !r.pattern.MatchString(op.Statement) {
		return false
	}
	return true
}

// commandMatches reports whether rule names command or a leading word
// sequence of it, so "COPY" matches "COPY FROM" and "SET" matches "SET ROLE".
func commandMatches(rule, command string) bool {
	if strings.EqualFold(rule, command) {
		return true
	}
	return len(command) > len(rule) && command[len(rule)] == ' ' && strings.EqualFold(rule, command[:len(rule)])
}

// builtinDenyRules are always active and cannot be removed by configuration.
var builtinDenyRules = []DenyRule{
	{Command: "DROP", ObjectType: "DATABASE", Reason: "dropping a database is never allowed"},
}

// Violation is returned when the safety policy refuses an operation.
type Violation struct {
	Service Service
	Mode    Mode
	Risk    RiskLevel
	// Command is set for deny-list violations.
	Command string
	Reason  string
	Denied  bool
}

func (v *Violation) Error() string {
	switch {
	case v.Denied:
		what := v.Command
		if what == "" {
			what = "operation"
		}
		return fmt.Sprintf("%s is denied by safety policy: %s", what, v.Reason)
	case v.Risk >= RiskExtreme:
		return fmt.Sprintf("operation with %s risk is never allowed on %s", v.Risk, v.Service)
	default:
		return fmt.Sprintf("operation with %s risk is not allowed in %s mode on %s: switch %s to permissive mode to run it",
			v.Risk, v.Mode, v.Service, v.Service)
	}
}

// Manager decides whether operations may run. It reads modes from a shared
// ModeController and never writes them.
type Manager struct {
	modes *ModeController
	deny  []compiledDenyRule
	api   *APIRules
}

// NewManager creates a new Manager. Returns an error on invalid regex patterns.
func NewManager(config Config, modes *ModeController) (*Manager, error) {
	if modes == nil {
		return nil, fmt.Errorf("safety: mode controller must not be nil")
	}
	rules := append(append([]DenyRule{}, builtinDenyRules...), config.DenyRules...)
	deny := make([]compiledDenyRule, len(rules))
	for i, r := range rules {
		c := compiledDenyRule{
			command:    strings.TrimSpace(r.Command),
			objectType: strings.TrimSpace(r.ObjectType),
			schema:     r.Schema,
			reason:     r.Reason,
		}
		if r.Pattern != "" {
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("safety: invalid deny rule regex pattern %q: %v", r.Pattern, err)
			}
			c.pattern = re
		}
		if c.reason == "" {
			c.reason = "matched a configured deny rule"
		}
		deny[i] = c
	}
	api, err := NewAPIRules(config.APIRules)
	if err != nil {
		return nil, err
	}
	return &Manager{modes: modes, deny: deny, api: api}, nil
}

// Modes returns the controller the manager reads from.
func (m *Manager) Modes() *ModeController {
	return m.modes
}

// ValidateOperation checks ops against the deny list, then checks risk
// against the current mode of service. It returns a *Violation on denial.
func (m *Manager) ValidateOperation(service Service, risk RiskLevel, ops ...Operation) error {
	if !service.valid() {
		return fmt.Errorf("unknown service %s", service)
	}
	for _, op := range ops {
		for _, rule := range m.deny {
			if rule.matches(op) {
				command := strings.TrimSpace(op.Command + " " + op.ObjectType)
				return &Violation{
					Service: service,
					Mode:    m.modes.CurrentMode(service),
					Risk:    risk,
					Command: command,
					Reason:  rule.reason,
					Denied:  true,
				}
			}
		}
	}

	mode := m.modes.CurrentMode(service)
	if !Allowed(mode, risk) {
		return &Violation{Service: service, Mode: mode, Risk: risk}
	}
	return nil
}

// APIRisk returns the risk of an API request.
func (m *Manager) APIRisk(method, path string) RiskLevel {
	return m.api.Risk(method, path)
}

// ValidateAPIRequest applies the risk gate on the api service.
func (m *Manager) ValidateAPIRequest(method, path string) (RiskLevel, error) {
	risk := m.api.Risk(method, path)
	return risk, m.ValidateOperation(ServiceAPI, risk)
}
