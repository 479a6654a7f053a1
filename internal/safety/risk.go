package safety

import (
	"fmt"
	"strings"
)

// RiskLevel is the ordered risk of an operation. Higher values are riskier.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskExtreme
)

var riskNames = [...]string{
	RiskLow:     "LOW",
	RiskMedium:  "MEDIUM",
	RiskHigh:    "HIGH",
	RiskExtreme: "EXTREME",
}

func (r RiskLevel) String() string {
	if r < RiskLow || r > RiskExtreme {
		return fmt.Sprintf("RiskLevel(%d)", int(r))
	}
	return riskNames[r]
}

// MarshalText encodes the risk level as its upper-case name.
func (r RiskLevel) MarshalText() ([]byte, error) {
	if r < RiskLow || r > RiskExtreme {
		return nil, fmt.Errorf("invalid risk level %d", int(r))
	}
	return []byte(riskNames[r]), nil
}

// UnmarshalText accepts a case-insensitive risk level name.
func (r *RiskLevel) UnmarshalText(text []byte) error {
	parsed, err := ParseRiskLevel(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseRiskLevel parses "low", "medium", "high" or "extreme" in any case.
func ParseRiskLevel(s string) (RiskLevel, error) {
	for i, name := range riskNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return RiskLevel(i), nil
		}
	}
	return RiskLow, fmt.Errorf("unknown risk level %q: expected one of low, medium, high, extreme", s)
}

// MaxRisk returns the higher of two risk levels.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if a > b {
		return a
	}
	return b
}

// Allowed reports whether an operation of the given risk may run under mode.
// EXTREME is never allowed.
func Allowed(mode Mode, risk RiskLevel) bool {
	switch {
	case risk >= RiskExtreme:
		return false
	case risk <= RiskLow:
		return true
	default:
		return mode == ModePermissive
	}
}
