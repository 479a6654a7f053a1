package pgguard

import "github.com/rickchristie/pgguard/internal/safety"

// ParseMode parses "restricted" or "permissive" ("safe" and "unsafe" are
// accepted as aliases).
func ParseMode(s string) (Mode, error) {
	return safety.ParseMode(s)
}

// ParseService parses "database" or "api".
func ParseService(s string) (Service, error) {
	return safety.ParseService(s)
}

// CurrentMode returns the current mode of service.
func (g *Guard) CurrentMode(service Service) Mode {
	return g.modes.CurrentMode(service)
}

// SetMode changes the mode of service and returns the previous mode. The
// change applies to every query validated afterwards; queries already past
// the policy check are not affected.
func (g *Guard) SetMode(service Service, mode Mode) (Mode, error) {
	return g.modes.SetMode(service, mode)
}

// LiveDangerously switches service to PERMISSIVE when enable is true and
// back to RESTRICTED otherwise. It returns the resulting mode.
func (g *Guard) LiveDangerously(service Service, enable bool) (Mode, error) {
	return g.modes.SetPermissive(service, enable)
}

// CheckAPIRequest assesses an external management API request against the
// current api mode. A refused request returns its risk and a *SafetyError.
func (g *Guard) CheckAPIRequest(method, path string) (RiskLevel, error) {
	risk, err := g.safety.ValidateAPIRequest(method, path)
	if err != nil {
		return risk, asSafetyError(err)
	}
	return risk, nil
}

// CheckAPI is the tool-facing form of CheckAPIRequest.
func (g *Guard) CheckAPI(method, path string) *APICheckOutput {
	risk, err := g.CheckAPIRequest(method, path)
	output := &APICheckOutput{
		Method:  method,
		Path:    path,
		Risk:    risk.String(),
		Mode:    g.modes.CurrentMode(safety.ServiceAPI).String(),
		Allowed: err == nil,
	}
	if err != nil {
		output.Reason = err.Error()
	}
	return output
}
