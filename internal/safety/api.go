package safety

import (
	"fmt"
	"regexp"
	"strings"
)

// APIRule assigns a risk to requests whose method equals Method and whose
// path matches Path. Path segments written as {name} match one segment.
type APIRule struct {
	Method string
	Path   string
	Risk   RiskLevel
}

type compiledAPIRule struct {
	method string
	path   *regexp.Regexp
	risk   RiskLevel
}

// APIRules resolves the risk of management API requests. Requests that match
// no rule are MEDIUM.
type APIRules struct {
	rules []compiledAPIRule
}

var placeholderRe = regexp.MustCompile(`\\\{[A-Za-z_][A-Za-z0-9_]*\\\}`)

// DefaultAPIRules covers the destructive and disruptive endpoints of the
// management API. Requests not listed fall back to MEDIUM, GETs are listed
// as LOW.
var DefaultAPIRules = []APIRule{
	{Method: "GET", Path: "/{rest...}", Risk: RiskLow},

	{Method: "DELETE", Path: "/v1/projects/{ref}", Risk: RiskExtreme},

	{Method: "DELETE", Path: "/v1/projects/{ref}/branches/{branch_id}", Risk: RiskHigh},
	{Method: "DELETE", Path: "/v1/projects/{ref}/branches", Risk: RiskHigh},
	{Method: "DELETE", Path: "/v1/projects/{ref}/custom-hostname", Risk: RiskHigh},
	{Method: "DELETE", Path: "/v1/projects/{ref}/vanity-subdomain", Risk: RiskHigh},
	{Method: "DELETE", Path: "/v1/projects/{ref}/network-bans", Risk: RiskHigh},
	{Method: "DELETE", Path: "/v1/projects/{ref}/secrets", Risk: RiskHigh},
	{Method: "DELETE", Path: "/v1/projects/{ref}/functions/{function_slug}", Risk: RiskHigh},
	{Method: "DELETE", Path: "/v1/projects/{ref}/api-keys/{id}", Risk: RiskHigh},
	{Method: "DELETE", Path: "/v1/projects/{ref}/config/auth/sso/providers/{provider_id}", Risk: RiskHigh},
	{Method: "DELETE", Path: "/v1/projects/{ref}/config/auth/signing-keys/{id}", Risk: RiskHigh},
	{Method: "POST", Path: "/v1/projects/{ref}/pause", Risk: RiskHigh},
	{Method: "POST", Path: "/v1/projects/{ref}/restore", Risk: RiskHigh},
	{Method: "POST", Path: "/v1/projects/{ref}/restore/cancel", Risk: RiskHigh},
	{Method: "POST", Path: "/v1/projects/{ref}/upgrade", Risk: RiskHigh},
	{Method: "POST", Path: "/v1/projects/{ref}/read-replicas/remove", Risk: RiskHigh},
	{Method: "POST", Path: "/v1/projects/{ref}/readonly/temporary-disable", Risk: RiskHigh},

	{Method: "POST", Path: "/v1/projects", Risk: RiskMedium},
	{Method: "POST", Path: "/v1/projects/{ref}/database/query", Risk: RiskMedium},
	{Method: "POST", Path: "/v1/projects/{ref}/functions/deploy", Risk: RiskMedium},
	{Method: "PATCH", Path: "/v1/projects/{ref}/config/auth", Risk: RiskMedium},
	{Method: "PUT", Path: "/v1/projects/{ref}/config/database/postgres", Risk: RiskMedium},
	{Method: "PUT", Path: "/v1/projects/{ref}/pgsodium", Risk: RiskMedium},
}

// NewAPIRules compiles DefaultAPIRules followed by extra. When several rules
// match a request the highest risk wins.
func NewAPIRules(extra []APIRule) (*APIRules, error) {
	all := append(append([]APIRule{}, DefaultAPIRules...), extra...)
	compiled := make([]compiledAPIRule, 0, len(all))
	for _, r := range all {
		if r.Path == "" || !strings.HasPrefix(r.Path, "/") {
			return nil, fmt.Errorf("safety: api rule path %q must start with /", r.Path)
		}
		if r.Risk < RiskLow || r.Risk > RiskExtreme {
			return nil, fmt.Errorf("safety: api rule %s %s has invalid risk %d", r.Method, r.Path, int(r.Risk))
		}
		re, err := compileAPIPath(r.Path)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, compiledAPIRule{
			method: strings.ToUpper(strings.TrimSpace(r.Method)),
			path:   re,
			risk:   r.Risk,
		})
	}
	return &APIRules{rules: compiled}, nil
}

// compileAPIPath turns "/v1/projects/{ref}" into an anchored regex where each
// placeholder matches one path segment. "{rest...}" matches any suffix.
func compileAPIPath(path string) (*regexp.Regexp, error) {
	quoted := regexp.QuoteMeta(path)
	quoted = strings.ReplaceAll(quoted, `\{rest\.\.\.\}`, `.*`)
	quoted = placeholderRe.ReplaceAllString(quoted, `[^/]+`)
	re, err := regexp.Compile("^" + quoted + "/?$")
	if err != nil {
		return nil, fmt.Errorf("safety: invalid api rule path %q: %v", path, err)
	}
	return re, nil
}

// Risk returns the highest risk of all rules matching the request.
func (a *APIRules) Risk(method, path string) RiskLevel {
	method = strings.ToUpper(strings.TrimSpace(method))
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	matched := false
	risk := RiskLow
	for _, r := range a.rules {
		if r.method != method || !r.path.MatchString(path) {
			continue
		}
		matched = true
		risk = MaxRisk(risk, r.risk)
	}
	if !matched {
		return RiskMedium
	}
	return risk
}
