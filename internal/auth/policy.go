package auth

import (
	"net/http"
	"strings"
)

type routeRule struct {
	method string
	path   string
	prefix bool
	role   Role
}

func (r routeRule) matches(req *http.Request) bool {
	if r.method != "" && req.Method != r.method {
		return false
	}
	if r.prefix {
		return strings.HasPrefix(req.URL.Path, r.path)
	}
	return req.URL.Path == r.path
}

// Policy maps requests to the minimum role they require. The first matching
// rule wins; any other /api/ request needs viewer to read and operator to write.
type Policy struct {
	exempt map[string]struct{}
	rules  []routeRule
}

// NewPolicy builds the API policy. Requests to exemptPaths skip authentication.
func NewPolicy(exemptPaths ...string) Policy {
	exempt := make(map[string]struct{}, len(exemptPaths))
	for _, path := range exemptPaths {
		exempt[path] = struct{}{}
	}
	return Policy{
		exempt: exempt,
		rules: []routeRule{
			{method: http.MethodPost, path: "/api/rules/reload", role: RoleAdmin},
			{method: http.MethodPost, path: "/api/insights", role: RoleOperator},
			{method: http.MethodPost, path: "/api/alerts/", prefix: true, role: RoleOperator},
		},
	}
}

// Exempt reports whether req bypasses authentication.
func (p Policy) Exempt(req *http.Request) bool {
	_, ok := p.exempt[req.URL.Path]
	return ok
}

// Required returns the role req needs; false means the route is public.
func (p Policy) Required(req *http.Request) (Role, bool) {
	for _, rule := range p.rules {
		if rule.matches(req) {
			return rule.role, true
		}
	}
	if !strings.HasPrefix(req.URL.Path, "/api/") {
		return "", false
	}
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return RoleViewer, true
	default:
		return RoleOperator, true
	}
}
