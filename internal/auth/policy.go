package auth

import (
	"net/http"
	"strings"
)

// Rule maps requests to the minimum role they need. Empty fields match anything.
type Rule struct {
	Method   string
	Path     string
	Prefix   string
	Contains string
	Role     Role
}

func (r Rule) matches(req *http.Request) bool {
	path := req.URL.Path
	switch {
	case r.Method != "" && r.Method != req.Method:
		return false
	case r.Path != "" && r.Path != path:
		return false
	case r.Prefix != "" && !strings.HasPrefix(path, r.Prefix):
		return false
	case r.Contains != "" && !strings.Contains(path, r.Contains):
		return false
	}
	return true
}

// Policy decides which requests skip auth and which role the rest require.
// The first matching rule wins; unmatched requests need no role.
type Policy struct {
	exempt []string
	rules  []Rule
}

// DefaultRules protect the pager API.
var DefaultRules = []Rule{
	{Path: "/api/v1/admin/escalations/recover", Role: RoleAdmin},
	{Prefix: "/api/v1/admin/", Role: RoleAdmin},
	{Prefix: "/api/v1/handovers/", Contains: "/export.", Role: RoleCharge},
	{Prefix: "/api/", Role: RoleStaff},
}

// NewDefaultPolicy exempts the given exact paths and path prefixes (ending in "/") and
// applies DefaultRules to everything else.
func NewDefaultPolicy(exemptPaths []string, exemptPrefixes []string) Policy {
	return NewPolicy(DefaultRules, append(append([]string(nil), exemptPaths...), exemptPrefixes...)...)
}

// NewPolicy builds a policy from explicit rules.
func NewPolicy(rules []Rule, exempt ...string) Policy {
	return Policy{exempt: exempt, rules: append([]Rule(nil), rules...)}
}

// IsExempt reports whether the request bypasses authentication.
func (p Policy) IsExempt(r *http.Request) bool {
	if r == nil {
		return true
	}
	for _, entry := range p.exempt {
		if entry == r.URL.Path || (strings.HasSuffix(entry, "/") && strings.HasPrefix(r.URL.Path, entry)) {
			return true
		}
	}
	return false
}

// RequiredRole returns the role a request needs, or false when it needs none.
func (p Policy) RequiredRole(r *http.Request) (Role, bool) {
	if r == nil {
		return "", false
	}
	for _, rule := range p.rules {
		if rule.matches(r) {
			return rule.Role, true
		}
	}
	return "", false
}
