package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Middleware authenticates requests with a bearer JWT and enforces the policy.
type Middleware struct {
	secret []byte
	policy Policy
}

// NewMiddleware constructs the middleware.
func NewMiddleware(secret []byte, policy Policy) *Middleware {
	return &Middleware{secret: secret, policy: policy}
}

// Wrap guards next.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		required, guarded := m.policy.RequiredRole(r)
		if !guarded || m.policy.IsExempt(r) {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := ParseJWT(tokenFromRequest(r), m.secret)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="hospital-pager"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		id, _ := claims.Identity()
		if !RoleAtLeast(id.Role, required) {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id.HospitalScopeID, id.Role, id.UserID)))
	})
}

// tokenFromRequest reads the Authorization header. Browsers cannot set headers on
// EventSource or WebSocket requests, so the access_token query parameter is accepted too.
func tokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return ""
		}
		return strings.TrimSpace(token)
	}
	return r.URL.Query().Get("access_token")
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
