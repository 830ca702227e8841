package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret")

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func mustToken(t *testing.T, scopeID string, role Role) string {
	t.Helper()
	token, err := IssueToken(testSecret, Identity{UserID: "user-1", HospitalScopeID: scopeID, Role: role}, time.Hour)
	require.NoError(t, err)
	return token
}

func serve(handler http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	handler := NewMiddleware(testSecret, NewDefaultPolicy(nil, nil)).Wrap(okHandler())

	rec := serve(handler, httptest.NewRequest(http.MethodGet, "/api/v1/alerts", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"unauthorized"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
}

func TestMiddlewareExemptPaths(t *testing.T) {
	handler := NewMiddleware(testSecret, NewDefaultPolicy([]string{"/healthz"}, []string{"/api/public/"})).Wrap(okHandler())

	assert.Equal(t, http.StatusOK, serve(handler, httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)
	assert.Equal(t, http.StatusOK, serve(handler, httptest.NewRequest(http.MethodGet, "/api/public/ping", nil)).Code)
	assert.Equal(t, http.StatusOK, serve(handler, httptest.NewRequest(http.MethodGet, "/metrics", nil)).Code)
}

func TestMiddlewareRoleRules(t *testing.T) {
	handler := NewMiddleware(testSecret, NewDefaultPolicy(nil, nil)).Wrap(okHandler())
	cases := []struct {
		path string
		role Role
		want int
	}{
		{"/api/v1/handovers/h-1/export.pdf", RoleStaff, http.StatusForbidden},
		{"/api/v1/handovers/h-1/export.pdf", RoleCharge, http.StatusOK},
		{"/api/v1/handovers", RoleStaff, http.StatusOK},
		{"/api/v1/admin/escalations/recover", RoleCharge, http.StatusForbidden},
		{"/api/v1/admin/escalations/recover", RoleAdmin, http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		req.Header.Set("Authorization", "Bearer "+mustToken(t, "ward-a", tc.role))
		assert.Equal(t, tc.want, serve(handler, req).Code, "%s as %s", tc.path, tc.role)
	}
}

func TestMiddlewareQueryTokenSetsIdentity(t *testing.T) {
	var got Identity
	handler := NewMiddleware(testSecret, NewDefaultPolicy(nil, nil)).Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := serve(handler, httptest.NewRequest(http.MethodGet, "/api/v1/alerts/stream?access_token="+mustToken(t, "ward-a", RoleCharge), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, Identity{UserID: "user-1", HospitalScopeID: "ward-a", Role: RoleCharge}, got)
}

func TestParseJWTRejectsBadTokens(t *testing.T) {
	_, err := ParseJWT("", testSecret)
	assert.ErrorIs(t, err, ErrTokenMissing)

	_, err = ParseJWT(mustToken(t, "ward-a", RoleStaff), []byte("other-secret"))
	assert.ErrorIs(t, err, ErrTokenInvalid)

	noExpiry := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		HospitalScopeID:  "ward-a",
		Role:             "staff",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
	})
	signed, err := noExpiry.SignedString(testSecret)
	require.NoError(t, err)
	_, err = ParseJWT(signed, testSecret)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = IssueToken(testSecret, Identity{UserID: "user-1", HospitalScopeID: "ward-a", Role: "janitor"}, time.Hour)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestNormalizeRole(t *testing.T) {
	role, ok := NormalizeRole(" Charge ")
	assert.True(t, ok)
	assert.Equal(t, RoleCharge, role)
	_, ok = NormalizeRole("viewer")
	assert.False(t, ok)
	assert.True(t, RoleAtLeast(RoleAdmin, RoleCharge))
	assert.False(t, RoleAtLeast(RoleStaff, RoleCharge))
	assert.False(t, RoleAtLeast("", RoleStaff))
}

func TestEnsureAndResolveScope(t *testing.T) {
	staff := WithIdentity(context.Background(), "ward-a", RoleStaff, "user-1")
	assert.ErrorIs(t, EnsureScope(staff, "ward-b"), ErrScopeMismatch)
	assert.NoError(t, EnsureScope(staff, "ward-a"))

	admin := WithIdentity(context.Background(), "ward-a", RoleAdmin, "admin-1")
	assert.NoError(t, EnsureScope(admin, "ward-b"))

	scope, err := ResolveScope(staff, "")
	require.NoError(t, err)
	assert.Equal(t, "ward-a", scope)

	_, err = ResolveScope(context.Background(), "")
	assert.ErrorIs(t, err, ErrScopeRequired)
}
