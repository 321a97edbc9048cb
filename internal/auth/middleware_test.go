package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret-0123456789")

func guarded(seen *Identity) http.Handler {
	mw := NewMiddleware(testSecret, NewPolicy("/healthz"))
	return mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			*seen, _ = IdentityFrom(r.Context())
		}
		w.WriteHeader(http.StatusOK)
	}))
}

func serve(t *testing.T, method, target, token string, seen *Identity) int {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	guarded(seen).ServeHTTP(resp, req)
	return resp.Code
}

func TestMiddlewareRoleMatrix(t *testing.T) {
	viewer := mustToken(t, "viewer@example.com", RoleViewer)
	operator := mustToken(t, "ops@example.com", RoleOperator)
	admin := mustToken(t, "admin@example.com", RoleAdmin)

	cases := []struct {
		name   string
		method string
		target string
		token  string
		want   int
	}{
		{"no token", http.MethodGet, "/api/alerts", "", http.StatusUnauthorized},
		{"exempt path", http.MethodGet, "/healthz", "", http.StatusOK},
		{"outside api", http.MethodGet, "/metrics", "", http.StatusOK},
		{"viewer reads", http.MethodGet, "/api/alerts", viewer, http.StatusOK},
		{"viewer cannot acknowledge", http.MethodPost, "/api/alerts/a-1/acknowledge", viewer, http.StatusForbidden},
		{"operator acknowledges", http.MethodPost, "/api/alerts/a-1/acknowledge", operator, http.StatusOK},
		{"viewer cannot attach insight", http.MethodPost, "/api/insights", viewer, http.StatusForbidden},
		{"operator cannot reload", http.MethodPost, "/api/rules/reload", operator, http.StatusForbidden},
		{"admin reloads", http.MethodPost, "/api/rules/reload", admin, http.StatusOK},
		{"garbage token", http.MethodGet, "/api/alerts", "not-a-jwt", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, serve(t, tc.method, tc.target, tc.token, nil))
		})
	}
}

func TestMiddlewareAttachesIdentity(t *testing.T) {
	var seen Identity
	code := serve(t, http.MethodPost, "/api/alerts/a-1/resolve", mustToken(t, "ops@example.com", RoleOperator), &seen)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, Identity{Subject: "ops@example.com", Role: RoleOperator}, seen)
}

func TestQueryTokenOnlyForStreams(t *testing.T) {
	token := mustToken(t, "viewer@example.com", RoleViewer)
	assert.Equal(t, http.StatusOK, serve(t, http.MethodGet, "/api/alerts/stream?access_token="+token, "", nil))
	assert.Equal(t, http.StatusUnauthorized, serve(t, http.MethodGet, "/api/alerts?access_token="+token, "", nil))

	req := httptest.NewRequest(http.MethodGet, "/api/ws?access_token="+token, nil)
	req.Header.Set("Upgrade", "websocket")
	resp := httptest.NewRecorder()
	guarded(nil).ServeHTTP(resp, req)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestParseRole(t *testing.T) {
	role, err := ParseRole(" Admin ")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, role)
	_, err = ParseRole("root")
	assert.Error(t, err)

	assert.True(t, RoleAdmin.Satisfies(RoleOperator))
	assert.False(t, RoleViewer.Satisfies(RoleOperator))
	assert.False(t, Role("root").Satisfies(RoleViewer))
}

func TestTokens(t *testing.T) {
	expired, err := IssueToken(testSecret, "user@example.com", RoleViewer, -time.Minute)
	require.NoError(t, err)
	_, err = ParseJWT(expired, testSecret)
	assert.Error(t, err)

	_, err = IssueToken(testSecret, "user@example.com", Role("root"), time.Hour)
	assert.Error(t, err)

	_, err = ParseJWT(mustToken(t, "user@example.com", RoleAdmin), []byte("other-secret"))
	assert.Error(t, err)

	claims, err := ParseJWT(mustToken(t, "user@example.com", RoleAdmin), testSecret)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", claims.Subject)
	assert.Equal(t, "admin", claims.Role)
}

func mustToken(t *testing.T, subject string, role Role) string {
	t.Helper()
	signed, err := IssueToken(testSecret, subject, role, time.Hour)
	require.NoError(t, err)
	return signed
}
