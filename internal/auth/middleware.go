package auth

import (
	"net/http"
	"strings"
)

// Middleware authenticates bearer tokens and enforces a Policy.
type Middleware struct {
	secret []byte
	policy Policy
}

// NewMiddleware constructs the middleware.
func NewMiddleware(secret []byte, policy Policy) *Middleware {
	return &Middleware{secret: secret, policy: policy}
}

// Wrap guards next. Unauthenticated calls get 401, insufficient roles 403.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.policy.Exempt(r) {
			next.ServeHTTP(w, r)
			return
		}
		required, guarded := m.policy.Required(r)
		if !guarded {
			next.ServeHTTP(w, r)
			return
		}
		id, err := m.authenticate(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="infrawatch"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !id.Role.Satisfies(required) {
			http.Error(w, "forbidden: requires "+string(required), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func (m *Middleware) authenticate(r *http.Request) (Identity, error) {
	claims, err := ParseJWT(tokenFrom(r), m.secret)
	if err != nil {
		return Identity{}, err
	}
	role, err := ParseRole(claims.Role)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Subject: claims.Subject, Role: role}, nil
}

// tokenFrom reads the Authorization header. EventSource and WebSocket clients
// cannot set headers, so stream endpoints also accept ?access_token=.
func tokenFrom(r *http.Request) string {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	if strings.HasSuffix(r.URL.Path, "/stream") || strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return r.URL.Query().Get("access_token")
	}
	return ""
}
