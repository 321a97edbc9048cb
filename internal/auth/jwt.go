package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "infrawatch"

var (
	errNoSecret  = errors.New("auth: jwt secret is empty")
	errNoSubject = errors.New("auth: token has no subject")
)

// Claims carries the caller role next to the registered claims.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// ParseJWT verifies an HS256 token issued by IssueToken. Expiry, when set,
// is checked with a small leeway for clock skew.
func ParseJWT(raw string, secret []byte) (*Claims, error) {
	if len(secret) == 0 {
		return nil, errNoSecret
	}
	if raw == "" {
		return nil, errors.New("auth: missing bearer token")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithLeeway(5*time.Second),
	)
	var claims Claims
	if _, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}); err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	if claims.Subject == "" {
		return nil, errNoSubject
	}
	if _, err := ParseRole(claims.Role); err != nil {
		return nil, err
	}
	return &claims, nil
}

// IssueToken signs a token for subject. A zero ttl issues a token that
// never expires.
func IssueToken(secret []byte, subject string, role Role, ttl time.Duration) (string, error) {
	switch {
	case len(secret) == 0:
		return "", errNoSecret
	case subject == "":
		return "", errNoSubject
	case !role.Valid():
		return "", fmt.Errorf("auth: unknown role %q", role)
	}
	now := time.Now().UTC()
	registered := jwt.RegisteredClaims{
		Issuer:   tokenIssuer,
		Subject:  subject,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl != 0 {
		registered.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Role: string(role), RegisteredClaims: registered})
	return token.SignedString(secret)
}
