package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenMissing = errors.New("auth: missing token")
	ErrTokenInvalid = errors.New("auth: invalid token")
)

// Claims carries the staff identity. Subject is the user id.
type Claims struct {
	HospitalScopeID string `json:"hospital_scope_id"`
	Role            string `json:"role"`
	jwt.RegisteredClaims
}

// Identity converts validated claims.
func (c Claims) Identity() (Identity, error) {
	role, ok := NormalizeRole(c.Role)
	switch {
	case c.Subject == "":
		return Identity{}, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	case c.HospitalScopeID == "":
		return Identity{}, fmt.Errorf("%w: missing hospital_scope_id", ErrTokenInvalid)
	case !ok:
		return Identity{}, fmt.Errorf("%w: unknown role %q", ErrTokenInvalid, c.Role)
	}
	return Identity{UserID: c.Subject, HospitalScopeID: c.HospitalScopeID, Role: role}, nil
}

// ParseJWT verifies an HS256 token and returns its claims.
func ParseJWT(tokenString string, secret []byte) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrTokenMissing
	}
	if len(secret) == 0 {
		return nil, errors.New("auth: empty secret")
	}
	claims := &Claims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if _, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if _, err := claims.Identity(); err != nil {
		return nil, err
	}
	return claims, nil
}

// IssueToken signs a token for id valid for ttl.
func IssueToken(secret []byte, id Identity, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("auth: empty secret")
	}
	if ttl <= 0 {
		return "", errors.New("auth: ttl must be positive")
	}
	now := time.Now()
	claims := Claims{
		HospitalScopeID: id.HospitalScopeID,
		Role:            string(id.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if _, err := claims.Identity(); err != nil {
		return "", err
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
