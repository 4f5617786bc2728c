package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleOperator is the role required by the control endpoints.
const RoleOperator = "operator"

// Issuer is the iss claim of operator tokens.
const Issuer = "veritas"

var ErrNoSecret = errors.New("auth: signing secret required")

// OperatorClaims are the JWT claims carried by operator tokens.
type OperatorClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// HasRole reports whether role was granted.
func (c *OperatorClaims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// JWTValidator validates HS256 operator tokens.
type JWTValidator struct {
	secret []byte
	now    func() time.Time
}

// NewJWTValidator creates a validator for secret.
func NewJWTValidator(secret string) (*JWTValidator, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	return &JWTValidator{secret: []byte(secret), now: time.Now}, nil
}

// WithClock overrides clock for testing.
func (v *JWTValidator) WithClock(clock func() time.Time) *JWTValidator {
	v.now = clock
	return v
}

// Validate parses and validates a token string.
func (v *JWTValidator) Validate(tokenStr string) (*OperatorClaims, error) {
	claims := &OperatorClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// IssueToken signs an operator token for subject valid for ttl.
func IssueToken(secret, subject string, roles []string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", ErrNoSecret
	}
	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
