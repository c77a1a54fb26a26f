package identity

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Admin roles.
const (
	RoleAdmin    = "admin"    // full control
	RoleOperator = "operator" // policy and agent management
	RoleAuditor  = "auditor"  // read-only audit access
)

// AdminClaims are the JWT claims carried by operator tokens.
type AdminClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// HasRole reports whether the token grants role, with admin implying all.
func (c *AdminClaims) HasRole(role string) bool {
	return slices.Contains(c.Roles, RoleAdmin) || slices.Contains(c.Roles, role)
}

// TokenManager issues and validates admin tokens against a KeySet.
type TokenManager struct {
	keySet KeySet
	issuer string
}

func NewTokenManager(ks KeySet) *TokenManager {
	return &TokenManager{keySet: ks, issuer: "tollgate/identity"}
}

// Issue mints a token for subject with the given roles.
func (tm *TokenManager) Issue(ctx context.Context, subject string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    tm.issuer,
		},
		Roles: roles,
	}
	return tm.keySet.Sign(ctx, claims)
}

// Validate parses and verifies a token string.
func (tm *TokenManager) Validate(tokenString string) (*AdminClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, tm.keySet.KeyFunc(),
		jwt.WithIssuer(tm.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("identity: token invalid: %w", err)
	}
	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}
