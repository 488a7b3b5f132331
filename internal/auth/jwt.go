// Package auth validates the JWT bearer tokens presented at connection
// time and maps their claims onto client metadata.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultLeeway tolerates small clock skew on exp/nbf/iat checks.
const DefaultLeeway = 30 * time.Second

// Claims are the bus-relevant fields of a validated token.
type Claims struct {
	Subject     string
	TenantID    string
	Role        string
	Permissions []string
	ExpiresAt   time.Time
}

// Metadata renders the claims as client registry metadata. Permissions
// are only present when the token carried them, so legacy tokens keep
// legacy authorization behavior.
func (c Claims) Metadata() map[string]interface{} {
	meta := map[string]interface{}{
		"authenticated": true,
		"subject":       c.Subject,
	}
	if c.TenantID != "" {
		meta["tenant_id"] = c.TenantID
	}
	if c.Role != "" {
		meta["role"] = c.Role
	}
	if c.Permissions != nil {
		meta["permissions"] = c.Permissions
	}
	return meta
}

// Validator checks HS256 tokens against a shared secret.
type Validator struct {
	secret []byte
	leeway time.Duration
	parser *jwt.Parser
}

// NewValidator creates a validator for the shared secret.
func NewValidator(secret string) *Validator {
	return &Validator{
		secret: []byte(secret),
		leeway: DefaultLeeway,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithLeeway(DefaultLeeway),
			jwt.WithExpirationRequired(),
		),
	}
}

// Validate parses and verifies a token string. Any signing method other
// than HS256 is rejected before signature verification.
func (v *Validator) Validate(tokenString string) (Claims, error) {
	token, err := v.parser.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("token validation failed: %w", err)
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Claims{}, fmt.Errorf("token validation failed: invalid claims")
	}

	claims := Claims{}
	if sub, err := mapClaims.GetSubject(); err == nil {
		claims.Subject = sub
	}
	if exp, err := mapClaims.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	if tenant, ok := mapClaims["tenant_id"].(string); ok {
		claims.TenantID = tenant
	}
	if role, ok := mapClaims["role"].(string); ok {
		claims.Role = role
	}
	if raw, present := mapClaims["permissions"]; present {
		claims.Permissions = []string{}
		if list, ok := raw.([]interface{}); ok {
			for _, item := range list {
				if s, ok := item.(string); ok {
					claims.Permissions = append(claims.Permissions, s)
				}
			}
		}
	}
	return claims, nil
}

// IssueToken mints an HS256 token. Used by tests and the local dev
// tooling; production tokens come from the tenant's identity provider.
func IssueToken(secret, subject, tenantID, role string, permissions []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if tenantID != "" {
		claims["tenant_id"] = tenantID
	}
	if role != "" {
		claims["role"] = role
	}
	if permissions != nil {
		claims["permissions"] = permissions
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
