package domain

import "github.com/golang-jwt/jwt/v5"

// Scopes локального API
const (
	ScopeAdmin     = "admin"
	ScopeSyncRead  = "sync.read"
	ScopeSyncWrite = "sync.write" // viewport, кандидаты, refresh, reset
)

type CustomClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"` // "admin": true или "sync.read": true
	jwt.RegisteredClaims
}

// HasScope - admin покрывает любой scope.
func (c *CustomClaims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	return c.Scopes[ScopeAdmin] || c.Scopes[scope]
}
