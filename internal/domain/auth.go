package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// Scopes API-клиента шлюза
const (
	ScopeExecute = "execute" // /v1/execute, gRPC Execute, stdio
	ScopeEgress  = "egress"  // /v1/egress
	ScopeAdmin   = "admin"   // reload, rotate, audit
)

// CustomClaims — claims токена клиента шлюза (HS256, WAYGATE_SECRET_KEY).
type CustomClaims struct {
	ClientID string          `json:"client_id"`
	Scopes   map[string]bool `json:"scopes"` // "execute": true, "admin": true
	jwt.RegisteredClaims
}

// HasScope — admin покрывает все остальные scopes.
func (c *CustomClaims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	return c.Scopes[scope] || c.Scopes[ScopeAdmin]
}

// TokenResponse — ответ `waygate token issue`
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}
