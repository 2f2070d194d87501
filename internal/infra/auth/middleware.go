package auth

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/waygate/internal/domain"
)

// Authenticator — интерфейс, который реализует Validator (и подменяется в тестах)
type Authenticator interface {
	Authenticate(authorization, apiKey string) (*domain.CustomClaims, error)
}

type ctxKey struct{}

func WithClaims(ctx context.Context, c *domain.CustomClaims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

func ClaimsFromContext(ctx context.Context) *domain.CustomClaims {
	c, _ := ctx.Value(ctxKey{}).(*domain.CustomClaims)
	return c
}

// NewMiddleware требует валидный токен или ключ. nil Authenticator — аутентификация выключена.
func NewMiddleware(a Authenticator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if a == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := a.Authenticate(r.Header.Get("Authorization"), r.Header.Get("X-API-Key"))
			if err != nil {
				logger.Warn("auth failure", zap.String("path", r.URL.Path), zap.Error(err))
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// RequireScope пропускает только клиентов со scope. Без claims (auth выключен) — пропускает всех.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if claims := ClaimsFromContext(r.Context()); claims != nil && !claims.HasScope(scope) {
				writeError(w, http.StatusForbidden, "token does not grant scope "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
