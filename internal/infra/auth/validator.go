package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/waygate/internal/domain"
)

var ErrUnauthorized = errors.New("unauthorized")

// Validator проверяет HS256-токены (WAYGATE_SECRET_KEY) и статический API-ключ (bcrypt-хэш).
type Validator struct {
	secret     []byte
	apiKeyHash []byte
}

func NewValidator(secretKey, apiKeyHash string) *Validator {
	v := &Validator{}
	if secretKey != "" {
		v.secret = []byte(secretKey)
	}
	if apiKeyHash != "" {
		v.apiKeyHash = []byte(apiKeyHash)
	}
	return v
}

// VerifyToken принимает "Bearer <jwt>" или голый токен.
func (v *Validator) VerifyToken(tokenStr string) (*domain.CustomClaims, error) {
	if len(v.secret) == 0 {
		return nil, fmt.Errorf("%w: token auth is not configured", ErrUnauthorized)
	}
	tokenStr = strings.TrimSpace(strings.TrimPrefix(tokenStr, "Bearer "))

	token, err := jwt.ParseWithClaims(tokenStr, &domain.CustomClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token: %w", ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(*domain.CustomClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims", ErrUnauthorized)
	}
	return claims, nil
}

// VerifyAPIKey сравнивает ключ с bcrypt-хэшем. Ключ оператора получает все scopes.
func (v *Validator) VerifyAPIKey(key string) (*domain.CustomClaims, error) {
	if len(v.apiKeyHash) == 0 {
		return nil, fmt.Errorf("%w: api key auth is not configured", ErrUnauthorized)
	}
	if err := bcrypt.CompareHashAndPassword(v.apiKeyHash, []byte(key)); err != nil {
		return nil, fmt.Errorf("%w: invalid api key", ErrUnauthorized)
	}
	return &domain.CustomClaims{
		ClientID: "api-key",
		Scopes:   map[string]bool{domain.ScopeExecute: true, domain.ScopeEgress: true, domain.ScopeAdmin: true},
	}, nil
}

// Authenticate — токен имеет приоритет над ключом
func (v *Validator) Authenticate(authorization, apiKey string) (*domain.CustomClaims, error) {
	if authorization != "" {
		return v.VerifyToken(authorization)
	}
	if apiKey != "" {
		return v.VerifyAPIKey(apiKey)
	}
	return nil, fmt.Errorf("%w: missing credentials", ErrUnauthorized)
}

// IssueToken выпускает токен клиента (команда `waygate token issue`)
func IssueToken(secretKey, clientID string, scopes []string, ttl time.Duration, now time.Time) (domain.TokenResponse, error) {
	if secretKey == "" {
		return domain.TokenResponse{}, errors.New("secret key is empty")
	}
	if clientID == "" {
		return domain.TokenResponse{}, errors.New("client id is required")
	}
	set := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		switch s {
		case domain.ScopeExecute, domain.ScopeEgress, domain.ScopeAdmin:
			set[s] = true
		default:
			return domain.TokenResponse{}, fmt.Errorf("unknown scope %q", s)
		}
	}
	claims := domain.CustomClaims{
		ClientID: clientID,
		Scopes:   set,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   clientID,
			Issuer:    "waygate",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secretKey))
	if err != nil {
		return domain.TokenResponse{}, fmt.Errorf("sign token: %w", err)
	}
	return domain.TokenResponse{AccessToken: signed, TokenType: "Bearer", ExpiresIn: int64(ttl.Seconds())}, nil
}

// HashAPIKey — значение для auth.api_key_hash
func HashAPIKey(key string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(key), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
