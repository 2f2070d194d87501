package credentials

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/xela07ax/waygate/internal/domain"
)

// Переменные окружения с материалом для X API
const (
	EnvConsumerKey       = "X_CONSUMER_KEY"
	EnvConsumerSecret    = "X_CONSUMER_SECRET"
	EnvAccessToken       = "X_ACCESS_TOKEN"
	EnvAccessTokenSecret = "X_ACCESS_TOKEN_SECRET"
	EnvOAuth2Token       = "X_OAUTH2_ACCESS_TOKEN"
	EnvBearerToken       = "X_BEARER_TOKEN"
	EnvOAuth2ExpiresAt   = "X_OAUTH2_EXPIRES_AT" // RFC3339, необязательно
)

// DefaultEnvHostPattern — куда применяются env-креды, если в конфиге не задано
const DefaultEnvHostPattern = "{api,upload}.{twitter,x}.com"

// FromEnv читает env-креды. Частично заданный OAuth1 quad попадает в список
// и будет пропущен при выборе как некорректный.
func FromEnv(lookup func(string) (string, bool), hostPattern string) []domain.CredentialSet {
	if hostPattern == "" {
		hostPattern = DefaultEnvHostPattern
	}
	get := func(k string) string {
		v, _ := lookup(k)
		return strings.TrimSpace(v)
	}

	var sets []domain.CredentialSet
	oauth1 := domain.CredentialSet{
		Name:              "env-oauth1",
		Scheme:            domain.SchemeOAuth1,
		HostPattern:       hostPattern,
		ConsumerKey:       get(EnvConsumerKey),
		ConsumerSecret:    get(EnvConsumerSecret),
		AccessToken:       get(EnvAccessToken),
		AccessTokenSecret: get(EnvAccessTokenSecret),
	}
	if oauth1.ConsumerKey != "" || oauth1.ConsumerSecret != "" || oauth1.AccessToken != "" || oauth1.AccessTokenSecret != "" {
		sets = append(sets, oauth1)
	}

	token := get(EnvOAuth2Token)
	if token == "" {
		token = get(EnvBearerToken)
	}
	if token != "" {
		bearer := domain.CredentialSet{
			Name:        "env-oauth2",
			Scheme:      domain.SchemeBearer,
			HostPattern: hostPattern,
			Token:       token,
		}
		if ts, err := time.Parse(time.RFC3339, get(EnvOAuth2ExpiresAt)); err == nil {
			bearer.ExpiresAt = ts
		}
		sets = append(sets, bearer)
	}
	return sets
}

// EnvLoader — Loader поверх окружения процесса.
func EnvLoader(hostPattern string) Loader {
	return func(context.Context) ([]domain.CredentialSet, error) {
		return FromEnv(os.LookupEnv, hostPattern), nil
	}
}
