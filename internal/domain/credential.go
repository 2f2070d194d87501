package domain

import (
	"fmt"
	"time"
)

// CredentialScheme — схема аутентификации исходящих запросов
type CredentialScheme string

const (
	SchemeOAuth1 CredentialScheme = "oauth1"
	SchemeBearer CredentialScheme = "oauth2_bearer"
	SchemeAPIKey CredentialScheme = "api_key"
	SchemeNone   CredentialScheme = "none"
)

// Порядок предпочтения при выборе: OAuth1.0a не истекает, bearer истекает, API key последним.
var SchemePreference = []CredentialScheme{SchemeOAuth1, SchemeBearer, SchemeAPIKey}

// CredentialSet — именованный набор секретов для хостов по шаблону.
type CredentialSet struct {
	Name        string           `yaml:"name" json:"name"`
	Scheme      CredentialScheme `yaml:"scheme" json:"scheme"`
	HostPattern string           `yaml:"target_host_pattern" json:"target_host_pattern"`

	// OAuth1.0a quad
	ConsumerKey       string `yaml:"consumer_key" json:"-"`
	ConsumerSecret    string `yaml:"consumer_secret" json:"-"`
	AccessToken       string `yaml:"access_token" json:"-"`
	AccessTokenSecret string `yaml:"access_token_secret" json:"-"`

	// OAuth2 bearer
	Token     string    `yaml:"token" json:"-"`
	ExpiresAt time.Time `yaml:"expires_at" json:"expires_at,omitempty"`

	// Static API key
	APIKey     string `yaml:"api_key" json:"-"`
	Header     string `yaml:"header" json:"header,omitempty"`           // по умолчанию X-API-Key
	QueryParam string `yaml:"query_param" json:"query_param,omitempty"` // если задан, ключ идет в query
}

// WellFormed — в наборе есть весь материал, нужный его схеме.
func (c CredentialSet) WellFormed() bool {
	switch c.Scheme {
	case SchemeOAuth1:
		return c.ConsumerKey != "" && c.ConsumerSecret != "" && c.AccessToken != "" && c.AccessTokenSecret != ""
	case SchemeBearer:
		return c.Token != ""
	case SchemeAPIKey:
		return c.APIKey != ""
	}
	return false
}

// Expired — bearer с известным и уже прошедшим сроком.
func (c CredentialSet) Expired(now time.Time) bool {
	return c.Scheme == SchemeBearer && !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// String никогда не печатает секреты.
func (c CredentialSet) String() string {
	return fmt.Sprintf("%s(%s for %s)", c.Name, c.Scheme, c.HostPattern)
}
