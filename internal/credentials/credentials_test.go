package credentials

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/waygate/internal/domain"
)

var twitterSet = domain.CredentialSet{
	Name:              "twitter",
	Scheme:            domain.SchemeOAuth1,
	HostPattern:       "api.twitter.com",
	ConsumerKey:       "xvz1evFS4wEEPTGEFPHBog",
	ConsumerSecret:    "kAcSOqF21Fu85e7zjz7ZN2U4ZRhfV3WpwPAoE3Z7kBw",
	AccessToken:       "370773112-GmHxMAgYyLbNEtIKZeRNFsMKPR9EyMZeS9weJAEb",
	AccessTokenSecret: "LswwdoUaIvS8ltyTt5jkRh4J50vUPVVHtR2YPi5kE",
}

func twitterRequest(t *testing.T) *http.Request {
	t.Helper()
	form := url.Values{"status": {"Hello Ladies + Gentlemen, a signed OAuth request!"}}
	req, err := http.NewRequest(http.MethodPost,
		"https://api.twitter.com/1.1/statuses/update.json?include_entities=true",
		strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestSignOAuth1KnownVector(t *testing.T) {
	req := twitterRequest(t)
	header, err := SignOAuth1(req, twitterSet, "kYjzVBB8Y0ZFabxSWbWovY3uYSQ2pTgmZeNu2VS4cg", 1318622958)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(header, "OAuth "))
	assert.Contains(t, header, `oauth_signature="hCtSmYh%2BiHYCEqBWrE7C7hYmtUk%3D"`)
	assert.Contains(t, header, `oauth_consumer_key="xvz1evFS4wEEPTGEFPHBog"`)
	assert.Contains(t, header, `oauth_signature_method="HMAC-SHA1"`)

	// тело после подписи по-прежнему доступно для отправки
	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "status=")
}

func TestPercentEncode(t *testing.T) {
	assert.Equal(t, "Ladies%20%2B%20Gentlemen", percentEncode("Ladies + Gentlemen"))
	assert.Equal(t, "a-b._~", percentEncode("a-b._~"))
	assert.Equal(t, "%E2%98%83", percentEncode("☃"))
}

func TestBaseURLDropsDefaultPort(t *testing.T) {
	u, _ := url.Parse("HTTPS://API.Example.com:443/v1/x?q=1")
	assert.Equal(t, "https://api.example.com/v1/x", baseURL(u))
	u, _ = url.Parse("http://example.com:8080")
	assert.Equal(t, "http://example.com:8080/", baseURL(u))
}

func TestSelectPreference(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bearer := domain.CredentialSet{Name: "b", Scheme: domain.SchemeBearer, Token: "t"}
	expired := domain.CredentialSet{Name: "e", Scheme: domain.SchemeBearer, Token: "old", ExpiresAt: now.Add(-time.Minute)}
	apiKey := domain.CredentialSet{Name: "k", Scheme: domain.SchemeAPIKey, APIKey: "key"}
	broken := domain.CredentialSet{Name: "o", Scheme: domain.SchemeOAuth1, ConsumerKey: "only"}

	s, ok := Select([]domain.CredentialSet{apiKey, bearer, twitterSet}, now)
	require.True(t, ok)
	assert.Equal(t, "twitter", s.Name)

	s, ok = Select([]domain.CredentialSet{apiKey, broken, bearer}, now)
	require.True(t, ok)
	assert.Equal(t, "b", s.Name)

	s, ok = Select([]domain.CredentialSet{expired, apiKey}, now)
	require.True(t, ok)
	assert.Equal(t, "k", s.Name)

	_, ok = Select([]domain.CredentialSet{expired, broken}, now)
	assert.False(t, ok)
}

func TestInjectorSchemes(t *testing.T) {
	store := NewStore(nil, zap.NewNop())
	require.NoError(t, store.Rotate([]domain.CredentialSet{
		twitterSet,
		{Name: "gh", Scheme: domain.SchemeBearer, HostPattern: "api.github.com", Token: "ghp"},
		{Name: "maps", Scheme: domain.SchemeAPIKey, HostPattern: "*.maps.example", APIKey: "k1", QueryParam: "key"},
		{Name: "weather", Scheme: domain.SchemeAPIKey, HostPattern: "weather.example", APIKey: "k2"},
	}))
	inj := NewInjector(store,
		WithNonce(func() string { return "n" }),
		WithInjectorClock(func() time.Time { return time.Unix(1318622958, 0) }))

	req := twitterRequest(t)
	scheme, err := inj.Inject(req, "api.twitter.com")
	require.NoError(t, err)
	assert.Equal(t, domain.SchemeOAuth1, scheme)
	assert.Contains(t, req.Header.Get("Authorization"), `oauth_timestamp="1318622958"`)

	req, _ = http.NewRequest(http.MethodGet, "https://api.github.com/user", nil)
	scheme, err = inj.Inject(req, "api.github.com")
	require.NoError(t, err)
	assert.Equal(t, domain.SchemeBearer, scheme)
	assert.Equal(t, "Bearer ghp", req.Header.Get("Authorization"))

	req, _ = http.NewRequest(http.MethodGet, "https://tiles.maps.example/v1?z=3", nil)
	scheme, err = inj.Inject(req, "tiles.maps.example")
	require.NoError(t, err)
	assert.Equal(t, domain.SchemeAPIKey, scheme)
	assert.Equal(t, "k1", req.URL.Query().Get("key"))
	assert.Equal(t, "3", req.URL.Query().Get("z"))

	req, _ = http.NewRequest(http.MethodGet, "https://weather.example/", nil)
	_, err = inj.Inject(req, "weather.example")
	require.NoError(t, err)
	assert.Equal(t, "k2", req.Header.Get("X-API-Key"))

	req, _ = http.NewRequest(http.MethodGet, "https://unknown.example/", nil)
	scheme, err = inj.Inject(req, "unknown.example")
	require.NoError(t, err)
	assert.Equal(t, domain.SchemeNone, scheme)
	assert.Empty(t, req.Header.Get("Authorization"))
}

func TestStoreRotateValidates(t *testing.T) {
	store := NewStore(nil, zap.NewNop())
	require.NoError(t, store.Rotate([]domain.CredentialSet{twitterSet}))

	err := store.Rotate([]domain.CredentialSet{{Name: "x", Scheme: "magic", HostPattern: "a.com"}})
	assert.Error(t, err)
	err = store.Rotate([]domain.CredentialSet{twitterSet, twitterSet})
	assert.Error(t, err)

	// при ошибке старые наборы остаются
	require.Len(t, store.Sets(), 1)
	assert.Len(t, store.Match("API.twitter.com"), 1)
	assert.Empty(t, store.Match("api.x.com"))
}

func TestFromEnv(t *testing.T) {
	env := map[string]string{
		EnvConsumerKey:       "ck",
		EnvConsumerSecret:    "cs",
		EnvAccessToken:       "at",
		EnvAccessTokenSecret: "ats",
		EnvBearerToken:       "bt",
		EnvOAuth2ExpiresAt:   "2030-01-01T00:00:00Z",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	sets := FromEnv(lookup, "")
	require.Len(t, sets, 2)
	assert.True(t, sets[0].WellFormed())
	assert.Equal(t, DefaultEnvHostPattern, sets[0].HostPattern)
	assert.Equal(t, "bt", sets[1].Token)
	assert.Equal(t, 2030, sets[1].ExpiresAt.Year())

	require.NoError(t, Validate(sets))

	assert.Empty(t, FromEnv(func(string) (string, bool) { return "", false }, ""))
}

const credentialYAML = `credentials:
  - name: github
    scheme: oauth2_bearer
    target_host_pattern: api.github.com
    token: ghp_secret
    expires_at: 2030-01-01T00:00:00Z
  - name: weather
    scheme: api_key
    target_host_pattern: "*.weather.example"
    api_key: abc
    header: X-Weather-Key
`

func TestLoadFilePlainAndEncrypted(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "creds.yaml")
	require.NoError(t, os.WriteFile(plain, []byte(credentialYAML), 0o600))

	sets, err := LoadFile(plain, "")
	require.NoError(t, err)
	require.Len(t, sets, 2)
	assert.Equal(t, "ghp_secret", sets[0].Token)
	assert.Equal(t, "X-Weather-Key", sets[1].Header)

	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	identityPath := filepath.Join(dir, "key.txt")
	require.NoError(t, os.WriteFile(identityPath, []byte(id.String()+"\n"), 0o600))

	sealed, err := Seal([]byte(credentialYAML), []string{id.Recipient().String()})
	require.NoError(t, err)
	encrypted := filepath.Join(dir, "creds.yaml.age")
	require.NoError(t, os.WriteFile(encrypted, sealed, 0o600))

	sets, err = FileLoader(encrypted, identityPath)(context.Background())
	require.NoError(t, err)
	require.Len(t, sets, 2)
	assert.Equal(t, "abc", sets[1].APIKey)

	_, err = LoadFile(encrypted, "")
	assert.Error(t, err)

	_, err = ParseFile([]byte("credentials:\n  - name: a\n    unknown: 1\n"))
	assert.Error(t, err)
}

func TestCombineLoaders(t *testing.T) {
	a := func(context.Context) ([]domain.CredentialSet, error) {
		return []domain.CredentialSet{twitterSet}, nil
	}
	b := func(context.Context) ([]domain.CredentialSet, error) {
		return []domain.CredentialSet{{Name: "k", Scheme: domain.SchemeAPIKey, HostPattern: "a.com", APIKey: "x"}}, nil
	}
	store := NewStore(Combine(a, b), zap.NewNop())
	require.NoError(t, store.Reload(context.Background()))
	assert.Len(t, store.Sets(), 2)
}
