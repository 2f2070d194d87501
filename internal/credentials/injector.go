package credentials

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/xela07ax/waygate/internal/domain"
)

// Matcher — подмножество Store, нужное инжектору
type Matcher interface {
	Match(host string) []domain.CredentialSet
}

// Injector подписывает исходящий запрос лучшим доступным набором.
type Injector struct {
	store Matcher
	now   func() time.Time
	nonce func() string
}

type InjectorOption func(*Injector)

func WithInjectorClock(now func() time.Time) InjectorOption {
	return func(i *Injector) { i.now = now }
}

func WithNonce(nonce func() string) InjectorOption {
	return func(i *Injector) { i.nonce = nonce }
}

func NewInjector(store Matcher, opts ...InjectorOption) *Injector {
	i := &Injector{store: store, now: time.Now, nonce: randomNonce}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Select выбирает набор по предпочтению OAuth1 > bearer > API key.
// Некорректные наборы и bearer с истекшим сроком пропускаются.
func Select(sets []domain.CredentialSet, now time.Time) (domain.CredentialSet, bool) {
	for _, scheme := range domain.SchemePreference {
		for _, s := range sets {
			if s.Scheme == scheme && s.WellFormed() && !s.Expired(now) {
				return s, true
			}
		}
	}
	return domain.CredentialSet{}, false
}

// Inject добавляет аутентификацию к запросу и возвращает использованную схему.
// SchemeNone означает, что запрос уходит без кредов (NoCredentialAvailable).
func (i *Injector) Inject(req *http.Request, host string) (domain.CredentialScheme, error) {
	set, ok := Select(i.store.Match(host), i.now())
	if !ok {
		return domain.SchemeNone, nil
	}

	switch set.Scheme {
	case domain.SchemeOAuth1:
		header, err := SignOAuth1(req, set, i.nonce(), i.now().Unix())
		if err != nil {
			return domain.SchemeNone, fmt.Errorf("sign with %s: %w", set.Name, err)
		}
		req.Header.Set("Authorization", header)
	case domain.SchemeBearer:
		req.Header.Set("Authorization", "Bearer "+set.Token)
	case domain.SchemeAPIKey:
		if set.QueryParam != "" {
			q := req.URL.Query()
			q.Set(set.QueryParam, set.APIKey)
			req.URL.RawQuery = q.Encode()
		} else {
			header := set.Header
			if header == "" {
				header = "X-API-Key"
			}
			req.Header.Set(header, set.APIKey)
		}
	}
	return set.Scheme, nil
}

func randomNonce() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
