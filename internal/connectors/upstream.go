package connectors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// DefaultMaxResponseBytes — потолок тела ответа апстрима
const DefaultMaxResponseBytes = 10 << 20

// Response — полностью вычитанный ответ апстрима
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

type Config struct {
	MaxResponseBytes int64
	// Предохранитель: сколько отказов подряд открывают цепь и через сколько пробовать снова
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	// OnBreakerState вызывается при смене состояния (метрики)
	OnBreakerState func(name string, from, to gobreaker.State)
}

// Upstream выполняет исходящие HTTP-вызовы. На каждое правило egress свой
// предохранитель: отказавший апстрим не тормозит остальные.
// Редиректы не выполняются: следующий хоп прошел бы мимо проверки домена.
type Upstream struct {
	client *http.Client
	cfg    Config

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewUpstream(cfg Config, transport http.RoundTripper) *Upstream {
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	if transport == nil {
		transport = &http.Transport{
			Proxy: nil,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
	}
	return &Upstream{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (u *Upstream) breaker(name string) *gobreaker.CircuitBreaker {
	u.mu.Lock()
	defer u.mu.Unlock()
	if cb, ok := u.breakers[name]; ok {
		return cb
	}
	failures := u.cfg.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     u.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: u.cfg.OnBreakerState,
	})
	u.breakers[name] = cb
	return cb
}

// BreakerState — состояние предохранителя правила (closed, если вызовов еще не было)
func (u *Upstream) BreakerState(name string) gobreaker.State {
	u.mu.Lock()
	cb, ok := u.breakers[name]
	u.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

// Do выполняет запрос через предохранитель breakerName.
// 5xx возвращается вместе с ответом: для цепи это отказ, для вызывающего — обычный ответ.
// Открытая цепь дает gobreaker.ErrOpenState без сетевого вызова.
func (u *Upstream) Do(ctx context.Context, breakerName string, req *http.Request) (*Response, error) {
	out, err := u.breaker(breakerName).Execute(func() (interface{}, error) {
		return u.roundTrip(req.WithContext(ctx))
	})

	var statusErr *UpstreamStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Response, nil
	}
	if err != nil {
		return nil, err
	}
	return out.(*Response), nil
}

func (u *Upstream) roundTrip(req *http.Request) (*Response, error) {
	StripHopByHop(req.Header)

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, u.cfg.MaxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	if int64(len(body)) > u.cfg.MaxResponseBytes {
		return nil, ErrResponseTooLarge
	}

	header := resp.Header.Clone()
	StripHopByHop(header)
	out := &Response{StatusCode: resp.StatusCode, Header: header, Body: body}
	if resp.StatusCode >= 500 {
		return nil, &UpstreamStatusError{Response: out}
	}
	return out, nil
}

var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// StripHopByHop удаляет hop-by-hop заголовки и перечисленные в Connection.
func StripHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for name := range h {
		if hopByHopHeaders[strings.ToLower(name)] {
			delete(h, name)
		}
	}
}
