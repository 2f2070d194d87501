package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go/v5"

	"github.com/xela07ax/waygate/internal/connectors"
	"github.com/xela07ax/waygate/internal/domain"
)

// Forwarder — Egress Policy Engine. Трафик http-плагинов проходит правила,
// лимиты, инъекцию кредов и аудит наравне с обычным egress.
type Forwarder interface {
	Forward(ctx context.Context, req domain.EgressRequest) (domain.EgressResponse, error)
}

type httpPlugin struct {
	name      string
	endpoint  string
	timeout   int
	forwarder Forwarder
}

func newHTTPPlugin(m *Manifest, f Forwarder) *httpPlugin {
	return &httpPlugin{name: m.Name, endpoint: m.Endpoint, timeout: m.Timeout, forwarder: f}
}

func (p *httpPlugin) Handle(ctx context.Context, action string, params map[string]any) (any, error) {
	resp, err := p.call(ctx, action, params)
	if err != nil {
		return nil, err
	}
	raw, err := resp.RawBody()
	if err != nil {
		return nil, fmt.Errorf("plugin %s: decode response body: %w", p.name, err)
	}
	return decodeWire(raw)
}

func (p *httpPlugin) call(ctx context.Context, action string, params map[string]any) (domain.EgressResponse, error) {
	body, err := json.Marshal(wireRequest{Action: action, Params: params})
	if err != nil {
		return domain.EgressResponse{}, fmt.Errorf("encode plugin request: %w", err)
	}
	resp, err := p.forwarder.Forward(ctx, domain.EgressRequest{
		Method:  http.MethodPost,
		URL:     p.endpoint,
		Header:  map[string][]string{"Content-Type": {"application/json"}},
		Body:    string(body),
		Timeout: p.timeout,
	})
	if err != nil {
		if resp.Decision == domain.EgressRateLimited {
			return resp, &connectors.ThrottleError{Cause: err}
		}
		return resp, err
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		return resp, &connectors.ThrottleError{
			RetryAfter: connectors.ParseRetryAfter(http.Header(resp.Header), time.Now()),
			Cause:      fmt.Errorf("plugin %s returned %d", p.name, resp.StatusCode),
		}
	}
	if resp.StatusCode >= 400 {
		return resp, fmt.Errorf("plugin %s returned %d", p.name, resp.StatusCode)
	}
	return resp, nil
}

// handshake проверяет доступность плагина при загрузке. Здесь повторы допустимы:
// это служебный вызов, а не egress клиента.
func (p *httpPlugin) handshake(ctx context.Context) error {
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(3),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			d := connectors.ThrottleAwareDelay(n, err, config)
			if d > 5*time.Second {
				d = 5 * time.Second
			}
			return d
		}),
	)
	if err := r.Do(func() error {
		_, err := p.call(ctx, ActionDescribe, map[string]any{})
		return err
	}); err != nil {
		return fmt.Errorf("plugin %s handshake: %w", p.name, err)
	}
	return nil
}
