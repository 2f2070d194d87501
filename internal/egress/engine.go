package egress

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/xela07ax/waygate/internal/audit"
	"github.com/xela07ax/waygate/internal/connectors"
	"github.com/xela07ax/waygate/internal/domain"
)

// ReasonNoCredentialAvailable — запрос ушел без кредов (разрешено)
const ReasonNoCredentialAvailable = "NoCredentialAvailable"

const (
	DefaultTimeout         = 30 * time.Second
	MaxTimeout             = 300 * time.Second
	DefaultMaxRequestBytes = 10 << 20
)

// Rules — текущий снимок правил (policy.RuleStore)
type Rules interface {
	Rules() []domain.EgressRule
}

// DomainMatcher — сопоставление хоста правилу (policy.Validator)
type DomainMatcher interface {
	MatchDomain(rules []domain.EgressRule, host string) (domain.EgressRule, bool)
}

type Limiter interface {
	Allow(rule domain.EgressRule) bool
}

type Injector interface {
	Inject(req *http.Request, host string) (domain.CredentialScheme, error)
}

// Upstream — исходящий вызов через предохранитель правила (connectors.Upstream)
type Upstream interface {
	Do(ctx context.Context, breaker string, req *http.Request) (*connectors.Response, error)
}

// Observer получает каждый терминальный исход (метрики)
type Observer func(resp domain.EgressResponse, kind domain.ErrorKind)

type Config struct {
	DefaultTimeout  time.Duration
	MaxRequestBytes int
}

// Engine — Egress Policy Engine.
// Received -> RuleMatched | Denied(NoMatch) -> RateChecked -> RateLimited | Forwarding ->
// CredentialInjected -> UpstreamCalled -> Completed | Failed.
// Каждое терминальное состояние пишет ровно одну запись аудита.
type Engine struct {
	rules    Rules
	matcher  DomainMatcher
	limiter  Limiter
	injector Injector
	upstream Upstream
	auditor  audit.Auditor
	logger   *zap.Logger
	observer Observer
	cfg      Config
	now      func() time.Time
}

type Option func(*Engine)

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(rules Rules, matcher DomainMatcher, limiter Limiter, injector Injector,
	upstream Upstream, auditor audit.Auditor, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = DefaultMaxRequestBytes
	}
	e := &Engine{
		rules:    rules,
		matcher:  matcher,
		limiter:  limiter,
		injector: injector,
		upstream: upstream,
		auditor:  auditor,
		logger:   logger.With(zap.String("mod", "egress")),
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// outcome — все, что нужно для ответа и записи аудита
type outcome struct {
	resp     domain.EgressResponse
	err      *domain.Error
	rule     *domain.EgressRule
	method   string
	target   string // схема://хост/путь без query
	reqSize  int
	respSize int
	reason   string
}

// Forward проводит запрос через автомат состояний. Ответ всегда заполнен (Decision),
// ошибка не nil для denied, rate_limited и failed.
func (e *Engine) Forward(ctx context.Context, req domain.EgressRequest) (domain.EgressResponse, error) {
	start := e.now()
	o := &outcome{
		resp:    domain.EgressResponse{RequestID: uuid.NewString()},
		method:  strings.ToUpper(req.Method),
		target:  req.URL,
		reqSize: len(req.Body),
	}
	if o.method == "" {
		o.method = http.MethodGet
	}

	e.forward(ctx, req, o)

	o.resp.Duration = e.now().Sub(start)
	o.resp.DurationMs = o.resp.Duration.Milliseconds()
	if o.err != nil {
		o.resp.Error = o.err.Error()
	}
	e.record(ctx, o)

	if e.observer != nil {
		var kind domain.ErrorKind
		if o.err != nil {
			kind = o.err.Kind
		}
		e.observer(o.resp, kind)
	}
	if o.err != nil {
		return o.resp, o.err
	}
	return o.resp, nil
}

func (e *Engine) deny(o *outcome, decision domain.EgressDecision, err *domain.Error) {
	o.resp.Decision = decision
	o.err = err
}

func (e *Engine) forward(ctx context.Context, req domain.EgressRequest, o *outcome) {
	// Received
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		e.deny(o, domain.EgressDenied, domain.PolicyViolation("malformed url %q", req.URL))
		return
	}
	o.target = u.Scheme + "://" + u.Host + u.EscapedPath()
	host := u.Hostname()

	// RuleMatched | Denied(NoMatch)
	rule, ok := e.matcher.MatchDomain(e.rules.Rules(), host)
	if !ok {
		e.deny(o, domain.EgressDenied, domain.NewError(domain.KindNoMatchingRule, "no enabled rule matches %s", host))
		return
	}
	o.rule = &rule
	o.resp.Rule = rule.Name
	if !rule.Enabled {
		e.deny(o, domain.EgressDenied, domain.PolicyViolation("rule %s is disabled", rule.Name))
		return
	}
	if !rule.AllowsProtocol(u.Scheme) {
		e.deny(o, domain.EgressDenied, domain.PolicyViolation("protocol %q not allowed by rule %s", u.Scheme, rule.Name))
		return
	}
	if len(req.Body) > e.cfg.MaxRequestBytes {
		e.deny(o, domain.EgressDenied, domain.PolicyViolation("request body of %d bytes exceeds limit of %d", len(req.Body), e.cfg.MaxRequestBytes))
		return
	}

	// RateChecked -> RateLimited | Forwarding
	if !e.limiter.Allow(rule) {
		e.deny(o, domain.EgressRateLimited, domain.NewError(domain.KindRateLimited, "rule %s: rate limit exhausted", rule.Name))
		return
	}

	timeout := e.cfg.DefaultTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, o.method, u.String(), body)
	if err != nil {
		e.deny(o, domain.EgressDenied, domain.PolicyViolation("bad request: %v", err))
		return
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	// CredentialInjected
	scheme, err := e.injector.Inject(httpReq, host)
	if err != nil {
		e.deny(o, domain.EgressFailed, domain.WrapError(domain.KindHandlerFailure, err, "credential injection failed"))
		return
	}
	o.resp.Scheme = scheme
	if scheme == domain.SchemeNone {
		o.reason = ReasonNoCredentialAvailable
	}

	// UpstreamCalled -> Completed | Failed
	resp, err := e.upstream.Do(ctx, rule.Name, httpReq)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			e.deny(o, domain.EgressFailed, domain.NewError(domain.KindTimeout, "upstream did not answer within %s", timeout))
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			e.deny(o, domain.EgressFailed, domain.WrapError(domain.KindUpstreamFailure, err, "circuit breaker for rule "+rule.Name))
		default:
			e.deny(o, domain.EgressFailed, domain.WrapError(domain.KindUpstreamFailure, err, "upstream call failed"))
		}
		return
	}

	o.resp.StatusCode = resp.StatusCode
	o.resp.Header = resp.Header
	o.resp.SetBody(resp.Body)
	o.respSize = len(resp.Body)

	if resp.StatusCode == http.StatusUnauthorized && scheme == domain.SchemeBearer {
		// bearer истек: без автоматического повтора, креды обновляются вне шлюза
		e.deny(o, domain.EgressFailed, domain.NewError(domain.KindUpstreamAuthExpired, "upstream rejected bearer token for %s", host))
		return
	}
	o.resp.Decision = domain.EgressCompleted
}

func auditDecision(d domain.EgressDecision) audit.Decision {
	switch d {
	case domain.EgressCompleted:
		return audit.DecisionAllowed
	case domain.EgressDenied, domain.EgressRateLimited:
		return audit.DecisionDenied
	}
	return audit.DecisionError
}

// record пишет единственную запись. Детализация: без правила или при audit=false
// только минимум, при audit=true — метод, цель, размеры и схема кредов.
func (e *Engine) record(ctx context.Context, o *outcome) {
	subject := o.target
	if u, err := url.Parse(o.target); err == nil && u.Host != "" {
		subject = u.Hostname()
	}

	reason := o.reason
	if o.err != nil {
		reason = string(o.err.Kind)
	}

	detail := map[string]any{"decision": string(o.resp.Decision)}
	if o.rule != nil {
		detail["rule"] = o.rule.Name
	}
	if o.resp.StatusCode != 0 {
		detail["status_code"] = o.resp.StatusCode
	}
	if o.rule != nil && o.rule.Audit {
		detail["method"] = o.method
		detail["target"] = o.target
		detail["request_bytes"] = o.reqSize
		detail["response_bytes"] = o.respSize
		if o.resp.Scheme != "" {
			detail["credential_scheme"] = string(o.resp.Scheme)
		}
		if o.err != nil {
			detail["error"] = o.err.Error()
		}
	}

	e.auditor.Log(audit.Record{
		Kind:       audit.KindEgress,
		Subject:    subject,
		Decision:   auditDecision(o.resp.Decision),
		Reason:     reason,
		DurationMs: o.resp.DurationMs,
		TraceID:    domain.TraceIDFromContext(ctx),
		RequestID:  o.resp.RequestID,
		Detail:     detail,
	})

	if o.err != nil {
		e.logger.Info("egress request refused",
			zap.String("request_id", o.resp.RequestID),
			zap.String("subject", subject),
			zap.String("decision", string(o.resp.Decision)),
			zap.String("kind", string(o.err.Kind)),
			zap.Error(o.err))
	} else {
		e.logger.Debug("egress request completed",
			zap.String("request_id", o.resp.RequestID),
			zap.String("subject", subject),
			zap.String("rule", o.resp.Rule),
			zap.Int("status", o.resp.StatusCode))
	}
}
