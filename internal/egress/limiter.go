package egress

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/xela07ax/waygate/internal/domain"
)

// RateLimiter — token bucket на каждое правило.
// Емкость = burst, пополнение = requests_per_minute/60 токенов в секунду.
// Allow никогда не ждет: пустой bucket сразу дает false.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limits  map[string]domain.RateLimit
	now     func() time.Time
}

type LimiterOption func(*RateLimiter)

// WithLimiterClock подменяет часы (детерминированные тесты)
func WithLimiterClock(now func() time.Time) LimiterOption {
	return func(l *RateLimiter) { l.now = now }
}

func NewRateLimiter(opts ...LimiterOption) *RateLimiter {
	l := &RateLimiter{
		buckets: make(map[string]*rate.Limiter),
		limits:  make(map[string]domain.RateLimit),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func perSecond(rl domain.RateLimit) rate.Limit {
	return rate.Limit(float64(rl.RequestsPerMinute) / 60.0)
}

// Configure публикует лимиты правил. Уже созданные buckets сохраняют токены,
// меняются только скорость и емкость.
func (l *RateLimiter) Configure(rules []domain.EgressRule) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	limits := make(map[string]domain.RateLimit, len(rules))
	for _, r := range rules {
		limits[r.Name] = r.RateLimit
		if b, ok := l.buckets[r.Name]; ok {
			b.SetLimitAt(now, perSecond(r.RateLimit))
			b.SetBurstAt(now, r.RateLimit.Burst)
		}
	}
	l.limits = limits
}

// Allow атомарно забирает один токен по правилу. Bucket создается лениво при первом
// обращении из лимитов самого правила и живет до конца процесса, так что правило,
// опубликованное раньше Configure, не упирается в пустой лимитер.
func (l *RateLimiter) Allow(rule domain.EgressRule) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[rule.Name]
	if !ok {
		rl := rule.RateLimit
		if rl.Burst < 1 {
			return false
		}
		b = rate.NewLimiter(perSecond(rl), rl.Burst)
		l.buckets[rule.Name] = b
		l.limits[rule.Name] = rl
	}
	return b.AllowN(l.now(), 1)
}

// Tokens — сколько токенов доступно сейчас (для статуса). Несозданный bucket полон.
func (l *RateLimiter) Tokens(rule string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[rule]; ok {
		return b.TokensAt(l.now())
	}
	return float64(l.limits[rule].Burst)
}
