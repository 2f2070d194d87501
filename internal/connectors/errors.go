package connectors

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/avast/retry-go/v5"
)

// ThrottleError — апстрим попросил подождать (429/503 с Retry-After).
// Egress не ретраит, а служебные вызовы (handshake плагинов) ждут указанное время.
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// UpstreamStatusError — апстрим ответил 5xx. Считается отказом для предохранителя,
// но сам ответ сохраняется и отдается вызывающему.
type UpstreamStatusError struct {
	Response *Response
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned %d", e.Response.StatusCode)
}

// ErrResponseTooLarge — тело ответа больше допустимого
var ErrResponseTooLarge = errors.New("upstream response exceeds size limit")

// ParseRetryAfter понимает секунды и HTTP-дату. Ноль — заголовка нет.
func ParseRetryAfter(h http.Header, now time.Time) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if ts, err := http.ParseTime(v); err == nil && ts.After(now) {
		return ts.Sub(now)
	}
	return 0
}

// ThrottleAwareDelay — задержка для retry-go: Retry-After, если апстрим его прислал,
// иначе экспоненциальный бэкофф.
func ThrottleAwareDelay(n uint, err error, config retry.DelayContext) time.Duration {
	var tErr *ThrottleError
	if errors.As(err, &tErr) && tErr.RetryAfter > 0 {
		return tErr.RetryAfter
	}
	return retry.BackOffDelay(n, err, config)
}
