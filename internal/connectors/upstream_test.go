package connectors

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpstreamDoReturnsResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Proxy-Authorization"))
		assert.Empty(t, r.Header.Get("X-Drop"))
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	u := NewUpstream(Config{}, nil)
	req, _ := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader("x"))
	req.Header.Set("Proxy-Authorization", "secret")
	req.Header.Set("Connection", "X-Drop")
	req.Header.Set("X-Drop", "1")

	resp, err := u.Do(context.Background(), "test", req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "yes", resp.Header.Get("X-Upstream"))
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
}

func TestUpstreamDoesNotFollowRedirects(t *testing.T) {
	var hits atomic.Int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer target.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusFound)
	}))
	defer srv.Close()

	u := NewUpstream(Config{}, nil)
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := u.Do(context.Background(), "test", req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Zero(t, hits.Load())
}

func TestUpstreamResponseLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("a", 64)))
	}))
	defer srv.Close()

	u := NewUpstream(Config{MaxResponseBytes: 16}, nil)
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	_, err := u.Do(context.Background(), "test", req)
	assert.ErrorIs(t, err, ErrResponseTooLarge)
}

func TestUpstreamBreakerOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	var transitions atomic.Int32
	u := NewUpstream(Config{
		BreakerFailures: 3,
		BreakerTimeout:  time.Minute,
		OnBreakerState: func(name string, from, to gobreaker.State) {
			transitions.Add(1)
		},
	}, nil)

	for i := 0; i < 3; i++ {
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		resp, err := u.Do(context.Background(), "flaky", req)
		require.NoError(t, err, "5xx is passed through to the caller")
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	}
	assert.Equal(t, gobreaker.StateOpen, u.BreakerState("flaky"))
	assert.Equal(t, int32(1), transitions.Load())

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	_, err := u.Do(context.Background(), "flaky", req)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(3), hits.Load(), "open breaker must not reach upstream")

	// другие правила не затронуты
	assert.Equal(t, gobreaker.StateClosed, u.BreakerState("other"))
}

func TestUpstreamHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	u := NewUpstream(Config{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	_, err := u.Do(ctx, "slow", req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := http.Header{}
	assert.Zero(t, ParseRetryAfter(h, now))
	h.Set("Retry-After", "7")
	assert.Equal(t, 7*time.Second, ParseRetryAfter(h, now))
	h.Set("Retry-After", now.Add(time.Minute).Format(http.TimeFormat))
	assert.Equal(t, time.Minute, ParseRetryAfter(h, now))
}

func TestThrottleAwareDelay(t *testing.T) {
	err := &ThrottleError{RetryAfter: 3 * time.Second, Cause: errors.New("429")}
	var cfg retry.DelayContext
	assert.Equal(t, 3*time.Second, ThrottleAwareDelay(1, err, cfg))
	assert.Contains(t, err.Error(), "retry after 3s")
}
