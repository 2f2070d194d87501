package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/waygate/internal/audit"
	"github.com/xela07ax/waygate/internal/domain"
	"github.com/xela07ax/waygate/internal/engine"
	"github.com/xela07ax/waygate/internal/infra"
	"github.com/xela07ax/waygate/internal/infra/auth"
)

const testSecret = "http-test-secret"

type testEnv struct {
	srv  *GatewayServer
	g    *engine.Gateway
	root string
}

func newTestEnv(t *testing.T, withAuth bool) *testEnv {
	t.Helper()
	dir := t.TempDir()
	rules := filepath.Join(dir, "rules.json")
	require.NoError(t, os.WriteFile(rules, []byte(`{"rules":[{"name":"github","enabled":true,"domains":["api.github.com"],"rate_limit":{"requests_per_minute":60,"burst":5}}]}`), 0o644))

	cfg := &infra.Config{
		Security: infra.SecurityConfig{AllowedRoots: []string{dir}, MaxFileSize: 1 << 20, MaxOutput: 1 << 16},
		Egress:   infra.EgressConfig{RulesFile: rules, DefaultTimeout: 5 * time.Second, MaxRequestBytes: 1 << 20, MaxResponseBytes: 1 << 20, BreakerFailures: 5, BreakerTimeout: time.Second},
	}
	reg := prometheus.NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	g, err := engine.Build(ctx, cfg, zap.NewNop(), reg)
	require.NoError(t, err)
	g.Start(ctx)
	t.Cleanup(func() {
		cancel()
		_ = g.Close()
	})

	var a auth.Authenticator
	if withAuth {
		a = auth.NewValidator(testSecret, "")
	}
	return &testEnv{srv: NewGatewayServer(g, a, reg, zap.NewNop()), g: g, root: dir}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func token(t *testing.T, scopes ...string) string {
	t.Helper()
	tok, err := auth.IssueToken(testSecret, "test-agent", scopes, time.Hour, time.Now())
	require.NoError(t, err)
	return tok.AccessToken
}

func TestExecuteOverHTTP(t *testing.T) {
	env := newTestEnv(t, false)
	path := filepath.Join(env.root, "a.txt")

	rec := env.do(t, http.MethodPost, "/v1/execute", domain.CommandRequest{
		Action: "write_file", Params: map[string]any{"path": path, "content": "data"},
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(engine.TraceHeader))

	var resp domain.CommandResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, domain.StatusSuccess, resp.Status)

	// Отказ политики — тоже 200, исход в status
	rec = env.do(t, http.MethodPost, "/v1/execute", domain.CommandRequest{
		Action: "read_file", Params: map[string]any{"path": "../../etc/passwd"},
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, domain.StatusFailed, resp.Status)
	assert.Contains(t, resp.Error, string(domain.KindPolicyViolation))

	rec = env.do(t, http.MethodPost, "/v1/execute", map[string]any{"action": "read_file", "bogus": 1}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTraceHeaderPropagates(t *testing.T) {
	env := newTestEnv(t, false)
	req := httptest.NewRequest(http.MethodPost, "/v1/execute", strings.NewReader(`{"action":"nope"}`))
	req.Header.Set(engine.TraceHeader, "caller-trace")
	rec := httptest.NewRecorder()
	env.srv.ServeHTTP(rec, req)

	assert.Equal(t, "caller-trace", rec.Header().Get(engine.TraceHeader))
	recs := env.g.Journal.Records(audit.Filter{})
	require.Len(t, recs, 1)
	assert.Equal(t, "caller-trace", recs[0].TraceID)
}

func TestToolsCatalog(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodGet, "/v1/tools", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Tools []domain.ActionSpec `json:"tools"`
		Count int                 `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 5, body.Count)
}

func TestEgressDeniedOverHTTP(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodPost, "/v1/egress", domain.EgressRequest{Method: "GET", URL: "https://evil.example.com/"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp domain.EgressResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, domain.EgressDenied, resp.Decision)

	rec = env.do(t, http.MethodPost, "/v1/egress", domain.EgressRequest{Method: "GET"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthScopes(t *testing.T) {
	env := newTestEnv(t, true)

	rec := env.do(t, http.MethodGet, "/v1/tools", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/tools", nil, token(t, domain.ScopeExecute))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/plugins", nil, token(t, domain.ScopeExecute))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/plugins", nil, token(t, domain.ScopeAdmin))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Мониторинг открыт всегда
	rec = env.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusEndpoints(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodGet, "/ready", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/mcp/status", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st engine.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "running", st.State)
	assert.Contains(t, st.Commands, "execute_command")
	assert.Equal(t, 1, st.EgressRules)
}

func TestAdminReloadAndAuditExport(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodPost, "/v1/egress/rules/reload", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/plugins/reload", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	env.do(t, http.MethodPost, "/v1/execute", domain.CommandRequest{Action: "nope"}, "")
	env.do(t, http.MethodPost, "/v1/egress", domain.EgressRequest{URL: "https://evil.example.com/"}, "")

	rec = env.do(t, http.MethodGet, "/v1/audit?kind=command", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var logs struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logs))
	assert.Equal(t, 1, logs.Count)

	rec = env.do(t, http.MethodGet, "/v1/audit/export?format=cbor&compress=zstd", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zstd", rec.Header().Get("Content-Type"))
	records, err := audit.Import(rec.Body, audit.FormatCBOR, true)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.NoError(t, audit.VerifyChain(records))

	rec = env.do(t, http.MethodGet, "/v1/audit/export?format=xml", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodGet, "/v1/audit?limit=-1", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
