package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/waygate/internal/audit"
	"github.com/xela07ax/waygate/internal/domain"
	"github.com/xela07ax/waygate/internal/infra"
	"github.com/xela07ax/waygate/internal/repository/sqlite"
)

const testRules = `{
	// разрешаем только GitHub API
	"rules": [
		{"name": "github", "enabled": true, "domains": ["api.github.com"],
		 "rate_limit": {"requests_per_minute": 60, "burst": 5}},
	]
}`

func testConfig(t *testing.T) *infra.Config {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "work")
	plugins := filepath.Join(dir, "plugins")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.MkdirAll(plugins, 0o755))
	rules := filepath.Join(dir, "rules.json")
	require.NoError(t, os.WriteFile(rules, []byte(testRules), 0o644))

	return &infra.Config{
		Database: infra.DatabaseConfig{Driver: "sqlite", URL: filepath.Join(dir, "audit.db")},
		Security: infra.SecurityConfig{AllowedRoots: []string{root}, MaxFileSize: 1 << 20, MaxOutput: 1 << 16},
		Egress: infra.EgressConfig{
			RulesFile:        rules,
			DefaultTimeout:   5 * time.Second,
			MaxRequestBytes:  1 << 20,
			MaxResponseBytes: 1 << 20,
			BreakerFailures:  5,
			BreakerTimeout:   time.Second,
		},
		Plugins: infra.PluginsConfig{Dir: plugins},
		Audit:   infra.AuditConfig{BufferSize: 100, BatchSize: 10, FlushInterval: 10 * time.Millisecond},
	}
}

func buildGateway(t *testing.T, cfg *infra.Config) *Gateway {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	g, err := Build(ctx, cfg, zap.NewNop(), prometheus.NewRegistry())
	require.NoError(t, err)
	g.Start(ctx)
	t.Cleanup(func() {
		cancel()
		_ = g.Close()
	})
	return g
}

func TestBuildGateway(t *testing.T) {
	cfg := testConfig(t)
	g := buildGateway(t, cfg)

	select {
	case <-g.Ready():
	default:
		t.Fatal("gateway is not ready after Start")
	}

	st := g.Status()
	assert.Equal(t, "running", st.State)
	assert.Equal(t, ProtocolVersion, st.ProtocolVersion)
	assert.Equal(t, 1, st.EgressRules)
	assert.Zero(t, st.PluginsLoaded)
	assert.Contains(t, st.Commands, "read_file")
	assert.Contains(t, st.Commands, "execute_command")

	h := g.Health()
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "ok", h.Checks["audit_chain"])
}

func TestHealthVerifiesOnlyNewRecords(t *testing.T) {
	cfg := testConfig(t)
	g := buildGateway(t, cfg)
	ctx := context.Background()
	root := cfg.Security.AllowedRoots[0]

	for i := 0; i < 3; i++ {
		g.Router.Execute(ctx, domain.Command{Action: "list_directory", Params: map[string]any{"path": root}})
	}
	require.Equal(t, "healthy", g.Health().Status)
	first := g.Journal.Verified()
	assert.GreaterOrEqual(t, first, 3)
	assert.Equal(t, g.Journal.Len(), first)

	g.Router.Execute(ctx, domain.Command{Action: "list_directory", Params: map[string]any{"path": root}})
	require.Equal(t, "healthy", g.Health().Status)
	assert.Equal(t, first+1, g.Journal.Verified())
	assert.Equal(t, g.Journal.Len(), g.Journal.Verified())
}

func TestGatewayWriteThenReadThroughRouter(t *testing.T) {
	cfg := testConfig(t)
	g := buildGateway(t, cfg)
	ctx := context.Background()
	path := filepath.Join(cfg.Security.AllowedRoots[0], "hello.txt")

	res := g.Router.Execute(ctx, domain.Command{Action: "write_file", Params: map[string]any{"path": path, "content": "hi"}})
	require.Equal(t, domain.StatusSuccess, res.Status, res.Error)

	res = g.Router.Execute(ctx, domain.Command{Action: "read_file", Params: map[string]any{"path": path}})
	require.Equal(t, domain.StatusSuccess, res.Status, res.Error)
	assert.Equal(t, "hi", res.Result.(map[string]any)["content"])

	res = g.Router.Execute(ctx, domain.Command{Action: "read_file", Params: map[string]any{"path": "/etc/passwd"}})
	assert.Equal(t, domain.KindPolicyViolation, res.ErrorKind)

	assert.Len(t, g.Journal.Records(audit.Filter{Kind: audit.KindCommand}), 3)
	assert.NoError(t, g.Journal.Verify())
}

func TestGatewayEgressDeniedWithoutRule(t *testing.T) {
	g := buildGateway(t, testConfig(t))

	resp, err := g.Egress.Forward(context.Background(), domain.EgressRequest{Method: "GET", URL: "https://evil.example.com/x"})
	require.Error(t, err)
	assert.Equal(t, domain.EgressDenied, resp.Decision)
	assert.ErrorIs(t, err, domain.ErrNoMatchingRule)

	recs := g.Journal.Records(audit.Filter{Kind: audit.KindEgress})
	require.Len(t, recs, 1)
	assert.Equal(t, audit.DecisionDenied, recs[0].Decision)
}

func TestGatewayReloadRulesKeepsPreviousOnError(t *testing.T) {
	cfg := testConfig(t)
	g := buildGateway(t, cfg)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(cfg.Egress.RulesFile, []byte(`{"rules": [{"name": ""}]}`), 0o644))
	assert.Error(t, g.ReloadRules(ctx))
	require.Len(t, g.Rules.Rules(), 1)
	assert.Equal(t, "github", g.Rules.Rules()[0].Name)

	updated := `{"rules": [
		{"name": "github", "enabled": true, "domains": ["api.github.com"], "rate_limit": {"requests_per_minute": 60, "burst": 5}},
		{"name": "x", "enabled": true, "domains": ["*.x.com"], "rate_limit": {"requests_per_minute": 30, "burst": 2}}
	]}`
	require.NoError(t, os.WriteFile(cfg.Egress.RulesFile, []byte(updated), 0o644))
	require.NoError(t, g.ReloadRules(ctx))
	assert.Len(t, g.Rules.Rules(), 2)
	assert.Equal(t, float64(2), g.Limiter.Tokens("x"))
}

func TestBuildRejectsBrokenRuleFile(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.Egress.RulesFile, []byte(`{"rules": [`), 0o644))

	_, err := Build(context.Background(), cfg, zap.NewNop(), prometheus.NewRegistry())
	assert.ErrorContains(t, err, "load egress rules")

	// sqlite-sink уже был открыт: после закрытия последней коннекции WAL-файл удаляется
	_, statErr := os.Stat(cfg.Database.URL + "-wal")
	assert.True(t, os.IsNotExist(statErr), "audit database left open after failed build")
}

func TestBuildFailureClosesStores(t *testing.T) {
	cfg := testConfig(t)
	cfg.Security.CommandPolicy = filepath.Join(t.TempDir(), "missing.rego")
	wal := cfg.Database.URL + "-wal"

	_, err := Build(context.Background(), cfg, zap.NewNop(), prometheus.NewRegistry())
	require.ErrorContains(t, err, "read command policy")
	_, statErr := os.Stat(wal)
	assert.True(t, os.IsNotExist(statErr), "audit database left open after failed build")

	// открытая база держит WAL-файл, закрытая его убирает
	repo, err := sqlite.NewAuditRepo(cfg.Database.URL)
	require.NoError(t, err)
	_, statErr = os.Stat(wal)
	require.NoError(t, statErr)
	require.NoError(t, repo.Close())
	_, statErr = os.Stat(wal)
	assert.True(t, os.IsNotExist(statErr))
}

func TestGatewayReloadPlugins(t *testing.T) {
	cfg := testConfig(t)
	g := buildGateway(t, cfg)

	manifest := "name: broken\nkind: exec\n" // без command — ошибка загрузки
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Plugins.Dir, "broken.plugin.yaml"), []byte(manifest), 0o644))

	loaded, failed, err := g.ReloadPlugins(context.Background())
	require.NoError(t, err)
	assert.Zero(t, loaded)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, g.Status().PluginsFailed)

	// Встроенные инструменты переживают неудачную загрузку плагинов
	_, _, err = g.Registry.Resolve("read_file")
	assert.NoError(t, err)
}
