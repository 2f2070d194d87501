package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/xela07ax/waygate/internal/audit"
	"github.com/xela07ax/waygate/internal/connectors"
	"github.com/xela07ax/waygate/internal/credentials"
	"github.com/xela07ax/waygate/internal/domain"
	"github.com/xela07ax/waygate/internal/egress"
	"github.com/xela07ax/waygate/internal/infra"
	"github.com/xela07ax/waygate/internal/plugins"
	"github.com/xela07ax/waygate/internal/policy"
	"github.com/xela07ax/waygate/internal/repository/postgres"
	"github.com/xela07ax/waygate/internal/repository/sqlite"
	"github.com/xela07ax/waygate/internal/tools"
)

// Version попадает в /health и /mcp/status
var Version = "dev"

// ProtocolVersion — версия JSON-протокола команд
const ProtocolVersion = "2024-11-05"

// Gateway — собранный шлюз: все компоненты и операции control plane над ними.
type Gateway struct {
	Router      *Router
	Egress      *egress.Engine
	Registry    *plugins.Registry
	Rules       *policy.RuleStore
	Limiter     *egress.RateLimiter
	Credentials *credentials.Store
	Journal     *audit.Journal
	Validator   *policy.Validator
	Metrics     *Metrics
	Upstream    *connectors.Upstream

	logger  *zap.Logger
	started time.Time
	closers []io.Closer
	once    sync.Once
	ready   chan struct{}
}

// Build собирает шлюз из конфигурации. Ошибки здесь — ошибки старта, они фатальны.
// При ошибке уже открытые хранилища закрываются.
func Build(ctx context.Context, cfg *infra.Config, logger *zap.Logger, reg prometheus.Registerer) (_ *Gateway, err error) {
	g := &Gateway{
		Metrics: NewMetrics(reg),
		logger:  logger.Named("gateway"),
		started: time.Now(),
		ready:   make(chan struct{}),
	}
	defer func() {
		if err != nil {
			if cerr := g.closeStores(); cerr != nil {
				g.logger.Warn("close stores after failed build", zap.Error(cerr))
			}
		}
	}()

	// 1. Аудит: память + необязательный sink
	sink, err := g.openSink(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	g.Journal = audit.NewJournal(sink, logger,
		audit.WithBuffer(cfg.Audit.BufferSize),
		audit.WithBatch(cfg.Audit.BatchSize, cfg.Audit.FlushInterval))

	// 2. Security Validator
	var policySrc string
	if cfg.Security.CommandPolicy != "" {
		data, err := os.ReadFile(cfg.Security.CommandPolicy)
		if err != nil {
			return nil, fmt.Errorf("read command policy: %w", err)
		}
		policySrc = string(data)
	}
	g.Validator, err = policy.NewValidator(ctx, policy.Config{
		AllowedRoots:  cfg.Security.AllowedRoots,
		MaxSize:       cfg.Security.MaxFileSize,
		CommandDeny:   cfg.Security.DeniedCommands,
		CommandPolicy: policySrc,
	})
	if err != nil {
		return nil, err
	}

	// 3. Правила egress. Битый файл на старте — фатально.
	var source policy.RuleSource = policy.StaticSource(nil)
	if cfg.Egress.RulesFile != "" {
		source = policy.FileSource(cfg.Egress.RulesFile)
	}
	g.Rules = policy.NewRuleStore(source, logger)
	if err := g.Rules.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("load egress rules: %w", err)
	}
	g.Limiter = egress.NewRateLimiter()
	g.Limiter.Configure(g.Rules.Rules())

	// 4. Креды
	g.Credentials = credentials.NewStore(credentials.Combine(
		credentials.EnvLoader(cfg.Credentials.EnvHosts),
		credentials.FileLoader(cfg.Credentials.File, cfg.Credentials.IdentityFile),
	), logger)
	if err := g.Credentials.Reload(ctx); err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	// 5. Egress Policy Engine
	g.Upstream = connectors.NewUpstream(connectors.Config{
		MaxResponseBytes: cfg.Egress.MaxResponseBytes,
		BreakerFailures:  cfg.Egress.BreakerFailures,
		BreakerTimeout:   cfg.Egress.BreakerTimeout,
		OnBreakerState:   g.Metrics.ObserveBreaker,
	}, nil)
	g.Egress = egress.NewEngine(g.Rules, g.Validator, g.Limiter, credentials.NewInjector(g.Credentials),
		g.Upstream, g.Journal, egress.Config{
			DefaultTimeout:  cfg.Egress.DefaultTimeout,
			MaxRequestBytes: cfg.Egress.MaxRequestBytes,
		}, logger, egress.WithObserver(g.Metrics.ObserveEgress))

	// 6. Реестр: встроенные инструменты + плагины. Нечитаемый каталог плагинов — фатально.
	var discoverer plugins.Discoverer
	if cfg.Plugins.Dir != "" {
		discoverer = plugins.NewManifestLoader(cfg.Plugins.Dir, logger,
			plugins.WithForwarder(g.Egress),
			plugins.WithPluginOutput(cfg.Security.MaxOutput))
	}
	g.Registry = plugins.NewRegistry(discoverer, logger)
	builtin := tools.New(tools.OSFS{}, g.Validator, logger, tools.WithMaxOutput(cfg.Security.MaxOutput))
	if err := g.Registry.Register(builtin.Descriptor(), builtin); err != nil {
		return nil, err
	}
	if _, _, err := g.Registry.Reload(ctx); err != nil {
		return nil, fmt.Errorf("load plugins: %w", err)
	}

	// 7. Command Router
	g.Router = NewRouter(g.Registry, g.Validator, g.Journal, g.Metrics, logger)
	return g, nil
}

func (g *Gateway) openSink(ctx context.Context, db infra.DatabaseConfig) (audit.Sink, error) {
	switch db.Driver {
	case "postgres":
		repo, err := postgres.NewAuditRepo(db.URL, int(db.MaxConns))
		if err != nil {
			return nil, err
		}
		if err := repo.EnsureSchema(ctx); err != nil {
			_ = repo.Close()
			return nil, err
		}
		g.closers = append(g.closers, repo)
		return repo, nil
	case "sqlite":
		repo, err := sqlite.NewAuditRepo(db.URL)
		if err != nil {
			return nil, err
		}
		g.closers = append(g.closers, repo)
		return repo, nil
	}
	return nil, nil
}

// Start запускает sink аудита и обновление метрики буфера.
func (g *Gateway) Start(ctx context.Context) {
	g.Journal.Start()
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.Metrics.AuditBufferFill.Set(float64(g.Journal.Pending()))
			}
		}
	}()
	close(g.ready)
}

// Ready — закрыт после Start
func (g *Gateway) Ready() <-chan struct{} { return g.ready }

// Close дописывает аудит и закрывает хранилища.
func (g *Gateway) Close() error {
	var err error
	g.once.Do(func() {
		g.Journal.Stop()
		err = g.closeStores()
	})
	return err
}

func (g *Gateway) closeStores() error {
	var errs []error
	for _, c := range g.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	g.closers = nil
	return errors.Join(errs...)
}

// ReloadRules перечитывает файл правил. Битый файл отклоняется, старые правила остаются;
// buckets уцелевших правил сохраняют токены.
func (g *Gateway) ReloadRules(ctx context.Context) error {
	if err := g.Rules.Refresh(ctx); err != nil {
		return err
	}
	g.Limiter.Configure(g.Rules.Rules())
	return nil
}

func (g *Gateway) ReloadPlugins(ctx context.Context) (loaded, failed int, err error) {
	return g.Registry.Reload(ctx)
}

// RotateCredentials перечитывает ENV и файл кредов и атомарно подменяет наборы.
func (g *Gateway) RotateCredentials(ctx context.Context) error {
	return g.Credentials.Reload(ctx)
}

// Status — ответ /mcp/status
type Status struct {
	State           string   `json:"state"`
	Version         string   `json:"version"`
	ProtocolVersion string   `json:"protocol_version"`
	PluginsLoaded   int      `json:"plugins_loaded"`
	PluginsFailed   int      `json:"plugins_failed"`
	Commands        []string `json:"available_commands"`
	EgressRules     int      `json:"egress_rules"`
	CredentialSets  int      `json:"credential_sets"`
	UptimeSeconds   int64    `json:"uptime_seconds"`
}

func (g *Gateway) Status() Status {
	st := Status{
		State:           "running",
		Version:         Version,
		ProtocolVersion: ProtocolVersion,
		EgressRules:     len(g.Rules.Rules()),
		CredentialSets:  len(g.Credentials.Sets()),
		UptimeSeconds:   int64(time.Since(g.started).Seconds()),
		Commands:        []string{},
	}
	select {
	case <-g.ready:
	default:
		st.State = "starting"
	}
	for _, d := range g.Registry.Descriptors() {
		if d.Source != domain.SourcePlugin {
			continue
		}
		if d.Status == domain.HandlerError {
			st.PluginsFailed++
		} else {
			st.PluginsLoaded++
		}
	}
	for _, a := range g.Registry.Actions() {
		st.Commands = append(st.Commands, a.Name)
	}
	return st
}

// Health — ответ /health
type Health struct {
	Status        string            `json:"status"`
	Checks        map[string]string `json:"checks"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
}

func (g *Gateway) Health() Health {
	h := Health{
		Status:        "healthy",
		Version:       Version,
		UptimeSeconds: int64(time.Since(g.started).Seconds()),
		Checks: map[string]string{
			"registry":     "ok",
			"audit_chain":  "ok",
			"egress_rules": "ok",
		},
	}
	if len(g.Registry.Actions()) == 0 {
		h.Checks["registry"] = "no actions registered"
		h.Status = "degraded"
	}
	if err := g.Journal.Verify(); err != nil {
		h.Checks["audit_chain"] = err.Error()
		h.Status = "unhealthy"
	}
	if len(g.Rules.Rules()) == 0 {
		h.Checks["egress_rules"] = "no rules, all egress denied"
	}
	return h
}
