package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xela07ax/waygate/internal/domain"
	"github.com/xela07ax/waygate/internal/engine"
	"github.com/xela07ax/waygate/internal/handler"
	"github.com/xela07ax/waygate/internal/infra/auth"
)

type GatewayServer struct {
	router *chi.Mux
	logger *zap.Logger

	// nil — аутентификация выключена (локальная разработка)
	authenticator auth.Authenticator
	gatherer      prometheus.Gatherer

	// Обработчики
	commandHandler *handler.CommandHandler // /v1/execute, /v1/tools
	egressHandler  *handler.EgressHandler  // /v1/egress
	adminHandler   *handler.AdminHandler   // reload, rotate
	auditHandler   *handler.AuditHandler   // /v1/audit
	statusHandler  *handler.StatusHandler  // /health, /ready, /mcp/status
}

// NewGatewayServer собирает HTTP API поверх шлюза
func NewGatewayServer(g *engine.Gateway, a auth.Authenticator, gatherer prometheus.Gatherer, logger *zap.Logger) *GatewayServer {
	s := &GatewayServer{
		router:         chi.NewRouter(),
		logger:         logger.Named("http"),
		authenticator:  a,
		gatherer:       gatherer,
		commandHandler: handler.NewCommandHandler(g.Router, g.Registry),
		egressHandler:  handler.NewEgressHandler(g.Egress, g.Rules),
		adminHandler:   handler.NewAdminHandler(g, g.Registry),
		auditHandler:   handler.NewAuditHandler(g.Journal),
		statusHandler:  handler.NewStatusHandler(g),
	}
	s.routes()
	return s
}

func (s *GatewayServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RealIP)
	r.Use(engine.TracingMiddleware)
	r.Use(engine.AccessLog(s.logger))
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ (мониторинг) ---
	r.Group(func(r chi.Router) {
		r.Get("/health", s.statusHandler.Health)
		r.Get("/ready", s.statusHandler.Ready)
		r.Get("/mcp/status", s.statusHandler.MCPStatus)
		if s.gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		}
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authenticator, s.logger))

		r.With(auth.RequireScope(domain.ScopeExecute)).Post("/v1/execute", s.commandHandler.Execute)
		r.With(auth.RequireScope(domain.ScopeExecute)).Get("/v1/tools", s.commandHandler.Tools)
		r.With(auth.RequireScope(domain.ScopeEgress)).Post("/v1/egress", s.egressHandler.Forward)

		// Администрирование
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(domain.ScopeAdmin))

			r.Get("/v1/plugins", s.adminHandler.Plugins)
			r.Post("/v1/plugins/reload", s.adminHandler.ReloadPlugins)
			r.Get("/v1/egress/rules", s.egressHandler.Rules)
			r.Post("/v1/egress/rules/reload", s.adminHandler.ReloadRules)
			r.Post("/v1/credentials/rotate", s.adminHandler.RotateCredentials)
			r.Get("/v1/audit", s.auditHandler.GetLogs)
			r.Get("/v1/audit/export", s.auditHandler.Export)
		})
	})
}

// ServeHTTP позволяет использовать GatewayServer как стандартный http.Handler
func (s *GatewayServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
