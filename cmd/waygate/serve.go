package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/xela07ax/waygate/internal/engine"
	"github.com/xela07ax/waygate/internal/infra"
	"github.com/xela07ax/waygate/internal/infra/auth"
	"github.com/xela07ax/waygate/internal/server"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

// authenticator — nil интерфейс, если аутентификация выключена
func authenticator(cfg infra.AuthConfig, logger *zap.Logger) auth.Authenticator {
	if !cfg.Enabled {
		logger.Warn("API authentication is disabled")
		return nil
	}
	return auth.NewValidator(cfg.SecretKey, cfg.APIKeyHash)
}

func serve(parent context.Context, cfg *infra.Config, logger *zap.Logger) error {
	// Контекст жизни фоновых горутин: SIGINT/SIGTERM отменяет его
	appCtx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// 2. Ядро шлюза
	g, err := engine.Build(appCtx, cfg, logger, reg)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}
	defer func() {
		if err := g.Close(); err != nil {
			logger.Error("gateway close", zap.Error(err))
		}
	}()
	g.Start(appCtx)

	a := authenticator(cfg.Auth, logger)

	// 3. Control plane: сигналы перезагрузки через Redis
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		go engine.NewControlPlane(rdb, g, logger).Run(appCtx)
	}

	// 4. HTTP
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server.NewGatewayServer(g, a, reg, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	errCh := make(chan error, 2)
	go func() {
		logger.Info("waygate HTTP server started", zap.String("addr", srv.Addr), zap.String("version", engine.Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http listen: %w", err)
		}
	}()

	// 5. gRPC (опционально)
	var grpcSrv *grpc.Server
	if cfg.GRPC.Port > 0 {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr())
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcSrv = grpc.NewServer(grpc.ChainUnaryInterceptor(
			engine.UnaryTraceInterceptor(),
			engine.UnaryAuthInterceptor(a, logger.Named("grpc")),
		))
		engine.RegisterGatewayServer(grpcSrv, engine.NewGRPCGatewayServer(g))
		hs := health.NewServer()
		hs.SetServingStatus(engine.GatewayServiceName, healthpb.HealthCheckResponse_SERVING)
		healthpb.RegisterHealthServer(grpcSrv, hs)

		go func() {
			logger.Info("waygate gRPC server started", zap.String("addr", lis.Addr().String()))
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc serve: %w", err)
			}
		}()
	}

	// 6. Graceful Shutdown
	select {
	case <-appCtx.Done():
		logger.Info("waygate stopping...")
	case err := <-errCh:
		stop()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	logger.Info("waygate exited properly")
	return nil
}

