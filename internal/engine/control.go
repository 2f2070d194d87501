package engine

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/waygate/internal/infra"
)

// ControlOps — операции, которые можно дернуть сигналом
type ControlOps interface {
	ReloadRules(ctx context.Context) error
	ReloadPlugins(ctx context.Context) (loaded, failed int, err error)
	RotateCredentials(ctx context.Context) error
}

// ControlPlane переводит сигналы Redis Pub/Sub в перезагрузки шлюза.
// Несколько инстансов шлюза получают один и тот же сигнал.
type ControlPlane struct {
	rdb    *redis.Client
	ops    ControlOps
	logger *zap.Logger
}

func NewControlPlane(rdb *redis.Client, ops ControlOps, logger *zap.Logger) *ControlPlane {
	return &ControlPlane{rdb: rdb, ops: ops, logger: logger.Named("control")}
}

// Run блокируется до отмены ctx
func (c *ControlPlane) Run(ctx context.Context) {
	c.logger.Info("control plane listener started", zap.Strings("chans", infra.ControlChannels))
	ListenResilient(ctx, c.rdb, c.logger, infra.ControlChannels, nil, func(channel, _ string) {
		c.Handle(ctx, channel)
	})
	c.logger.Info("control plane listener stopped")
}

// Handle исполняет один сигнал. Ошибка перезагрузки не роняет слушателя:
// прежнее состояние остается в силе.
func (c *ControlPlane) Handle(ctx context.Context, channel string) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	log := c.logger.With(zap.String("chan", channel))
	switch channel {
	case infra.RedisChanRulesReload:
		if err := c.ops.ReloadRules(ctx); err != nil {
			log.Error("rules reload rejected", zap.Error(err))
			return
		}
		log.Info("egress rules reloaded by signal")
	case infra.RedisChanPluginsReload:
		loaded, failed, err := c.ops.ReloadPlugins(ctx)
		if err != nil {
			log.Error("plugin reload failed", zap.Error(err))
			return
		}
		log.Info("plugins reloaded by signal", zap.Int("loaded", loaded), zap.Int("failed", failed))
	case infra.RedisChanCredentialsRotate:
		if err := c.ops.RotateCredentials(ctx); err != nil {
			log.Error("credential rotation rejected", zap.Error(err))
			return
		}
		log.Info("credentials rotated by signal")
	default:
		log.Warn("unknown control signal")
	}
}

// Signal публикует сигнал для всех инстансов (CLI `waygate signal`)
func Signal(ctx context.Context, rdb *redis.Client, channel string) (int64, error) {
	return rdb.Publish(ctx, channel, time.Now().UTC().Format(time.RFC3339)).Result()
}
