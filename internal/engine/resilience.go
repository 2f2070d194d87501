package engine

import (
	"context"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ListenResilient — универсальный цикл для "живучей" подписки на сигналы Redis.
// Обрабатывает переподключения с бэкоффом и возвращается только по отмене ctx.
func ListenResilient(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channels []string,
	onReconnect func(ctx context.Context) error, // синхронизация после каждой (пере)подписки
	onMessage func(channel, payload string),
) {
	for ctx.Err() == nil {
		pubsub, err := subscribe(ctx, rdb, logger, channels)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to subscribe, backing off", zap.Strings("chans", channels), zap.Error(err))
			sleepCtx(ctx, 5*time.Second)
			continue
		}

		// Пока нас не было, сигналы могли потеряться: перечитываем источники
		if onReconnect != nil {
			if err := onReconnect(ctx); err != nil {
				logger.Error("sync failed on reconnect", zap.Error(err))
			}
		}

		ch := pubsub.Channel()
	loop:
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				onMessage(msg.Channel, msg.Payload)
			}
		}

		_ = pubsub.Close()
		sleepCtx(ctx, time.Second)
	}
}

func subscribe(ctx context.Context, rdb *redis.Client, logger *zap.Logger, channels []string) (*redis.PubSub, error) {
	var pubsub *redis.PubSub
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(5),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			d := retry.BackOffDelay(n, err, config)
			if d > 5*time.Second {
				d = 5 * time.Second
			}
			return d
		}),
	)
	err := r.Do(func() error {
		ps := rdb.Subscribe(ctx, channels...)
		// Проверка успешности подписки
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			logger.Warn("subscribe attempt failed", zap.Error(err))
			return err
		}
		pubsub = ps
		return nil
	})
	return pubsub, err
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
