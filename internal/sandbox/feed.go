package sandbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/agent-warden/internal/domain"
	"github.com/xela07ax/agent-warden/internal/infra"
)

// EventFeed — живучая подписка на фид поведения агентов из Redis.
// Рантайм публикует события JSON в канал; доставка at-least-once,
// дедупликацию обеспечивает детерминированная классификация монитора.
type EventFeed struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewEventFeed(rdb *redis.Client, logger *zap.Logger) *EventFeed {
	return &EventFeed{rdb: rdb, logger: logger.Named("event-feed")}
}

// Listen крутит подписку до отмены контекста, переподключаясь при сбоях.
func (f *EventFeed) Listen(ctx context.Context, handle func(context.Context, domain.BehaviorEvent)) {
	for {
		pubsub := f.rdb.Subscribe(ctx, infra.RedisChanBehaviorEvents)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			f.logger.Error("failed to subscribe to behavior feed", zap.Error(err))
			time.Sleep(5 * time.Second)
			continue
		}

		f.logger.Info("behavior event feed connected")
		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}

				var ev domain.BehaviorEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					f.logger.Error("invalid behavior event payload",
						zap.String("payload", msg.Payload), zap.Error(err))
					continue
				}
				handle(ctx, ev)
			}
		}

		pubsub.Close()
		time.Sleep(time.Second)
	}
}
