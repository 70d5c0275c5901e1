package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/xela07ax/agent-warden/internal/domain"
)

// ReliabilityWrapper оборачивает рантайм в Retry + Circuit Breaker + Rate Limiter.
// Stop и Freeze — safety-операции: ретраим настойчиво и НЕ пускаем через
// breaker, отказ дороже лишнего вызова (Stop идемпотентен по контракту).
type ReliabilityWrapper struct {
	next    Runtime
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func NewReliabilityWrapper(next Runtime) *ReliabilityWrapper {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sandbox-runtime",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second, // Время, через которое CB попробует закрыться
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	return &ReliabilityWrapper{
		next:    next,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(50), 100), // Бережем API рантайма
	}
}

func (w *ReliabilityWrapper) Start(ctx context.Context, handle string, task domain.Task) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("sandbox: rate limit: %w", err)
	}
	_, err := w.cb.Execute(func() (interface{}, error) {
		return nil, w.next.Start(ctx, handle, task)
	})
	return err
}

func (w *ReliabilityWrapper) Stop(ctx context.Context, handle string) error {
	return retry.New(
		retry.Attempts(5),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
	).Do(func() error {
		return w.next.Stop(ctx, handle)
	})
}

func (w *ReliabilityWrapper) Freeze(ctx context.Context, handle string) error {
	return retry.New(
		retry.Attempts(5),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
	).Do(func() error {
		return w.next.Freeze(ctx, handle)
	})
}

func (w *ReliabilityWrapper) Health(ctx context.Context) error {
	return w.next.Health(ctx)
}
