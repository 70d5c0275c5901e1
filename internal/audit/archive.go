package audit

/*
Файл archive.go реализует архив сырых поведенческих событий агентов.

Это не safety-path: журнал нарушений пишется синхронно в monitor, а сюда
асинхронно стекают ВСЕ события фида для последующего разбора инцидентов.

Ключевые свойства:
- Non-blocking: события уходят в буферизованный канал, задержки БД не
  тормозят обработку фида.
- Batching: накопление в памяти и пакетная запись по таймеру или при
  достижении лимита.
- Drain Pattern: при остановке канал закрывается, воркер вычитывает остаток
  и делает финальный flush — данные не теряются на перезапуске.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agent-warden/internal/domain"
)

// StorageInterface определяет, куда физически сохраняются события
type StorageInterface interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []domain.BehaviorEvent) error
}

type EventArchive struct {
	ch     chan domain.BehaviorEvent
	repo   StorageInterface
	logger *zap.Logger
	wg     sync.WaitGroup

	flushInterval time.Duration
	batchSize     int

	isClosed int32 // Атомарный флаг (0 - открыт, 1 - закрыт)
}

func NewEventArchive(repo StorageInterface, logger *zap.Logger, batchSize int, flushInterval time.Duration) *EventArchive {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 500 * time.Millisecond
	}
	return &EventArchive{
		ch:            make(chan domain.BehaviorEvent, 10000),
		repo:          repo,
		logger:        logger.With(zap.String("mod", "audit")),
		flushInterval: flushInterval,
		batchSize:     batchSize,
	}
}

func (a *EventArchive) Start() {
	a.wg.Add(1)
	go a.worker()
}

// Stop запирает вход в канал и ждет, пока воркер допишет остаток.
func (a *EventArchive) Stop() {
	atomic.StoreInt32(&a.isClosed, 1)

	// Крошечная пауза, чтобы текущие Log успели проскочить
	time.Sleep(10 * time.Millisecond)

	a.logger.Info("stopping event archive: closing channel and flushing buffer...")
	close(a.ch)
	a.wg.Wait()
	a.logger.Info("event archive stopped gracefully")
}

func (a *EventArchive) Log(ev domain.BehaviorEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	if atomic.LoadInt32(&a.isClosed) == 1 {
		a.logger.Warn("behavior event dropped: archive is stopping",
			zap.String("agent_id", ev.AgentID))
		return
	}

	// Load shedding: при переполнении буфера событие уходит в обычный лог,
	// фид не блокируем
	select {
	case a.ch <- ev:
	default:
		a.logger.Error("audit_buffer_overflow",
			zap.String("agent_id", ev.AgentID),
			zap.String("kind", string(ev.Kind)),
		)
	}
}

func (a *EventArchive) worker() {
	defer a.wg.Done()

	batch := make([]domain.BehaviorEvent, 0, a.batchSize)
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			// Background: основной контекст на shutdown уже может быть закрыт
			if err := a.repo.WriteBatch(context.Background(), batch); err != nil {
				a.logger.Error("event archive flush failed", zap.Error(err))
			}
			batch = batch[:0]
		}
	}

	for {
		select {
		case ev, ok := <-a.ch:
			if !ok {
				// Канал закрыт в Stop(): вычитали остаток, финальный flush, выходим
				flush()
				a.logger.Info("event archive worker finished")
				return
			}
			batch = append(batch, ev)
			if len(batch) >= a.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
