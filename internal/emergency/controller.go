// Package emergency — safety-автомат рана. Потребляет нарушения от монитора
// и команды оператора; умеет изолировать одного агента или погасить всех.
// Состояние монотонно: внутри рана откатов назад не бывает.
package emergency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/agent-warden/internal/domain"
	"github.com/xela07ax/agent-warden/internal/infra"
	"github.com/xela07ax/agent-warden/internal/metrics"
)

// ErrRunTerminated — ран уже в ShutdownAll, команды больше не принимаются.
var ErrRunTerminated = errors.New("emergency: run is terminated")

type State int

const (
	StateNormal State = iota
	StateWarning
	StateQuarantine
	StateShutdownAll
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateWarning:
		return "warning"
	case StateQuarantine:
		return "quarantine"
	case StateShutdownAll:
		return "shutdown-all"
	default:
		return "unknown"
	}
}

// AgentController — операции координатора, которые дергает эскалация.
// Записи контроллера в статус агента имеют приоритет над координатором.
type AgentController interface {
	QuarantineAgent(ctx context.Context, agentID string) error
	StopAll(ctx context.Context) error
}

// LockReleaser — принудительное снятие локов в обход проверки держателя.
type LockReleaser interface {
	ForceReleaseAgent(ctx context.Context, agentID string) ([]string, error)
	ReleaseAll(ctx context.Context) error
}

// quarantineSignal — полезная нагрузка трансляции карантина в Redis.
type quarantineSignal struct {
	AgentID string    `json:"agent_id"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}

type Controller struct {
	mu          sync.Mutex
	state       State
	quarantined map[string]bool
	// Время последнего нарушения по агенту — окно повторных нарушений
	lastByAgent map[string]time.Time
	causes      []domain.Violation

	window  time.Duration
	agents  AgentController
	locks   LockReleaser
	rdb     *redis.Client // опционален: nil при file-бэкенде без Redis
	logger  *zap.Logger
	metrics *metrics.Metrics

	// Подменяется в тестах
	now func() time.Time
}

func New(agents AgentController, locks LockReleaser, window time.Duration,
	rdb *redis.Client, logger *zap.Logger, m *metrics.Metrics) *Controller {

	if m == nil {
		m = metrics.New(nil)
	}
	return &Controller{
		state:       StateNormal,
		quarantined: make(map[string]bool),
		lastByAgent: make(map[string]time.Time),
		window:      window,
		agents:      agents,
		locks:       locks,
		rdb:         rdb,
		logger:      logger.Named("emergency"),
		metrics:     m,
		now:         time.Now,
	}
}

// WithClock подменяет источник времени (детерминированные тесты окна).
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// Init прогревает состояние из Redis: перезапущенный warden помнит карантин
// прошлого инстанса и сразу применяет его к реестру агентов.
func (c *Controller) Init(ctx context.Context) error {
	if c.rdb == nil {
		return nil
	}

	members, err := c.rdb.SMembers(ctx, infra.RedisKeyQuarantineAgents).Result()
	if err != nil {
		return fmt.Errorf("emergency: quarantine warmup: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, agentID := range members {
		c.quarantined[agentID] = true
		if err := c.agents.QuarantineAgent(ctx, agentID); err != nil {
			c.logger.Error("warmup quarantine failed",
				zap.String("agent_id", agentID), zap.Error(err))
		}
	}
	if len(members) > 0 {
		c.state = StateQuarantine
		c.metrics.EmergencyState.Set(float64(c.state))
		c.logger.Warn("quarantine state restored from redis",
			zap.Strings("agents", members))
	}

	// Добираем агентов, у которых прошлый инстанс не успел снять локи
	blocked, err := c.rdb.SMembers(ctx, infra.RedisKeyLockBlockedQuarantine).Result()
	if err != nil {
		return fmt.Errorf("emergency: blocked warmup: %w", err)
	}
	for _, agentID := range blocked {
		if _, err := c.locks.ForceReleaseAgent(ctx, agentID); err != nil {
			c.logger.Error("warmup force release failed",
				zap.String("agent_id", agentID), zap.Error(err))
			continue
		}
		c.rdb.SRem(ctx, infra.RedisKeyLockBlockedQuarantine, agentID)
	}
	return nil
}

// OnViolation — вход автомата. Подписывается на монитор; вызов приходит
// строго после персиста нарушения в журнал.
func (c *Controller) OnViolation(ctx context.Context, v domain.Violation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.metrics.EmergencyState.Set(float64(c.state))

	prev, seen := c.lastByAgent[v.AgentID]
	c.lastByAgent[v.AgentID] = v.Timestamp
	repeat := seen && v.Timestamp.Sub(prev) <= c.window

	switch c.state {
	case StateNormal:
		if v.Severity >= domain.SeverityCritical {
			c.quarantineLocked(ctx, v.AgentID, v)
			return
		}
		if v.Severity >= domain.SeverityMedium {
			c.state = StateWarning
			c.causes = append(c.causes, v)
			c.logger.Warn("escalated to warning",
				zap.String("agent_id", v.AgentID),
				zap.String("severity", v.Severity.String()))
		}

	case StateWarning:
		if v.Severity >= domain.SeverityCritical || repeat {
			c.quarantineLocked(ctx, v.AgentID, v)
		}

	case StateQuarantine:
		// Нарушение от другого агента — проблема системная, не точечная
		if !c.quarantined[v.AgentID] {
			c.shutdownLocked(ctx, v)
		}

	case StateShutdownAll:
		// Терминальное состояние: хвост событий из фида только логируем
		c.logger.Warn("violation after shutdown, ignored",
			zap.String("agent_id", v.AgentID),
			zap.String("violation_id", v.ID))
	}
}

// ForceQuarantine — ручная команда оператора, минует автоматические пороги.
func (c *Controller) ForceQuarantine(ctx context.Context, agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.metrics.EmergencyState.Set(float64(c.state))

	if c.state == StateShutdownAll {
		return ErrRunTerminated
	}
	if c.quarantined[agentID] {
		return nil
	}
	c.quarantineLocked(ctx, agentID, domain.Violation{
		AgentID:   agentID,
		Detail:    "operator command: force quarantine",
		Timestamp: c.now(),
	})
	return nil
}

// ForceShutdown — ручная команда оператора. Идемпотентна.
func (c *Controller) ForceShutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.metrics.EmergencyState.Set(float64(c.state))

	if c.state == StateShutdownAll {
		return nil
	}
	c.shutdownLocked(ctx, domain.Violation{
		Detail:    "operator command: force shutdown",
		Timestamp: c.now(),
	})
	return nil
}

// quarantineLocked: отзыв локов -> статус агента -> freeze (внутри координатора).
// Локи первыми: доверять чистому release агента уже нельзя.
func (c *Controller) quarantineLocked(ctx context.Context, agentID string, cause domain.Violation) {
	released, err := c.locks.ForceReleaseAgent(ctx, agentID)
	if err != nil {
		// Снятие доделает warmup следующего инстанса либо TTL-reclaim
		c.logger.Error("force release failed during quarantine",
			zap.String("agent_id", agentID), zap.Error(err))
		c.markBlocked(ctx, agentID)
	}

	if err := c.agents.QuarantineAgent(ctx, agentID); err != nil {
		c.logger.Error("agent quarantine failed",
			zap.String("agent_id", agentID), zap.Error(err))
	}

	c.state = StateQuarantine
	c.quarantined[agentID] = true
	c.causes = append(c.causes, cause)

	c.logger.Warn("agent quarantined",
		zap.String("agent_id", agentID),
		zap.Strings("released_locks", released),
		zap.String("cause", cause.Detail))

	c.announceQuarantine(ctx, agentID, cause.Detail)
}

// shutdownLocked — терминальный переход: стоп всем песочницам, Lock Store пуст.
func (c *Controller) shutdownLocked(ctx context.Context, cause domain.Violation) {
	c.causes = append(c.causes, cause)
	c.state = StateShutdownAll

	if err := c.agents.StopAll(ctx); err != nil {
		c.logger.Error("stop all failed", zap.Error(err))
	}
	if err := c.locks.ReleaseAll(ctx); err != nil {
		c.logger.Error("release all failed", zap.Error(err))
	}

	c.logger.Error("run terminated: shutdown-all",
		zap.String("agent_id", cause.AgentID),
		zap.String("cause", cause.Detail))

	if c.rdb != nil {
		payload, _ := json.Marshal(quarantineSignal{
			AgentID: cause.AgentID,
			Reason:  "shutdown-all: " + cause.Detail,
			At:      c.now(),
		})
		if err := c.rdb.Publish(ctx, infra.RedisChanEmergency, payload).Err(); err != nil {
			c.logger.Error("emergency publish failed", zap.Error(err))
		}
	}
}

func (c *Controller) announceQuarantine(ctx context.Context, agentID, reason string) {
	if c.rdb == nil {
		return
	}
	if err := c.rdb.SAdd(ctx, infra.RedisKeyQuarantineAgents, agentID).Err(); err != nil {
		c.logger.Error("quarantine set update failed", zap.Error(err))
	}
	payload, _ := json.Marshal(quarantineSignal{AgentID: agentID, Reason: reason, At: c.now()})
	if err := c.rdb.Publish(ctx, infra.RedisChanQuarantine, payload).Err(); err != nil {
		c.logger.Error("quarantine publish failed", zap.Error(err))
	}
}

// markBlocked запоминает агента с неснятыми локами для повторной попытки
// на warmup следующего инстанса.
func (c *Controller) markBlocked(ctx context.Context, agentID string) {
	if c.rdb == nil {
		return
	}
	if err := c.rdb.SAdd(ctx, infra.RedisKeyLockBlockedQuarantine, agentID).Err(); err != nil {
		c.logger.Error("blocked set update failed", zap.Error(err))
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// QuarantinedAgents — агенты, изолированные в текущем ране.
func (c *Controller) QuarantinedAgents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.quarantined))
	for id := range c.quarantined {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Causes — нарушения и команды, вызвавшие переходы автомата (для отчета рана).
func (c *Controller) Causes() []domain.Violation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Violation(nil), c.causes...)
}
