// Package coordinator — reconciliation-цикл рана: гонит DAG задач к завершению,
// уважая локи и safety-состояние. Acquire не блокируется, поэтому цикл
// опрашивает Lock Store тиками; работа тика идемпотентна.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agent-warden/internal/domain"
	"github.com/xela07ax/agent-warden/internal/lockmgr"
	"github.com/xela07ax/agent-warden/internal/metrics"
	"github.com/xela07ax/agent-warden/internal/sandbox"
	"github.com/xela07ax/agent-warden/internal/taskgraph"
)

var (
	ErrUnknownAgent = errors.New("coordinator: unknown agent")
	// ErrAlreadyAssigned — отмена возможна только до назначения; после —
	// только Quarantine/ShutdownAll на границе рантайма.
	ErrAlreadyAssigned = errors.New("coordinator: task already assigned")
)

type Config struct {
	TickInterval time.Duration
	LockTTL      time.Duration
}

type Coordinator struct {
	mu      sync.Mutex
	graph   *taskgraph.Graph
	locks   *lockmgr.Manager
	runtime sandbox.Runtime
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	agents     map[string]*domain.Agent
	agentOrder []string

	// Токены локов назначенных задач: taskID -> resourceID -> token.
	// Инвариант no-partial-holds: запись появляется только после захвата
	// ВСЕХ ресурсов задачи и исчезает целиком.
	tokens    map[string]map[string]string
	taskAgent map[string]string

	reclaims   []domain.ReclaimEvent
	startedAt  time.Time
	finishedAt time.Time
	halted     bool
}

// New регистрирует агентов как Idle; сам агент в песочнице стартует лениво,
// при первом dispatch.
func New(graph *taskgraph.Graph, locks *lockmgr.Manager, runtime sandbox.Runtime,
	agentIDs []string, cfg Config, logger *zap.Logger, m *metrics.Metrics) (*Coordinator, error) {

	if len(agentIDs) == 0 {
		return nil, errors.New("coordinator: at least one agent is required")
	}
	if m == nil {
		m = metrics.New(nil)
	}

	c := &Coordinator{
		graph:     graph,
		locks:     locks,
		runtime:   runtime,
		cfg:       cfg,
		logger:    logger.Named("coordinator"),
		metrics:   m,
		agents:    make(map[string]*domain.Agent, len(agentIDs)),
		tokens:    make(map[string]map[string]string),
		taskAgent: make(map[string]string),
	}
	for _, id := range agentIDs {
		if _, dup := c.agents[id]; dup {
			return nil, fmt.Errorf("coordinator: duplicate agent id %q", id)
		}
		c.agents[id] = &domain.Agent{
			ID:            id,
			SandboxHandle: id, // рантайм адресует песочницу по id агента
			Status:        domain.AgentIdle,
		}
		c.agentOrder = append(c.agentOrder, id)
	}
	sort.Strings(c.agentOrder)
	return c, nil
}

// Run крутит тики до завершения графа, отмены контекста или ShutdownAll.
// Перед стартом — health-check рантайма: нездоровая песочница — ран не начинаем.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.runtime.Health(ctx); err != nil {
		return fmt.Errorf("coordinator: sandbox runtime unhealthy, refusing to start: %w", err)
	}

	c.mu.Lock()
	c.startedAt = time.Now()
	c.mu.Unlock()

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	c.logger.Info("run started",
		zap.Int("agents", len(c.agents)),
		zap.Duration("tick_interval", c.cfg.TickInterval))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if c.isHalted() {
				c.logger.Info("run halted by emergency controller")
				return nil
			}
			if err := c.Tick(ctx); err != nil {
				// Ошибка стора на одном тике не валит ран: состояние
				// переживет и следующий тик
				c.logger.Error("tick failed", zap.Error(err))
			}
			if c.finished(ctx) {
				c.logger.Info("all tasks reached a terminal state")
				return nil
			}
		}
	}
}

// Tick — одна итерация reconciliation: reclaim протухших локов, повышение
// готовых задач, назначение на свободных агентов. Безопасен к повторному запуску.
func (c *Coordinator) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() {
		c.metrics.TickDuration.Observe(time.Since(start).Seconds())
	}()

	// 1. Reclaim: единственный путь снять лок упавшего агента
	reclaimed, err := c.locks.ReclaimExpired(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ev := range reclaimed {
		c.reclaims = append(c.reclaims, ev)
		c.onLockLost(ctx, ev)
	}

	if c.halted {
		return nil
	}

	// 2. Назначение: для каждой готовой задачи (меньше ждущих зависимых
	// вперед, tie-break по id) — захват всех ресурсов или ни одного
	idle := c.idleAgents()
	for _, task := range c.graph.Ready() {
		if len(idle) == 0 {
			break
		}
		agent := idle[0]

		acquired, ok := c.acquireAll(ctx, task, agent.ID)
		if !ok {
			continue // LockBusy — ожидаемо, задача подождет следующего тика
		}

		if err := c.dispatch(ctx, agent, task, acquired); err != nil {
			c.logger.Error("dispatch failed, releasing resources",
				zap.String("task_id", task.ID), zap.Error(err))
			c.releaseTokens(ctx, acquired)
			continue
		}
		idle = idle[1:]
	}
	return nil
}

// acquireAll — all-or-nothing захват в рамках одного тика: частичный набор
// ресурсов через тики не переносится, поэтому circular wait невозможен.
func (c *Coordinator) acquireAll(ctx context.Context, task domain.Task, agentID string) (map[string]string, bool) {
	resources := append([]string(nil), task.RequiredResources...)
	sort.Strings(resources)

	acquired := make(map[string]string, len(resources))
	for _, r := range resources {
		token, err := c.locks.Acquire(ctx, r, agentID, c.cfg.LockTTL)
		if err != nil {
			if !errors.Is(err, lockmgr.ErrLockBusy) {
				c.logger.Error("acquire failed", zap.String("resource_id", r), zap.Error(err))
			}
			c.releaseTokens(ctx, acquired)
			return nil, false
		}
		acquired[r] = token
	}
	return acquired, true
}

func (c *Coordinator) releaseTokens(ctx context.Context, tokens map[string]string) {
	for r, token := range tokens {
		if err := c.locks.Release(ctx, r, token); err != nil {
			c.logger.Warn("release failed", zap.String("resource_id", r), zap.Error(err))
		}
	}
}

func (c *Coordinator) dispatch(ctx context.Context, agent *domain.Agent, task domain.Task, tokens map[string]string) error {
	if err := c.graph.MarkAssigned(task.ID); err != nil {
		return err
	}
	if err := c.runtime.Start(ctx, agent.SandboxHandle, task); err != nil {
		// Откат в пределах тика: задача снова Ready, агент остался Idle
		if mErr := c.graph.MarkReady(task.ID); mErr != nil {
			c.logger.Error("rollback failed", zap.String("task_id", task.ID), zap.Error(mErr))
		}
		return err
	}

	agent.Status = domain.AgentRunning
	agent.CurrentTaskID = task.ID
	c.tokens[task.ID] = tokens
	c.taskAgent[task.ID] = agent.ID

	c.metrics.TasksTotal.WithLabelValues("assigned").Inc()
	c.metrics.AgentsRunning.Inc()
	c.logger.Info("task assigned",
		zap.String("task_id", task.ID),
		zap.String("agent_id", agent.ID),
		zap.Strings("resources", task.RequiredResources))
	return nil
}

// idleAgents — только агенты, которых координатор сам считает свободными.
// Терминальные статусы (карантин/стоп) пишет Emergency Controller, и его
// запись всегда перекрывает нашу: такие агенты сюда не попадают никогда.
func (c *Coordinator) idleAgents() []*domain.Agent {
	var out []*domain.Agent
	for _, id := range c.agentOrder {
		if a := c.agents[id]; a.Status == domain.AgentIdle {
			out = append(out, a)
		}
	}
	return out
}

// onLockLost: reclaim снял лок живой назначенной задачи — ее агент завис.
// Задаче Failed, агенту Stop: доверять его дальнейшим записям нельзя.
func (c *Coordinator) onLockLost(ctx context.Context, ev domain.ReclaimEvent) {
	agent, ok := c.agents[ev.HolderAgentID]
	if !ok || agent.Status != domain.AgentRunning || agent.CurrentTaskID == "" {
		return
	}
	taskID := agent.CurrentTaskID

	c.logger.Warn("agent lost lock by TTL, failing its task",
		zap.String("agent_id", agent.ID),
		zap.String("task_id", taskID),
		zap.String("resource_id", ev.ResourceID))

	// Остальные локи задачи снимаем сами: частичный набор не оставляем
	if tokens, ok := c.tokens[taskID]; ok {
		delete(tokens, ev.ResourceID)
		c.releaseTokens(ctx, tokens)
	}
	delete(c.tokens, taskID)
	delete(c.taskAgent, taskID)

	c.failTaskLocked(taskID)

	agent.Status = domain.AgentStopped
	agent.CurrentTaskID = ""
	c.metrics.AgentsRunning.Dec()
	if err := c.runtime.Stop(ctx, agent.SandboxHandle); err != nil {
		c.logger.Error("failed to stop unresponsive agent", zap.String("agent_id", agent.ID), zap.Error(err))
	}
}

// OnAgentResult — колбек рантайма о завершении задачи.
func (c *Coordinator) OnAgentResult(agentID, taskID string, taskErr error) {
	ctx := context.Background()

	c.mu.Lock()
	defer c.mu.Unlock()

	agent, ok := c.agents[agentID]
	if !ok {
		c.logger.Warn("result from unknown agent", zap.String("agent_id", agentID))
		return
	}
	// Stale-результат: агент уже в карантине/остановлен, его задача закрыта
	if agent.Status != domain.AgentRunning || agent.CurrentTaskID != taskID {
		c.logger.Warn("stale result ignored",
			zap.String("agent_id", agentID), zap.String("task_id", taskID))
		return
	}

	if tokens, ok := c.tokens[taskID]; ok {
		c.releaseTokens(ctx, tokens)
	}
	delete(c.tokens, taskID)
	delete(c.taskAgent, taskID)

	if taskErr != nil {
		c.failTaskLocked(taskID)
		c.logger.Warn("task failed",
			zap.String("task_id", taskID),
			zap.String("agent_id", agentID),
			zap.Error(taskErr))
	} else {
		if err := c.graph.MarkDone(taskID); err != nil {
			c.logger.Error("mark done failed", zap.String("task_id", taskID), zap.Error(err))
		} else {
			c.metrics.TasksTotal.WithLabelValues("done").Inc()
			c.logger.Info("task done", zap.String("task_id", taskID), zap.String("agent_id", agentID))
		}
	}

	agent.Status = domain.AgentIdle
	agent.CurrentTaskID = ""
	c.metrics.AgentsRunning.Dec()
}

// failTaskLocked помечает задачу Failed и репортит заблокированных зависимых.
// Авторетраев нет: retry-политика — внешнее решение.
func (c *Coordinator) failTaskLocked(taskID string) {
	if err := c.graph.MarkFailed(taskID); err != nil {
		c.logger.Error("mark failed failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	c.metrics.TasksTotal.WithLabelValues("failed").Inc()
	if blocked := c.graph.BlockedBy(taskID); len(blocked) > 0 {
		c.logger.Warn("dependents blocked by failure",
			zap.String("task_id", taskID),
			zap.Strings("blocked", blocked))
	}
}

// Heartbeat продлевает локи задачи живого агента, защищая от ложного reclaim.
// Молчащий (упавший) агент не продлевается и теряет локи по TTL.
func (c *Coordinator) Heartbeat(ctx context.Context, agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	agent, ok := c.agents[agentID]
	if !ok || agent.Status != domain.AgentRunning || agent.CurrentTaskID == "" {
		return
	}
	agent.LastHeartbeat = time.Now()

	for r, token := range c.tokens[agent.CurrentTaskID] {
		if err := c.locks.Renew(ctx, r, token, c.cfg.LockTTL); err != nil {
			c.logger.Warn("renew failed",
				zap.String("resource_id", r),
				zap.String("agent_id", agentID),
				zap.Error(err))
		}
	}
}

// CancelTask — отмена до назначения. Назначенную задачу прервать нельзя:
// агент исполняется независимо, остаются только Quarantine/ShutdownAll.
func (c *Coordinator) CancelTask(taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, ok := c.graph.Task(taskID)
	if !ok {
		return fmt.Errorf("coordinator: unknown task %q", taskID)
	}
	if task.Status == domain.TaskAssigned || task.Status.Terminal() {
		return ErrAlreadyAssigned
	}
	c.failTaskLocked(taskID)
	return nil
}

// QuarantineAgent — запись Emergency Controller: агент навсегда выбывает
// из распределения. Локи к этому моменту уже отозваны контроллером.
func (c *Coordinator) QuarantineAgent(ctx context.Context, agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	agent, ok := c.agents[agentID]
	if !ok {
		return ErrUnknownAgent
	}
	if agent.Status == domain.AgentStopped || agent.Status == domain.AgentQuarantined {
		return nil
	}

	if agent.CurrentTaskID != "" {
		delete(c.tokens, agent.CurrentTaskID)
		delete(c.taskAgent, agent.CurrentTaskID)
		c.failTaskLocked(agent.CurrentTaskID)
		c.metrics.AgentsRunning.Dec()
	}

	agent.Status = domain.AgentQuarantined
	agent.CurrentTaskID = ""

	if err := c.runtime.Freeze(ctx, agent.SandboxHandle); err != nil {
		return fmt.Errorf("coordinator: freeze %s: %w", agentID, err)
	}
	c.logger.Warn("agent quarantined", zap.String("agent_id", agentID))
	return nil
}

// StopAll — терминальное действие ShutdownAll: остановить все песочницы.
// Ран не возобновляется, новый запускается с нуля.
func (c *Coordinator) StopAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.halted = true
	var firstErr error
	for _, id := range c.agentOrder {
		agent := c.agents[id]
		if agent.Status == domain.AgentStopped {
			continue
		}
		if agent.CurrentTaskID != "" {
			c.failTaskLocked(agent.CurrentTaskID)
			c.metrics.AgentsRunning.Dec()
			agent.CurrentTaskID = ""
		}
		agent.Status = domain.AgentStopped
		if err := c.runtime.Stop(ctx, agent.SandboxHandle); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("coordinator: stop %s: %w", id, err)
		}
	}
	// Токены больше не актуальны: Lock Store опустошает Emergency Controller
	c.tokens = make(map[string]map[string]string)
	c.taskAgent = make(map[string]string)

	c.logger.Warn("all agents stopped")
	return firstErr
}

func (c *Coordinator) isHalted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted
}

// finished: граф дошел до конца — останавливаем свободных агентов и
// фиксируем время завершения.
func (c *Coordinator) finished(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.graph.Finished() {
		return false
	}
	for _, id := range c.agentOrder {
		agent := c.agents[id]
		if agent.Status == domain.AgentIdle || agent.Status == domain.AgentRunning {
			agent.Status = domain.AgentStopped
			if err := c.runtime.Stop(ctx, agent.SandboxHandle); err != nil {
				c.logger.Error("failed to stop agent", zap.String("agent_id", id), zap.Error(err))
			}
		}
	}
	if c.finishedAt.IsZero() {
		c.finishedAt = time.Now()
	}
	return true
}

// Agents — снимок реестра для консоли.
func (c *Coordinator) Agents() []domain.Agent {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]domain.Agent, 0, len(c.agentOrder))
	for _, id := range c.agentOrder {
		out = append(out, *c.agents[id])
	}
	return out
}

// Report — вклад координатора в итоговый отчет рана.
func (c *Coordinator) Report() domain.RunReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	rep := domain.RunReport{
		StartedAt:  c.startedAt,
		FinishedAt: c.finishedAt,
	}
	for _, t := range c.graph.Tasks() {
		tr := domain.TaskReport{ID: t.ID, Status: t.Status}
		if t.Status == domain.TaskFailed {
			tr.BlockedDependents = c.graph.BlockedBy(t.ID)
		}
		rep.Tasks = append(rep.Tasks, tr)
	}
	for _, id := range c.agentOrder {
		a := c.agents[id]
		rep.Agents = append(rep.Agents, domain.AgentReport{
			ID: a.ID, Status: a.Status, TaskID: a.CurrentTaskID,
		})
	}
	rep.Reclaims = append(rep.Reclaims, c.reclaims...)
	return rep
}
