package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agent-warden/internal/domain"
	"github.com/xela07ax/agent-warden/internal/lockmgr"
	"github.com/xela07ax/agent-warden/internal/lockstore"
	"github.com/xela07ax/agent-warden/internal/taskgraph"
)

// stubClock — управляемое время для проверки TTL-сценариев.
type stubClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stubClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeRuntime — детерминированная замена MockRuntime: ничего не исполняет,
// только записывает вызовы. Результаты задач тест подает сам через OnAgentResult.
type fakeRuntime struct {
	mu      sync.Mutex
	started map[string]string // taskID -> sandboxHandle
	stopped map[string]bool
	frozen  map[string]bool

	healthErr error
	startErr  error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		started: make(map[string]string),
		stopped: make(map[string]bool),
		frozen:  make(map[string]bool),
	}
}

func (r *fakeRuntime) Start(_ context.Context, handle string, task domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.started[task.ID] = handle
	return nil
}

func (r *fakeRuntime) Stop(_ context.Context, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped[handle] = true
	return nil
}

func (r *fakeRuntime) Freeze(_ context.Context, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen[handle] = true
	return nil
}

func (r *fakeRuntime) Health(_ context.Context) error { return r.healthErr }

func (r *fakeRuntime) startedOn(taskID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.started[taskID]
	return h, ok
}

type fixture struct {
	coord   *Coordinator
	runtime *fakeRuntime
	clock   *stubClock
	locks   *lockmgr.Manager
}

func newFixture(t *testing.T, tasks []domain.Task, agents []string, ttl time.Duration) *fixture {
	t.Helper()

	graph, err := taskgraph.New(tasks)
	if err != nil {
		t.Fatalf("taskgraph.New: %v", err)
	}

	store, err := lockstore.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	clock := &stubClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	locks := lockmgr.New(store, zap.NewNop(), nil).WithClock(clock.Now)

	rt := newFakeRuntime()
	coord, err := New(graph, locks, rt, agents,
		Config{TickInterval: time.Second, LockTTL: ttl}, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{coord: coord, runtime: rt, clock: clock, locks: locks}
}

func taskStatus(t *testing.T, c *Coordinator, id string) domain.TaskStatus {
	t.Helper()
	task, ok := c.graph.Task(id)
	if !ok {
		t.Fatalf("unknown task %q", id)
	}
	return task.Status
}

func agentStatus(t *testing.T, c *Coordinator, id string) domain.AgentStatus {
	t.Helper()
	for _, a := range c.Agents() {
		if a.ID == id {
			return a.Status
		}
	}
	t.Fatalf("unknown agent %q", id)
	return ""
}

// Две задачи пишут один файл: в один момент времени исполняется ровно одна.
func TestTwoWritersOneFileSerialized(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, []domain.Task{
		{ID: "write-a", RequiredResources: []string{"report.md"}},
		{ID: "write-b", RequiredResources: []string{"report.md"}},
	}, []string{"agent-1", "agent-2"}, 30*time.Second)

	if err := fx.coord.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if got := taskStatus(t, fx.coord, "write-a"); got != domain.TaskAssigned {
		t.Fatalf("write-a status = %s, want assigned", got)
	}
	// Второй писатель ждет, несмотря на свободного агента
	if got := taskStatus(t, fx.coord, "write-b"); got != domain.TaskReady {
		t.Fatalf("write-b status = %s, want ready", got)
	}

	handle, _ := fx.runtime.startedOn("write-a")
	fx.coord.OnAgentResult(handle, "write-a", nil)

	if err := fx.coord.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := taskStatus(t, fx.coord, "write-b"); got != domain.TaskAssigned {
		t.Fatalf("write-b status after release = %s, want assigned", got)
	}
}

// Частичных захватов не бывает: если хоть один ресурс занят, не держим ни одного.
func TestNoPartialHolds(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, []domain.Task{
		{ID: "migrate", RequiredResources: []string{"db/schema.sql", "db/data.sql"}},
	}, []string{"agent-1"}, 30*time.Second)

	// Чужой лок на один из двух ресурсов
	if _, err := fx.locks.Acquire(ctx, "db/data.sql", "outsider", 30*time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if err := fx.coord.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if got := taskStatus(t, fx.coord, "migrate"); got != domain.TaskReady {
		t.Fatalf("migrate status = %s, want ready", got)
	}
	locked, err := fx.locks.IsLocked(ctx, "db/schema.sql")
	if err != nil {
		t.Fatalf("IsLocked: %v", err)
	}
	if locked {
		t.Fatal("first resource left locked after failed all-or-nothing acquire")
	}
}

// Упавший агент не продлевает лок: после TTL ресурс возвращается в оборот,
// его задача — Failed, агент — Stopped.
func TestCrashedAgentLockReclaimed(t *testing.T) {
	ctx := context.Background()
	ttl := 30 * time.Second
	fx := newFixture(t, []domain.Task{
		{ID: "long-job", RequiredResources: []string{"workspace"}},
		{ID: "next-job", RequiredResources: []string{"workspace"}},
	}, []string{"agent-1"}, ttl)

	if err := fx.coord.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if _, ok := fx.runtime.startedOn("long-job"); !ok {
		t.Fatal("long-job was not dispatched")
	}

	// Агент молчит (ни результата, ни heartbeat) дольше TTL
	fx.clock.Advance(ttl + time.Second)
	if err := fx.coord.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if got := taskStatus(t, fx.coord, "long-job"); got != domain.TaskFailed {
		t.Fatalf("long-job status = %s, want failed", got)
	}
	if got := agentStatus(t, fx.coord, "agent-1"); got != domain.AgentStopped {
		t.Fatalf("agent-1 status = %s, want stopped", got)
	}
	if !fx.runtime.stopped["agent-1"] {
		t.Fatal("runtime.Stop was not called for the unresponsive agent")
	}

	rep := fx.coord.Report()
	if len(rep.Reclaims) != 1 || rep.Reclaims[0].ResourceID != "workspace" {
		t.Fatalf("reclaims = %+v, want one for workspace", rep.Reclaims)
	}

	// Ресурс свободен, но исполнять больше некому
	locked, err := fx.locks.IsLocked(ctx, "workspace")
	if err != nil {
		t.Fatalf("IsLocked: %v", err)
	}
	if locked {
		t.Fatal("workspace still locked after reclaim")
	}
}

// Heartbeat продлевает локи: живой долгий агент не теряет ресурс по TTL.
func TestHeartbeatPreventsReclaim(t *testing.T) {
	ctx := context.Background()
	ttl := 30 * time.Second
	fx := newFixture(t, []domain.Task{
		{ID: "long-job", RequiredResources: []string{"workspace"}},
	}, []string{"agent-1"}, ttl)

	if err := fx.coord.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	fx.clock.Advance(20 * time.Second)
	fx.coord.Heartbeat(ctx, "agent-1")

	// Исходный дедлайн прошел, продленный — нет
	fx.clock.Advance(15 * time.Second)
	if err := fx.coord.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if got := taskStatus(t, fx.coord, "long-job"); got != domain.TaskAssigned {
		t.Fatalf("long-job status = %s, want assigned", got)
	}
	if got := agentStatus(t, fx.coord, "agent-1"); got != domain.AgentRunning {
		t.Fatalf("agent-1 status = %s, want running", got)
	}
}

// Фейл задачи блокирует зависимых навсегда; независимая ветка доезжает до конца.
func TestFailedTaskBlocksDependents(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, []domain.Task{
		{ID: "build", RequiredResources: []string{"src"}},
		{ID: "test", DependsOn: []string{"build"}, RequiredResources: []string{"src"}},
		{ID: "docs", RequiredResources: []string{"docs"}},
	}, []string{"agent-1", "agent-2"}, 30*time.Second)

	if err := fx.coord.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	hBuild, ok := fx.runtime.startedOn("build")
	if !ok {
		t.Fatal("build was not dispatched")
	}
	fx.coord.OnAgentResult(hBuild, "build", errors.New("compiler exploded"))
	hDocs, _ := fx.runtime.startedOn("docs")
	fx.coord.OnAgentResult(hDocs, "docs", nil)

	if err := fx.coord.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if got := taskStatus(t, fx.coord, "test"); got != domain.TaskPending {
		t.Fatalf("test status = %s, want pending (blocked)", got)
	}
	if _, ok := fx.runtime.startedOn("test"); ok {
		t.Fatal("blocked dependent was dispatched")
	}
	if !fx.coord.finished(ctx) {
		t.Fatal("run not finished: failed + blocked + done should terminate it")
	}

	rep := fx.coord.Report()
	for _, tr := range rep.Tasks {
		if tr.ID == "build" {
			if len(tr.BlockedDependents) != 1 || tr.BlockedDependents[0] != "test" {
				t.Fatalf("build blocked dependents = %v, want [test]", tr.BlockedDependents)
			}
		}
	}
}

// OnAgentResult от упавшего агента фиксирует фейл без авторетрая;
// стейл-результат после закрытия задачи игнорируется.
func TestStaleResultIgnored(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, []domain.Task{
		{ID: "job", RequiredResources: []string{"r"}},
	}, []string{"agent-1"}, 30*time.Second)

	if err := fx.coord.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	fx.coord.OnAgentResult("agent-1", "job", nil)
	if got := taskStatus(t, fx.coord, "job"); got != domain.TaskDone {
		t.Fatalf("job status = %s, want done", got)
	}

	// Повторный (дублирующий) результат не меняет состояние
	fx.coord.OnAgentResult("agent-1", "job", errors.New("late failure"))
	if got := taskStatus(t, fx.coord, "job"); got != domain.TaskDone {
		t.Fatalf("job status after stale result = %s, want done", got)
	}
}

// Карантинный агент навсегда выбывает из распределения задач.
func TestQuarantinedAgentNeverScheduled(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, []domain.Task{
		{ID: "job-1", RequiredResources: []string{"r1"}},
		{ID: "job-2", RequiredResources: []string{"r2"}},
	}, []string{"agent-1", "agent-2"}, 30*time.Second)

	if err := fx.coord.QuarantineAgent(ctx, "agent-1"); err != nil {
		t.Fatalf("QuarantineAgent: %v", err)
	}
	if !fx.runtime.frozen["agent-1"] {
		t.Fatal("quarantined sandbox was not frozen")
	}

	if err := fx.coord.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	for taskID, handle := range fx.runtime.started {
		if handle == "agent-1" {
			t.Fatalf("task %s dispatched to quarantined agent", taskID)
		}
	}
	if got := agentStatus(t, fx.coord, "agent-1"); got != domain.AgentQuarantined {
		t.Fatalf("agent-1 status = %s, want quarantined", got)
	}
}

// Карантин исполняющего агента фейлит его текущую задачу.
func TestQuarantineFailsCurrentTask(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, []domain.Task{
		{ID: "job", RequiredResources: []string{"r"}},
	}, []string{"agent-1"}, 30*time.Second)

	if err := fx.coord.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if err := fx.coord.QuarantineAgent(ctx, "agent-1"); err != nil {
		t.Fatalf("QuarantineAgent: %v", err)
	}
	if got := taskStatus(t, fx.coord, "job"); got != domain.TaskFailed {
		t.Fatalf("job status = %s, want failed", got)
	}
	// Поздний результат от карантинного агента не воскрешает задачу
	fx.coord.OnAgentResult("agent-1", "job", nil)
	if got := taskStatus(t, fx.coord, "job"); got != domain.TaskFailed {
		t.Fatalf("job status after stale result = %s, want failed", got)
	}
}

func TestCancelOnlyBeforeAssignment(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, []domain.Task{
		{ID: "assigned", RequiredResources: []string{"r1"}},
		{ID: "waiting", DependsOn: []string{"assigned"}},
	}, []string{"agent-1"}, 30*time.Second)

	if err := fx.coord.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if err := fx.coord.CancelTask("waiting"); err != nil {
		t.Fatalf("CancelTask(waiting): %v", err)
	}
	if got := taskStatus(t, fx.coord, "waiting"); got != domain.TaskFailed {
		t.Fatalf("waiting status = %s, want failed", got)
	}

	if err := fx.coord.CancelTask("assigned"); !errors.Is(err, ErrAlreadyAssigned) {
		t.Fatalf("CancelTask(assigned) = %v, want ErrAlreadyAssigned", err)
	}
}

// StopAll терминален: все песочницы остановлены, новые тики ничего не назначают.
func TestStopAllHaltsScheduling(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, []domain.Task{
		{ID: "job-1", RequiredResources: []string{"r1"}},
		{ID: "job-2", RequiredResources: []string{"r2"}},
	}, []string{"agent-1", "agent-2"}, 30*time.Second)

	if err := fx.coord.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if err := fx.coord.StopAll(ctx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}

	for _, a := range fx.coord.Agents() {
		if a.Status != domain.AgentStopped {
			t.Fatalf("agent %s status = %s, want stopped", a.ID, a.Status)
		}
		if !fx.runtime.stopped[a.ID] {
			t.Fatalf("runtime.Stop not called for %s", a.ID)
		}
	}
	if !fx.coord.isHalted() {
		t.Fatal("coordinator not halted after StopAll")
	}
	before := len(fx.runtime.started)
	if err := fx.coord.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(fx.runtime.started) != before {
		t.Fatal("tasks dispatched after StopAll")
	}
}

// Нездоровый рантайм — ран не стартует вовсе.
func TestRunRefusesUnhealthyRuntime(t *testing.T) {
	fx := newFixture(t, []domain.Task{
		{ID: "job"},
	}, []string{"agent-1"}, 30*time.Second)
	fx.runtime.healthErr = errors.New("runtime down")

	err := fx.coord.Run(context.Background())
	if err == nil {
		t.Fatal("Run succeeded with unhealthy runtime")
	}
}

// Неудавшийся dispatch откатывает задачу в Ready и снимает ее локи в том же тике.
func TestDispatchFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, []domain.Task{
		{ID: "job", RequiredResources: []string{"r"}},
	}, []string{"agent-1"}, 30*time.Second)
	fx.runtime.startErr = errors.New("sandbox api flaked")

	if err := fx.coord.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := taskStatus(t, fx.coord, "job"); got != domain.TaskReady {
		t.Fatalf("job status = %s, want ready", got)
	}
	locked, err := fx.locks.IsLocked(ctx, "r")
	if err != nil {
		t.Fatalf("IsLocked: %v", err)
	}
	if locked {
		t.Fatal("lock not released after dispatch failure")
	}

	// Рантайм очнулся — следующий тик назначает без ручного вмешательства
	fx.runtime.mu.Lock()
	fx.runtime.startErr = nil
	fx.runtime.mu.Unlock()
	if err := fx.coord.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := taskStatus(t, fx.coord, "job"); got != domain.TaskAssigned {
		t.Fatalf("job status = %s, want assigned", got)
	}
}
