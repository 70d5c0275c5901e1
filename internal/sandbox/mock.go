package sandbox

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/xela07ax/agent-warden/internal/domain"
)

// ResultFunc — колбек завершения задачи (Coordinator.OnAgentResult).
type ResultFunc func(sandboxHandle, taskID string, taskErr error)

// MockRuntime имитирует внешний рантайм для локальных прогонов и демо.
// Задача "исполняется" 50-300мс в горутине и репортит результат; задачи
// с "unstable" в id фейлятся — для проверки failure-семантики координатора.
type MockRuntime struct {
	mu      sync.Mutex
	frozen  map[string]bool
	stopped map[string]bool

	report ResultFunc
}

func NewMockRuntime(report ResultFunc) *MockRuntime {
	return &MockRuntime{
		frozen:  make(map[string]bool),
		stopped: make(map[string]bool),
		report:  report,
	}
}

func (r *MockRuntime) Start(ctx context.Context, handle string, task domain.Task) error {
	r.mu.Lock()
	if r.stopped[handle] || r.frozen[handle] {
		r.mu.Unlock()
		return fmt.Errorf("sandbox %s is not available", handle)
	}
	r.mu.Unlock()

	go func() {
		latency := time.Duration(50+rand.Intn(250)) * time.Millisecond
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			r.report(handle, task.ID, ctx.Err())
			return
		}

		if strings.Contains(task.ID, "unstable") {
			r.report(handle, task.ID, fmt.Errorf("task %s crashed in sandbox", task.ID))
			return
		}
		r.report(handle, task.ID, nil)
	}()
	return nil
}

// Stop идемпотентен: повторный вызов на уже остановленной песочнице — no-op.
func (r *MockRuntime) Stop(ctx context.Context, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped[handle] = true
	return nil
}

func (r *MockRuntime) Freeze(ctx context.Context, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped[handle] {
		return fmt.Errorf("sandbox %s already stopped", handle)
	}
	r.frozen[handle] = true
	return nil
}

func (r *MockRuntime) Health(ctx context.Context) error {
	return nil
}

// IsFrozen / IsStopped — для проверок в тестах.
func (r *MockRuntime) IsFrozen(handle string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frozen[handle]
}

func (r *MockRuntime) IsStopped(handle string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped[handle]
}
