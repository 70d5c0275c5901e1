package lockmgr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agent-warden/internal/lockstore"
)

// stubClock — управляемое время для детерминированных TTL-тестов.
type stubClock struct {
	mu sync.Mutex
	t  time.Time
}

func newStubClock(t time.Time) *stubClock { return &stubClock{t: t} }

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

func newTestManager(t *testing.T, clock *stubClock) *Manager {
	t.Helper()
	store, err := lockstore.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return New(store, zap.NewNop(), nil).WithClock(clock.Now)
}

func TestManager_AcquireThenBusy(t *testing.T) {
	clock := newStubClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m := newTestManager(t, clock)
	ctx := context.Background()

	tok, err := m.Acquire(ctx, "config.json", "agent-1", 30*time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if tok == "" {
		t.Fatal("empty token")
	}

	if _, err := m.Acquire(ctx, "config.json", "agent-2", 30*time.Second); !errors.Is(err, ErrLockBusy) {
		t.Fatalf("second Acquire = %v, want ErrLockBusy", err)
	}

	// Другой ресурс свободен
	if _, err := m.Acquire(ctx, "schema.sql", "agent-2", 30*time.Second); err != nil {
		t.Fatalf("Acquire other resource: %v", err)
	}
}

func TestManager_ConcurrentAcquireExactlyOneSucceeds(t *testing.T) {
	clock := newStubClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m := newTestManager(t, clock)
	ctx := context.Background()

	const callers = 24
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Acquire(ctx, "config.json", "agent", 30*time.Second)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrLockBusy):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}
}

func TestManager_ReleaseRequiresHolderToken(t *testing.T) {
	clock := newStubClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m := newTestManager(t, clock)
	ctx := context.Background()

	tok, err := m.Acquire(ctx, "r1", "agent-1", 30*time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if err := m.Release(ctx, "r1", "not-the-token"); !errors.Is(err, ErrNotHolder) {
		t.Fatalf("Release with wrong token = %v, want ErrNotHolder", err)
	}
	// Лок остался жив после отказа
	locked, err := m.IsLocked(ctx, "r1")
	if err != nil || !locked {
		t.Fatalf("lock should survive refused release, locked=%v err=%v", locked, err)
	}

	if err := m.Release(ctx, "r1", tok); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := m.Release(ctx, "r1", tok); !errors.Is(err, ErrNotHolder) {
		t.Fatalf("double Release = %v, want ErrNotHolder", err)
	}
}

func TestManager_StaleTokenCannotReleaseReassignedLock(t *testing.T) {
	clock := newStubClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m := newTestManager(t, clock)
	ctx := context.Background()

	oldTok, err := m.Acquire(ctx, "r1", "agent-1", 10*time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Лок протухает и переходит другому агенту
	clock.Advance(11 * time.Second)
	if _, err := m.ReclaimExpired(ctx); err != nil {
		t.Fatalf("ReclaimExpired: %v", err)
	}
	if _, err := m.Acquire(ctx, "r1", "agent-2", 30*time.Second); err != nil {
		t.Fatalf("re-acquire after reclaim: %v", err)
	}

	// Старый держатель со старым токеном не может снять чужой лок
	if err := m.Release(ctx, "r1", oldTok); !errors.Is(err, ErrNotHolder) {
		t.Fatalf("Release with stale token = %v, want ErrNotHolder", err)
	}
	locked, err := m.IsLocked(ctx, "r1")
	if err != nil || !locked {
		t.Fatalf("new holder's lock must survive, locked=%v err=%v", locked, err)
	}
}

func TestManager_RenewExtendsTTL(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := newStubClock(start)
	m := newTestManager(t, clock)
	ctx := context.Background()

	tok, err := m.Acquire(ctx, "r1", "agent-1", 30*time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	clock.Advance(20 * time.Second)
	if err := m.Renew(ctx, "r1", tok, 30*time.Second); err != nil {
		t.Fatalf("Renew: %v", err)
	}

	// Без renew лок бы уже протух (30s < 40s), с renew — жив до t=50s
	clock.Advance(20 * time.Second)
	reclaimed, err := m.ReclaimExpired(ctx)
	if err != nil {
		t.Fatalf("ReclaimExpired: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Fatalf("renewed lock reclaimed too early: %+v", reclaimed)
	}

	clock.Advance(10 * time.Second) // t = 50s, ровно на границе expires_at
	reclaimed, err = m.ReclaimExpired(ctx)
	if err != nil {
		t.Fatalf("ReclaimExpired: %v", err)
	}
	if len(reclaimed) != 1 {
		t.Fatalf("reclaimed = %d, want 1", len(reclaimed))
	}
}

func TestManager_RenewRefusedForWrongTokenAndExpired(t *testing.T) {
	clock := newStubClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m := newTestManager(t, clock)
	ctx := context.Background()

	tok, err := m.Acquire(ctx, "r1", "agent-1", 10*time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if err := m.Renew(ctx, "r1", "wrong", 10*time.Second); !errors.Is(err, ErrNotHolder) {
		t.Fatalf("Renew wrong token = %v, want ErrNotHolder", err)
	}

	clock.Advance(10 * time.Second) // ровно acquired_at + ttl — уже reclaimable
	if err := m.Renew(ctx, "r1", tok, 10*time.Second); !errors.Is(err, ErrExpired) {
		t.Fatalf("Renew after expiry = %v, want ErrExpired", err)
	}
}

func TestManager_ReclaimExactlyAtDeadline(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := newStubClock(start)
	m := newTestManager(t, clock)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "schema.sql", "agent-x", 30*time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// За мгновение до дедлайна — жив
	clock.Advance(30*time.Second - time.Nanosecond)
	reclaimed, err := m.ReclaimExpired(ctx)
	if err != nil {
		t.Fatalf("ReclaimExpired: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Fatalf("lock reclaimed before deadline: %+v", reclaimed)
	}

	// Ровно на acquired_at + ttl — подлежит reclaim
	clock.Advance(time.Nanosecond)
	reclaimed, err = m.ReclaimExpired(ctx)
	if err != nil {
		t.Fatalf("ReclaimExpired: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].ResourceID != "schema.sql" {
		t.Fatalf("reclaimed = %+v, want schema.sql", reclaimed)
	}
	if reclaimed[0].HolderAgentID != "agent-x" {
		t.Errorf("HolderAgentID = %q, want agent-x", reclaimed[0].HolderAgentID)
	}

	// Ресурс снова доступен
	if _, err := m.Acquire(ctx, "schema.sql", "agent-y", 30*time.Second); err != nil {
		t.Fatalf("Acquire after reclaim: %v", err)
	}
}

func TestManager_ForceReleaseAgent(t *testing.T) {
	clock := newStubClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m := newTestManager(t, clock)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "r1", "agent-bad", 30*time.Second); err != nil {
		t.Fatalf("Acquire r1: %v", err)
	}
	if _, err := m.Acquire(ctx, "r2", "agent-bad", 30*time.Second); err != nil {
		t.Fatalf("Acquire r2: %v", err)
	}
	if _, err := m.Acquire(ctx, "r3", "agent-good", 30*time.Second); err != nil {
		t.Fatalf("Acquire r3: %v", err)
	}

	released, err := m.ForceReleaseAgent(ctx, "agent-bad")
	if err != nil {
		t.Fatalf("ForceReleaseAgent: %v", err)
	}
	if len(released) != 2 {
		t.Fatalf("released = %v, want 2 resources", released)
	}

	// Локи невиновного агента не тронуты
	locked, err := m.IsLocked(ctx, "r3")
	if err != nil || !locked {
		t.Fatalf("unrelated agent's lock must survive, locked=%v err=%v", locked, err)
	}

	locks, err := m.Inspect(ctx)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if len(locks) != 1 || locks[0].HolderAgentID != "agent-good" {
		t.Fatalf("Inspect = %+v, want only agent-good's lock", locks)
	}
}

func TestManager_ReleaseAll(t *testing.T) {
	clock := newStubClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m := newTestManager(t, clock)
	ctx := context.Background()

	for _, r := range []string{"r1", "r2", "r3"} {
		if _, err := m.Acquire(ctx, r, "agent", 30*time.Second); err != nil {
			t.Fatalf("Acquire %s: %v", r, err)
		}
	}
	if err := m.ReleaseAll(ctx); err != nil {
		t.Fatalf("ReleaseAll: %v", err)
	}
	locks, err := m.Inspect(ctx)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if len(locks) != 0 {
		t.Fatalf("locks remain after ReleaseAll: %+v", locks)
	}
}
