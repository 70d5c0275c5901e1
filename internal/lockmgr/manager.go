// Package lockmgr — API над Lock Store: acquire/release/renew/reclaim.
// Очереди здесь нет: менеджер отвечает "свободно или занято" на момент
// вызова, порядок конкурентов решает координатор.
package lockmgr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/agent-warden/internal/domain"
	"github.com/xela07ax/agent-warden/internal/lockstore"
	"github.com/xela07ax/agent-warden/internal/metrics"
)

var (
	// ErrLockBusy — ожидаемый исход, не ошибка: вызывающий повторит на следующем тике.
	ErrLockBusy = errors.New("lockmgr: resource is locked")
	// ErrNotHolder — токен не совпал: попытка снять/продлить чужой лок. Состояние не меняется.
	ErrNotHolder = errors.New("lockmgr: caller is not the lock holder")
	// ErrExpired — лок уже протух, renew отклонен.
	ErrExpired = errors.New("lockmgr: lock already expired")
)

type Manager struct {
	store   lockstore.Store
	logger  *zap.Logger
	metrics *metrics.Metrics

	// Подменяется в тестах
	now func() time.Time
}

func New(store lockstore.Store, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Manager{
		store:   store,
		logger:  logger.Named("lockmgr"),
		metrics: m,
		now:     time.Now,
	}
}

// WithClock подменяет источник времени (детерминированные тесты).
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Acquire не блокируется: успех либо ErrLockBusy сразу.
// Атомарность гарантирует create-if-absent бэкенда, а не проверка перед записью.
func (m *Manager) Acquire(ctx context.Context, resourceID, agentID string, ttl time.Duration) (string, error) {
	now := m.now()
	lock := domain.Lock{
		ResourceID:    resourceID,
		HolderAgentID: agentID,
		Token:         uuid.New().String(),
		AcquiredAt:    now,
		ExpiresAt:     now.Add(ttl),
	}

	err := m.store.TryCreate(ctx, lock)
	if errors.Is(err, lockstore.ErrExists) {
		m.metrics.LockAcquireTotal.WithLabelValues("busy").Inc()
		return "", ErrLockBusy
	}
	if err != nil {
		return "", fmt.Errorf("lockmgr: acquire %s: %w", resourceID, err)
	}

	m.metrics.LockAcquireTotal.WithLabelValues("acquired").Inc()
	m.logger.Debug("lock acquired",
		zap.String("resource_id", resourceID),
		zap.String("agent_id", agentID),
		zap.Time("expires_at", lock.ExpiresAt),
	)
	return lock.Token, nil
}

// Release снимает лок, только если токен принадлежит текущему держателю.
// Чужой или уже переназначенный лок остается нетронутым.
func (m *Manager) Release(ctx context.Context, resourceID, token string) error {
	err := m.store.CompareAndDelete(ctx, resourceID, token)
	if errors.Is(err, lockstore.ErrNotFound) || errors.Is(err, lockstore.ErrTokenMismatch) {
		m.logger.Warn("release refused: caller is not the holder",
			zap.String("resource_id", resourceID))
		return ErrNotHolder
	}
	if err != nil {
		return fmt.Errorf("lockmgr: release %s: %w", resourceID, err)
	}
	return nil
}

// Renew продлевает expires_at для долгих задач, чтобы избежать ложного reclaim.
func (m *Manager) Renew(ctx context.Context, resourceID, token string, ttl time.Duration) error {
	lock, err := m.store.Get(ctx, resourceID)
	if errors.Is(err, lockstore.ErrNotFound) {
		return ErrNotHolder
	}
	if err != nil {
		return fmt.Errorf("lockmgr: renew %s: %w", resourceID, err)
	}
	if lock.Token != token {
		return ErrNotHolder
	}
	now := m.now()
	if lock.Expired(now) {
		return ErrExpired
	}

	lock.ExpiresAt = now.Add(ttl)
	err = m.store.CompareAndUpdate(ctx, resourceID, token, lock)
	if errors.Is(err, lockstore.ErrNotFound) || errors.Is(err, lockstore.ErrTokenMismatch) {
		// Проиграли гонку с reclaim между Get и Update
		return ErrNotHolder
	}
	if err != nil {
		return fmt.Errorf("lockmgr: renew %s: %w", resourceID, err)
	}
	return nil
}

// ReclaimExpired снимает все локи с истекшим TTL. Единственный путь освобождения
// без согласия держателя: упавший или зависший агент не морит ресурс голодом вечно.
// Идемпотентен, зовется координатором в начале каждого тика.
func (m *Manager) ReclaimExpired(ctx context.Context) ([]domain.ReclaimEvent, error) {
	locks, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("lockmgr: reclaim scan: %w", err)
	}

	now := m.now()
	var reclaimed []domain.ReclaimEvent
	for _, lock := range locks {
		if !lock.Expired(now) {
			continue
		}
		// Сравнение по токену: если держатель успел сделать release, а ресурс
		// перезахвачен свежим локом — не трогаем.
		err := m.store.CompareAndDelete(ctx, lock.ResourceID, lock.Token)
		if errors.Is(err, lockstore.ErrNotFound) || errors.Is(err, lockstore.ErrTokenMismatch) {
			continue
		}
		if err != nil {
			return reclaimed, fmt.Errorf("lockmgr: reclaim %s: %w", lock.ResourceID, err)
		}

		m.metrics.LockReclaimedTotal.Inc()
		m.logger.Warn("expired lock reclaimed",
			zap.String("resource_id", lock.ResourceID),
			zap.String("holder_agent_id", lock.HolderAgentID),
			zap.Time("expired_at", lock.ExpiresAt),
		)
		reclaimed = append(reclaimed, domain.ReclaimEvent{
			ResourceID:    lock.ResourceID,
			HolderAgentID: lock.HolderAgentID,
			ExpiresAt:     lock.ExpiresAt,
			ReclaimedAt:   now,
		})
	}
	return reclaimed, nil
}

// ForceReleaseAgent снимает все локи агента в обход проверки держателя.
// Только для Emergency Controller: карантинному агенту чистый release не доверяем.
func (m *Manager) ForceReleaseAgent(ctx context.Context, agentID string) ([]string, error) {
	locks, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("lockmgr: force release scan: %w", err)
	}

	var released []string
	for _, lock := range locks {
		if lock.HolderAgentID != agentID {
			continue
		}
		err := m.store.CompareAndDelete(ctx, lock.ResourceID, lock.Token)
		if errors.Is(err, lockstore.ErrNotFound) || errors.Is(err, lockstore.ErrTokenMismatch) {
			continue
		}
		if err != nil {
			return released, fmt.Errorf("lockmgr: force release %s: %w", lock.ResourceID, err)
		}
		m.logger.Warn("lock force-released",
			zap.String("resource_id", lock.ResourceID),
			zap.String("agent_id", agentID))
		released = append(released, lock.ResourceID)
	}
	return released, nil
}

// ReleaseAll опустошает Lock Store. Вызывается один раз при ShutdownAll.
func (m *Manager) ReleaseAll(ctx context.Context) error {
	locks, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("lockmgr: release all scan: %w", err)
	}
	for _, lock := range locks {
		err := m.store.CompareAndDelete(ctx, lock.ResourceID, lock.Token)
		if errors.Is(err, lockstore.ErrNotFound) || errors.Is(err, lockstore.ErrTokenMismatch) {
			continue
		}
		if err != nil {
			return fmt.Errorf("lockmgr: release all %s: %w", lock.ResourceID, err)
		}
	}
	return nil
}

// Inspect — read-only снимок для консоли и отладки.
func (m *Manager) Inspect(ctx context.Context) ([]domain.Lock, error) {
	return m.store.List(ctx)
}

// IsLocked сообщает, есть ли живой (непротухший) лок на ресурс.
func (m *Manager) IsLocked(ctx context.Context, resourceID string) (bool, error) {
	lock, err := m.store.Get(ctx, resourceID)
	if errors.Is(err, lockstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !lock.Expired(m.now()), nil
}
