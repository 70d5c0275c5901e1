// Package lockstore — durable хранилище записей локов.
// Единственный разделяемый мутируемый ресурс системы: вся запись идет
// через атомарные примитивы ниже, никакого read-modify-write снаружи.
package lockstore

import (
	"context"
	"errors"

	"github.com/xela07ax/agent-warden/internal/domain"
)

var (
	// ErrExists — живая запись для ресурса уже есть (Acquire проиграл гонку).
	ErrExists = errors.New("lockstore: lock record already exists")
	// ErrNotFound — записи для ресурса нет.
	ErrNotFound = errors.New("lockstore: lock record not found")
	// ErrTokenMismatch — токен вызывающего не совпал с текущим держателем.
	ErrTokenMismatch = errors.New("lockstore: token mismatch")
)

// Store — контракт бэкенда. Ключевое требование: TryCreate атомарен
// относительно всех конкурентных TryCreate на тот же ресурс, в том числе
// из разных OS-процессов. Никаких check-then-act.
type Store interface {
	// TryCreate создает запись, только если ее еще нет (create-if-absent).
	TryCreate(ctx context.Context, lock domain.Lock) error

	// Get возвращает текущую запись ресурса.
	Get(ctx context.Context, resourceID string) (domain.Lock, error)

	// CompareAndDelete удаляет запись, только если токен совпадает.
	CompareAndDelete(ctx context.Context, resourceID, token string) error

	// CompareAndUpdate заменяет запись, только если токен совпадает (renew).
	CompareAndUpdate(ctx context.Context, resourceID, token string, lock domain.Lock) error

	// List — read-only срез всех записей (inspect). Представление бэкенда
	// наружу не течет даже для отладки.
	List(ctx context.Context) ([]domain.Lock, error)
}
