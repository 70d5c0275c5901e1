// Package sandbox — граница с внешним рантаймом изоляции (контейнеры, jail, VM).
// Сам механизм изоляции вне зоны ответственности: мы только диспатчим задачи
// и дергаем stop/freeze на эскалациях.
package sandbox

import (
	"context"

	"github.com/xela07ax/agent-warden/internal/domain"
)

// Runtime — контракт внешнего рантайма.
// Stop обязан быть идемпотентен; Freeze ставит песочницу на паузу без потери
// состояния — для форензики карантинного агента.
type Runtime interface {
	// Start запускает задачу в песочнице агента.
	Start(ctx context.Context, sandboxHandle string, task domain.Task) error

	// Stop останавливает песочницу и обрывает сеть/процессы. Идемпотентен.
	Stop(ctx context.Context, sandboxHandle string) error

	// Freeze замораживает песочницу с сохранением состояния.
	Freeze(ctx context.Context, sandboxHandle string) error

	// Health — проверка готовности рантайма перед стартом рана.
	Health(ctx context.Context) error
}
