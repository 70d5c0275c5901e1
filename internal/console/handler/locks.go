package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/agent-warden/internal/domain"
)

// LockInspector — read-only доступ к Lock Store. Прямого чтения стора у
// консоли нет: только через менеджер.
type LockInspector interface {
	Inspect(ctx context.Context) ([]domain.Lock, error)
}

type LockHandler struct {
	locks  LockInspector
	logger *zap.Logger
}

func NewLockHandler(locks LockInspector, logger *zap.Logger) *LockHandler {
	return &LockHandler{locks: locks, logger: logger}
}

// List отдает снимок всех живых локов.
func (h *LockHandler) List(w http.ResponseWriter, r *http.Request) {
	locks, err := h.locks.Inspect(r.Context())
	if err != nil {
		h.logger.Error("lock inspect failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if locks == nil {
		locks = []domain.Lock{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(locks)
}
