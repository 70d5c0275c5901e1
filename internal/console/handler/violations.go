package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/agent-warden/internal/domain"
)

// ViolationReader — чтение audit trail. Реализуется и файловым журналом,
// и postgres-репозиторием.
type ViolationReader interface {
	Read(ctx context.Context) ([]domain.Violation, error)
}

type ViolationHandler struct {
	log    ViolationReader
	logger *zap.Logger
}

func NewViolationHandler(log ViolationReader, logger *zap.Logger) *ViolationHandler {
	return &ViolationHandler{log: log, logger: logger}
}

// List отдает журнал нарушений целиком, в порядке записи.
func (h *ViolationHandler) List(w http.ResponseWriter, r *http.Request) {
	violations, err := h.log.Read(r.Context())
	if err != nil {
		h.logger.Error("violation log read failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if violations == nil {
		violations = []domain.Violation{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(violations)
}
