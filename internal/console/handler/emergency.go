package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/agent-warden/internal/emergency"
	"github.com/xela07ax/agent-warden/internal/infra/auth"
)

// EmergencyCommands — ручные команды оператора, минующие автоматические пороги.
type EmergencyCommands interface {
	ForceQuarantine(ctx context.Context, agentID string) error
	ForceShutdown(ctx context.Context) error
}

type EmergencyHandler struct {
	ctrl   EmergencyCommands
	logger *zap.Logger
}

func NewEmergencyHandler(ctrl EmergencyCommands, logger *zap.Logger) *EmergencyHandler {
	return &EmergencyHandler{ctrl: ctrl, logger: logger}
}

// Quarantine — принудительный карантин агента по команде оператора.
func (h *EmergencyHandler) Quarantine(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	h.logger.Warn("operator forced quarantine",
		zap.String("agent_id", agentID),
		zap.String("operator", auth.OperatorFrom(r.Context())))

	if err := h.ctrl.ForceQuarantine(r.Context(), agentID); err != nil {
		if errors.Is(err, emergency.ErrRunTerminated) {
			http.Error(w, "run is terminated", http.StatusConflict)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Shutdown — принудительный ShutdownAll. Идемпотентен.
func (h *EmergencyHandler) Shutdown(w http.ResponseWriter, r *http.Request) {
	h.logger.Warn("operator forced shutdown",
		zap.String("operator", auth.OperatorFrom(r.Context())))

	if err := h.ctrl.ForceShutdown(r.Context()); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
