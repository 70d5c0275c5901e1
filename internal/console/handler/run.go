package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/agent-warden/internal/coordinator"
	"github.com/xela07ax/agent-warden/internal/domain"
	"github.com/xela07ax/agent-warden/internal/emergency"
)

// RunReporter — статус рана от координатора.
type RunReporter interface {
	Report() domain.RunReport
	CancelTask(taskID string) error
}

// EmergencyReporter — safety-срез для отчета.
type EmergencyReporter interface {
	State() emergency.State
	QuarantinedAgents() []string
	Causes() []domain.Violation
}

type RunHandler struct {
	coord  RunReporter
	safety EmergencyReporter
	logger *zap.Logger
}

func NewRunHandler(coord RunReporter, safety EmergencyReporter, logger *zap.Logger) *RunHandler {
	return &RunHandler{coord: coord, safety: safety, logger: logger}
}

// Status — полный отчет рана: задачи, агенты, reclaim-события,
// safety-состояние и нарушения, двигавшие эскалацию.
func (h *RunHandler) Status(w http.ResponseWriter, r *http.Request) {
	rep := h.coord.Report()
	rep.Emergency = h.safety.State().String()
	rep.Quarantined = h.safety.QuarantinedAgents()
	rep.Violations = h.safety.Causes()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rep)
}

// Cancel снимает задачу до назначения. Назначенную — 409.
func (h *RunHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	err := h.coord.CancelTask(taskID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, coordinator.ErrAlreadyAssigned):
		http.Error(w, "task already assigned", http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusNotFound)
	}
}
