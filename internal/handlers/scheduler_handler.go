package handlers

import (
	"net/http"
	"strings"

	"github.com/ternarybob/indago/internal/interfaces"
)

// SchedulerHandler exposes the maintenance scheduler for inspection and
// on-demand runs
type SchedulerHandler struct {
	scheduler interfaces.SchedulerService
}

func NewSchedulerHandler(scheduler interfaces.SchedulerService) *SchedulerHandler {
	return &SchedulerHandler{scheduler: scheduler}
}

// ListJobsHandler handles GET /api/scheduler/jobs
func (h *SchedulerHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"running": h.scheduler.IsRunning(),
		"jobs":    h.scheduler.GetAllJobStatuses(),
	})
}

// TriggerJobHandler handles POST /api/scheduler/jobs/{name}/trigger
func (h *SchedulerHandler) TriggerJobHandler(w http.ResponseWriter, r *http.Request) {
	name, ok := h.jobName(w, r, "/trigger")
	if !ok {
		return
	}

	if err := h.scheduler.TriggerJob(name); err != nil {
		WriteError(w, http.StatusConflict, err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"status": "triggered",
		"job":    name,
	})
}

// EnableJobHandler handles POST /api/scheduler/jobs/{name}/enable
func (h *SchedulerHandler) EnableJobHandler(w http.ResponseWriter, r *http.Request) {
	name, ok := h.jobName(w, r, "/enable")
	if !ok {
		return
	}

	if err := h.scheduler.EnableJob(name); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"status": "enabled",
		"job":    name,
	})
}

// DisableJobHandler handles POST /api/scheduler/jobs/{name}/disable
func (h *SchedulerHandler) DisableJobHandler(w http.ResponseWriter, r *http.Request) {
	name, ok := h.jobName(w, r, "/disable")
	if !ok {
		return
	}

	if err := h.scheduler.DisableJob(name); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"status": "disabled",
		"job":    name,
	})
}

// jobName pulls the job name out of /api/scheduler/jobs/{name}{action}
// and confirms the job exists
func (h *SchedulerHandler) jobName(w http.ResponseWriter, r *http.Request, action string) (string, bool) {
	if !RequireMethod(w, r, "POST") {
		return "", false
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/scheduler/jobs/")
	name, found := strings.CutSuffix(rest, action)
	if !found || name == "" || strings.Contains(name, "/") {
		WriteError(w, http.StatusNotFound, "expected /api/scheduler/jobs/{name}"+action)
		return "", false
	}

	if _, err := h.scheduler.GetJobStatus(name); err != nil {
		WriteError(w, http.StatusNotFound, err.Error())
		return "", false
	}
	return name, true
}
