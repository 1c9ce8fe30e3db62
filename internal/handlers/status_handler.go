package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/common"
	"github.com/ternarybob/indago/internal/interfaces"
	"github.com/ternarybob/indago/internal/queue"
	"github.com/ternarybob/indago/internal/services/notify"
)

// StatusHandler reports process-level state: stored task count, jobs in
// flight, whether maintenance and notification delivery are live
type StatusHandler struct {
	tasks      interfaces.TaskStorage
	dispatcher *queue.Dispatcher
	scheduler  interfaces.SchedulerService
	notify     *notify.Service
	logger     arbor.ILogger
}

func NewStatusHandler(tasks interfaces.TaskStorage, dispatcher *queue.Dispatcher, scheduler interfaces.SchedulerService, notifySvc *notify.Service, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		tasks:      tasks,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		notify:     notifySvc,
		logger:     logger,
	}
}

// GetStatusHandler handles GET /api/status
func (h *StatusHandler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	taskCount, err := h.tasks.CountTasks(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Task count failed")
		WriteError(w, http.StatusInternalServerError, "task count failed")
		return
	}

	status := map[string]interface{}{
		"status":  "ok",
		"version": common.GetVersion(),
		"tasks":   taskCount,
	}
	if h.dispatcher != nil {
		status["running_jobs"] = h.dispatcher.RunningCount()
	}
	if h.scheduler != nil {
		status["scheduler_running"] = h.scheduler.IsRunning()
	}
	if h.notify != nil {
		status["notification_delivery"] = h.notify.DeliveryEnabled()
	}

	WriteJSON(w, http.StatusOK, status)
}
