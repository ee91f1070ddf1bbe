package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/shaiso/redisctl/internal/domain"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ListTasks возвращает tasks, новые первыми.
// GET /api/v1/tasks?status=...&limit=...
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	status := domain.TaskStatus(r.URL.Query().Get("status"))
	switch status {
	case "", domain.TaskStatusPending, domain.TaskStatusClaimed, domain.TaskStatusRunning,
		domain.TaskStatusDone, domain.TaskStatusFailed:
	default:
		BadRequest(w, "invalid status")
		return
	}

	limit := defaultListLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			BadRequest(w, "invalid limit")
			return
		}
		limit = min(n, maxListLimit)
	}

	tasks, err := h.tasks.List(r.Context(), status, limit)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]TaskResponse, len(tasks))
	for i, t := range tasks {
		result[i] = TaskFromDomain(t)
	}
	List(w, result, len(result))
}

// CreateTask ставит pending task и будит poller.
// POST /api/v1/tasks
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	kind, err := req.Validate()
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	task := domain.NewTask(kind, req.Payload)
	if HandleRepoError(w, h.logger, h.tasks.Create(r.Context(), task), "") {
		return
	}

	// Уведомление best-effort: poller найдёт task и по таймеру
	if h.waker != nil {
		if err := h.waker.PublishTaskPending(r.Context(), task.ID); err != nil {
			h.logger.Warn("failed to publish task pending", "task_id", task.ID, "error", err)
		}
	}

	h.logger.Info("task queued", "task_id", task.ID, "kind", task.Kind)
	Created(w, TaskFromDomain(*task))
}

// GetTask возвращает task по ID.
// GET /api/v1/tasks/{id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid task id")
		return
	}

	task, err := h.tasks.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "task not found") {
		return
	}
	Success(w, TaskFromDomain(*task))
}
