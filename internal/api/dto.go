package api

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/redisctl/internal/domain"
	"github.com/shaiso/redisctl/internal/notify"
)

// Task DTOs

// CreateTaskRequest — запрос на постановку task.
type CreateTaskRequest struct {
	Kind    string             `json:"kind"`
	Payload domain.TaskPayload `json:"payload"`
}

// Validate проверяет kind и обязательные для него поля payload.
// Глубокая проверка (ёмкость, существование instances) — дело executor'а.
func (r *CreateTaskRequest) Validate() (domain.TaskKind, error) {
	kind, err := domain.ParseTaskKind(r.Kind)
	if err != nil {
		return "", err
	}
	p := r.Payload
	switch kind {
	case domain.KindDeployInstance:
		if p.Group == "" {
			return "", fmt.Errorf("payload.group is required")
		}
		if p.Count <= 0 {
			return "", fmt.Errorf("payload.count must be positive")
		}
		if p.MemoryPlan < 0 {
			return "", fmt.Errorf("payload.memory_plan must not be negative")
		}
		if p.Role != "" && !p.Role.Valid() {
			return "", fmt.Errorf("payload.role %q is invalid", p.Role)
		}
	case domain.KindRemoveInstance:
		if len(p.InstanceIDs) == 0 {
			return "", fmt.Errorf("payload.instance_ids is required")
		}
	case domain.KindRebalanceSlots:
		if p.Group == "" {
			return "", fmt.Errorf("payload.group is required")
		}
	}
	return kind, nil
}

// TaskResponse — ответ с task.
type TaskResponse struct {
	ID         uuid.UUID          `json:"id"`
	Kind       domain.TaskKind    `json:"kind"`
	Status     domain.TaskStatus  `json:"status"`
	Payload    domain.TaskPayload `json:"payload"`
	LeaseOwner string             `json:"lease_owner,omitempty"`
	Abandoned  int                `json:"abandoned"`
	Subtasks   int                `json:"subtasks"`
	Result     map[string]any     `json:"result,omitempty"`
	Error      string             `json:"error,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	StartedAt  *time.Time         `json:"started_at,omitempty"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
}

// TaskFromDomain конвертирует domain.Task в TaskResponse.
func TaskFromDomain(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:         t.ID,
		Kind:       t.Kind,
		Status:     t.Status,
		Payload:    t.Payload,
		LeaseOwner: t.LeaseOwner,
		Abandoned:  t.Abandoned,
		Subtasks:   len(t.Subtasks),
		Result:     t.Result,
		Error:      t.Error,
		CreatedAt:  t.CreatedAt,
		StartedAt:  t.StartedAt,
		FinishedAt: t.FinishedAt,
	}
}

// Inventory DTOs

// NodeResponse — ответ с хостом.
type NodeResponse struct {
	ID         uuid.UUID         `json:"id"`
	Address    string            `json:"address"`
	Pod        string            `json:"pod,omitempty"`
	Capacity   int64             `json:"capacity"`
	Allocated  int64             `json:"allocated"`
	Free       int64             `json:"free"`
	Health     domain.NodeHealth `json:"health,omitempty"`
	LastStatAt *time.Time        `json:"last_stat_at,omitempty"`
}

// NodeFromDomain конвертирует domain.Node в NodeResponse.
func NodeFromDomain(n domain.Node) NodeResponse {
	return NodeResponse{
		ID:         n.ID,
		Address:    n.Address,
		Pod:        n.Pod,
		Capacity:   n.Capacity,
		Allocated:  n.Allocated,
		Free:       n.Free(),
		Health:     n.Health,
		LastStatAt: n.LastStatAt,
	}
}

// Stats DTOs

// StatsResponse — история полей INFO одного target'а.
type StatsResponse struct {
	Target string          `json:"target"`
	Start  time.Time       `json:"start"`
	End    time.Time       `json:"end"`
	Series []notify.Series `json:"series"`
}
