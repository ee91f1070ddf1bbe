package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskKind — тип изменения топологии.
//
// Набор закрыт: каждому значению соответствует ровно один handler
// в orchestrator. Новый тип = новая константа + handler.
type TaskKind string

const (
	KindDeployInstance TaskKind = "deploy_instance"
	KindRemoveInstance TaskKind = "remove_instance"
	KindRebalanceSlots TaskKind = "rebalance_slots"
)

// TaskKinds перечисляет все известные типы.
var TaskKinds = []TaskKind{KindDeployInstance, KindRemoveInstance, KindRebalanceSlots}

// ParseTaskKind парсит строку в TaskKind.
func ParseTaskKind(s string) (TaskKind, error) {
	for _, k := range TaskKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown task kind %q", s)
}

// TaskPayload — параметры изменения.
//
// Какие поля обязательны, зависит от Kind:
//   - deploy_instance: Group, Count, MemoryPlan, Version, Role
//   - remove_instance: InstanceIDs
//   - rebalance_slots: Group
type TaskPayload struct {
	Group       string       `json:"group,omitempty"`
	Pod         string       `json:"pod,omitempty"`
	Count       int          `json:"count,omitempty"`
	MemoryPlan  int64        `json:"memory_plan,omitempty"`
	Version     string       `json:"version,omitempty"`
	Role        InstanceRole `json:"role,omitempty"`
	Network     string       `json:"network,omitempty"`
	InstanceIDs []uuid.UUID  `json:"instance_ids,omitempty"`
}

// RemoteSubtask — handle асинхронной работы в container-бэкенде.
//
// Принадлежит ровно одному task, пока не разрешён.
type RemoteSubtask struct {
	// Handle — идентификатор в бэкенде.
	Handle string `json:"handle"`

	// NodeID — хост, на который направлен submit.
	NodeID uuid.UUID `json:"node_id"`

	// Replicas — сколько контейнеров ожидается по этому handle.
	Replicas int `json:"replicas"`
}

// Task — запрошенное изменение топологии кластера.
type Task struct {
	ID      uuid.UUID   `json:"id"`
	Kind    TaskKind    `json:"kind"`
	Payload TaskPayload `json:"payload"`
	Status  TaskStatus  `json:"status"`

	// LeaseOwner и LeaseExpiresAt выставлены только в claimed/running.
	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	// Abandoned — сколько раз lease истекал.
	Abandoned int `json:"abandoned"`

	Result   map[string]any  `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
	Subtasks []RemoteSubtask `json:"subtasks,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewTask создаёт pending task.
func NewTask(kind TaskKind, payload TaskPayload) *Task {
	return &Task{
		ID:        uuid.New(),
		Kind:      kind,
		Payload:   payload,
		Status:    TaskStatusPending,
		CreatedAt: time.Now(),
	}
}

// IsFinished возвращает true, если task завершён.
func (t *Task) IsFinished() bool {
	return t.Status.IsTerminal()
}

// LeaseExpired проверяет, истёк ли lease к моменту now.
func (t *Task) LeaseExpired(now time.Time) bool {
	return t.Status.IsLeased() && t.LeaseExpiresAt != nil && !now.Before(*t.LeaseExpiresAt)
}

// Duration возвращает продолжительность выполнения.
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil || t.FinishedAt == nil {
		return 0
	}
	return t.FinishedAt.Sub(*t.StartedAt)
}
