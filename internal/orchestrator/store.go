package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/redisctl/internal/domain"
	"github.com/shaiso/redisctl/internal/mq"
)

// TaskStore — операции над tasks, нужные poller'у и executor'у.
//
// Реализации: repo.TaskRepo (PostgreSQL), repotest.Store (память).
// Все переходы с owner — условные и возвращают repo.ErrLeaseLost,
// если task уже не принадлежит owner.
type TaskStore interface {
	ListPending(ctx context.Context, limit int) ([]domain.Task, error)
	Claim(ctx context.Context, id uuid.UUID, owner string, until time.Time) (bool, error)
	Release(ctx context.Context, id uuid.UUID, owner string) error
	Start(ctx context.Context, id uuid.UUID, owner string, until time.Time) error
	RenewLease(ctx context.Context, id uuid.UUID, owner string, until time.Time) error
	SaveSubtasks(ctx context.Context, id uuid.UUID, owner string, subtasks []domain.RemoteSubtask) error
	ReclaimExpired(ctx context.Context, now time.Time, maxAbandon int) (requeued, failed []uuid.UUID, err error)
	Complete(ctx context.Context, id uuid.UUID, owner string, result map[string]any, change *domain.TopologyChange) error
	Fail(ctx context.Context, id uuid.UUID, owner string, errText string, result map[string]any) error
}

// Inventory — чтение хостов и instances.
type Inventory interface {
	ListNodes(ctx context.Context) ([]domain.Node, error)
	ListInstances(ctx context.Context, filter domain.InstanceFilter) ([]domain.Instance, error)
	GetInstances(ctx context.Context, ids []uuid.UUID) ([]domain.Instance, error)
}

// EventPublisher публикует task.finished. Реализация: *mq.Publisher.
type EventPublisher interface {
	PublishTaskFinished(ctx context.Context, payload mq.TaskFinishedPayload) error
}
