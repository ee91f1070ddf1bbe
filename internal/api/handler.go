package api

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/shaiso/redisctl/internal/domain"
	"github.com/shaiso/redisctl/internal/notify"
)

// TaskStore — tasks для API. Реализации: *repo.TaskRepo, *repotest.Store.
type TaskStore interface {
	Create(ctx context.Context, task *domain.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	List(ctx context.Context, status domain.TaskStatus, limit int) ([]domain.Task, error)
}

// Inventory — хосты и instances для API.
type Inventory interface {
	ListNodes(ctx context.Context) ([]domain.Node, error)
	ListInstances(ctx context.Context, filter domain.InstanceFilter) ([]domain.Instance, error)
}

// Snapshots — опубликованные collector'ом файлы. Реализация: *snapshot.Store.
type Snapshots interface {
	ReadSnapshot() (*domain.PollSnapshot, error)
	ReadTargets() (*domain.TargetList, error)
}

// Waker будит poller после создания task. Реализация: *mq.Publisher.
type Waker interface {
	PublishTaskPending(ctx context.Context, taskID uuid.UUID) error
}

// Handler — dashboard API daemon'а.
type Handler struct {
	tasks     TaskStore
	inventory Inventory
	snapshots Snapshots
	stats     notify.StatsSink
	waker     Waker
	logger    *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Tasks     TaskStore
	Inventory Inventory
	Snapshots Snapshots

	// Stats — источник истории метрик (nil → notify.Nop, пустые серии).
	Stats notify.StatsSink

	// Waker опционален: без него task подхватит следующий цикл poller'а.
	Waker Waker

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	var stats notify.StatsSink = notify.Nop{}
	if cfg.Stats != nil {
		stats = cfg.Stats
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		tasks:     cfg.Tasks,
		inventory: cfg.Inventory,
		snapshots: cfg.Snapshots,
		stats:     stats,
		waker:     cfg.Waker,
		logger:    logger.With("component", "api"),
	}
}
