package cli

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/redisctl/internal/config"
	"github.com/shaiso/redisctl/internal/domain"
	"github.com/shaiso/redisctl/internal/mq"
	"github.com/shaiso/redisctl/internal/repo"
	"github.com/shaiso/redisctl/internal/snapshot"
)

// TaskStore — операции над tasks, нужные CLI.
type TaskStore interface {
	Create(ctx context.Context, task *domain.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	List(ctx context.Context, status domain.TaskStatus, limit int) ([]domain.Task, error)
}

// NodeStore — операции над инвентарём, нужные CLI.
type NodeStore interface {
	CreateNode(ctx context.Context, node *domain.Node) error
	ListNodes(ctx context.Context) ([]domain.Node, error)
	ListInstances(ctx context.Context, filter domain.InstanceFilter) ([]domain.Instance, error)
}

// Waker будит poller после вставки task. Реализация: *mq.Publisher.
type Waker interface {
	PublishTaskPending(ctx context.Context, taskID uuid.UUID) error
}

// Backend — ресурсы, к которым подключаются команды.
type Backend interface {
	Tasks(ctx context.Context) (TaskStore, error)
	Nodes(ctx context.Context) (NodeStore, error)

	// Waker может вернуть nil: тогда task подхватит следующий цикл poller'а.
	Waker(ctx context.Context) Waker

	Snapshots() (*snapshot.Store, error)
	Config() config.Config
}

// Env — Backend поверх PostgreSQL, RabbitMQ и каталога snapshot'ов.
// Соединения открываются при первом обращении.
type Env struct {
	cfg    config.Config
	logger *slog.Logger

	mu     sync.Mutex
	pool   *pgxpool.Pool
	conn   *mq.Connection
	pub    *mq.Publisher
	mqDone bool
}

// NewEnv создаёт Env.
func NewEnv(cfg config.Config, logger *slog.Logger) *Env {
	if logger == nil {
		logger = slog.Default()
	}
	return &Env{cfg: cfg, logger: logger}
}

// Config возвращает конфигурацию.
func (e *Env) Config() config.Config {
	return e.cfg
}

func (e *Env) db(ctx context.Context) (*pgxpool.Pool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pool != nil {
		return e.pool, nil
	}
	pool, err := repo.NewPool(ctx, e.cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	e.pool = pool
	return pool, nil
}

// Tasks возвращает TaskRepo.
func (e *Env) Tasks(ctx context.Context) (TaskStore, error) {
	pool, err := e.db(ctx)
	if err != nil {
		return nil, err
	}
	return repo.NewTaskRepo(pool), nil
}

// Nodes возвращает InventoryRepo.
func (e *Env) Nodes(ctx context.Context) (NodeStore, error) {
	pool, err := e.db(ctx)
	if err != nil {
		return nil, err
	}
	return repo.NewInventoryRepo(pool), nil
}

// Waker подключается к RabbitMQ один раз; если брокер недоступен, возвращает nil.
func (e *Env) Waker(ctx context.Context) Waker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.mqDone {
		e.mqDone = true
		conn, err := mq.NewConnection(e.cfg.RabbitMQURL, e.logger)
		if err != nil {
			e.logger.Debug("RabbitMQ not available, poller will pick the task up on its next cycle", "error", err)
			return nil
		}
		if err := mq.SetupTopology(ctx, conn); err != nil {
			e.logger.Debug("failed to setup topology", "error", err)
		}
		e.conn = conn
		e.pub = mq.NewPublisher(conn, e.logger)
	}
	if e.pub == nil {
		return nil
	}
	return e.pub
}

// Snapshots открывает каталог snapshot'ов.
func (e *Env) Snapshots() (*snapshot.Store, error) {
	return snapshot.New(e.cfg.PermDir, e.logger)
}

// Close закрывает открытые соединения.
func (e *Env) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		e.conn.Close()
	}
	if e.pool != nil {
		e.pool.Close()
	}
}
