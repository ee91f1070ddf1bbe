package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/shaiso/redisctl/internal/domain"
	"github.com/shaiso/redisctl/internal/gateway"
	"github.com/shaiso/redisctl/internal/mq"
	"github.com/shaiso/redisctl/internal/planner"
	"github.com/shaiso/redisctl/internal/repo"
	"github.com/shaiso/redisctl/internal/telemetry"
)

// Default configuration values.
const (
	defaultWorkers      = 4
	defaultMaxAbandon   = 3
	defaultPollInterval = 10 * time.Second

	finishTimeout = 30 * time.Second
)

// Config — конфигурация Poller.
type Config struct {
	Store     TaskStore
	Inventory Inventory
	Gateway   gateway.Gateway

	// Events — публикация task.finished (опционально).
	Events EventPublisher

	// Conn — RabbitMQ для пробуждения по tasks.pending (опционально).
	// Без него poller работает только по тикам.
	Conn *mq.Connection

	// Owner — идентификатор этого poller'а (default: hostname-<uuid>).
	// Каждый claim получает собственный токен lease "<Owner>/<uuid>".
	Owner string

	Workers      int           // default: 4
	Lease        time.Duration // default: 2m
	MaxAbandon   int           // default: 3
	PollInterval time.Duration // default: 10s
	Backoff      Backoff

	DefaultMemoryPlan int64
	Network           string

	Logger *slog.Logger
}

// Poller находит pending tasks, захватывает их и отдаёт executor'ам.
//
// Одновременно выполняется не больше Workers tasks; если свободных
// слотов нет, task остаётся pending до следующего цикла. Несколько
// poller'ов на разных хостах безопасны: claim — условное обновление
// в БД, выигрывает ровно один.
type Poller struct {
	store      TaskStore
	events     EventPublisher
	conn       *mq.Connection
	executor   *Executor
	owner      string
	workers    int
	lease      time.Duration
	maxAbandon int
	interval   time.Duration

	sem  *semaphore.Weighted
	busy atomic.Int64
	wake chan struct{}

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	loops      sync.WaitGroup
	runs       sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// New создаёт Poller.
func New(cfg Config) *Poller {
	owner := cfg.Owner
	if owner == "" {
		owner = defaultOwner()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	lease := cfg.Lease
	if lease <= 0 {
		lease = defaultLease
	}
	maxAbandon := cfg.MaxAbandon
	if maxAbandon <= 0 {
		maxAbandon = defaultMaxAbandon
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "poller", "owner", owner)

	return &Poller{
		store:  cfg.Store,
		events: cfg.Events,
		conn:   cfg.Conn,
		executor: NewExecutor(ExecutorConfig{
			Store:             cfg.Store,
			Inventory:         cfg.Inventory,
			Gateway:           cfg.Gateway,
			Lease:             lease,
			Backoff:           cfg.Backoff,
			DefaultMemoryPlan: cfg.DefaultMemoryPlan,
			Network:           cfg.Network,
			Logger:            logger,
		}),
		owner:      owner,
		workers:    workers,
		lease:      lease,
		maxAbandon: maxAbandon,
		interval:   interval,
		sem:        semaphore.NewWeighted(int64(workers)),
		wake:       make(chan struct{}, 1),
		logger:     logger,
	}
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "redisctl"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Owner возвращает идентификатор poller'а.
func (p *Poller) Owner() string {
	return p.owner
}

// leaseToken выдаёт новый токен lease для одного claim. Повторный
// захват того же task этим же poller'ом получает другой токен, и
// записи прежнего исполнения отклоняются.
func (p *Poller) leaseToken() string {
	return p.owner + "/" + uuid.NewString()
}

// Start запускает цикл polling и, если задан Conn, consumer tasks.pending.
func (p *Poller) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancelFunc = cancel

	p.logger.Info("starting poller",
		"workers", p.workers,
		"poll_interval", p.interval,
		"lease", p.lease,
		"max_abandon", p.maxAbandon,
	)

	if p.conn != nil {
		consumer := mq.NewConsumer(p.conn, p.logger, mq.ConsumerConfig{
			Queue: mq.QueueTasksPending,
			Handler: func(ctx context.Context, d *mq.Delivery) error {
				p.Kick()
				return nil
			},
		})
		p.loops.Add(1)
		go func() {
			defer p.loops.Done()
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error("task consumer error", "error", err)
			}
		}()
	}

	p.loops.Add(1)
	go func() {
		defer p.loops.Done()
		p.pollLoop(ctx)
	}()

	return nil
}

// Stop останавливает polling и ждёт завершения запущенных executor'ов.
// Executor'ы получают отменённый ctx и выходят без терминальной записи;
// их tasks вернутся в pending по истечении lease.
func (p *Poller) Stop() {
	p.stoppedMu.Lock()
	p.stopped = true
	p.stoppedMu.Unlock()

	p.logger.Info("stopping poller...")

	if p.cancelFunc != nil {
		p.cancelFunc()
	}
	p.loops.Wait()
	p.runs.Wait()

	p.logger.Info("poller stopped")
}

// IsStopped проверяет, остановлен ли Poller.
func (p *Poller) IsStopped() bool {
	p.stoppedMu.RLock()
	defer p.stoppedMu.RUnlock()
	return p.stopped
}

// Kick запрашивает внеочередной цикл. Не блокирует.
func (p *Poller) Kick() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Busy возвращает число выполняющихся tasks.
func (p *Poller) Busy() int {
	return int(p.busy.Load())
}

// Wait ждёт завершения всех запущенных executor'ов.
func (p *Poller) Wait() {
	p.runs.Wait()
}

func (p *Poller) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		claimed, err := p.RunCycle(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Error("poll cycle failed", "error", err)
		}
		if claimed > 0 {
			// Могли остаться pending tasks сверх свободных слотов
			p.Kick()
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

// RunCycle выполняет один проход: возвращает просроченные lease,
// затем захватывает до (Workers - Busy) pending tasks и запускает
// их executor'ы. Возвращает число захваченных tasks.
func (p *Poller) RunCycle(ctx context.Context) (int, error) {
	if p.IsStopped() {
		return 0, ErrPollerStopped
	}

	if err := p.reclaim(ctx); err != nil {
		p.logger.Warn("failed to reclaim expired leases", "error", err)
	}

	free := p.workers - p.Busy()
	if free <= 0 {
		p.logger.Debug("all workers busy, skipping cycle")
		return 0, nil
	}

	tasks, err := p.store.ListPending(ctx, free)
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}

	claimed := 0
	for i := range tasks {
		task := tasks[i]

		if !p.sem.TryAcquire(1) {
			break
		}

		token := p.leaseToken()
		ok, err := p.store.Claim(ctx, task.ID, token, time.Now().Add(p.lease))
		if err != nil {
			p.sem.Release(1)
			return claimed, fmt.Errorf("claim task %s: %w", task.ID, err)
		}
		if !ok {
			p.sem.Release(1)
			telemetry.TaskClaimConflicts.Inc()
			p.logger.Debug("task claimed elsewhere", "task_id", task.ID, "error", ErrClaimConflict)
			continue
		}

		task.LeaseOwner = token
		telemetry.TasksClaimed.Inc()
		claimed++

		if err := p.dispatch(ctx, &task); err != nil {
			p.sem.Release(1)
			p.logger.Warn("dispatch failed, releasing task", "task_id", task.ID, "error", err)
			if rerr := p.store.Release(context.WithoutCancel(ctx), task.ID, token); rerr != nil {
				p.logger.Error("failed to release task", "task_id", task.ID, "error", rerr)
			}
		}
	}

	return claimed, nil
}

// dispatch запускает executor в отдельной горутине. Слот семафора
// уже занят и освобождается по завершении run.
func (p *Poller) dispatch(ctx context.Context, task *domain.Task) error {
	if p.IsStopped() || ctx.Err() != nil {
		return ErrPollerStopped
	}

	p.runs.Add(1)
	p.busy.Add(1)
	telemetry.WorkerPoolBusy.Inc()

	go func() {
		defer func() {
			telemetry.WorkerPoolBusy.Dec()
			p.busy.Add(-1)
			p.sem.Release(1)
			p.runs.Done()
			p.Kick()
		}()
		p.run(ctx, task)
	}()
	return nil
}

func (p *Poller) run(ctx context.Context, task *domain.Task) {
	logger := telemetry.WithTaskID(p.logger, task.ID.String(), string(task.Kind))

	out, err := p.executor.Execute(ctx, task)
	if err != nil {
		switch {
		case errors.Is(err, ErrLeaseLost):
			logger.Warn("lease lost, abandoning execution", "error", err)
		case ctx.Err() != nil:
			logger.Info("execution interrupted by shutdown", "error", err)
		default:
			logger.Error("execution aborted, task will be reclaimed after lease expiry", "error", err)
		}
		return
	}

	p.finish(ctx, task, out, logger)
}

// finish сохраняет терминальный статус. Complete применяет
// TopologyChange в той же транзакции; если ёмкость хоста уже занята,
// созданные контейнеры откатываются и task завершается failed.
func (p *Poller) finish(ctx context.Context, task *domain.Task, out *Outcome, logger *slog.Logger) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	if out.Status == domain.TaskStatusDone {
		err := p.store.Complete(fctx, task.ID, task.LeaseOwner, out.Result, out.Change)
		switch {
		case err == nil:
			logger.Info("task done")
			p.finished(fctx, task, out, logger)
			return
		case errors.Is(err, repo.ErrCapacityExceeded):
			logger.Warn("capacity changed before commit, compensating", "error", err)
			out = p.executor.Abort(fctx, logger, out, fmt.Errorf("%w: %v", planner.ErrCapacityExhausted, err))
		case errors.Is(err, repo.ErrLeaseLost):
			logger.Warn("lease lost before commit", "error", err)
			return
		default:
			logger.Error("failed to complete task", "error", err)
			return
		}
	}

	errText := ""
	if out.Err != nil {
		errText = out.Err.Error()
	}
	if err := p.store.Fail(fctx, task.ID, task.LeaseOwner, errText, out.Result); err != nil {
		if errors.Is(err, repo.ErrLeaseLost) {
			logger.Warn("lease lost before failure could be recorded", "error", err)
		} else {
			logger.Error("failed to record task failure", "error", err)
		}
		return
	}

	logger.Warn("task failed", "error", errText, "error_kind", out.Result["error_kind"])
	p.finished(fctx, task, out, logger)
}

func (p *Poller) finished(ctx context.Context, task *domain.Task, out *Outcome, logger *slog.Logger) {
	telemetry.TasksFinished.WithLabelValues(string(task.Kind), string(out.Status)).Inc()

	payload := mq.TaskFinishedPayload{
		TaskID: task.ID,
		Kind:   string(task.Kind),
		Status: string(out.Status),
	}
	if out.Err != nil {
		payload.Error = out.Err.Error()
		payload.ErrorKind = errorKind(out.Err)
	}
	p.publish(ctx, payload, logger)
}

func (p *Poller) publish(ctx context.Context, payload mq.TaskFinishedPayload, logger *slog.Logger) {
	if p.events == nil {
		return
	}
	if err := p.events.PublishTaskFinished(ctx, payload); err != nil {
		logger.Warn("failed to publish task.finished", "error", err)
	}
}

// reclaim возвращает в pending tasks с истёкшим lease; те, что
// истекали больше MaxAbandon раз, завершаются failed.
func (p *Poller) reclaim(ctx context.Context) error {
	requeued, failedIDs, err := p.store.ReclaimExpired(ctx, time.Now(), p.maxAbandon)
	if err != nil {
		return err
	}

	if n := len(requeued); n > 0 {
		telemetry.TasksReclaimed.WithLabelValues("requeued").Add(float64(n))
		p.logger.Warn("expired leases requeued", "count", n)
	}
	for _, id := range failedIDs {
		telemetry.TasksReclaimed.WithLabelValues("failed").Inc()
		telemetry.TasksFinished.WithLabelValues("", string(domain.TaskStatusFailed)).Inc()
		p.logger.Error("task abandoned too many times", "task_id", id, "max_abandon", p.maxAbandon)
		p.publish(ctx, mq.TaskFinishedPayload{
			TaskID:    id,
			Status:    string(domain.TaskStatusFailed),
			Error:     ErrAbandoned.Error(),
			ErrorKind: KindAbandoned,
		}, p.logger)
	}
	return nil
}
