package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/redisctl/internal/domain"
	"github.com/shaiso/redisctl/internal/gateway"
	"github.com/shaiso/redisctl/internal/repo"
	"github.com/shaiso/redisctl/internal/telemetry"
)

const (
	defaultLease      = 2 * time.Minute
	defaultMemoryPlan = 108000000

	// compensateTimeout — сколько даём на откат, даже если ctx executor'а уже отменён.
	compensateTimeout = 30 * time.Second
	lastPollTimeout   = 5 * time.Second
)

// Outcome — решение executor'а о терминальном статусе task.
//
// Executor ничего не пишет в терминальный статус сам: Outcome сохраняет
// poller (Complete или Fail), Change применяется в той же транзакции.
type Outcome struct {
	Status domain.TaskStatus
	Result map[string]any
	Err    error
	Change *domain.TopologyChange

	// Provisioned — контейнеры, созданные этим исполнением. Удаляются,
	// если Complete не прошёл проверку ёмкости.
	Provisioned []string
}

func done(result map[string]any, change *domain.TopologyChange) *Outcome {
	return &Outcome{Status: domain.TaskStatusDone, Result: result, Change: change}
}

func failed(err error) *Outcome {
	return &Outcome{
		Status: domain.TaskStatusFailed,
		Err:    err,
		Result: map[string]any{"error_kind": errorKind(err)},
	}
}

// ExecutorConfig — конфигурация Executor.
type ExecutorConfig struct {
	Store     TaskStore
	Inventory Inventory
	Gateway   gateway.Gateway

	Lease   time.Duration // default: 2m
	Backoff Backoff

	// DefaultMemoryPlan — план памяти для deploy без memory_plan (default: 108MB).
	DefaultMemoryPlan int64

	// Network — сеть контейнеров для deploy без network.
	Network string

	Logger *slog.Logger
}

// Executor проводит один task через машину состояний:
// validate → plan → submit → poll handles → Outcome.
type Executor struct {
	store      TaskStore
	inventory  Inventory
	gateway    gateway.Gateway
	lease      time.Duration
	backoff    Backoff
	memoryPlan int64
	network    string
	logger     *slog.Logger
}

// NewExecutor создаёт Executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	lease := cfg.Lease
	if lease <= 0 {
		lease = defaultLease
	}
	memoryPlan := cfg.DefaultMemoryPlan
	if memoryPlan <= 0 {
		memoryPlan = defaultMemoryPlan
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gw := cfg.Gateway
	if gw == nil {
		gw = gateway.Disabled{}
	}

	return &Executor{
		store:      cfg.Store,
		inventory:  cfg.Inventory,
		gateway:    gw,
		lease:      lease,
		backoff:    cfg.Backoff.withDefaults(),
		memoryPlan: memoryPlan,
		network:    cfg.Network,
		logger:     logger,
	}
}

// Execute переводит claimed task в running и выполняет handler его типа.
// task.LeaseOwner — токен, полученный при Claim; все записи идут от его имени.
//
// error возвращается только когда терминальный статус писать нельзя:
// lease потерян, ctx отменён или недоступна БД. Тогда task вернётся
// в pending по истечении lease.
func (e *Executor) Execute(ctx context.Context, task *domain.Task) (*Outcome, error) {
	logger := telemetry.WithTaskID(e.logger, task.ID.String(), string(task.Kind))

	if task.LeaseOwner == "" {
		return nil, fmt.Errorf("%w: task %s has no lease token", ErrLeaseLost, task.ID)
	}
	if err := e.store.Start(ctx, task.ID, task.LeaseOwner, e.leaseUntil()); err != nil {
		return nil, leaseErr(err)
	}
	task.Status = domain.TaskStatusRunning

	logger.Info("task started", "abandoned", task.Abandoned)

	switch task.Kind {
	case domain.KindDeployInstance:
		return e.deploy(ctx, task, e.keeper(task), logger)
	case domain.KindRemoveInstance:
		return e.remove(ctx, task, logger)
	case domain.KindRebalanceSlots:
		return e.rebalance(ctx, task, logger)
	default:
		return failed(fmt.Errorf("%w: %q", ErrUnknownKind, task.Kind)), nil
	}
}

// Abort откатывает успешный Outcome, который не удалось сохранить
// (например, из-за проверки ёмкости в Complete), и возвращает failed.
func (e *Executor) Abort(ctx context.Context, logger *slog.Logger, out *Outcome, cause error) *Outcome {
	res := failed(cause)
	e.compensateInto(ctx, logger, res, out.Provisioned)
	return res
}

// compensateInto удаляет containers и пишет итог в out.Result.
// Ошибка отката не меняет исход: task всё равно failed.
func (e *Executor) compensateInto(ctx context.Context, logger *slog.Logger, out *Outcome, containers []string) {
	if len(containers) == 0 {
		return
	}
	out.Result["compensated_containers"] = containers
	if err := e.compensate(ctx, logger, containers); err != nil {
		out.Result["compensation_error"] = err.Error()
	}
}

// compensate удаляет containers даже при отменённом ctx executor'а.
func (e *Executor) compensate(ctx context.Context, logger *slog.Logger, containers []string) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()
	if err := e.gateway.Remove(cctx, containers); err != nil {
		logger.Warn("compensating removal failed", "containers", len(containers), "error", err)
		return err
	}
	logger.Info("compensating removal done", "containers", len(containers))
	return nil
}

// await опрашивает handles с экспоненциальной паузой, пока все не
// разрешатся или не выйдет Backoff.Deadline. Между раундами продлевает lease.
func (e *Executor) await(ctx context.Context, lease *leaseKeeper, subtasks []domain.RemoteSubtask,
	resolved map[gateway.Handle][]string, logger *slog.Logger) error {
	deadline := time.Now().Add(e.backoff.Deadline)

	for attempt := 1; ; attempt++ {
		pending := 0
		for _, st := range subtasks {
			h := gateway.Handle(st.Handle)
			if _, ok := resolved[h]; ok {
				continue
			}

			if err := lease.touch(ctx); err != nil {
				return err
			}
			pollCtx, cancel := e.callCtx(ctx, deadline)
			res, err := e.gateway.Poll(pollCtx, h)
			cancel()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				if errors.Is(err, gateway.ErrRejected) {
					return fmt.Errorf("poll %s: %w", h, err)
				}
				logger.Warn("gateway poll failed, will retry", "handle", h, "error", err)
				pending++
				continue
			}

			switch res.State {
			case gateway.Resolved:
				resolved[h] = res.ContainerIDs
			case gateway.Failed:
				return fmt.Errorf("%w: handle %s: %s", gateway.ErrRejected, h, res.Error)
			default:
				pending++
			}
		}

		if pending == 0 {
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: %d of %d handles unresolved after %s",
				gateway.ErrTimeout, pending, len(subtasks), e.backoff.Deadline)
		}

		if err := lease.touch(ctx); err != nil {
			return err
		}

		wait := min(e.backoff.Delay(attempt), time.Until(deadline))
		logger.Debug("waiting for gateway", "pending", pending, "attempt", attempt, "delay", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// provisioned собирает контейнеры, уже созданные по subtasks:
// разрешённые в await плюс однократный опрос остальных handles.
func (e *Executor) provisioned(ctx context.Context, subtasks []domain.RemoteSubtask, resolved map[gateway.Handle][]string) []string {
	var containers []string
	for _, st := range subtasks {
		h := gateway.Handle(st.Handle)
		if ids, ok := resolved[h]; ok {
			containers = append(containers, ids...)
			continue
		}

		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lastPollTimeout)
		res, err := e.gateway.Poll(pctx, h)
		cancel()
		if err == nil && res.State == gateway.Resolved {
			containers = append(containers, res.ContainerIDs...)
		}
	}
	return containers
}

func (e *Executor) leaseUntil() time.Time {
	return time.Now().Add(e.lease)
}

// callCtx ограничивает один вызов gateway половиной lease и,
// если задан, общим deadline ожидания.
func (e *Executor) callCtx(ctx context.Context, deadline time.Time) (context.Context, context.CancelFunc) {
	timeout := e.lease / 2
	if !deadline.IsZero() {
		timeout = min(timeout, time.Until(deadline))
	}
	return context.WithTimeout(ctx, timeout)
}

// callErr помечает истёкший тайм-аут вызова как gateway.ErrTimeout.
// Отмена родительского ctx остаётся как есть.
func callErr(parent context.Context, err error) error {
	if err != nil && parent.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", gateway.ErrTimeout, err)
	}
	return err
}

// leaseKeeper продлевает lease одного исполнения не чаще раза в четверть lease.
// Вызывается перед каждым обращением к gateway и перед паузой backoff.
type leaseKeeper struct {
	store   TaskStore
	id      uuid.UUID
	token   string
	lease   time.Duration
	renewed time.Time
}

func (e *Executor) keeper(task *domain.Task) *leaseKeeper {
	return &leaseKeeper{
		store:   e.store,
		id:      task.ID,
		token:   task.LeaseOwner,
		lease:   e.lease,
		renewed: time.Now(),
	}
}

func (k *leaseKeeper) touch(ctx context.Context) error {
	if time.Since(k.renewed) < k.lease/4 {
		return nil
	}
	now := time.Now()
	if err := k.store.RenewLease(ctx, k.id, k.token, now.Add(k.lease)); err != nil {
		return leaseErr(err)
	}
	k.renewed = now
	return nil
}

// leaseErr переводит repo.ErrLeaseLost в ErrLeaseLost; остальное — как есть.
func leaseErr(err error) error {
	if errors.Is(err, repo.ErrLeaseLost) {
		return fmt.Errorf("%w: %v", ErrLeaseLost, err)
	}
	return err
}
