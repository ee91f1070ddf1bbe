package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/redisctl/internal/domain"
)

// TaskRepo — репозиторий для работы с tasks.
//
// Все переходы статуса — условные UPDATE (compare-and-set по status и
// lease_owner), поэтому несколько poller'ов могут работать с одной БД.
type TaskRepo struct {
	pool *pgxpool.Pool
}

// NewTaskRepo создаёт новый TaskRepo.
func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

const taskColumns = `
	id, kind, payload, status, lease_owner, lease_expires_at, abandoned,
	result, error, subtasks, created_at, started_at, finished_at`

// Create создаёт новый task.
func (r *TaskRepo) Create(ctx context.Context, task *domain.Task) error {
	payloadJSON, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	query := `
		INSERT INTO tasks (id, kind, payload, status, abandoned, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = r.pool.Exec(ctx, query,
		task.ID,
		task.Kind,
		payloadJSON,
		task.Status,
		task.Abandoned,
		task.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetByID возвращает task по ID.
func (r *TaskRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	return scanTask(r.pool.QueryRow(ctx, query, id))
}

// List возвращает последние tasks, опционально по статусу.
func (r *TaskRepo) List(ctx context.Context, status domain.TaskStatus, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE ($1::text = '' OR status = $1::text)
		ORDER BY created_at DESC
		LIMIT $2
	`
	return r.queryTasks(ctx, query, string(status), limit)
}

// ListPending возвращает pending tasks, самые старые первыми.
func (r *TaskRepo) ListPending(ctx context.Context, limit int) ([]domain.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1
	`
	return r.queryTasks(ctx, query, limit)
}

// Claim атомарно переводит task pending → claimed.
// Возвращает false, если task уже захвачен кем-то другим.
func (r *TaskRepo) Claim(ctx context.Context, id uuid.UUID, owner string, until time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET status = 'claimed', lease_owner = $2, lease_expires_at = $3
		WHERE id = $1 AND status = 'pending'
	`, id, owner, until)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release возвращает захваченный, но не запущенный task в pending.
func (r *TaskRepo) Release(ctx context.Context, id uuid.UUID, owner string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET status = 'pending', lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $1 AND status = 'claimed' AND lease_owner = $2
	`, id, owner)
	if err != nil {
		return fmt.Errorf("release task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Start переводит task claimed → running.
func (r *TaskRepo) Start(ctx context.Context, id uuid.UUID, owner string, until time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET status = 'running', lease_expires_at = $3, started_at = now()
		WHERE id = $1 AND status = 'claimed' AND lease_owner = $2
	`, id, owner, until)
	if err != nil {
		return fmt.Errorf("start task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// RenewLease продлевает lease владельца.
func (r *TaskRepo) RenewLease(ctx context.Context, id uuid.UUID, owner string, until time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET lease_expires_at = $3
		WHERE id = $1 AND status IN ('claimed', 'running') AND lease_owner = $2
	`, id, owner, until)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// SaveSubtasks сохраняет handles удалённых подзадач.
func (r *TaskRepo) SaveSubtasks(ctx context.Context, id uuid.UUID, owner string, subtasks []domain.RemoteSubtask) error {
	subtasksJSON, err := json.Marshal(subtasks)
	if err != nil {
		return fmt.Errorf("marshal subtasks: %w", err)
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET subtasks = $3
		WHERE id = $1 AND status = 'running' AND lease_owner = $2
	`, id, owner, subtasksJSON)
	if err != nil {
		return fmt.Errorf("save subtasks: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ReclaimExpired возвращает в pending tasks с истёкшим lease.
// Tasks, превысившие maxAbandon, переводятся в failed.
func (r *TaskRepo) ReclaimExpired(ctx context.Context, now time.Time, maxAbandon int) (requeued, failed []uuid.UUID, err error) {
	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		failed, err = collectIDs(tx.Query(ctx, `
			UPDATE tasks
			SET status = 'failed', abandoned = abandoned + 1,
			    error = 'abandoned: lease expired ' || (abandoned + 1) || ' times',
			    lease_owner = NULL, lease_expires_at = NULL, finished_at = $1
			WHERE status IN ('claimed', 'running') AND lease_expires_at <= $1
			  AND abandoned + 1 > $2
			RETURNING id
		`, now, maxAbandon))
		if err != nil {
			return fmt.Errorf("fail abandoned tasks: %w", err)
		}

		requeued, err = collectIDs(tx.Query(ctx, `
			UPDATE tasks
			SET status = 'pending', abandoned = abandoned + 1,
			    lease_owner = NULL, lease_expires_at = NULL
			WHERE status IN ('claimed', 'running') AND lease_expires_at <= $1
			RETURNING id
		`, now))
		if err != nil {
			return fmt.Errorf("requeue abandoned tasks: %w", err)
		}
		return nil
	})
	return requeued, failed, err
}

// Complete применяет изменение топологии и переводит task в done
// одной транзакцией.
//
// Allocated каждого затронутого хоста меняется условным UPDATE:
// если результат выходит за [0, capacity], транзакция откатывается
// с ErrCapacityExceeded.
func (r *TaskRepo) Complete(ctx context.Context, id uuid.UUID, owner string, result map[string]any, change *domain.TopologyChange) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE tasks
			SET status = 'done', result = $3, error = NULL, finished_at = now(),
			    lease_owner = NULL, lease_expires_at = NULL
			WHERE id = $1 AND status = 'running' AND lease_owner = $2
		`, id, owner, resultJSON)
		if err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrLeaseLost
		}

		if change.IsEmpty() {
			return nil
		}
		return applyChange(ctx, tx, change)
	})
}

// Fail переводит task в failed.
func (r *TaskRepo) Fail(ctx context.Context, id uuid.UUID, owner string, errText string, result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET status = 'failed', error = $3, result = $4, finished_at = now(),
		    lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $1 AND status IN ('claimed', 'running') AND lease_owner = $2
	`, id, owner, nullString(errText), resultJSON)
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// applyChange выполняет мутацию топологии внутри транзакции.
func applyChange(ctx context.Context, tx pgx.Tx, change *domain.TopologyChange) error {
	var removed []domain.Instance
	if len(change.Remove) > 0 {
		rows, err := tx.Query(ctx, `
			DELETE FROM instances
			WHERE id = ANY($1::uuid[])
			RETURNING node_id, memory_plan
		`, uuidStrings(change.Remove))
		if err != nil {
			return fmt.Errorf("delete instances: %w", err)
		}
		for rows.Next() {
			var inst domain.Instance
			if err := rows.Scan(&inst.NodeID, &inst.MemoryPlan); err != nil {
				rows.Close()
				return fmt.Errorf("scan removed instance: %w", err)
			}
			removed = append(removed, inst)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("delete instances: %w", err)
		}
	}

	for i := range change.Add {
		if err := insertInstance(ctx, tx, &change.Add[i]); err != nil {
			return err
		}
	}

	delta := change.AllocationDelta(removed)
	nodeIDs := make([]uuid.UUID, 0, len(delta))
	for nodeID := range delta {
		nodeIDs = append(nodeIDs, nodeID)
	}
	// Единый порядок блокировок строк nodes
	sort.Slice(nodeIDs, func(i, j int) bool { return nodeIDs[i].String() < nodeIDs[j].String() })

	for _, nodeID := range nodeIDs {
		d := delta[nodeID]
		if d == 0 {
			continue
		}
		tag, err := tx.Exec(ctx, `
			UPDATE nodes
			SET allocated = allocated + $2
			WHERE id = $1 AND allocated + $2 <= capacity AND allocated + $2 >= 0
		`, nodeID, d)
		if err != nil {
			return fmt.Errorf("adjust allocation: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: node %s delta %d", ErrCapacityExceeded, nodeID, d)
		}
	}

	for instID, slots := range change.Slots {
		_, err := tx.Exec(ctx, `
			UPDATE instances SET slot_start = $2, slot_end = $3
			WHERE id = $1 AND role = 'master'
		`, instID, slots.Start, slots.End)
		if err != nil {
			return fmt.Errorf("update slots: %w", err)
		}
	}

	return nil
}

func insertInstance(ctx context.Context, tx pgx.Tx, inst *domain.Instance) error {
	var slotStart, slotEnd *int
	if inst.Slots != nil {
		slotStart, slotEnd = &inst.Slots.Start, &inst.Slots.End
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO instances (id, container_id, node_id, grp, memory_plan, role, address, slot_start, slot_end, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		inst.ID,
		inst.ContainerID,
		inst.NodeID,
		inst.Group,
		inst.MemoryPlan,
		inst.Role,
		inst.Address,
		slotStart,
		slotEnd,
		inst.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

// --- Helpers ---

func (r *TaskRepo) queryTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func collectIDs(rows pgx.Rows, err error) ([]uuid.UUID, error) {
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

func scanTask(row pgx.Row) (*domain.Task, error) {
	var task domain.Task
	var payloadJSON, resultJSON, subtasksJSON []byte
	var leaseOwner, taskError *string

	err := row.Scan(
		&task.ID,
		&task.Kind,
		&payloadJSON,
		&task.Status,
		&leaseOwner,
		&task.LeaseExpiresAt,
		&task.Abandoned,
		&resultJSON,
		&taskError,
		&subtasksJSON,
		&task.CreatedAt,
		&task.StartedAt,
		&task.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	if payloadJSON != nil {
		if err := json.Unmarshal(payloadJSON, &task.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if resultJSON != nil {
		if err := json.Unmarshal(resultJSON, &task.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if subtasksJSON != nil {
		if err := json.Unmarshal(subtasksJSON, &task.Subtasks); err != nil {
			return nil, fmt.Errorf("unmarshal subtasks: %w", err)
		}
	}
	if leaseOwner != nil {
		task.LeaseOwner = *leaseOwner
	}
	if taskError != nil {
		task.Error = *taskError
	}

	return &task, nil
}
