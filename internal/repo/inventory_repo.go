package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/redisctl/internal/domain"
)

// InventoryRepo — хосты (nodes) и процессы (instances).
//
// Allocated здесь только читается: меняет его TaskRepo.Complete
// в одной транзакции с instances.
type InventoryRepo struct {
	pool *pgxpool.Pool
}

// NewInventoryRepo создаёт новый InventoryRepo.
func NewInventoryRepo(pool *pgxpool.Pool) *InventoryRepo {
	return &InventoryRepo{pool: pool}
}

// CreateNode регистрирует хост.
func (r *InventoryRepo) CreateNode(ctx context.Context, node *domain.Node) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO nodes (id, address, pod, capacity, allocated, health)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, node.ID, node.Address, node.Pod, node.Capacity, node.Allocated, string(node.Health))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("node %s: %w", node.Address, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert node: %w", err)
	}
	return nil
}

// ListNodes возвращает все хосты.
func (r *InventoryRepo) ListNodes(ctx context.Context) ([]domain.Node, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, address, pod, capacity, allocated, health, last_stat_at
		FROM nodes
		ORDER BY address ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []domain.Node
	for rows.Next() {
		var n domain.Node
		var health *string
		if err := rows.Scan(&n.ID, &n.Address, &n.Pod, &n.Capacity, &n.Allocated, &health, &n.LastStatAt); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		if health != nil {
			n.Health = domain.NodeHealth(*health)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// UpdateHealth записывает состояние хостов по итогам цикла опроса.
func (r *InventoryRepo) UpdateHealth(ctx context.Context, health map[uuid.UUID]domain.NodeHealth, at time.Time) error {
	if len(health) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for nodeID, h := range health {
		batch.Queue(`UPDATE nodes SET health = $2, last_stat_at = $3 WHERE id = $1`, nodeID, string(h), at)
	}

	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("update node health: %w", err)
	}
	return nil
}

const instanceColumns = `id, container_id, node_id, grp, memory_plan, role, address, slot_start, slot_end, created_at`

// ListInstances возвращает instances по фильтру, старые первыми.
func (r *InventoryRepo) ListInstances(ctx context.Context, filter domain.InstanceFilter) ([]domain.Instance, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+instanceColumns+`
		FROM instances
		WHERE ($1::text = '' OR grp = $1::text) AND ($2::text = '' OR role = $2::text)
		ORDER BY created_at ASC, id ASC
	`, filter.Group, string(filter.Role))
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return collectInstances(rows)
}

// GetInstances возвращает instances по ID. Отсутствующие пропускаются.
func (r *InventoryRepo) GetInstances(ctx context.Context, ids []uuid.UUID) ([]domain.Instance, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+instanceColumns+`
		FROM instances
		WHERE id = ANY($1::uuid[])
		ORDER BY created_at ASC, id ASC
	`, uuidStrings(ids))
	if err != nil {
		return nil, fmt.Errorf("get instances: %w", err)
	}
	return collectInstances(rows)
}

// GetInstance возвращает instance по ID.
func (r *InventoryRepo) GetInstance(ctx context.Context, id uuid.UUID) (*domain.Instance, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}
	list, err := collectInstances(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return &list[0], nil
}

func collectInstances(rows pgx.Rows) ([]domain.Instance, error) {
	defer rows.Close()

	var list []domain.Instance
	for rows.Next() {
		var inst domain.Instance
		var slotStart, slotEnd *int
		err := rows.Scan(
			&inst.ID,
			&inst.ContainerID,
			&inst.NodeID,
			&inst.Group,
			&inst.MemoryPlan,
			&inst.Role,
			&inst.Address,
			&slotStart,
			&slotEnd,
			&inst.CreatedAt,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		if slotStart != nil && slotEnd != nil {
			inst.Slots = &domain.SlotRange{Start: *slotStart, End: *slotEnd}
		}
		list = append(list, inst)
	}
	return list, rows.Err()
}
