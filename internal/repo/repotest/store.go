// Package repotest — хранилище в памяти с той же семантикой, что и
// репозитории PostgreSQL: CAS-переходы статусов, проверка владельца lease,
// атомарное применение TopologyChange с проверкой ёмкости.
package repotest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/redisctl/internal/domain"
	"github.com/shaiso/redisctl/internal/repo"
)

// Store — in-memory PersistentStore.
type Store struct {
	mu        sync.Mutex
	tasks     map[uuid.UUID]*domain.Task
	nodes     map[uuid.UUID]*domain.Node
	instances map[uuid.UUID]*domain.Instance

	// FailNext — если задан, следующая операция вернёт эту ошибку.
	FailNext error
}

// New создаёт пустой Store.
func New() *Store {
	return &Store{
		tasks:     make(map[uuid.UUID]*domain.Task),
		nodes:     make(map[uuid.UUID]*domain.Node),
		instances: make(map[uuid.UUID]*domain.Instance),
	}
}

// --- Наполнение и чтение для тестов ---

// AddTask сохраняет копию task.
func (s *Store) AddTask(t *domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
}

// Create реализует TaskRepo.Create.
func (s *Store) Create(_ context.Context, t *domain.Task) error {
	s.AddTask(t)
	return nil
}

// AddNode сохраняет копию node.
func (s *Store) AddNode(n domain.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[n.ID] = &n
}

// CreateNode реализует InventoryRepo.CreateNode.
func (s *Store) CreateNode(_ context.Context, n *domain.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.nodes {
		if existing.Address == n.Address {
			return repo.ErrAlreadyExists
		}
	}
	cp := *n
	s.nodes[n.ID] = &cp
	return nil
}

// AddInstance сохраняет копию instance.
func (s *Store) AddInstance(inst domain.Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.ID] = &inst
}

// Task возвращает копию task.
func (s *Store) Task(id uuid.UUID) domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.tasks[id]
}

// Node возвращает копию node.
func (s *Store) Node(id uuid.UUID) domain.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.nodes[id]
}

// ExpireLease сдвигает lease task в прошлое.
func (s *Store) ExpireLease(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	past := time.Now().Add(-time.Second)
	s.tasks[id].LeaseExpiresAt = &past
}

func (s *Store) takeFailure() error {
	err := s.FailNext
	s.FailNext = nil
	return err
}

// --- TaskRepo ---

// GetByID возвращает task по ID.
func (s *Store) GetByID(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// List возвращает tasks, новые первыми.
func (s *Store) List(_ context.Context, status domain.TaskStatus, limit int) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Task
	for _, t := range s.tasks {
		if status == "" || t.Status == status {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListPending возвращает pending tasks, старые первыми.
func (s *Store) ListPending(_ context.Context, limit int) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	var out []domain.Task
	for _, t := range s.tasks {
		if t.Status == domain.TaskStatusPending {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Claim — CAS pending → claimed.
func (s *Store) Claim(_ context.Context, id uuid.UUID, owner string, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != domain.TaskStatusPending {
		return false, nil
	}
	t.Status = domain.TaskStatusClaimed
	t.LeaseOwner = owner
	t.LeaseExpiresAt = &until
	return true, nil
}

// Release — claimed → pending.
func (s *Store) Release(_ context.Context, id uuid.UUID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.owned(id, owner, domain.TaskStatusClaimed)
	if err != nil {
		return err
	}
	t.Status = domain.TaskStatusPending
	t.LeaseOwner = ""
	t.LeaseExpiresAt = nil
	return nil
}

// Start — claimed → running.
func (s *Store) Start(_ context.Context, id uuid.UUID, owner string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.owned(id, owner, domain.TaskStatusClaimed)
	if err != nil {
		return err
	}
	now := time.Now()
	t.Status = domain.TaskStatusRunning
	t.LeaseExpiresAt = &until
	t.StartedAt = &now
	return nil
}

// RenewLease продлевает lease.
func (s *Store) RenewLease(_ context.Context, id uuid.UUID, owner string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.owned(id, owner, domain.TaskStatusClaimed, domain.TaskStatusRunning)
	if err != nil {
		return err
	}
	t.LeaseExpiresAt = &until
	return nil
}

// SaveSubtasks сохраняет handles.
func (s *Store) SaveSubtasks(_ context.Context, id uuid.UUID, owner string, subtasks []domain.RemoteSubtask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.owned(id, owner, domain.TaskStatusRunning)
	if err != nil {
		return err
	}
	t.Subtasks = append([]domain.RemoteSubtask(nil), subtasks...)
	return nil
}

// ReclaimExpired возвращает tasks с истёкшим lease в pending или failed.
func (s *Store) ReclaimExpired(_ context.Context, now time.Time, maxAbandon int) (requeued, failed []uuid.UUID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, nil, err
	}
	for _, t := range s.tasks {
		if !t.LeaseExpired(now) {
			continue
		}
		t.Abandoned++
		t.LeaseOwner = ""
		t.LeaseExpiresAt = nil
		if t.Abandoned > maxAbandon {
			finished := now
			t.Status = domain.TaskStatusFailed
			t.Error = fmt.Sprintf("abandoned: lease expired %d times", t.Abandoned)
			t.FinishedAt = &finished
			failed = append(failed, t.ID)
			continue
		}
		t.Status = domain.TaskStatusPending
		requeued = append(requeued, t.ID)
	}
	return requeued, failed, nil
}

// Complete применяет change и переводит task в done атомарно.
func (s *Store) Complete(_ context.Context, id uuid.UUID, owner string, result map[string]any, change *domain.TopologyChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.owned(id, owner, domain.TaskStatusRunning)
	if err != nil {
		return err
	}

	if !change.IsEmpty() {
		if err := s.applyChange(change); err != nil {
			return err
		}
	}

	now := time.Now()
	t.Status = domain.TaskStatusDone
	t.Result = result
	t.Error = ""
	t.FinishedAt = &now
	t.LeaseOwner = ""
	t.LeaseExpiresAt = nil
	return nil
}

// Fail переводит task в failed.
func (s *Store) Fail(_ context.Context, id uuid.UUID, owner string, errText string, result map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.owned(id, owner, domain.TaskStatusClaimed, domain.TaskStatusRunning)
	if err != nil {
		return err
	}
	now := time.Now()
	t.Status = domain.TaskStatusFailed
	t.Error = errText
	t.Result = result
	t.FinishedAt = &now
	t.LeaseOwner = ""
	t.LeaseExpiresAt = nil
	return nil
}

func (s *Store) owned(id uuid.UUID, owner string, statuses ...domain.TaskStatus) (*domain.Task, error) {
	t, ok := s.tasks[id]
	if !ok || t.LeaseOwner != owner {
		return nil, repo.ErrLeaseLost
	}
	for _, st := range statuses {
		if t.Status == st {
			return t, nil
		}
	}
	return nil, repo.ErrLeaseLost
}

// applyChange проверяет всё заранее и только потом мутирует — аналог отката транзакции.
func (s *Store) applyChange(change *domain.TopologyChange) error {
	var removed []domain.Instance
	for _, id := range change.Remove {
		if inst, ok := s.instances[id]; ok {
			removed = append(removed, *inst)
		}
	}

	for _, inst := range change.Add {
		if _, ok := s.nodes[inst.NodeID]; !ok {
			return fmt.Errorf("insert instance: node %s does not exist", inst.NodeID)
		}
	}

	delta := change.AllocationDelta(removed)
	for nodeID, d := range delta {
		n, ok := s.nodes[nodeID]
		if !ok {
			continue
		}
		if n.Allocated+d > n.Capacity || n.Allocated+d < 0 {
			return fmt.Errorf("%w: node %s delta %d", repo.ErrCapacityExceeded, nodeID, d)
		}
	}

	for _, inst := range removed {
		delete(s.instances, inst.ID)
	}
	for _, inst := range change.Add {
		cp := inst
		s.instances[inst.ID] = &cp
	}
	for nodeID, d := range delta {
		if n, ok := s.nodes[nodeID]; ok {
			n.Allocated += d
		}
	}
	for id, slots := range change.Slots {
		if inst, ok := s.instances[id]; ok && inst.Role == domain.RoleMaster {
			sr := slots
			inst.Slots = &sr
		}
	}
	return nil
}

// --- InventoryRepo ---

// ListNodes возвращает хосты по адресу.
func (s *Store) ListNodes(_ context.Context) ([]domain.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	out := make([]domain.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

// UpdateHealth записывает здоровье хостов.
func (s *Store) UpdateHealth(_ context.Context, health map[uuid.UUID]domain.NodeHealth, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, h := range health {
		if n, ok := s.nodes[id]; ok {
			n.Health = h
			ts := at
			n.LastStatAt = &ts
		}
	}
	return nil
}

// ListInstances возвращает instances по фильтру.
func (s *Store) ListInstances(_ context.Context, filter domain.InstanceFilter) ([]domain.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Instance
	for _, inst := range s.instances {
		if filter.Match(inst) {
			out = append(out, *inst)
		}
	}
	sortInstances(out)
	return out, nil
}

// GetInstances возвращает существующие instances из ids.
func (s *Store) GetInstances(_ context.Context, ids []uuid.UUID) ([]domain.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Instance
	for _, id := range ids {
		if inst, ok := s.instances[id]; ok {
			out = append(out, *inst)
		}
	}
	sortInstances(out)
	return out, nil
}

func sortInstances(list []domain.Instance) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID.String() < list[j].ID.String()
	})
}
