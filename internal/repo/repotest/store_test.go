package repotest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/redisctl/internal/domain"
	"github.com/shaiso/redisctl/internal/repo"
)

func TestStore_ConcurrentClaim(t *testing.T) {
	s := New()
	task := domain.NewTask(domain.KindRebalanceSlots, domain.TaskPayload{Group: "cache"})
	s.AddTask(task)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.Claim(context.Background(), task.ID, fmt.Sprintf("owner-%d", i), time.Now().Add(time.Minute))
			if err != nil {
				t.Errorf("claim: %v", err)
			}
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}

func TestStore_OwnerChecks(t *testing.T) {
	ctx := context.Background()
	s := New()
	task := domain.NewTask(domain.KindRebalanceSlots, domain.TaskPayload{Group: "cache"})
	s.AddTask(task)

	if ok, _ := s.Claim(ctx, task.ID, "a", time.Now().Add(time.Minute)); !ok {
		t.Fatal("claim failed")
	}
	if err := s.Start(ctx, task.ID, "b", time.Now()); !errors.Is(err, repo.ErrLeaseLost) {
		t.Errorf("expected ErrLeaseLost for foreign owner, got %v", err)
	}
	if err := s.Complete(ctx, task.ID, "a", nil, nil); !errors.Is(err, repo.ErrLeaseLost) {
		t.Errorf("expected ErrLeaseLost completing a claimed task, got %v", err)
	}
	if err := s.Start(ctx, task.ID, "a", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Complete(ctx, task.ID, "a", map[string]any{"ok": true}, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := s.Fail(ctx, task.ID, "a", "late", nil); !errors.Is(err, repo.ErrLeaseLost) {
		t.Errorf("expected ErrLeaseLost after terminal status, got %v", err)
	}
}

func TestStore_CompleteRollsBackOnCapacity(t *testing.T) {
	ctx := context.Background()
	s := New()
	node := domain.Node{ID: uuid.New(), Address: "10.0.0.1", Capacity: 100, Allocated: 50}
	s.AddNode(node)

	task := domain.NewTask(domain.KindDeployInstance, domain.TaskPayload{Group: "cache", Count: 1})
	s.AddTask(task)
	s.Claim(ctx, task.ID, "a", time.Now().Add(time.Minute))
	s.Start(ctx, task.ID, "a", time.Now().Add(time.Minute))

	change := &domain.TopologyChange{Add: []domain.Instance{
		{ID: uuid.New(), NodeID: node.ID, MemoryPlan: 60, Role: domain.RoleMaster},
	}}
	if err := s.Complete(ctx, task.ID, "a", nil, change); !errors.Is(err, repo.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}

	if got := s.Node(node.ID).Allocated; got != 50 {
		t.Errorf("allocation changed: %d", got)
	}
	if list, _ := s.ListInstances(ctx, domain.InstanceFilter{}); len(list) != 0 {
		t.Errorf("instances inserted despite rollback: %d", len(list))
	}
	if got := s.Task(task.ID).Status; got != domain.TaskStatusRunning {
		t.Errorf("expected task still running, got %s", got)
	}
}

func TestStore_ReclaimExpired(t *testing.T) {
	ctx := context.Background()
	s := New()
	task := domain.NewTask(domain.KindRebalanceSlots, domain.TaskPayload{Group: "cache"})
	s.AddTask(task)

	for i := 1; i <= 3; i++ {
		if ok, _ := s.Claim(ctx, task.ID, "dead", time.Now().Add(time.Minute)); !ok {
			t.Fatalf("round %d: claim failed", i)
		}
		s.ExpireLease(task.ID)

		requeued, failed, err := s.ReclaimExpired(ctx, time.Now(), 2)
		if err != nil {
			t.Fatalf("reclaim: %v", err)
		}
		if i <= 2 && (len(requeued) != 1 || len(failed) != 0) {
			t.Errorf("round %d: expected requeue, got requeued=%v failed=%v", i, requeued, failed)
		}
		if i == 3 && (len(failed) != 1 || len(requeued) != 0) {
			t.Errorf("round %d: expected failure, got requeued=%v failed=%v", i, requeued, failed)
		}
	}

	got := s.Task(task.ID)
	if got.Status != domain.TaskStatusFailed || got.Abandoned != 3 {
		t.Errorf("expected failed with abandoned=3, got %s/%d", got.Status, got.Abandoned)
	}
}
