package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/redisctl/internal/domain"
	"github.com/shaiso/redisctl/internal/gateway"
	"github.com/shaiso/redisctl/internal/gateway/gatewaytest"
	"github.com/shaiso/redisctl/internal/mq"
	"github.com/shaiso/redisctl/internal/repo/repotest"
)

type recordingEvents struct {
	mu     sync.Mutex
	events []mq.TaskFinishedPayload
}

func (r *recordingEvents) PublishTaskFinished(_ context.Context, p mq.TaskFinishedPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, p)
	return nil
}

func (r *recordingEvents) list() []mq.TaskFinishedPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]mq.TaskFinishedPayload(nil), r.events...)
}

func newTestPoller(store TaskStore, inv Inventory, gw gateway.Gateway, events EventPublisher, owner string) *Poller {
	return New(Config{
		Store:      store,
		Inventory:  inv,
		Gateway:    gw,
		Events:     events,
		Owner:      owner,
		Workers:    2,
		MaxAbandon: 2,
		Backoff:    fastBackoff,
	})
}

func TestPoller_SuccessfulDeploy(t *testing.T) {
	store := repotest.New()
	a, b := scenarioNodes(store)
	events := &recordingEvents{}
	p := newTestPoller(store, store, gatewaytest.New(), events, testOwner)

	task := domain.NewTask(domain.KindDeployInstance, domain.TaskPayload{Group: "cache", Count: 3, MemoryPlan: 108})
	store.AddTask(task)

	claimed, err := p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claimed != 1 {
		t.Fatalf("expected 1 claimed, got %d", claimed)
	}
	p.Wait()

	got := store.Task(task.ID)
	if got.Status != domain.TaskStatusDone {
		t.Fatalf("expected done, got %s (%s)", got.Status, got.Error)
	}
	if got.LeaseOwner != "" || got.LeaseExpiresAt != nil {
		t.Error("lease should be cleared after completion")
	}
	if alloc := store.Node(b.ID).Allocated; alloc != 824 {
		t.Errorf("expected B.allocated 824, got %d", alloc)
	}
	if alloc := store.Node(a.ID).Allocated; alloc != 2000 {
		t.Errorf("expected A.allocated unchanged, got %d", alloc)
	}

	instances, _ := store.ListInstances(context.Background(), domain.InstanceFilter{Group: "cache"})
	if len(instances) != 3 {
		t.Fatalf("expected 3 instances, got %d", len(instances))
	}
	for _, inst := range instances {
		if inst.NodeID != b.ID {
			t.Errorf("instance on %s, expected B", inst.NodeID)
		}
	}

	ev := events.list()
	if len(ev) != 1 || ev[0].TaskID != task.ID || ev[0].Status != string(domain.TaskStatusDone) {
		t.Errorf("unexpected events: %+v", ev)
	}
	if p.Busy() != 0 {
		t.Errorf("expected idle pool, got %d busy", p.Busy())
	}
}

func TestPoller_CapacityExhaustion(t *testing.T) {
	store := repotest.New()
	a, b := scenarioNodes(store)
	events := &recordingEvents{}
	p := newTestPoller(store, store, gatewaytest.New(), events, testOwner)

	task := domain.NewTask(domain.KindDeployInstance, domain.TaskPayload{Group: "cache", Count: 5, MemoryPlan: 600})
	store.AddTask(task)

	if _, err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.Wait()

	got := store.Task(task.ID)
	if got.Status != domain.TaskStatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.Result["error_kind"] != KindCapacityExhausted {
		t.Errorf("expected %s, got %v", KindCapacityExhausted, got.Result["error_kind"])
	}
	if store.Node(a.ID).Allocated != 2000 || store.Node(b.ID).Allocated != 500 {
		t.Error("allocation must not change")
	}
	if instances, _ := store.ListInstances(context.Background(), domain.InstanceFilter{}); len(instances) != 0 {
		t.Errorf("expected no instances, got %d", len(instances))
	}
	if ev := events.list(); len(ev) != 1 || ev[0].ErrorKind != KindCapacityExhausted {
		t.Errorf("unexpected events: %+v", ev)
	}
}

func TestPoller_GatewayTimeout(t *testing.T) {
	store := repotest.New()
	_, b := scenarioNodes(store)
	gw := gatewaytest.New()
	gw.NeverResolve = true
	p := newTestPoller(store, store, gw, nil, testOwner)

	task := domain.NewTask(domain.KindDeployInstance, domain.TaskPayload{Group: "cache", Count: 3, MemoryPlan: 108})
	store.AddTask(task)

	if _, err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.Wait()

	got := store.Task(task.ID)
	if got.Status != domain.TaskStatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.Result["error_kind"] != KindGatewayTimeout {
		t.Errorf("expected %s, got %v", KindGatewayTimeout, got.Result["error_kind"])
	}
	if store.Node(b.ID).Allocated != 500 {
		t.Errorf("allocation must not change, got %d", store.Node(b.ID).Allocated)
	}
	if instances, _ := store.ListInstances(context.Background(), domain.InstanceFilter{}); len(instances) != 0 {
		t.Errorf("expected no instances, got %d", len(instances))
	}
}

// racingStore занимает ёмкость хоста прямо перед Complete.
type racingStore struct {
	*repotest.Store
	before func()
}

func (s *racingStore) Complete(ctx context.Context, id uuid.UUID, owner string, result map[string]any, change *domain.TopologyChange) error {
	s.before()
	return s.Store.Complete(ctx, id, owner, result, change)
}

func TestPoller_CapacityTakenBeforeCommit(t *testing.T) {
	inner := repotest.New()
	node := domain.Node{ID: uuid.New(), Address: "10.0.0.1", Capacity: 1000}
	inner.AddNode(node)
	store := &racingStore{Store: inner, before: func() {
		full := node
		full.Allocated = 950
		inner.AddNode(full)
	}}

	gw := gatewaytest.New()
	p := newTestPoller(store, inner, gw, nil, testOwner)

	task := domain.NewTask(domain.KindDeployInstance, domain.TaskPayload{Group: "cache", Count: 2, MemoryPlan: 100})
	inner.AddTask(task)

	if _, err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.Wait()

	got := inner.Task(task.ID)
	if got.Status != domain.TaskStatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.Result["error_kind"] != KindCapacityExhausted {
		t.Errorf("expected %s, got %v", KindCapacityExhausted, got.Result["error_kind"])
	}
	if removed := gw.RemovedIDs(); len(removed) != 2 {
		t.Errorf("expected both containers compensated, got %v", removed)
	}
	if inner.Node(node.ID).Allocated != 950 {
		t.Errorf("expected allocation untouched by failed commit, got %d", inner.Node(node.ID).Allocated)
	}
}

func TestPoller_AtMostOneClaim(t *testing.T) {
	store := repotest.New()
	node := domain.Node{ID: uuid.New(), Address: "10.0.0.1", Capacity: 1000}
	store.AddNode(node)
	store.AddInstance(domain.Instance{ID: uuid.New(), NodeID: node.ID, Group: "cache", Role: domain.RoleMaster})

	task := domain.NewTask(domain.KindRebalanceSlots, domain.TaskPayload{Group: "cache"})
	store.AddTask(task)

	const pollers = 8
	var wg sync.WaitGroup
	counts := make([]int, pollers)
	ps := make([]*Poller, pollers)
	for i := range ps {
		ps[i] = newTestPoller(store, store, gatewaytest.New(), nil, "poller-"+uuid.NewString())
	}
	for i := range ps {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := ps[i].RunCycle(context.Background())
			if err != nil {
				t.Errorf("poller %d: %v", i, err)
			}
			counts[i] = n
		}(i)
	}
	wg.Wait()
	for _, p := range ps {
		p.Wait()
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	if total != 1 {
		t.Fatalf("expected exactly one claim, got %d", total)
	}
	if got := store.Task(task.ID); got.Status != domain.TaskStatusDone {
		t.Errorf("expected done, got %s (%s)", got.Status, got.Error)
	}
}

func TestPoller_AbandonmentIsBounded(t *testing.T) {
	store := repotest.New()
	store.AddNode(domain.Node{ID: uuid.New(), Address: "10.0.0.1", Capacity: 1000})
	gw := gatewaytest.New()
	gw.NeverResolve = true
	events := &recordingEvents{}

	p := New(Config{
		Store:      store,
		Inventory:  store,
		Gateway:    gw,
		Events:     events,
		Owner:      testOwner,
		Workers:    1,
		MaxAbandon: 2,
		Backoff:    Backoff{Initial: time.Millisecond, Max: time.Millisecond, Deadline: time.Hour},
	})

	task := domain.NewTask(domain.KindDeployInstance, domain.TaskPayload{Group: "cache", Count: 1, MemoryPlan: 100})
	store.AddTask(task)

	claims := 0
	for cycle := 0; cycle < 10; cycle++ {
		// Executor «умирает» посреди ожидания: ctx отменён, lease истекает
		ctx, cancel := context.WithCancel(context.Background())
		n, err := p.RunCycle(ctx)
		if err != nil {
			t.Fatalf("cycle %d: %v", cycle, err)
		}
		claims += n
		cancel()
		p.Wait()

		if store.Task(task.ID).Status == domain.TaskStatusFailed {
			break
		}
		store.ExpireLease(task.ID)
	}

	got := store.Task(task.ID)
	if got.Status != domain.TaskStatusFailed {
		t.Fatalf("expected failed after repeated abandonment, got %s", got.Status)
	}
	if claims != 3 {
		t.Errorf("expected 3 executions (max_abandon+1), got %d", claims)
	}
	if got.Abandoned != 3 {
		t.Errorf("expected abandoned=3, got %d", got.Abandoned)
	}

	// Submit выполнен один раз, последующие исполнения продолжали с сохранённого handle
	if gw.SubmitCount() != 1 {
		t.Errorf("expected a single submit, got %d", gw.SubmitCount())
	}

	ev := events.list()
	if len(ev) != 1 || ev[0].ErrorKind != KindAbandoned {
		t.Errorf("expected one abandoned event, got %+v", ev)
	}
}

func TestPoller_RespectsWorkerLimit(t *testing.T) {
	store := repotest.New()
	store.AddNode(domain.Node{ID: uuid.New(), Address: "10.0.0.1", Capacity: 10000})
	gw := gatewaytest.New()
	gw.NeverResolve = true

	p := New(Config{
		Store:     store,
		Inventory: store,
		Gateway:   gw,
		Owner:     testOwner,
		Workers:   2,
		Backoff:   Backoff{Initial: time.Millisecond, Max: time.Millisecond, Deadline: time.Hour},
	})

	for i := 0; i < 5; i++ {
		task := domain.NewTask(domain.KindDeployInstance, domain.TaskPayload{Group: "cache", Count: 1, MemoryPlan: 100})
		task.CreatedAt = time.Now().Add(time.Duration(i) * time.Millisecond)
		store.AddTask(task)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if n, _ := p.RunCycle(ctx); n != 2 {
		t.Fatalf("expected 2 claimed, got %d", n)
	}
	if n, _ := p.RunCycle(ctx); n != 0 {
		t.Errorf("expected no claims while pool is full, got %d", n)
	}

	pending, _ := store.ListPending(context.Background(), 0)
	if len(pending) != 3 {
		t.Errorf("expected 3 tasks left pending, got %d", len(pending))
	}

	cancel()
	p.Wait()
}

func TestPoller_StoppedRejectsCycle(t *testing.T) {
	store := repotest.New()
	p := newTestPoller(store, store, gatewaytest.New(), nil, testOwner)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	p.Stop()

	if _, err := p.RunCycle(context.Background()); !errors.Is(err, ErrPollerStopped) {
		t.Errorf("expected ErrPollerStopped, got %v", err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPoller_ReclaimedDeployRemovesUnrecordedContainers(t *testing.T) {
	store := repotest.New()
	node := domain.Node{ID: uuid.New(), Address: "10.0.0.1", Capacity: 1000}
	store.AddNode(node)

	entered := make(chan struct{})
	release := make(chan struct{})
	gw := gatewaytest.New()
	gw.OnSubmit = func(_ context.Context, n int) error {
		if n == 1 {
			close(entered)
			<-release
		}
		return nil
	}
	p := newTestPoller(store, store, gw, nil, testOwner)

	task := domain.NewTask(domain.KindDeployInstance, domain.TaskPayload{Group: "cache", Count: 1, MemoryPlan: 100})
	store.AddTask(task)

	ctx := context.Background()
	if n, err := p.RunCycle(ctx); err != nil || n != 1 {
		t.Fatalf("first cycle: claimed %d, err %v", n, err)
	}
	<-entered

	// Первое исполнение висит в Submit, lease истёк, тот же poller захватывает task снова
	store.ExpireLease(task.ID)
	if n, err := p.RunCycle(ctx); err != nil || n != 1 {
		t.Fatalf("second cycle: claimed %d, err %v", n, err)
	}
	eventually(t, "second execution to finish", func() bool {
		return store.Task(task.ID).Status == domain.TaskStatusDone
	})

	close(release)
	p.Wait()

	got := store.Task(task.ID)
	if got.Status != domain.TaskStatusDone {
		t.Fatalf("expected done, got %s (%s)", got.Status, got.Error)
	}
	if gw.SubmitCount() != 2 {
		t.Fatalf("expected 2 submits, got %d", gw.SubmitCount())
	}

	instances, _ := store.ListInstances(ctx, domain.InstanceFilter{Group: "cache"})
	if len(instances) != 1 {
		t.Fatalf("expected 1 instance, got %d", len(instances))
	}
	removed := gw.RemovedIDs()
	if len(removed) != 1 || removed[0] == instances[0].ContainerID {
		t.Errorf("expected the stale execution's container removed and %s kept, got %v",
			instances[0].ContainerID, removed)
	}
	if alloc := store.Node(node.ID).Allocated; alloc != 100 {
		t.Errorf("expected allocation of one instance, got %d", alloc)
	}
}

func TestPoller_ClaimTokensAreUnique(t *testing.T) {
	p := newTestPoller(repotest.New(), repotest.New(), gatewaytest.New(), nil, testOwner)
	a, b := p.leaseToken(), p.leaseToken()
	if a == b {
		t.Errorf("expected distinct tokens, got %q twice", a)
	}
	if !strings.HasPrefix(a, testOwner+"/") {
		t.Errorf("expected token prefixed with poller owner, got %q", a)
	}
}
