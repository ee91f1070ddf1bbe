package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/shaiso/redisctl/internal/config"
	"github.com/shaiso/redisctl/internal/domain"
	"github.com/shaiso/redisctl/internal/repo/repotest"
	"github.com/shaiso/redisctl/internal/snapshot"
)

type fakeWaker struct {
	mu  sync.Mutex
	ids []uuid.UUID
	err error
}

func (w *fakeWaker) PublishTaskPending(_ context.Context, id uuid.UUID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ids = append(w.ids, id)
	return w.err
}

type fakeBackend struct {
	store *repotest.Store
	snaps *snapshot.Store
	waker *fakeWaker
	cfg   config.Config
}

func (b *fakeBackend) Tasks(context.Context) (TaskStore, error) { return b.store, nil }
func (b *fakeBackend) Nodes(context.Context) (NodeStore, error) { return b.store, nil }
func (b *fakeBackend) Snapshots() (*snapshot.Store, error)      { return b.snaps, nil }
func (b *fakeBackend) Config() config.Config                   { return b.cfg }

func (b *fakeBackend) Waker(context.Context) Waker {
	if b.waker == nil {
		return nil
	}
	return b.waker
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	snaps, err := snapshot.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("snapshot store: %v", err)
	}
	return &fakeBackend{
		store: repotest.New(),
		snaps: snaps,
		waker: &fakeWaker{},
		cfg:   config.Default(),
	}
}

// run выполняет команду и возвращает stdout и stderr.
func run(t *testing.T, b *fakeBackend, jsonMode bool, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	out := &Output{jsonMode: jsonMode, w: &stdout, errW: &stderr}

	root := &cobra.Command{Use: "redisctl", SilenceUsage: true, SilenceErrors: true}
	backendFn := func() Backend { return b }
	outputFn := func() *Output { return out }
	root.AddCommand(
		NewSnapshotCmd(backendFn, outputFn),
		NewTaskCmd(backendFn, outputFn),
		NewNodeCmd(backendFn, outputFn),
	)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func onlyTask(t *testing.T, s *repotest.Store) domain.Task {
	t.Helper()
	list, _ := s.List(context.Background(), "", 0)
	if len(list) != 1 {
		t.Fatalf("expected 1 task, got %d", len(list))
	}
	return list[0]
}

func TestTaskDeploy(t *testing.T) {
	b := newFakeBackend(t)

	stdout, _, err := run(t, b, false, "task", "deploy", "--group", "cache", "--count", "3", "--memory", "100MB", "--role", "replica")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	task := onlyTask(t, b.store)
	if task.Kind != domain.KindDeployInstance || task.Status != domain.TaskStatusPending {
		t.Errorf("unexpected task: %+v", task)
	}
	p := task.Payload
	if p.Group != "cache" || p.Count != 3 || p.MemoryPlan != 100000000 || p.Role != domain.RoleReplica {
		t.Errorf("unexpected payload: %+v", p)
	}
	if len(b.waker.ids) != 1 || b.waker.ids[0] != task.ID {
		t.Errorf("expected poller to be woken for %s, got %v", task.ID, b.waker.ids)
	}
	if strings.TrimSpace(stdout) != task.ID.String() {
		t.Errorf("expected task id on stdout, got %q", stdout)
	}
}

func TestTaskDeploy_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no group", []string{"task", "deploy", "--count", "1"}},
		{"zero count", []string{"task", "deploy", "--group", "g", "--count", "0"}},
		{"bad memory", []string{"task", "deploy", "--group", "g", "--memory", "lots"}},
		{"bad role", []string{"task", "deploy", "--group", "g", "--role", "primary"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newFakeBackend(t)
			if _, _, err := run(t, b, false, tt.args...); err == nil {
				t.Fatal("expected error")
			}
			if list, _ := b.store.List(context.Background(), "", 0); len(list) != 0 {
				t.Errorf("no task must be queued, got %d", len(list))
			}
		})
	}
}

func TestTaskSubmit_WakeFailureIsNotFatal(t *testing.T) {
	b := newFakeBackend(t)
	b.waker.err = errors.New("channel closed")

	_, stderr, err := run(t, b, false, "task", "rebalance", "cache")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task := onlyTask(t, b.store); task.Payload.Group != "cache" || task.Kind != domain.KindRebalanceSlots {
		t.Errorf("unexpected task: %+v", task)
	}
	if !strings.Contains(stderr, "failed to notify poller") {
		t.Errorf("expected warning on stderr, got %q", stderr)
	}
}

func TestTaskSubmit_WithoutBroker(t *testing.T) {
	b := newFakeBackend(t)
	b.waker = nil

	if _, _, err := run(t, b, false, "task", "rebalance", "cache"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	onlyTask(t, b.store)
}

func TestTaskRemove(t *testing.T) {
	b := newFakeBackend(t)
	a, c := uuid.New(), uuid.New()

	if _, _, err := run(t, b, false, "task", "remove", a.String(), c.String()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ids := onlyTask(t, b.store).Payload.InstanceIDs
	if len(ids) != 2 || ids[0] != a || ids[1] != c {
		t.Errorf("unexpected instance ids: %v", ids)
	}

	if _, _, err := run(t, newFakeBackend(t), false, "task", "remove", "not-a-uuid"); err == nil {
		t.Error("expected error for invalid id")
	}
}

func TestTaskList_JSON(t *testing.T) {
	b := newFakeBackend(t)
	for i := 0; i < 3; i++ {
		task := domain.NewTask(domain.KindRebalanceSlots, domain.TaskPayload{Group: "g"})
		task.CreatedAt = time.Now().Add(time.Duration(i) * time.Second)
		b.store.AddTask(task)
	}

	stdout, _, err := run(t, b, true, "task", "list", "--limit", "2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var tasks []domain.Task
	if err := json.Unmarshal([]byte(stdout), &tasks); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, stdout)
	}
	if len(tasks) != 2 || !tasks[0].CreatedAt.After(tasks[1].CreatedAt) {
		t.Errorf("expected 2 tasks newest first, got %+v", tasks)
	}
}

func TestNodeAdd_DefaultCapacity(t *testing.T) {
	b := newFakeBackend(t)
	b.cfg.NodeMaxMem = 1 << 30

	if _, _, err := run(t, b, false, "node", "add", "10.0.0.7", "--pod", "p1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := run(t, b, false, "node", "add", "10.0.0.8", "--capacity", "2GiB"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	nodes, _ := b.store.ListNodes(context.Background())
	if len(nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(nodes))
	}
	if nodes[0].Capacity != 1<<30 || nodes[0].Pod != "p1" {
		t.Errorf("unexpected first node: %+v", nodes[0])
	}
	if nodes[1].Capacity != 2<<30 {
		t.Errorf("unexpected second node capacity: %d", nodes[1].Capacity)
	}

	if _, _, err := run(t, b, false, "node", "add", "10.0.0.7"); err == nil {
		t.Error("expected error for duplicate address")
	}
}

func TestSnapshotShow(t *testing.T) {
	b := newFakeBackend(t)

	_, _, err := run(t, b, false, "snapshot", "show")
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData before first publish, got %v", err)
	}

	snap := &domain.PollSnapshot{
		CollectedAt: time.Now(),
		Redis: []domain.TargetRecord{
			{Target: domain.Target{Address: "10.0.0.1:7000", Role: domain.RoleMaster}, Status: domain.ProbeStatusHealthy,
				Stats: map[string]float64{"used_memory": 2048, "connected_clients": 4}},
			{Target: domain.Target{Address: "10.0.0.1:7001", Role: domain.RoleMaster}, Status: domain.ProbeStatusUnreachable,
				Error: "connection refused"},
		},
		Proxies: []domain.TargetRecord{},
		Hosts:   []domain.HostRecord{{Address: "10.0.0.1", Health: domain.NodeHealthDegraded, Targets: 2, Failed: 1}},
	}
	if _, err := b.snaps.WriteSnapshot(snap); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	stdout, stderr, err := run(t, b, false, "snapshot", "show", "--unreachable")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stderr, "2 targets, 1 unreachable") {
		t.Errorf("unexpected summary: %q", stderr)
	}
	if strings.Contains(stdout, "10.0.0.1:7000") || !strings.Contains(stdout, "connection refused") {
		t.Errorf("expected only the unreachable target, got:\n%s", stdout)
	}

	stdout, _, err = run(t, b, false, "snapshot", "show", "--hosts")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "degraded") {
		t.Errorf("expected host roll-up, got:\n%s", stdout)
	}
}

func TestSnapshotTargets(t *testing.T) {
	b := newFakeBackend(t)
	list := &domain.TargetList{
		GeneratedAt: time.Now(),
		Redis:       []domain.Target{{Address: "10.0.0.1:7000", Role: domain.RoleMaster, Group: "cache"}},
		Proxies:     []domain.Target{{Address: "10.0.0.1:8889", Role: domain.RoleProxy}},
	}
	if _, err := b.snaps.WriteTargets(list); err != nil {
		t.Fatalf("write targets: %v", err)
	}

	stdout, _, err := run(t, b, false, "snapshot", "targets")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"10.0.0.1:7000", "10.0.0.1:8889", "proxy", "cache"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("expected %q in output:\n%s", want, stdout)
		}
	}
}
