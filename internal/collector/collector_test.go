package collector

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
	"github.com/shaiso/redisctl/internal/notify"
	"github.com/shaiso/redisctl/internal/redis"
	"github.com/shaiso/redisctl/internal/repo/repotest"
	"github.com/shaiso/redisctl/internal/snapshot"
)

type fakeProber struct {
	mu    sync.Mutex
	down  map[string]bool
	stats map[string]map[string]float64
	delay time.Duration

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func newFakeProber() *fakeProber {
	return &fakeProber{down: make(map[string]bool), stats: make(map[string]map[string]float64)}
}

func (f *fakeProber) set(addr string, down bool, stats map[string]float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down[addr] = down
	if stats != nil {
		f.stats[addr] = stats
	}
}

func (f *fakeProber) Probe(ctx context.Context, addr string) (redis.Info, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		m := f.maxInflight.Load()
		if n <= m || f.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[addr] {
		return redis.Info{}, fmt.Errorf("info %s: dial tcp: i/o timeout", addr)
	}
	stats := map[string]float64{"used_memory": 1024, "connected_clients": 1}
	for k, v := range f.stats[addr] {
		stats[k] = v
	}
	return redis.Info{Stats: stats, Fields: map[string]string{"role": "master"}}, nil
}

type recordingAlarms struct {
	mu     sync.Mutex
	alarms []string
	resets int
}

func (r *recordingAlarms) Notify(_ context.Context, target, message, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alarms = append(r.alarms, target+" "+message)
	return nil
}

func (r *recordingAlarms) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets++
}

func (r *recordingAlarms) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.alarms
	r.alarms = nil
	return out
}

type recordingStats struct {
	notify.Nop
	mu      sync.Mutex
	targets map[string]int
}

func (r *recordingStats) Write(_ context.Context, target string, _ time.Time, points map[string]float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.targets == nil {
		r.targets = make(map[string]int)
	}
	r.targets[target] = len(points)
	return nil
}

type fleet struct {
	store  *repotest.Store
	nodes  []domain.Node
	snaps  *snapshot.Store
	prober *fakeProber
	alarms *recordingAlarms
	stats  *recordingStats
}

// newFleet: nodes хостов по perNode redis-instance'ов плюс один proxy на первом.
func newFleet(t *testing.T, nodes, perNode int) *fleet {
	t.Helper()
	f := &fleet{
		store:  repotest.New(),
		prober: newFakeProber(),
		alarms: &recordingAlarms{},
		stats:  &recordingStats{},
	}
	snaps, err := snapshot.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("snapshot store: %v", err)
	}
	f.snaps = snaps

	base := time.Now()
	for n := 0; n < nodes; n++ {
		node := domain.Node{ID: uuid.New(), Address: fmt.Sprintf("10.0.%d.1", n), Capacity: 2048}
		f.store.AddNode(node)
		f.nodes = append(f.nodes, node)
		for i := 0; i < perNode; i++ {
			f.store.AddInstance(domain.Instance{
				ID:        uuid.New(),
				NodeID:    node.ID,
				Group:     "cache",
				Role:      domain.RoleMaster,
				Address:   fmt.Sprintf("10.0.%d.1:%d", n, 7000+i),
				CreatedAt: base.Add(time.Duration(n*perNode+i) * time.Millisecond),
			})
		}
	}
	f.store.AddInstance(domain.Instance{
		ID:        uuid.New(),
		NodeID:    f.nodes[0].ID,
		Role:      domain.RoleProxy,
		Address:   "10.0.0.1:8889",
		CreatedAt: base.Add(time.Hour),
	})
	return f
}

func (f *fleet) collector(fanOut int) *Collector {
	return New(Config{
		Inventory: f.store,
		Prober:    f.prober,
		Snapshots: f.snaps,
		Alarms:    f.alarms,
		Stats:     f.stats,
		FanOut:    fanOut,
		MemRatio:  0.9,
	})
}

func TestCollector_ProbeIsolation(t *testing.T) {
	f := newFleet(t, 2, 3)
	f.prober.set("10.0.1.1:7001", true, nil)
	c := f.collector(4)

	snap, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(snap.Redis) != 6 || len(snap.Proxies) != 1 {
		t.Fatalf("expected 6 redis + 1 proxy records, got %d + %d", len(snap.Redis), len(snap.Proxies))
	}
	if snap.Unreachable() != 1 {
		t.Errorf("expected exactly 1 unreachable, got %d", snap.Unreachable())
	}
	for _, rec := range snap.Redis {
		if rec.Target.Address == "10.0.1.1:7001" {
			if rec.Reachable() || rec.Error == "" {
				t.Errorf("expected unreachable record with error, got %+v", rec)
			}
			continue
		}
		if !rec.Reachable() || rec.Stats["used_memory"] != 1024 {
			t.Errorf("expected live stats for %s, got %+v", rec.Target.Address, rec)
		}
	}

	// Опубликованный snapshot совпадает с возвращённым
	published, err := f.snaps.ReadSnapshot()
	if err != nil || published == nil {
		t.Fatalf("read snapshot: %v, %v", published, err)
	}
	if published.Version != snap.Version || published.Len() != 7 {
		t.Errorf("unexpected published snapshot: version %d len %d", published.Version, published.Len())
	}

	targets, _ := f.snaps.ReadTargets()
	if targets == nil || targets.Len() != 7 || len(targets.Proxies) != 1 {
		t.Errorf("unexpected target list: %+v", targets)
	}

	// Статистика пишется только для доступных
	if len(f.stats.targets) != 6 {
		t.Errorf("expected stats for 6 reachable targets, got %d", len(f.stats.targets))
	}
}

func TestCollector_HostRollUp(t *testing.T) {
	f := newFleet(t, 3, 2)
	// node 1: один из двух недоступен; node 2: оба недоступны
	f.prober.set("10.0.1.1:7000", true, nil)
	f.prober.set("10.0.2.1:7000", true, nil)
	f.prober.set("10.0.2.1:7001", true, nil)
	f.store.AddNode(domain.Node{ID: uuid.New(), Address: "10.0.9.1", Capacity: 2048, Health: domain.NodeHealthDegraded})

	snap, err := f.collector(10).RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := map[uuid.UUID]domain.NodeHealth{
		f.nodes[0].ID: domain.NodeHealthHealthy,
		f.nodes[1].ID: domain.NodeHealthDegraded,
		f.nodes[2].ID: domain.NodeHealthUnreachable,
	}
	for id, h := range want {
		if got := f.store.Node(id).Health; got != h {
			t.Errorf("node %s: expected %s, got %s", id, h, got)
		}
	}
	if len(snap.Hosts) != 4 {
		t.Fatalf("expected 4 host records, got %d", len(snap.Hosts))
	}
	for _, h := range snap.Hosts {
		if h.Address == "10.0.9.1" && (h.Health != domain.NodeHealthDegraded || h.Targets != 0) {
			t.Errorf("host without targets must keep its health, got %+v", h)
		}
	}
}

func TestCollector_FanOutCap(t *testing.T) {
	f := newFleet(t, 5, 5)
	f.prober.delay = 5 * time.Millisecond
	c := f.collector(3)

	if _, err := c.RunCycle(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m := f.prober.maxInflight.Load(); m > 3 {
		t.Errorf("expected at most 3 concurrent probes, got %d", m)
	}
	if m := f.prober.maxInflight.Load(); m < 2 {
		t.Errorf("expected probes to run concurrently, max in flight %d", m)
	}
}

func TestCollector_EdgeTriggeredAlarms(t *testing.T) {
	f := newFleet(t, 1, 2)
	c := f.collector(10)
	ctx := context.Background()
	addr := "10.0.0.1:7000"

	cycle := func() []string {
		t.Helper()
		if _, err := c.RunCycle(ctx); err != nil {
			t.Fatalf("cycle: %v", err)
		}
		return f.alarms.take()
	}

	if got := cycle(); len(got) != 0 {
		t.Errorf("healthy fleet must not alarm, got %v", got)
	}

	f.prober.set(addr, true, nil)
	if got := cycle(); len(got) != 1 || got[0] != addr+" "+AlarmUnreachable {
		t.Errorf("expected one unreachable alarm, got %v", got)
	}
	if got := cycle(); len(got) != 0 {
		t.Errorf("steady unreachable must not alarm again, got %v", got)
	}

	f.prober.set(addr, false, nil)
	if got := cycle(); len(got) != 1 || got[0] != addr+" "+AlarmRecovered {
		t.Errorf("expected recovery alarm, got %v", got)
	}

	f.prober.set(addr, false, map[string]float64{"used_memory": 95, "maxmemory": 100})
	if got := cycle(); len(got) != 1 || got[0] != addr+" "+AlarmMemory {
		t.Errorf("expected memory alarm, got %v", got)
	}
	if got := cycle(); len(got) != 0 {
		t.Errorf("memory above threshold must alarm once, got %v", got)
	}

	if f.alarms.resets != 6 {
		t.Errorf("expected Reset once per cycle, got %d", f.alarms.resets)
	}
}

func TestCollector_InventoryFailure(t *testing.T) {
	f := newFleet(t, 1, 1)
	f.store.FailNext = errors.New("connection refused")

	if _, err := f.collector(10).RunCycle(context.Background()); err == nil {
		t.Fatal("expected error when inventory is unavailable")
	}
	if snap, _ := f.snaps.ReadSnapshot(); snap != nil {
		t.Error("no snapshot should be published")
	}
}

func TestBatches(t *testing.T) {
	tests := []struct {
		n, size int
		want    []Batch
	}{
		{0, 10, nil},
		{5, 10, []Batch{{0, 5}}},
		{10, 10, []Batch{{0, 10}}},
		{23, 10, []Batch{{0, 10}, {10, 20}, {20, 23}}},
	}
	for _, tt := range tests {
		got := Batches(tt.n, tt.size)
		if len(got) != len(tt.want) {
			t.Errorf("Batches(%d, %d) = %v, want %v", tt.n, tt.size, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("Batches(%d, %d)[%d] = %v, want %v", tt.n, tt.size, i, got[i], tt.want[i])
			}
		}
	}
}
