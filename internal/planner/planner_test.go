package planner

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/uuid"

	"github.com/shaiso/redisctl/internal/domain"
)

func testNodes() []domain.Node {
	return []domain.Node{
		{ID: uuid.New(), Address: "10.0.0.1", Capacity: 2048, Allocated: 2000},
		{ID: uuid.New(), Address: "10.0.0.2", Capacity: 2048, Allocated: 500},
	}
}

func TestPlan_SuccessfulDeploy(t *testing.T) {
	nodes := testNodes()

	placements, err := Plan(nodes, Request{Count: 3, MemoryPlan: 108})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(placements) != 3 {
		t.Fatalf("expected 3 placements, got %d", len(placements))
	}
	for _, p := range placements {
		if p.NodeID != nodes[1].ID {
			t.Errorf("expected all placements on B, got %s", p.Address)
		}
	}

	// Исходные nodes не изменяются
	if nodes[1].Allocated != 500 {
		t.Errorf("input node mutated: allocated=%d", nodes[1].Allocated)
	}

	shares := GroupByNode(placements)
	if len(shares) != 1 || shares[0].Count != 3 {
		t.Fatalf("expected one share of 3, got %+v", shares)
	}
	if got := nodes[1].Allocated + int64(shares[0].Count)*shares[0].Memory; got != 824 {
		t.Errorf("expected projected allocation 824, got %d", got)
	}
}

func TestPlan_CapacityExhausted(t *testing.T) {
	_, err := Plan(testNodes(), Request{Count: 5, MemoryPlan: 600})
	if !errors.Is(err, ErrCapacityExhausted) {
		t.Fatalf("expected ErrCapacityExhausted, got %v", err)
	}
}

func TestPlan_SpreadsToMostFree(t *testing.T) {
	nodes := []domain.Node{
		{ID: uuid.New(), Address: "a", Capacity: 1000, Allocated: 0},
		{ID: uuid.New(), Address: "b", Capacity: 1000, Allocated: 300},
		{ID: uuid.New(), Address: "c", Capacity: 1000, Allocated: 600},
	}

	placements, err := Plan(nodes, Request{Count: 3, MemoryPlan: 200})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// a(1000 free) → a(800) → b(700)
	want := []string{"a", "a", "b"}
	for i, p := range placements {
		if p.Address != want[i] {
			t.Errorf("placement %d: expected %s, got %s", i, want[i], p.Address)
		}
	}
}

func TestPlan_PodConstraint(t *testing.T) {
	nodes := []domain.Node{
		{ID: uuid.New(), Address: "a", Pod: "east", Capacity: 1000},
		{ID: uuid.New(), Address: "b", Pod: "west", Capacity: 4000},
	}

	placements, err := Plan(nodes, Request{Count: 2, MemoryPlan: 100, Pod: "east"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, p := range placements {
		if p.Address != "a" {
			t.Errorf("expected pod east node, got %s", p.Address)
		}
	}
}

func TestPlan_SkipsUnreachable(t *testing.T) {
	nodes := []domain.Node{
		{ID: uuid.New(), Address: "a", Capacity: 4000, Health: domain.NodeHealthUnreachable},
		{ID: uuid.New(), Address: "b", Capacity: 1000, Health: domain.NodeHealthHealthy},
	}

	placements, err := Plan(nodes, Request{Count: 1, MemoryPlan: 100})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if placements[0].Address != "b" {
		t.Errorf("expected b, got %s", placements[0].Address)
	}
}

func TestPlan_InvalidRequest(t *testing.T) {
	tests := []Request{
		{Count: 0, MemoryPlan: 100},
		{Count: 1, MemoryPlan: 0},
		{Count: -1, MemoryPlan: -1},
	}
	for _, req := range tests {
		if _, err := Plan(testNodes(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("request %+v: expected ErrInvalidRequest, got %v", req, err)
		}
	}
}

// Свойство: для любого принятого запроса allocated ≤ capacity на каждом хосте.
func TestPlan_CapacityInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for iter := 0; iter < 500; iter++ {
		nodes := make([]domain.Node, 1+rng.Intn(6))
		for i := range nodes {
			capacity := int64(500 + rng.Intn(3000))
			nodes[i] = domain.Node{
				ID:        uuid.New(),
				Address:   uuid.NewString(),
				Capacity:  capacity,
				Allocated: rng.Int63n(capacity + 1),
			}
		}
		req := Request{Count: 1 + rng.Intn(8), MemoryPlan: int64(1 + rng.Intn(700))}

		placements, err := Plan(nodes, req)
		if err != nil {
			if !errors.Is(err, ErrCapacityExhausted) {
				t.Fatalf("unexpected error: %v", err)
			}
			continue
		}
		if len(placements) != req.Count {
			t.Fatalf("expected %d placements, got %d", req.Count, len(placements))
		}

		used := make(map[uuid.UUID]int64)
		for _, p := range placements {
			used[p.NodeID] += p.Memory
		}
		for _, n := range nodes {
			if n.Allocated+used[n.ID] > n.Capacity {
				t.Fatalf("node %s over-committed: %d+%d > %d", n.Address, n.Allocated, used[n.ID], n.Capacity)
			}
		}
	}
}
