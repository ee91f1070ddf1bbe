// Package planner выбирает хосты для новых instances.
//
// Алгоритм: фильтр по ёмкости и pod, сортировка по убыванию свободной
// памяти, по одному instance на лучший хост с пересчётом проекции после
// каждого назначения. Запрос либо удовлетворяется целиком, либо
// возвращается ErrCapacityExhausted.
package planner

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/shaiso/redisctl/internal/domain"
)

// ErrCapacityExhausted — подходящих хостов меньше, чем запрошено instances.
var ErrCapacityExhausted = errors.New("capacity exhausted")

// ErrInvalidRequest — некорректные параметры запроса.
var ErrInvalidRequest = errors.New("invalid placement request")

// Request — запрос на размещение.
type Request struct {
	Count      int
	MemoryPlan int64

	// Pod — ограничение по pod; пустая строка = любой.
	Pod string
}

// Placement — одно назначение instance на хост.
type Placement struct {
	NodeID  uuid.UUID
	Address string
	Memory  int64
}

// Plan рассчитывает размещение. nodes не изменяется.
func Plan(nodes []domain.Node, req Request) ([]Placement, error) {
	if req.Count <= 0 || req.MemoryPlan <= 0 {
		return nil, fmt.Errorf("%w: count=%d memory_plan=%d", ErrInvalidRequest, req.Count, req.MemoryPlan)
	}

	// Проекция allocated в рамках одного прохода
	candidates := make([]domain.Node, 0, len(nodes))
	for _, n := range nodes {
		if req.Pod != "" && n.Pod != req.Pod {
			continue
		}
		if n.Health == domain.NodeHealthUnreachable {
			continue
		}
		if !n.Fits(req.MemoryPlan) {
			continue
		}
		candidates = append(candidates, n)
	}

	placements := make([]Placement, 0, req.Count)
	for len(placements) < req.Count {
		best := pickMostFree(candidates, req.MemoryPlan)
		if best < 0 {
			return nil, fmt.Errorf("%w: placed %d of %d instances of %d bytes",
				ErrCapacityExhausted, len(placements), req.Count, req.MemoryPlan)
		}

		n := &candidates[best]
		n.Allocated += req.MemoryPlan
		placements = append(placements, Placement{
			NodeID:  n.ID,
			Address: n.Address,
			Memory:  req.MemoryPlan,
		})
	}

	return placements, nil
}

// pickMostFree возвращает индекс хоста с наибольшей свободной памятью,
// на который ещё помещается size, или -1.
// При равенстве выигрывает меньший адрес, чтобы план был детерминированным.
func pickMostFree(nodes []domain.Node, size int64) int {
	best := -1
	for i := range nodes {
		if !nodes[i].Fits(size) {
			continue
		}
		if best < 0 {
			best = i
			continue
		}
		fi, fb := nodes[i].Free(), nodes[best].Free()
		if fi > fb || (fi == fb && nodes[i].Address < nodes[best].Address) {
			best = i
		}
	}
	return best
}

// GroupByNode сворачивает назначения в число instances на хост,
// сохраняя порядок первого появления хоста.
func GroupByNode(placements []Placement) []NodeShare {
	index := make(map[uuid.UUID]int)
	var shares []NodeShare
	for _, p := range placements {
		if i, ok := index[p.NodeID]; ok {
			shares[i].Count++
			continue
		}
		index[p.NodeID] = len(shares)
		shares = append(shares, NodeShare{NodeID: p.NodeID, Address: p.Address, Count: 1, Memory: p.Memory})
	}
	return shares
}

// NodeShare — сколько instances получает хост.
type NodeShare struct {
	NodeID  uuid.UUID
	Address string
	Count   int
	Memory  int64
}
