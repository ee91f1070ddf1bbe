package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ClusterSlots — число слотов Redis Cluster.
const ClusterSlots = 16384

// SlotRange — диапазон слотов [Start, End] включительно.
type SlotRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len возвращает количество слотов в диапазоне.
func (r SlotRange) Len() int {
	return r.End - r.Start + 1
}

func (r SlotRange) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Instance — запущенный процесс Redis или proxy.
//
// Создаётся успешным deploy_instance, удаляется успешным remove_instance.
// Слоты может переписать rebalance_slots (только у master).
type Instance struct {
	ID          uuid.UUID    `json:"id"`
	ContainerID string       `json:"container_id"`
	NodeID      uuid.UUID    `json:"node_id"`
	Group       string       `json:"group"`
	MemoryPlan  int64        `json:"memory_plan"`
	Role        InstanceRole `json:"role"`
	Address     string       `json:"address"`
	Slots       *SlotRange   `json:"slots,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// IsProxy возвращает true для proxy-процессов.
func (i *Instance) IsProxy() bool {
	return i.Role == RoleProxy
}

// InstanceFilter — фильтр для списка instances.
type InstanceFilter struct {
	Group string
	Role  InstanceRole
}

// Match проверяет instance на соответствие фильтру.
func (f InstanceFilter) Match(i *Instance) bool {
	if f.Group != "" && f.Group != i.Group {
		return false
	}
	if f.Role != "" && f.Role != i.Role {
		return false
	}
	return true
}

// TopologyChange — мутация, применяемая одной транзакцией вместе
// с переводом task в DONE.
type TopologyChange struct {
	// Add — новые instances; Node.Allocated растёт на MemoryPlan каждого.
	Add []Instance

	// Remove — удаляемые instances; Node.Allocated уменьшается.
	Remove []uuid.UUID

	// Slots — новые диапазоны слотов для master'ов.
	Slots map[uuid.UUID]SlotRange
}

// IsEmpty возвращает true, если изменений нет.
func (c *TopologyChange) IsEmpty() bool {
	return c == nil || (len(c.Add) == 0 && len(c.Remove) == 0 && len(c.Slots) == 0)
}

// AllocationDelta считает изменение Allocated по хостам.
func (c *TopologyChange) AllocationDelta(removed []Instance) map[uuid.UUID]int64 {
	delta := make(map[uuid.UUID]int64)
	if c == nil {
		return delta
	}
	for _, inst := range c.Add {
		delta[inst.NodeID] += inst.MemoryPlan
	}
	for _, inst := range removed {
		delta[inst.NodeID] -= inst.MemoryPlan
	}
	return delta
}

// SplitSlots делит ClusterSlots на n непрерывных диапазонов.
// Первые ClusterSlots%n диапазонов на один слот длиннее.
// При n вне [1, ClusterSlots] возвращает nil.
func SplitSlots(n int) []SlotRange {
	if n <= 0 || n > ClusterSlots {
		return nil
	}
	base, extra := ClusterSlots/n, ClusterSlots%n
	ranges := make([]SlotRange, n)
	start := 0
	for i := range ranges {
		size := base
		if i < extra {
			size++
		}
		ranges[i] = SlotRange{Start: start, End: start + size - 1}
		start += size
	}
	return ranges
}
