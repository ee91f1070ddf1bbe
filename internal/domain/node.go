package domain

import (
	"time"

	"github.com/google/uuid"
)

// Node — хост, на котором запускаются контейнеры Redis.
//
// Регистрируется извне (инвентарь). Allocated меняет только executor
// (вместе с созданием/удалением Instance), Health — только collector.
type Node struct {
	ID      uuid.UUID `json:"id"`
	Address string    `json:"address"`
	Pod     string    `json:"pod,omitempty"`

	// Capacity и Allocated — в байтах.
	Capacity  int64 `json:"capacity"`
	Allocated int64 `json:"allocated"`

	Health     NodeHealth `json:"health,omitempty"`
	LastStatAt *time.Time `json:"last_stat_at,omitempty"`
}

// Free возвращает свободную память.
func (n *Node) Free() int64 {
	return n.Capacity - n.Allocated
}

// Fits проверяет, помещается ли ещё size байт.
func (n *Node) Fits(size int64) bool {
	return n.Allocated+size <= n.Capacity
}
