package domain

import (
	"time"

	"github.com/google/uuid"
)

// Target — один адрес для опроса.
type Target struct {
	InstanceID uuid.UUID    `json:"instance_id"`
	NodeID     uuid.UUID    `json:"node_id"`
	Group      string       `json:"group,omitempty"`
	Address    string       `json:"address"`
	Role       InstanceRole `json:"role"`
}

// IsProxy возвращает true для proxy-target.
func (t Target) IsProxy() bool {
	return t.Role == RoleProxy
}

// TargetList — авторитетный список target'ов, публикуемый для dashboard.
type TargetList struct {
	Version     uint64    `json:"version"`
	GeneratedAt time.Time `json:"generated_at"`
	Redis       []Target  `json:"redis"`
	Proxies     []Target  `json:"proxies"`
}

// Len возвращает общее число target'ов.
func (l *TargetList) Len() int {
	return len(l.Redis) + len(l.Proxies)
}

// TargetRecord — результат опроса одного target.
type TargetRecord struct {
	Target Target      `json:"target"`
	Status ProbeStatus `json:"status"`

	// Stats — числовые поля INFO (used_memory, connected_clients, ...).
	Stats map[string]float64 `json:"stats,omitempty"`

	// Info — строковые поля INFO (role, master_link_status, ...).
	Info map[string]string `json:"info,omitempty"`

	// Error заполнен только для unreachable.
	Error string `json:"error,omitempty"`

	CheckedAt time.Time     `json:"checked_at"`
	Latency   time.Duration `json:"latency"`
}

// Reachable возвращает true, если опрос прошёл успешно.
func (r *TargetRecord) Reachable() bool {
	return r.Status == ProbeStatusHealthy
}

// HostRecord — сводка по хосту за цикл.
type HostRecord struct {
	NodeID    uuid.UUID  `json:"node_id"`
	Address   string     `json:"address"`
	Health    NodeHealth `json:"health"`
	Capacity  int64      `json:"capacity"`
	Allocated int64      `json:"allocated"`
	Targets   int        `json:"targets"`
	Failed    int        `json:"failed"`
}

// PollSnapshot — согласованный срез состояния флота за один проход.
type PollSnapshot struct {
	Version     uint64         `json:"version"`
	CollectedAt time.Time      `json:"collected_at"`
	Redis       []TargetRecord `json:"redis"`
	Proxies     []TargetRecord `json:"proxies"`
	Hosts       []HostRecord   `json:"hosts"`
}

// Len возвращает общее число записей target'ов.
func (s *PollSnapshot) Len() int {
	return len(s.Redis) + len(s.Proxies)
}

// Unreachable возвращает число недоступных target'ов.
func (s *PollSnapshot) Unreachable() int {
	n := 0
	for i := range s.Redis {
		if !s.Redis[i].Reachable() {
			n++
		}
	}
	for i := range s.Proxies {
		if !s.Proxies[i].Reachable() {
			n++
		}
	}
	return n
}
