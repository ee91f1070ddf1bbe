// Package notify — приёмники результатов опроса: алармы и метрики.
//
// Оба интерфейса имеют no-op реализацию (Nop), которая используется,
// когда канал доставки не настроен.
package notify

import (
	"context"
	"time"
)

// AlarmNotifier доставляет алармы о переходах состояния target'ов.
type AlarmNotifier interface {
	Notify(ctx context.Context, target, message, detail string) error

	// Reset вызывается collector'ом в начале каждого цикла.
	Reset()
}

// TimeRange — интервал запроса статистики.
type TimeRange struct {
	Start time.Time
	End   time.Time

	// Step — желаемый шаг точек; 0 — шаг хранилища.
	Step time.Duration
}

// Point — одно значение метрики.
type Point struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// Series — значения одного поля target'а.
type Series struct {
	Field  string  `json:"field"`
	Points []Point `json:"points"`
}

// StatsSink принимает числовые поля INFO и отдаёт их историю.
type StatsSink interface {
	Write(ctx context.Context, target string, at time.Time, points map[string]float64) error
	Query(ctx context.Context, target string, fields []string, r TimeRange) ([]Series, error)
}

// Nop — AlarmNotifier и StatsSink, которые ничего не делают.
type Nop struct{}

func (Nop) Notify(context.Context, string, string, string) error { return nil }
func (Nop) Reset() {}

func (Nop) Write(context.Context, string, time.Time, map[string]float64) error { return nil }

func (Nop) Query(context.Context, string, []string, TimeRange) ([]Series, error) {
	return nil, nil
}

// StatFields — поля INFO, которые пишутся в StatsSink.
var StatFields = []string{
	"used_memory",
	"connected_clients",
	"total_commands_processed",
	"keyspace_hits",
	"keyspace_misses",
	"used_cpu_sys",
	"used_cpu_user",
	"mem_fragmentation_ratio",
}

// SelectStats оставляет из stats только StatFields.
func SelectStats(stats map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(StatFields))
	for _, f := range StatFields {
		if v, ok := stats[f]; ok {
			out[f] = v
		}
	}
	return out
}
