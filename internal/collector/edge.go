package collector

import (
	"fmt"

	"github.com/shaiso/redisctl/internal/domain"
	"github.com/shaiso/redisctl/internal/redis"
)

// Тексты алармов.
const (
	AlarmUnreachable = "target unreachable"
	AlarmRecovered   = "target recovered"
	AlarmMemory      = "memory usage above threshold"
)

type edgeState struct {
	reachable  bool
	overMemory bool
}

type alarm struct {
	target  string
	message string
	detail  string
}

// tracker помнит состояние target'ов с прошлого цикла и выдаёт алармы
// только на переходах. Живёт внутри одного Collector.
type tracker struct {
	threshold float64
	prev      map[string]edgeState
	cur       map[string]edgeState
}

func newTracker(threshold float64) *tracker {
	return &tracker{
		threshold: threshold,
		prev:      make(map[string]edgeState),
	}
}

// begin открывает цикл.
func (t *tracker) begin() {
	t.cur = make(map[string]edgeState)
}

// observe сравнивает запись с прошлым циклом.
// Впервые увиденный target считается бывшим healthy.
func (t *tracker) observe(rec *domain.TargetRecord) []alarm {
	addr := rec.Target.Address
	prev, seen := t.prev[addr]
	if !seen {
		prev = edgeState{reachable: true}
	}

	cur := edgeState{reachable: rec.Reachable(), overMemory: prev.overMemory}
	ratio, hasRatio := redis.Info{Stats: rec.Stats}.MemoryRatio()
	if cur.reachable {
		cur.overMemory = hasRatio && ratio >= t.threshold
	}
	t.cur[addr] = cur

	var alarms []alarm
	switch {
	case prev.reachable && !cur.reachable:
		alarms = append(alarms, alarm{target: addr, message: AlarmUnreachable, detail: rec.Error})
	case !prev.reachable && cur.reachable:
		alarms = append(alarms, alarm{target: addr, message: AlarmRecovered})
	}
	if cur.reachable && cur.overMemory && !prev.overMemory {
		alarms = append(alarms, alarm{
			target:  addr,
			message: AlarmMemory,
			detail:  fmt.Sprintf("used_memory/maxmemory = %.2f (threshold %.2f)", ratio, t.threshold),
		})
	}
	return alarms
}

// commit закрывает цикл; исчезнувшие target'ы забываются.
func (t *tracker) commit() {
	t.prev = t.cur
	t.cur = nil
}
