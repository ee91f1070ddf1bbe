package orchestrator

import "time"

// Backoff — расписание опроса handles бэкенда.
type Backoff struct {
	// Initial — первая пауза (default: 1s).
	Initial time.Duration

	// Max — потолок паузы (default: 15s).
	Max time.Duration

	// Deadline — сколько всего ждать разрешения handles (default: 5m).
	Deadline time.Duration
}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = time.Second
	}
	if b.Max <= 0 {
		b.Max = 15 * time.Second
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Deadline <= 0 {
		b.Deadline = 5 * time.Minute
	}
	return b
}

// Delay возвращает паузу перед попыткой attempt (с 1):
// Initial * 2^(attempt-1), не больше Max.
func (b Backoff) Delay(attempt int) time.Duration {
	delay := b.Initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= b.Max {
			return b.Max
		}
	}
	if delay > b.Max {
		delay = b.Max
	}
	return delay
}
