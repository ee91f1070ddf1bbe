package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/shaiso/redisctl/internal/mq"
)

// AlarmPublisher — отправка аларма в брокер. Реализация: *mq.Publisher.
type AlarmPublisher interface {
	PublishAlarm(ctx context.Context, payload mq.AlarmPayload) error
}

// AMQPNotifier публикует алармы в exchange redisctl.alarms.
//
// В пределах одного цикла (между Reset) на target уходит не больше
// одного аларма.
type AMQPNotifier struct {
	publisher AlarmPublisher
	logger    *slog.Logger

	mu   sync.Mutex
	sent map[string]bool
}

// NewAMQPNotifier создаёт AMQPNotifier.
func NewAMQPNotifier(publisher AlarmPublisher, logger *slog.Logger) *AMQPNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPNotifier{
		publisher: publisher,
		logger:    logger.With("component", "alarm"),
		sent:      make(map[string]bool),
	}
}

// Notify публикует аларм, если по target ещё не было аларма в этом цикле.
func (n *AMQPNotifier) Notify(ctx context.Context, target, message, detail string) error {
	n.mu.Lock()
	if n.sent[target] {
		n.mu.Unlock()
		n.logger.Debug("alarm suppressed within cycle", "target", target, "message", message)
		return nil
	}
	n.sent[target] = true
	n.mu.Unlock()

	err := n.publisher.PublishAlarm(ctx, mq.AlarmPayload{Target: target, Message: message, Detail: detail})
	if err != nil {
		// Следующий цикл может повторить
		n.mu.Lock()
		delete(n.sent, target)
		n.mu.Unlock()
		return err
	}
	n.logger.Info("alarm sent", "target", target, "message", message)
	return nil
}

// Reset очищает учёт отправленных алармов.
func (n *AMQPNotifier) Reset() {
	n.mu.Lock()
	n.sent = make(map[string]bool)
	n.mu.Unlock()
}
