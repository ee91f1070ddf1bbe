package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeTaskPending  MessageType = "task.pending"
	MessageTypeTaskFinished MessageType = "task.finished"
	MessageTypeAlarm        MessageType = "alarm"
)

// Message — конверт любого сообщения redisctl.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// TaskPendingPayload — dashboard создал task; poller может проснуться раньше тика.
type TaskPendingPayload struct {
	TaskID uuid.UUID `json:"task_id"`
}

// TaskFinishedPayload — task перешёл в done/failed.
type TaskFinishedPayload struct {
	TaskID    uuid.UUID `json:"task_id"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
}

// AlarmPayload — переход состояния target'а.
type AlarmPayload struct {
	Target  string `json:"target"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: conn, logger: logger}
}

// Publish сериализует msg и публикует его persistent-сообщением.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(ctx, string(exchange), string(routingKey), false, false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Type:         string(msg.Type),
				Body:         body,
			})
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)
		return nil
	})
}

func (p *Publisher) publishPayload(ctx context.Context, exchange Exchange, key RoutingKey, typ MessageType, payload any) error {
	return p.Publish(ctx, exchange, key, &Message{
		ID:        uuid.New().String(),
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}

// PublishTaskPending будит poller'ы. Потребитель: TaskPoller.
func (p *Publisher) PublishTaskPending(ctx context.Context, taskID uuid.UUID) error {
	return p.publishPayload(ctx, ExchangeTasks, RoutingKeyPending, MessageTypeTaskPending,
		TaskPendingPayload{TaskID: taskID})
}

// PublishTaskFinished сообщает о терминальном статусе task. Потребитель: dashboard.
func (p *Publisher) PublishTaskFinished(ctx context.Context, payload TaskFinishedPayload) error {
	return p.publishPayload(ctx, ExchangeEvents, RoutingKeyFinished, MessageTypeTaskFinished, payload)
}

// PublishAlarm публикует аларм collector'а.
func (p *Publisher) PublishAlarm(ctx context.Context, payload AlarmPayload) error {
	return p.publishPayload(ctx, ExchangeAlarms, RoutingKeyAlarm, MessageTypeAlarm, payload)
}
