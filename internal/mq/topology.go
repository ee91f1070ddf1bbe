package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	// ExchangeTasks — пробуждение poller'а (dashboard → daemon).
	ExchangeTasks Exchange = "redisctl.tasks"

	// ExchangeEvents — события о завершении tasks (daemon → подписчики).
	ExchangeEvents Exchange = "redisctl.events"

	// ExchangeAlarms — алармы collector'а (fanout: каждый канал доставки со своей очередью).
	ExchangeAlarms Exchange = "redisctl.alarms"
)

// Queues — имена очередей.
const (
	QueueTasksPending  Queue = "tasks.pending"
	QueueTasksFinished Queue = "tasks.finished"
	QueueAlarms        Queue = "alarms"
)

// Routing keys.
const (
	RoutingKeyPending  RoutingKey = "pending"
	RoutingKeyFinished RoutingKey = "finished"
	RoutingKeyAlarm    RoutingKey = "alarm"
)

// SetupTopology объявляет exchanges, queues и bindings. Идемпотентна.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := declareExchanges(ch); err != nil {
			return err
		}
		if err := declareQueues(ch); err != nil {
			return err
		}
		return bindQueues(ch)
	})
}

func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangeTasks, "direct"},
		{ExchangeEvents, "direct"},
		{ExchangeAlarms, "fanout"},
	}

	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}
	return nil
}

func declareQueues(ch *amqp.Channel) error {
	queues := []struct {
		name Queue
		args amqp.Table
	}{
		// Пробуждения устаревают быстро: polling всё равно подхватит task
		{QueueTasksPending, amqp.Table{"x-message-ttl": int32(60000)}},
		{QueueTasksFinished, nil},
		{QueueAlarms, nil},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}
	return nil
}

func bindQueues(ch *amqp.Channel) error {
	bindings := []struct {
		queue      Queue
		routingKey RoutingKey
		exchange   Exchange
	}{
		{QueueTasksPending, RoutingKeyPending, ExchangeTasks},
		{QueueTasksFinished, RoutingKeyFinished, ExchangeEvents},
		{QueueAlarms, RoutingKeyAlarm, ExchangeAlarms},
	}

	for _, b := range bindings {
		err := ch.QueueBind(
			string(b.queue),      // queue name
			string(b.routingKey), // routing key
			string(b.exchange),   // exchange
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}
	return nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  redisctl RabbitMQ topology:

    redisctl.tasks (direct)
    └── tasks.pending [routing: pending, ttl 60s]
            Consumer: TaskPoller (wake-up)

    redisctl.events (direct)
    └── tasks.finished [routing: finished]
            Consumer: dashboard

    redisctl.alarms (fanout)
    └── alarms
            Consumer: alert delivery
  `
}
