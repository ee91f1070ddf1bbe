// Package mq — RabbitMQ для redisctl.
//
// RabbitMQ здесь необязателен: источник истины — БД, а сообщения только
// ускоряют реакцию. Без брокера poller работает по таймеру, события
// и алармы не публикуются.
//
// Структура:
//   - connection.go — соединение с переподключением
//   - topology.go   — exchanges, queues, bindings
//   - publisher.go  — task.pending, task.finished, alarm
//   - consumer.go   — потребление с ack/nack
package mq
