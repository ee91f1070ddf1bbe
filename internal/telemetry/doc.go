// Package telemetry — логирование и метрики redisctl.
//
// Включает:
//   - logging.go — structured logging через slog (LOG_LEVEL, LOG_FORMAT)
//   - metrics.go — Prometheus метрики poller'а, collector'а и API
package telemetry
