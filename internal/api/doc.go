// Package api — HTTP API daemon'а для dashboard.
//
// Структура:
//   - handler.go           — Handler с DI (хранилища, snapshot'ы, StatsSink, logger)
//   - routes.go            — регистрация маршрутов
//   - middleware.go        — middleware (logging + метрики, recovery)
//   - response.go          — унифицированные JSON-ответы и обработка ошибок
//   - dto.go               — Data Transfer Objects (request/response)
//   - task_handler.go      — /tasks: очередь и просмотр
//   - inventory_handler.go — /nodes, /instances
//   - snapshot_handler.go  — /snapshot, /targets, /stats
//
// API ничего не исполняет сам: POST /tasks только вставляет pending task,
// выполняет его poller.
package api
