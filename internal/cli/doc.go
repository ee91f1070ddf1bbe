// Package cli реализует операторскую утилиту redisctl.
//
// # Обзор
//
// В отличие от daemon'а, CLI ничего не опрашивает и не исполняет:
// он ставит tasks в очередь (INSERT pending + уведомление в RabbitMQ)
// и читает то, что опубликовали poller и collector.
//
// # Ключевые компоненты
//
// ## Backend
//
// Доступ к PostgreSQL, RabbitMQ и каталогу snapshot'ов. Env открывает
// соединения лениво: `redisctl snapshot show` не требует БД.
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: redisctl task list --json | jq .
//
// ## Commands
//
// Cobra-команды организованы по ресурсам:
//   - snapshot: show, targets, watch
//   - task: list, show, deploy, remove, rebalance
//   - node: list, add, instances
//
// Каждая группа создаётся через фабричную функцию (NewTaskCmd и т.д.),
// принимающую backendFn и outputFn — замыкания для ленивого создания
// Backend и Output после парсинга PersistentFlags.
package cli
