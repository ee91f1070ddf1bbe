// Package orchestrator исполняет tasks изменения топологии.
//
// Poller периодически (и по сообщению tasks.pending) забирает pending
// tasks, захватывает их условным обновлением с lease и запускает
// Executor в ограниченном пуле. Executor проводит task через
// plan → submit → poll handles и возвращает Outcome; терминальный
// статус вместе с изменением топологии пишет poller одной транзакцией.
//
// Если процесс умер посреди работы, lease истекает и task снова
// становится pending; после MaxAbandon истечений он завершается failed.
package orchestrator
