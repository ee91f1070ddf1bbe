package domain

// TaskStatus — статус task в машине состояний claim/execute.
//
// Жизненный цикл:
//
//	PENDING → CLAIMED → RUNNING → DONE
//	                            ↘ FAILED
//
// Обратно в PENDING task возвращается только по истечении lease
// (abandonment) или при неудачном dispatch сразу после claim.
type TaskStatus string

const (
	// TaskStatusPending — task создан dashboard'ом и ждёт claim.
	TaskStatusPending TaskStatus = "pending"

	// TaskStatusClaimed — task захвачен poller'ом, lease выставлен.
	TaskStatusClaimed TaskStatus = "claimed"

	// TaskStatusRunning — executor работает над task.
	TaskStatusRunning TaskStatus = "running"

	// TaskStatusDone — task успешно завершён.
	TaskStatusDone TaskStatus = "done"

	// TaskStatusFailed — task завершился с ошибкой.
	TaskStatusFailed TaskStatus = "failed"
)

// IsTerminal возвращает true, если статус финальный.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusDone, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// IsLeased возвращает true для статусов, в которых task держит lease.
func (s TaskStatus) IsLeased() bool {
	return s == TaskStatusClaimed || s == TaskStatusRunning
}

// CanTransition проверяет допустимость перехода from → to.
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		return to == TaskStatusClaimed
	case TaskStatusClaimed:
		// claimed → pending: release после неудачного dispatch или abandonment
		return to == TaskStatusRunning || to == TaskStatusPending || to == TaskStatusFailed
	case TaskStatusRunning:
		return to == TaskStatusDone || to == TaskStatusFailed || to == TaskStatusPending
	default:
		return false
	}
}

// NodeHealth — состояние хоста по результатам последнего цикла опроса.
type NodeHealth string

const (
	NodeHealthUnknown     NodeHealth = ""
	NodeHealthHealthy     NodeHealth = "healthy"
	NodeHealthDegraded    NodeHealth = "degraded"
	NodeHealthUnreachable NodeHealth = "unreachable"
)

// InstanceRole — роль процесса Redis.
type InstanceRole string

const (
	RoleMaster  InstanceRole = "master"
	RoleReplica InstanceRole = "replica"
	RoleProxy   InstanceRole = "proxy"
)

// Valid проверяет, что роль известна.
func (r InstanceRole) Valid() bool {
	switch r {
	case RoleMaster, RoleReplica, RoleProxy:
		return true
	default:
		return false
	}
}

// ProbeStatus — результат опроса одного target.
type ProbeStatus string

const (
	ProbeStatusHealthy     ProbeStatus = "healthy"
	ProbeStatusUnreachable ProbeStatus = "unreachable"
)
