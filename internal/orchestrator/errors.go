package orchestrator

import (
	"errors"

	"github.com/shaiso/redisctl/internal/gateway"
	"github.com/shaiso/redisctl/internal/planner"
	"github.com/shaiso/redisctl/internal/repo"
)

// Ошибки оркестратора.
var (
	// ErrClaimConflict — task захватил другой poller. Не ошибка, task пропускается.
	ErrClaimConflict = errors.New("claim conflict")

	// ErrLeaseLost — lease истёк или task перехвачен; executor выходит
	// без записи терминального статуса.
	ErrLeaseLost = errors.New("lease lost")

	// ErrAbandoned — task превысил лимит истечений lease.
	ErrAbandoned = errors.New("task abandoned")

	// ErrInvalidPayload — payload не прошёл валидацию.
	ErrInvalidPayload = errors.New("invalid task payload")

	// ErrUnknownKind — нет handler'а для типа task.
	ErrUnknownKind = errors.New("unknown task kind")

	// ErrPollerStopped — poller остановлен, dispatch невозможен.
	ErrPollerStopped = errors.New("poller stopped")
)

// Значения result["error_kind"].
const (
	KindValidation         = "validation"
	KindCapacityExhausted  = "capacity_exhausted"
	KindGatewayTimeout     = "gateway_timeout"
	KindGatewayRejected    = "gateway_rejected"
	KindGatewayUnavailable = "gateway_unavailable"
	KindAbandoned          = "abandoned"
	KindInternal           = "internal"
)

// errorKind классифицирует ошибку для result["error_kind"].
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidPayload), errors.Is(err, ErrUnknownKind), errors.Is(err, planner.ErrInvalidRequest):
		return KindValidation
	case errors.Is(err, planner.ErrCapacityExhausted), errors.Is(err, repo.ErrCapacityExceeded):
		return KindCapacityExhausted
	case errors.Is(err, gateway.ErrTimeout):
		return KindGatewayTimeout
	case errors.Is(err, gateway.ErrRejected):
		return KindGatewayRejected
	case errors.Is(err, gateway.ErrUnavailable):
		return KindGatewayUnavailable
	case errors.Is(err, ErrAbandoned):
		return KindAbandoned
	default:
		return KindInternal
	}
}
