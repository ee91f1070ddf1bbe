package gateway

import "errors"

// Ошибки gateway.
var (
	// ErrRejected — бэкенд отклонил запрос (некорректный, нет ресурсов,
	// containerization выключена). Повтор не поможет.
	ErrRejected = errors.New("gateway rejected")

	// ErrTimeout — handle не разрешился до дедлайна.
	ErrTimeout = errors.New("gateway timeout")

	// ErrUnavailable — бэкенд недоступен или ответил 5xx после всех retry.
	ErrUnavailable = errors.New("gateway unavailable")
)
