package api

import (
	"net/http"
)

// PollerState — состояние task poller'а. Реализация: *orchestrator.Poller.
type PollerState interface {
	IsStopped() bool
}

// Broker — состояние соединения с RabbitMQ. Реализация: *mq.Connection.
type Broker interface {
	IsConnected() bool
}

// Состояния broker в ответе /healthz.
const (
	BrokerConnected    = "connected"
	BrokerDisconnected = "disconnected"
	BrokerDisabled     = "disabled"
)

// HealthResponse — тело ответа /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Broker string `json:"broker"`
}

// Healthz отвечает 503, пока poller остановлен. Без RabbitMQ daemon
// работает по тикам, поэтому broker только отражается в ответе.
// broker == nil — daemon запущен без RabbitMQ.
func Healthz(poller PollerState, broker Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := HealthResponse{Status: "ok", Broker: BrokerDisabled}
		if broker != nil {
			resp.Broker = BrokerDisconnected
			if broker.IsConnected() {
				resp.Broker = BrokerConnected
			}
		}

		status := http.StatusOK
		if poller.IsStopped() {
			resp.Status = "stopped"
			status = http.StatusServiceUnavailable
		}
		JSON(w, status, resp)
	}
}
