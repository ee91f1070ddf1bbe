// Package gateway — контракт container-бэкенда и его реализации.
//
// Бэкенд асинхронный: Submit возвращает handles, по которым executor
// опрашивает состояние через Poll, пока handle не разрешится
// в список контейнеров или не упадёт.
//
// Реализации:
//   - EruGateway — HTTP API планировщика Eru (retryablehttp)
//   - DockerGateway — локальный Docker daemon (docker/docker/client)
//   - Disabled — containerization выключена, любой Submit отклоняется
package gateway

import (
	"context"
	"fmt"
	"net"

	"github.com/google/uuid"
)

// Gateway — операции container-бэкенда, которые использует orchestrator.
//
// Все вызовы могут падать временно: retry и backoff — на стороне вызывающего.
type Gateway interface {
	Submit(ctx context.Context, req SubmitRequest) ([]Handle, error)
	Poll(ctx context.Context, handle Handle) (PollResult, error)
	ResolveAddress(ctx context.Context, containerID string) (string, error)
	Remove(ctx context.Context, containerIDs []string) error
}

// Handle — идентификатор асинхронной работы в бэкенде.
type Handle string

// SubmitRequest — запрос на запуск контейнеров.
type SubmitRequest struct {
	Group    string
	Pod      string
	Image    string
	Version  string
	Replicas int

	// MemoryPlan — лимит памяти одного контейнера в байтах.
	MemoryPlan int64
	Network    string

	// Host — адрес хоста, на который выбран запуск планировщиком.
	Host   string
	NodeID uuid.UUID
}

// PollState — состояние handle.
type PollState int

const (
	Pending PollState = iota
	Resolved
	Failed
)

func (s PollState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("PollState(%d)", int(s))
	}
}

// PollResult — результат одного опроса handle.
type PollResult struct {
	State PollState

	// ContainerIDs заполнен для Resolved.
	ContainerIDs []string

	// Error заполнен для Failed.
	Error string
}

// RedisPort — порт Redis внутри контейнера.
const RedisPort = "6379"

// withRedisPort дописывает RedisPort к адресу без порта.
func withRedisPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, RedisPort)
}

// Disabled — бэкенд при выключенной containerization.
type Disabled struct{}

func (Disabled) Submit(context.Context, SubmitRequest) ([]Handle, error) {
	return nil, fmt.Errorf("%w: containerization disabled", ErrRejected)
}

func (Disabled) Poll(_ context.Context, h Handle) (PollResult, error) {
	return PollResult{}, fmt.Errorf("%w: unknown handle %s", ErrRejected, h)
}

func (Disabled) ResolveAddress(_ context.Context, id string) (string, error) {
	return "", fmt.Errorf("%w: unknown container %s", ErrRejected, id)
}

func (Disabled) Remove(context.Context, []string) error {
	return fmt.Errorf("%w: containerization disabled", ErrRejected)
}
