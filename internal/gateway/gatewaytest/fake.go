// Package gatewaytest — управляемый Gateway для тестов orchestrator.
package gatewaytest

import (
	"context"
	"fmt"
	"sync"

	"github.com/shaiso/redisctl/internal/gateway"
)

// Fake — Gateway, который разрешает handles сразу или никогда.
//
// Каждый Submit выдаёт один handle на запрос и создаёт req.Replicas
// контейнеров. Removed накапливает всё, что просили удалить.
type Fake struct {
	mu sync.Mutex

	// NeverResolve — Poll всегда возвращает Pending.
	NeverResolve bool

	// StuckHost — handles, отправленные на этот хост, остаются Pending.
	StuckHost string

	// FailPoll — Poll возвращает Failed с этим текстом.
	FailPoll string

	// SubmitErr — ошибка Submit.
	SubmitErr error

	// RemoveErr — ошибка Remove.
	RemoveErr error

	// OnSubmit вызывается в начале Submit с его порядковым номером (с 1),
	// без блокировки Fake. Может ждать; ошибка возвращается из Submit.
	OnSubmit func(ctx context.Context, n int) error

	Submitted []gateway.SubmitRequest
	Removed   []string
	Polls     int

	next       int
	calls      int
	stuck      map[gateway.Handle]bool
	containers map[gateway.Handle][]string
	addresses  map[string]string
}

// New создаёт Fake.
func New() *Fake {
	return &Fake{
		stuck:      make(map[gateway.Handle]bool),
		containers: make(map[gateway.Handle][]string),
		addresses:  make(map[string]string),
	}
}

func (f *Fake) Submit(ctx context.Context, req gateway.SubmitRequest) ([]gateway.Handle, error) {
	f.mu.Lock()
	f.calls++
	n, hook := f.calls, f.OnSubmit
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, n); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubmitErr != nil {
		return nil, f.SubmitErr
	}
	f.Submitted = append(f.Submitted, req)

	f.next++
	h := gateway.Handle(fmt.Sprintf("h%d", f.next))
	if f.StuckHost != "" && req.Host == f.StuckHost {
		f.stuck[h] = true
	}
	for i := 0; i < req.Replicas; i++ {
		id := fmt.Sprintf("c%d-%d", f.next, i)
		f.containers[h] = append(f.containers[h], id)
		f.addresses[id] = fmt.Sprintf("%s:%d", req.Host, 7000+f.next*10+i)
	}
	return []gateway.Handle{h}, nil
}

func (f *Fake) Poll(_ context.Context, h gateway.Handle) (gateway.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Polls++
	switch {
	case f.FailPoll != "":
		return gateway.PollResult{State: gateway.Failed, Error: f.FailPoll}, nil
	case f.NeverResolve, f.stuck[h]:
		return gateway.PollResult{State: gateway.Pending}, nil
	}
	ids, ok := f.containers[h]
	if !ok {
		return gateway.PollResult{State: gateway.Failed, Error: "unknown handle " + string(h)}, nil
	}
	return gateway.PollResult{State: gateway.Resolved, ContainerIDs: ids}, nil
}

func (f *Fake) ResolveAddress(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addr, ok := f.addresses[id]
	if !ok {
		return "", fmt.Errorf("%w: unknown container %s", gateway.ErrRejected, id)
	}
	return addr, nil
}

func (f *Fake) Remove(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RemoveErr != nil {
		return f.RemoveErr
	}
	f.Removed = append(f.Removed, ids...)
	return nil
}

// Containers возвращает контейнеры handle; нужно тестам на частичный deploy.
func (f *Fake) Containers(h gateway.Handle) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.containers[h]...)
}

// SubmitCount возвращает число вызовов Submit.
func (f *Fake) SubmitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Submitted)
}

// RemovedIDs возвращает копию Removed.
func (f *Fake) RemovedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Removed...)
}
