package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/shaiso/redisctl/internal/domain"
	"github.com/shaiso/redisctl/internal/gateway"
	"github.com/shaiso/redisctl/internal/planner"
)

// deploy_instance: plan → submit по хостам → сохранить handles →
// дождаться контейнеров → адреса → Outcome с новыми Instance.
//
// Если handles уже сохранены (task перехвачен после истечения lease),
// submit пропускается и опрос продолжается с них.
func (e *Executor) deploy(ctx context.Context, task *domain.Task, lease *leaseKeeper, logger *slog.Logger) (*Outcome, error) {
	p := task.Payload
	memory := p.MemoryPlan
	if memory <= 0 {
		memory = e.memoryPlan
	}
	role := p.Role
	if role == "" {
		role = domain.RoleMaster
	}
	if p.Group == "" || p.Count <= 0 || !role.Valid() {
		return failed(fmt.Errorf("%w: deploy needs group, count > 0 and a known role (group=%q count=%d role=%q)",
			ErrInvalidPayload, p.Group, p.Count, role)), nil
	}
	network := p.Network
	if network == "" {
		network = e.network
	}

	subtasks := task.Subtasks
	if len(subtasks) == 0 {
		nodes, err := e.inventory.ListNodes(ctx)
		if err != nil {
			return nil, fmt.Errorf("list nodes: %w", err)
		}

		placements, err := planner.Plan(nodes, planner.Request{Count: p.Count, MemoryPlan: memory, Pod: p.Pod})
		if err != nil {
			return failed(err), nil
		}
		shares := planner.GroupByNode(placements)

		logger.Info("placement planned",
			"count", p.Count,
			"memory_plan", humanize.Bytes(uint64(memory)),
			"nodes", len(shares),
		)

		for _, share := range shares {
			if err := lease.touch(ctx); err != nil {
				return e.abandonDeploy(ctx, logger, subtasks, err)
			}
			sctx, cancel := e.callCtx(ctx, time.Time{})
			handles, err := e.gateway.Submit(sctx, gateway.SubmitRequest{
				Group:      p.Group,
				Pod:        p.Pod,
				Version:    p.Version,
				Replicas:   share.Count,
				MemoryPlan: share.Memory,
				Network:    network,
				Host:       share.Address,
				NodeID:     share.NodeID,
			})
			cancel()
			err = callErr(ctx, err)
			if err == nil && len(handles) == 0 {
				err = fmt.Errorf("%w: backend returned no handles", gateway.ErrRejected)
			}
			if err != nil {
				return e.failDeploy(ctx, logger, subtasks, nil, fmt.Errorf("submit to %s: %w", share.Address, err)), nil
			}
			subtasks = append(subtasks, subtasksFor(handles, share)...)
		}

		if err := e.store.SaveSubtasks(ctx, task.ID, task.LeaseOwner, subtasks); err != nil {
			err = leaseErr(err)
			if errors.Is(err, ErrLeaseLost) {
				return e.abandonDeploy(ctx, logger, subtasks, err)
			}
			return e.failDeploy(ctx, logger, subtasks, nil, fmt.Errorf("save subtasks: %w", err)), nil
		}
		task.Subtasks = subtasks
	} else {
		logger.Info("resuming deploy from recorded subtasks", "subtasks", len(subtasks))
	}

	resolved := make(map[gateway.Handle][]string, len(subtasks))
	if err := e.await(ctx, lease, subtasks, resolved, logger); err != nil {
		if errors.Is(err, ErrLeaseLost) || ctx.Err() != nil {
			return nil, err
		}
		return e.failDeploy(ctx, logger, subtasks, resolved, err), nil
	}

	now := time.Now()
	var instances []domain.Instance
	var containers []string
	for _, st := range subtasks {
		for _, cid := range resolved[gateway.Handle(st.Handle)] {
			containers = append(containers, cid)

			if err := lease.touch(ctx); err != nil {
				return nil, err
			}
			rctx, cancel := e.callCtx(ctx, time.Time{})
			addr, err := e.gateway.ResolveAddress(rctx, cid)
			cancel()
			if err = callErr(ctx, err); err != nil {
				return e.failDeploy(ctx, logger, subtasks, resolved, fmt.Errorf("resolve address of %s: %w", cid, err)), nil
			}
			instances = append(instances, domain.Instance{
				// Детерминированный ID: повторное исполнение даст те же instances
				ID:          uuid.NewSHA1(task.ID, []byte(cid)),
				ContainerID: cid,
				NodeID:      st.NodeID,
				Group:       p.Group,
				MemoryPlan:  memory,
				Role:        role,
				Address:     addr,
				CreatedAt:   now,
			})
		}
	}

	if len(instances) != p.Count {
		err := fmt.Errorf("%w: backend started %d of %d containers", gateway.ErrRejected, len(instances), p.Count)
		return e.failDeploy(ctx, logger, subtasks, resolved, err), nil
	}

	ids := make([]string, len(instances))
	for i := range instances {
		ids[i] = instances[i].ID.String()
	}

	out := done(map[string]any{
		"instances":  ids,
		"containers": containers,
	}, &domain.TopologyChange{Add: instances})
	out.Provisioned = containers
	return out, nil
}

// failDeploy — failed Outcome с откатом всего, что уже создано.
func (e *Executor) failDeploy(ctx context.Context, logger *slog.Logger, subtasks []domain.RemoteSubtask,
	resolved map[gateway.Handle][]string, cause error) *Outcome {
	out := failed(cause)
	if len(subtasks) > 0 {
		out.Result["subtasks"] = len(subtasks)
	}
	e.compensateInto(ctx, logger, out, e.provisioned(ctx, subtasks, resolved))
	return out
}

// abandonDeploy завершает исполнение, потерявшее lease до сохранения
// handles. Следующее исполнение о них не узнает, поэтому всё, что
// уже создано по ним, удаляется здесь.
func (e *Executor) abandonDeploy(ctx context.Context, logger *slog.Logger, subtasks []domain.RemoteSubtask, cause error) (*Outcome, error) {
	if len(subtasks) == 0 {
		return nil, cause
	}
	logger.Warn("lease lost before handles were recorded, removing submitted containers",
		"subtasks", len(subtasks), "error", cause)
	if containers := e.provisioned(ctx, subtasks, nil); len(containers) > 0 {
		e.compensate(ctx, logger, containers)
	}
	return nil, cause
}

// subtasksFor раскладывает share.Count по handles одного submit.
func subtasksFor(handles []gateway.Handle, share planner.NodeShare) []domain.RemoteSubtask {
	per, extra := share.Count/len(handles), share.Count%len(handles)
	out := make([]domain.RemoteSubtask, len(handles))
	for i, h := range handles {
		n := per
		if i < extra {
			n++
		}
		out[i] = domain.RemoteSubtask{Handle: string(h), NodeID: share.NodeID, Replicas: n}
	}
	return out
}

// remove_instance: удалить контейнеры, затем instances и allocated — одной транзакцией в Complete.
// Уже удалённые instances пропускаются, поэтому повтор безопасен.
func (e *Executor) remove(ctx context.Context, task *domain.Task, logger *slog.Logger) (*Outcome, error) {
	ids := task.Payload.InstanceIDs
	if len(ids) == 0 {
		return failed(fmt.Errorf("%w: remove needs instance_ids", ErrInvalidPayload)), nil
	}

	instances, err := e.inventory.GetInstances(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("get instances: %w", err)
	}
	if len(instances) == 0 {
		logger.Info("instances already removed", "requested", len(ids))
		return done(map[string]any{"removed": 0}, nil), nil
	}

	containers := make([]string, len(instances))
	found := make([]uuid.UUID, len(instances))
	for i, inst := range instances {
		containers[i] = inst.ContainerID
		found[i] = inst.ID
	}

	rctx, cancel := e.callCtx(ctx, time.Time{})
	err = callErr(ctx, e.gateway.Remove(rctx, containers))
	cancel()
	if err != nil {
		return failed(fmt.Errorf("remove containers: %w", err)), nil
	}

	logger.Info("containers removed", "count", len(containers))
	return done(map[string]any{
		"removed":    len(instances),
		"containers": containers,
	}, &domain.TopologyChange{Remove: found}), nil
}

// rebalance_slots: равномерно делит слоты между master'ами группы
// в порядке создания. Меняются только записи в БД; миграция слотов
// в самом Redis не выполняется.
func (e *Executor) rebalance(ctx context.Context, task *domain.Task, logger *slog.Logger) (*Outcome, error) {
	group := task.Payload.Group
	if group == "" {
		return failed(fmt.Errorf("%w: rebalance needs group", ErrInvalidPayload)), nil
	}

	masters, err := e.inventory.ListInstances(ctx, domain.InstanceFilter{Group: group, Role: domain.RoleMaster})
	if err != nil {
		return nil, fmt.Errorf("list masters: %w", err)
	}
	if len(masters) == 0 {
		return failed(fmt.Errorf("%w: group %q has no masters", ErrInvalidPayload, group)), nil
	}
	if len(masters) > domain.ClusterSlots {
		return failed(fmt.Errorf("%w: group %q has %d masters, more than %d slots",
			ErrInvalidPayload, group, len(masters), domain.ClusterSlots)), nil
	}

	ranges := domain.SplitSlots(len(masters))
	slots := make(map[uuid.UUID]domain.SlotRange, len(masters))
	summary := make([]string, len(masters))
	for i, m := range masters {
		slots[m.ID] = ranges[i]
		summary[i] = m.Address + "=" + ranges[i].String()
	}

	logger.Info("slots rebalanced", "group", group, "masters", len(masters))
	return done(map[string]any{
		"masters": len(masters),
		"slots":   summary,
	}, &domain.TopologyChange{Slots: slots}), nil
}
