package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/shaiso/redisctl/internal/domain"
)

// NewTaskCmd создаёт группу команд для постановки и просмотра tasks.
func NewTaskCmd(backendFn func() Backend, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Queue and inspect topology tasks",
	}

	cmd.AddCommand(
		newTaskListCmd(backendFn, outputFn),
		newTaskShowCmd(backendFn, outputFn),
		newTaskDeployCmd(backendFn, outputFn),
		newTaskRemoveCmd(backendFn, outputFn),
		newTaskRebalanceCmd(backendFn, outputFn),
	)

	return cmd
}

func newTaskListCmd(backendFn func() Backend, outputFn func() *Output) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			tasks, err := backendFn().Tasks(cmd.Context())
			if err != nil {
				return err
			}

			list, err := tasks.List(cmd.Context(), domain.TaskStatus(status), limit)
			if err != nil {
				return err
			}

			headers := []string{"ID", "KIND", "STATUS", "GROUP", "ABANDONED", "OWNER", "CREATED", "ERROR"}
			rows := make([][]string, len(list))
			for i, t := range list {
				rows[i] = []string{
					t.ID.String(),
					string(t.Kind),
					string(t.Status),
					orDash(t.Payload.Group),
					strconv.Itoa(t.Abandoned),
					orDash(t.LeaseOwner),
					formatAgo(&t.CreatedAt),
					orDash(t.Error),
				}
			}

			out.Print(headers, rows, list)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, claimed, running, done, failed)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newTaskShowCmd(backendFn func() Backend, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show TASK_ID",
		Short: "Show a task with its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid task id: %w", err)
			}
			tasks, err := backendFn().Tasks(cmd.Context())
			if err != nil {
				return err
			}

			t, err := tasks.GetByID(cmd.Context(), id)
			if err != nil {
				return err
			}

			if out.JSONMode() {
				out.JSON(t)
				return nil
			}

			headers := []string{"FIELD", "VALUE"}
			rows := [][]string{
				{"ID", t.ID.String()},
				{"Kind", string(t.Kind)},
				{"Status", string(t.Status)},
				{"Owner", orDash(t.LeaseOwner)},
				{"Lease Expires", formatAgo(t.LeaseExpiresAt)},
				{"Abandoned", strconv.Itoa(t.Abandoned)},
				{"Subtasks", strconv.Itoa(len(t.Subtasks))},
				{"Created", formatTime(t.CreatedAt)},
				{"Started", formatAgo(t.StartedAt)},
				{"Finished", formatAgo(t.FinishedAt)},
				{"Error", orDash(t.Error)},
			}
			if d := t.Duration(); d > 0 {
				rows = append(rows, []string{"Duration", d.String()})
			}
			out.Table(headers, rows)
			if len(t.Result) > 0 {
				out.JSON(t.Result)
			}
			return nil
		},
	}
}

func newTaskDeployCmd(backendFn func() Backend, outputFn func() *Output) *cobra.Command {
	var payload domain.TaskPayload
	var memory string
	var role string

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Queue a deploy_instance task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if payload.Group == "" {
				return fmt.Errorf("--group is required")
			}
			if payload.Count <= 0 {
				return fmt.Errorf("--count must be positive")
			}
			if memory != "" {
				n, err := humanize.ParseBytes(memory)
				if err != nil || n == 0 {
					return fmt.Errorf("invalid --memory %q", memory)
				}
				payload.MemoryPlan = int64(n)
			}
			if role != "" {
				payload.Role = domain.InstanceRole(role)
				if !payload.Role.Valid() {
					return fmt.Errorf("invalid --role %q", role)
				}
			}
			return submitTask(cmd.Context(), backendFn(), outputFn(), domain.NewTask(domain.KindDeployInstance, payload))
		},
	}

	cmd.Flags().StringVar(&payload.Group, "group", "", "Cluster group")
	cmd.Flags().StringVar(&payload.Pod, "pod", "", "Restrict placement to hosts of this pod")
	cmd.Flags().IntVar(&payload.Count, "count", 1, "Number of instances")
	cmd.Flags().StringVar(&memory, "memory", "", "Memory plan per instance, e.g. 108MB (default: MICRO_PLAN_MEM)")
	cmd.Flags().StringVar(&payload.Version, "version", "", "Redis image version")
	cmd.Flags().StringVar(&role, "role", "", "Instance role (master, replica, proxy)")
	cmd.Flags().StringVar(&payload.Network, "network", "", "Container network")

	return cmd
}

func newTaskRemoveCmd(backendFn func() Backend, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "remove INSTANCE_ID...",
		Short: "Queue a remove_instance task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]uuid.UUID, len(args))
			for i, a := range args {
				id, err := uuid.Parse(a)
				if err != nil {
					return fmt.Errorf("invalid instance id %q: %w", a, err)
				}
				ids[i] = id
			}
			task := domain.NewTask(domain.KindRemoveInstance, domain.TaskPayload{InstanceIDs: ids})
			return submitTask(cmd.Context(), backendFn(), outputFn(), task)
		},
	}
}

func newTaskRebalanceCmd(backendFn func() Backend, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "rebalance GROUP",
		Short: "Queue a rebalance_slots task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task := domain.NewTask(domain.KindRebalanceSlots, domain.TaskPayload{Group: args[0]})
			return submitTask(cmd.Context(), backendFn(), outputFn(), task)
		},
	}
}

// submitTask сохраняет pending task и будит poller.
// Недоставленное уведомление не ошибка: poller найдёт task сам.
func submitTask(ctx context.Context, b Backend, out *Output, task *domain.Task) error {
	tasks, err := b.Tasks(ctx)
	if err != nil {
		return err
	}
	if err := tasks.Create(ctx, task); err != nil {
		return err
	}

	if w := b.Waker(ctx); w != nil {
		if err := w.PublishTaskPending(ctx, task.ID); err != nil {
			out.Error("failed to notify poller: " + err.Error())
		}
	}

	if out.JSONMode() {
		out.JSON(task)
		return nil
	}
	out.Success(fmt.Sprintf("Task %s queued (%s)", task.ID, task.Kind))
	out.Line("%s", task.ID)
	return nil
}
