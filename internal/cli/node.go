package cli

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/shaiso/redisctl/internal/domain"
)

// NewNodeCmd создаёт группу команд для инвентаря хостов.
func NewNodeCmd(backendFn func() Backend, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Manage the host inventory",
	}

	cmd.AddCommand(
		newNodeListCmd(backendFn, outputFn),
		newNodeAddCmd(backendFn, outputFn),
		newNodeInstancesCmd(backendFn, outputFn),
	)

	return cmd
}

func newNodeListCmd(backendFn func() Backend, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List hosts with their memory usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			nodes, err := backendFn().Nodes(cmd.Context())
			if err != nil {
				return err
			}

			list, err := nodes.ListNodes(cmd.Context())
			if err != nil {
				return err
			}

			headers := []string{"ID", "ADDRESS", "POD", "ALLOCATED", "CAPACITY", "FREE", "HEALTH", "LAST_STAT"}
			rows := make([][]string, len(list))
			for i, n := range list {
				rows[i] = []string{
					n.ID.String(),
					n.Address,
					orDash(n.Pod),
					formatBytes(n.Allocated),
					formatBytes(n.Capacity),
					formatBytes(n.Free()),
					orDash(string(n.Health)),
					formatAgo(n.LastStatAt),
				}
			}

			out.Print(headers, rows, list)
			return nil
		},
	}
}

func newNodeAddCmd(backendFn func() Backend, outputFn func() *Output) *cobra.Command {
	var pod string
	var capacity string

	cmd := &cobra.Command{
		Use:   "add ADDRESS",
		Short: "Register a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			b := backendFn()

			size := b.Config().NodeMaxMem
			if capacity != "" {
				n, err := humanize.ParseBytes(capacity)
				if err != nil || n == 0 {
					return fmt.Errorf("invalid --capacity %q", capacity)
				}
				size = int64(n)
			}

			nodes, err := b.Nodes(cmd.Context())
			if err != nil {
				return err
			}
			node := &domain.Node{
				ID:       uuid.New(),
				Address:  args[0],
				Pod:      pod,
				Capacity: size,
			}
			if err := nodes.CreateNode(cmd.Context(), node); err != nil {
				return err
			}

			if out.JSONMode() {
				out.JSON(node)
				return nil
			}
			out.Success(fmt.Sprintf("Node %s registered with %s", node.Address, humanize.IBytes(uint64(size))))
			out.Line("%s", node.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&pod, "pod", "", "Pod the host belongs to")
	cmd.Flags().StringVar(&capacity, "capacity", "", "Memory capacity, e.g. 2GB (default: NODE_MAX_MEM)")

	return cmd
}

func newNodeInstancesCmd(backendFn func() Backend, outputFn func() *Output) *cobra.Command {
	var filter domain.InstanceFilter
	var role string

	cmd := &cobra.Command{
		Use:   "instances",
		Short: "List Redis instances and proxies",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			filter.Role = domain.InstanceRole(role)
			nodes, err := backendFn().Nodes(cmd.Context())
			if err != nil {
				return err
			}

			list, err := nodes.ListInstances(cmd.Context(), filter)
			if err != nil {
				return err
			}

			headers := []string{"ID", "ADDRESS", "GROUP", "ROLE", "MEMORY", "SLOTS", "CONTAINER"}
			rows := make([][]string, len(list))
			for i, inst := range list {
				slots := "-"
				if inst.Slots != nil {
					slots = inst.Slots.String() + " (" + strconv.Itoa(inst.Slots.Len()) + ")"
				}
				rows[i] = []string{
					inst.ID.String(),
					orDash(inst.Address),
					orDash(inst.Group),
					string(inst.Role),
					formatBytes(inst.MemoryPlan),
					slots,
					shortID(inst.ContainerID),
				}
			}

			out.Print(headers, rows, list)
			return nil
		},
	}

	cmd.Flags().StringVar(&filter.Group, "group", "", "Filter by group")
	cmd.Flags().StringVar(&role, "role", "", "Filter by role (master, replica, proxy)")

	return cmd
}
