package cli

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/shaiso/redisctl/internal/domain"
	"github.com/shaiso/redisctl/internal/snapshot"
)

// ErrNoData — collector ещё ничего не опубликовал.
var ErrNoData = errors.New("nothing published yet")

// NewSnapshotCmd создаёт группу команд для чтения опубликованных snapshot'ов.
func NewSnapshotCmd(backendFn func() Backend, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Read snapshots published by the collector",
	}

	cmd.AddCommand(
		newSnapshotShowCmd(backendFn, outputFn),
		newSnapshotTargetsCmd(backendFn, outputFn),
		newSnapshotWatchCmd(backendFn, outputFn),
	)

	return cmd
}

func newSnapshotShowCmd(backendFn func() Backend, outputFn func() *Output) *cobra.Command {
	var unreachableOnly bool
	var hosts bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the latest poll snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			store, err := backendFn().Snapshots()
			if err != nil {
				return err
			}

			snap, err := store.ReadSnapshot()
			if err != nil {
				return err
			}
			if snap == nil {
				return fmt.Errorf("snapshot in %s: %w", store.Dir(), ErrNoData)
			}

			if out.JSONMode() {
				out.JSON(snap)
				return nil
			}

			out.Success(fmt.Sprintf("snapshot v%d collected %s: %d targets, %d unreachable",
				snap.Version, humanize.Time(snap.CollectedAt), snap.Len(), snap.Unreachable()))

			if hosts {
				printHosts(out, snap.Hosts)
				return nil
			}
			printRecords(out, snap, unreachableOnly)
			return nil
		},
	}

	cmd.Flags().BoolVar(&unreachableOnly, "unreachable", false, "Show only unreachable targets")
	cmd.Flags().BoolVar(&hosts, "hosts", false, "Show per-host roll-up instead of targets")

	return cmd
}

func printRecords(out *Output, snap *domain.PollSnapshot, unreachableOnly bool) {
	headers := []string{"ADDRESS", "ROLE", "GROUP", "STATUS", "USED_MEM", "CLIENTS", "LATENCY", "ERROR"}
	var rows [][]string
	for _, list := range [][]domain.TargetRecord{snap.Redis, snap.Proxies} {
		for i := range list {
			rec := &list[i]
			if unreachableOnly && rec.Reachable() {
				continue
			}
			used, clients := "-", "-"
			if v, ok := rec.Stats["used_memory"]; ok {
				used = formatBytes(int64(v))
			}
			if v, ok := rec.Stats["connected_clients"]; ok {
				clients = strconv.FormatFloat(v, 'f', 0, 64)
			}
			rows = append(rows, []string{
				rec.Target.Address,
				string(rec.Target.Role),
				orDash(rec.Target.Group),
				string(rec.Status),
				used,
				clients,
				rec.Latency.Round(time.Millisecond).String(),
				orDash(rec.Error),
			})
		}
	}
	out.Table(headers, rows)
}

func printHosts(out *Output, hosts []domain.HostRecord) {
	headers := []string{"ADDRESS", "HEALTH", "TARGETS", "FAILED", "ALLOCATED", "CAPACITY"}
	rows := make([][]string, len(hosts))
	for i, h := range hosts {
		rows[i] = []string{
			h.Address,
			orDash(string(h.Health)),
			strconv.Itoa(h.Targets),
			strconv.Itoa(h.Failed),
			formatBytes(h.Allocated),
			formatBytes(h.Capacity),
		}
	}
	out.Table(headers, rows)
}

func newSnapshotTargetsCmd(backendFn func() Backend, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "targets",
		Short: "Show the published target list",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			store, err := backendFn().Snapshots()
			if err != nil {
				return err
			}

			list, err := store.ReadTargets()
			if err != nil {
				return err
			}
			if list == nil {
				return fmt.Errorf("target list in %s: %w", store.Dir(), ErrNoData)
			}

			headers := []string{"ADDRESS", "ROLE", "GROUP", "INSTANCE", "NODE"}
			var rows [][]string
			for _, group := range [][]domain.Target{list.Redis, list.Proxies} {
				for _, t := range group {
					rows = append(rows, []string{
						t.Address,
						string(t.Role),
						orDash(t.Group),
						shortID(t.InstanceID.String()),
						shortID(t.NodeID.String()),
					})
				}
			}

			out.Print(headers, rows, list)
			return nil
		},
	}
}

func newSnapshotWatchCmd(backendFn func() Backend, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print a line every time the collector publishes",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			store, err := backendFn().Snapshots()
			if err != nil {
				return err
			}

			out.Success("watching " + store.Dir() + " (Ctrl+C to stop)")
			err = store.Watch(cmd.Context(), func(kind snapshot.Kind) {
				printChange(out, store, kind)
			})
			if errors.Is(err, cmd.Context().Err()) {
				return nil
			}
			return err
		},
	}
}

func printChange(out *Output, store *snapshot.Store, kind snapshot.Kind) {
	switch kind {
	case snapshot.KindSnapshot:
		snap, err := store.ReadSnapshot()
		if err != nil || snap == nil {
			return
		}
		if out.JSONMode() {
			out.JSON(snap)
			return
		}
		out.Line("%s snapshot v%d: %d targets, %d unreachable, %d hosts",
			formatTime(snap.CollectedAt), snap.Version, snap.Len(), snap.Unreachable(), len(snap.Hosts))
	case snapshot.KindTargets:
		list, err := store.ReadTargets()
		if err != nil || list == nil {
			return
		}
		if out.JSONMode() {
			out.JSON(list)
			return
		}
		out.Line("%s targets v%d: %d redis, %d proxies",
			formatTime(list.GeneratedAt), list.Version, len(list.Redis), len(list.Proxies))
	}
}
