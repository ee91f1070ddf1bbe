// redisctl — операторская утилита: очередь tasks, инвентарь хостов
// и просмотр опубликованных snapshot'ов.
//
// Использование:
//
//	redisctl [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	snapshot  Последний snapshot, список target'ов, watch
//	task      Постановка и просмотр tasks
//	node      Инвентарь хостов
//
// Настройки (DB_URL, RABBITMQ_URL, PERMDIR, ...) берутся из окружения.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shaiso/redisctl/internal/cli"
	"github.com/shaiso/redisctl/internal/config"
	"github.com/shaiso/redisctl/internal/telemetry"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var jsonOutput bool
	var permDir string

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	logger := telemetry.SetupCLILogger()
	env := cli.NewEnv(cfg, logger)

	rootCmd := &cobra.Command{
		Use:           "redisctl",
		Short:         "redisctl — Redis fleet orchestrator CLI",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if permDir != "" {
				cfg.PermDir = permDir
				env = cli.NewEnv(cfg, logger)
			}
		},
	}

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&permDir, "permdir", "", "Snapshot directory (default: PERMDIR)")

	backendFn := func() cli.Backend { return env }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewSnapshotCmd(backendFn, outputFn),
		cli.NewTaskCmd(backendFn, outputFn),
		cli.NewNodeCmd(backendFn, outputFn),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = rootCmd.ExecuteContext(ctx)
	stop()
	env.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
