// redisctl daemon — исполняет tasks и опрашивает флот.
//
// Daemon:
//   - Забирает pending tasks (TaskPoller) и выполняет их через container-бэкенд
//   - Опрашивает все Redis и proxy (NodeStatCollector)
//   - Публикует snapshot и список target'ов в PERMDIR
//   - Отдаёт /healthz, /metrics и HTTP API для dashboard
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/redisctl/internal/api"
	"github.com/shaiso/redisctl/internal/collector"
	"github.com/shaiso/redisctl/internal/config"
	"github.com/shaiso/redisctl/internal/gateway"
	"github.com/shaiso/redisctl/internal/mq"
	"github.com/shaiso/redisctl/internal/notify"
	"github.com/shaiso/redisctl/internal/orchestrator"
	"github.com/shaiso/redisctl/internal/redis"
	"github.com/shaiso/redisctl/internal/repo"
	"github.com/shaiso/redisctl/internal/snapshot"
	"github.com/shaiso/redisctl/internal/telemetry"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting redisctl-daemon")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// DB pool
	pool, err := repo.NewPool(ctx, cfg.DBURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := repo.EnsureSchema(ctx, pool); err != nil {
		logger.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}
	logger.Info("database connected")

	taskRepo := repo.NewTaskRepo(pool)
	inventoryRepo := repo.NewInventoryRepo(pool)

	snapshots, err := snapshot.New(cfg.PermDir, logger)
	if err != nil {
		logger.Error("failed to open snapshot dir", "error", err)
		os.Exit(1)
	}

	gw, err := newGateway(cfg, logger)
	if err != nil {
		logger.Error("failed to create container gateway", "backend", cfg.ContainerBackend, "error", err)
		os.Exit(1)
	}

	// RabbitMQ
	var events orchestrator.EventPublisher
	var waker api.Waker
	var alarms notify.AlarmNotifier = notify.Nop{}
	var mqConn *mq.Connection
	var broker api.Broker

	mqConn, err = mq.NewConnection(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
	} else {
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")

		broker = mqConn
		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		} else {
			logger.Debug("RabbitMQ topology ready", "topology", mq.TopologyInfo())
		}

		publisher := mq.NewPublisher(mqConn, logger)
		events = publisher
		waker = publisher
		alarms = notify.NewAMQPNotifier(publisher, logger)
	}

	var stats notify.StatsSink = notify.Nop{}
	if cfg.Falcon.Enabled() {
		stats = notify.NewFalconSink(notify.FalconConfig{
			WriteURL: cfg.Falcon.WriteURL,
			QueryURL: cfg.Falcon.QueryURL,
			Interval: cfg.Falcon.AnticipatedInterval,
			Logger:   logger,
		})
		logger.Info("open-falcon stats enabled", "url", cfg.Falcon.WriteURL)
	}

	poller := orchestrator.New(orchestrator.Config{
		Store:        taskRepo,
		Inventory:    inventoryRepo,
		Gateway:      gw,
		Events:       events,
		Conn:         mqConn,
		Workers:      cfg.TaskWorkers,
		Lease:        cfg.TaskLease,
		MaxAbandon:   cfg.TaskMaxAbandon,
		PollInterval: cfg.PollInterval,
		Backoff: orchestrator.Backoff{
			Initial:  cfg.GatewayPollInitial,
			Max:      cfg.GatewayPollMax,
			Deadline: cfg.GatewayPollDeadline,
		},
		DefaultMemoryPlan: cfg.MicroPlanMem,
		Network:           cfg.DockerNetwork,
		Logger:            logger,
	})

	coll := collector.New(collector.Config{
		Inventory: inventoryRepo,
		Prober:    redis.NewProber(cfg.RedisConnectTimeout, cfg.RedisPassword),
		Snapshots: snapshots,
		Alarms:    alarms,
		Stats:     stats,
		Interval:  cfg.PollInterval,
		FanOut:    cfg.NodesEachThread,
		MemRatio:  cfg.AlarmMemRatio,
		Logger:    logger,
	})

	if err := poller.Start(ctx); err != nil {
		logger.Error("failed to start task poller", "error", err)
		os.Exit(1)
	}
	if err := coll.Start(ctx); err != nil {
		logger.Error("failed to start collector", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics + dashboard API
	mux := http.NewServeMux()
	api.NewHandler(api.Config{
		Tasks:     taskRepo,
		Inventory: inventoryRepo,
		Snapshots: snapshots,
		Stats:     stats,
		Waker:     waker,
		Logger:    logger,
	}).RegisterRoutes(mux)
	mux.Handle("GET /healthz", api.Healthz(poller, broker))
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", cfg.DaemonPort)
	go func() {
		logger.Info("listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	coll.Stop()
	poller.Stop()
	logger.Info("redisctl-daemon stopped")
}

// newGateway выбирает container-бэкенд по CONTAINER_BACKEND.
func newGateway(cfg config.Config, logger *slog.Logger) (gateway.Gateway, error) {
	switch cfg.ContainerBackend {
	case config.BackendEru:
		logger.Info("container backend: eru", "url", cfg.EruURL)
		return gateway.NewEruGateway(gateway.EruConfig{
			BaseURL:    cfg.EruURL,
			App:        cfg.EruApp,
			Entrypoint: cfg.EruEntrypoint,
			Logger:     logger,
		}), nil
	case config.BackendDocker:
		logger.Info("container backend: docker", "image", cfg.RedisImage)
		gw, err := gateway.NewDockerGateway(gateway.DockerConfig{
			Image:   cfg.RedisImage,
			Network: cfg.DockerNetwork,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		return gw, nil
	default:
		logger.Warn("containerization disabled, deploy tasks will fail")
		return gateway.Disabled{}, nil
	}
}
