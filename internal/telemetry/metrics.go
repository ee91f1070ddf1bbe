package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики daemon'а. Регистрируются в prometheus.DefaultRegisterer,
// отдаются через promhttp.Handler() на /metrics.
var (
	TasksClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "redisctl_tasks_claimed_total",
		Help: "Tasks successfully claimed by this poller",
	})

	TaskClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "redisctl_task_claim_conflicts_total",
		Help: "Claim attempts lost to another poller",
	})

	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redisctl_tasks_finished_total",
		Help: "Tasks persisted in a terminal status",
	}, []string{"kind", "status"})

	TasksReclaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redisctl_tasks_reclaimed_total",
		Help: "Tasks whose lease expired, by outcome (requeued|failed)",
	}, []string{"outcome"})

	WorkerPoolBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "redisctl_worker_pool_busy",
		Help: "Executors currently running",
	})

	Probes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redisctl_probes_total",
		Help: "Health probes by target kind (redis|proxy) and result (healthy|unreachable)",
	}, []string{"kind", "result"})

	PollCycleSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "redisctl_poll_cycle_seconds",
		Help:    "Duration of one NodeStatCollector cycle",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	SnapshotVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "redisctl_snapshot_version",
		Help: "Version of the last published poll snapshot",
	})

	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redisctl_api_requests_total",
		Help: "Dashboard API requests by route pattern and status code",
	}, []string{"route", "code"})
)
