// Package collector — NodeStatCollector: периодически опрашивает все
// Redis и proxy флота и публикует один согласованный snapshot.
//
// Отказ одного target'а не прерывает цикл: он попадает в snapshot
// со статусом unreachable. Одновременно открыто не больше FanOut
// соединений.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/redisctl/internal/domain"
	"github.com/shaiso/redisctl/internal/notify"
	"github.com/shaiso/redisctl/internal/redis"
	"github.com/shaiso/redisctl/internal/telemetry"
)

// Default configuration values.
const (
	defaultInterval = 10 * time.Second
	defaultFanOut   = 10
	defaultMemRatio = 0.9
)

// Inventory — источник target'ов и приёмник здоровья хостов.
type Inventory interface {
	ListNodes(ctx context.Context) ([]domain.Node, error)
	ListInstances(ctx context.Context, filter domain.InstanceFilter) ([]domain.Instance, error)
	UpdateHealth(ctx context.Context, health map[uuid.UUID]domain.NodeHealth, at time.Time) error
}

// Prober опрашивает один адрес. Реализация: *redis.Prober.
type Prober interface {
	Probe(ctx context.Context, addr string) (redis.Info, error)
}

// Publisher публикует результаты. Реализация: *snapshot.Store.
type Publisher interface {
	WriteSnapshot(snap *domain.PollSnapshot) (uint64, error)
	WriteTargets(list *domain.TargetList) (uint64, error)
}

// Config — конфигурация Collector.
type Config struct {
	Inventory Inventory
	Prober    Prober
	Snapshots Publisher

	// Alarms и Stats опциональны (nil → notify.Nop).
	Alarms notify.AlarmNotifier
	Stats  notify.StatsSink

	Interval time.Duration // default: 10s
	FanOut   int           // размер батча и лимит соединений (default: 10)
	MemRatio float64       // порог used/max memory для аларма (default: 0.9)

	Logger *slog.Logger
}

// Collector — NodeStatCollector.
type Collector struct {
	inventory Inventory
	prober    Prober
	snapshots Publisher
	alarms    notify.AlarmNotifier
	stats     notify.StatsSink

	interval time.Duration
	fanOut   int

	// Циклы не пересекаются: tracker трогает только RunCycle
	cycleMu sync.Mutex
	edges   *tracker

	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// New создаёт Collector.
func New(cfg Config) *Collector {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	fanOut := cfg.FanOut
	if fanOut <= 0 {
		fanOut = defaultFanOut
	}
	ratio := cfg.MemRatio
	if ratio <= 0 {
		ratio = defaultMemRatio
	}
	var alarms notify.AlarmNotifier = notify.Nop{}
	if cfg.Alarms != nil {
		alarms = cfg.Alarms
	}
	var stats notify.StatsSink = notify.Nop{}
	if cfg.Stats != nil {
		stats = cfg.Stats
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Collector{
		inventory: cfg.Inventory,
		prober:    cfg.Prober,
		snapshots: cfg.Snapshots,
		alarms:    alarms,
		stats:     stats,
		interval:  interval,
		fanOut:    fanOut,
		edges:     newTracker(ratio),
		logger:    logger.With("component", "collector"),
	}
}

// Start запускает цикл опроса. Первый цикл выполняется сразу.
func (c *Collector) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel

	c.logger.Info("starting collector", "interval", c.interval, "fan_out", c.fanOut)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pollLoop(ctx)
	}()
	return nil
}

// Stop останавливает Collector и ждёт текущий цикл.
func (c *Collector) Stop() {
	c.logger.Info("stopping collector...")
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
	c.wg.Wait()
	c.logger.Info("collector stopped")
}

func (c *Collector) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if _, err := c.RunCycle(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("collection cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunCycle выполняет один проход и возвращает опубликованный snapshot.
// Ошибка — только если не удалось прочитать инвентарь или записать snapshot;
// недоступные target'ы ошибкой не считаются.
func (c *Collector) RunCycle(ctx context.Context) (*domain.PollSnapshot, error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	start := time.Now()
	c.edges.begin()
	c.alarms.Reset()

	nodes, err := c.inventory.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	instances, err := c.inventory.ListInstances(ctx, domain.InstanceFilter{})
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	list := BuildTargets(instances, start)
	if _, err := c.snapshots.WriteTargets(list); err != nil {
		c.logger.Warn("failed to publish target list", "error", err)
	}

	targets := append(append([]domain.Target(nil), list.Redis...), list.Proxies...)
	records := c.probeAll(ctx, targets)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	hosts, health := rollUp(nodes, records)
	if len(health) > 0 {
		if err := c.inventory.UpdateHealth(ctx, health, start); err != nil {
			c.logger.Warn("failed to update node health", "error", err)
		}
	}

	c.fireAlarms(ctx, records)

	snap := &domain.PollSnapshot{
		CollectedAt: start,
		Redis:       records[:len(list.Redis)],
		Proxies:     records[len(list.Redis):],
		Hosts:       hosts,
	}
	version, err := c.snapshots.WriteSnapshot(snap)
	if err != nil {
		return nil, fmt.Errorf("write snapshot: %w", err)
	}

	elapsed := time.Since(start)
	telemetry.PollCycleSeconds.Observe(elapsed.Seconds())
	telemetry.SnapshotVersion.Set(float64(version))

	c.logger.Info("collection cycle done",
		"targets", len(records),
		"unreachable", snap.Unreachable(),
		"hosts", len(hosts),
		"version", version,
		"duration", elapsed,
	)
	return snap, nil
}

// probeAll опрашивает targets батчами по fanOut. Общий лимит
// errgroup не даёт держать больше fanOut соединений и между батчами.
func (c *Collector) probeAll(ctx context.Context, targets []domain.Target) []domain.TargetRecord {
	records := make([]domain.TargetRecord, len(targets))

	g := new(errgroup.Group)
	g.SetLimit(c.fanOut)

	for bi, batch := range Batches(len(targets), c.fanOut) {
		c.logger.Debug("probing batch", "batch", bi, "from", batch.From, "to", batch.To)
		for i := batch.From; i < batch.To; i++ {
			g.Go(func() error {
				records[i] = c.probe(ctx, targets[i])
				return nil
			})
		}
	}
	g.Wait()

	return records
}

func (c *Collector) probe(ctx context.Context, t domain.Target) domain.TargetRecord {
	kind := "redis"
	if t.IsProxy() {
		kind = "proxy"
	}

	start := time.Now()
	info, err := c.prober.Probe(ctx, t.Address)
	rec := domain.TargetRecord{
		Target:    t,
		CheckedAt: start,
		Latency:   time.Since(start),
	}

	if err != nil {
		rec.Status = domain.ProbeStatusUnreachable
		rec.Error = err.Error()
		telemetry.Probes.WithLabelValues(kind, string(rec.Status)).Inc()
		telemetry.WithTarget(c.logger, t.Address).Warn("probe failed", "error", err)
		return rec
	}

	rec.Status = domain.ProbeStatusHealthy
	rec.Stats = info.Stats
	rec.Info = info.Fields
	telemetry.Probes.WithLabelValues(kind, string(rec.Status)).Inc()

	if err := c.stats.Write(ctx, t.Address, start, notify.SelectStats(info.Stats)); err != nil {
		telemetry.WithTarget(c.logger, t.Address).Warn("failed to write stats", "error", err)
	}
	return rec
}

func (c *Collector) fireAlarms(ctx context.Context, records []domain.TargetRecord) {
	for i := range records {
		for _, a := range c.edges.observe(&records[i]) {
			if err := c.alarms.Notify(ctx, a.target, a.message, a.detail); err != nil {
				telemetry.WithTarget(c.logger, a.target).Warn("failed to send alarm", "message", a.message, "error", err)
			}
		}
	}
	c.edges.commit()
}

// Batch — полуинтервал [From, To) индексов target'ов.
type Batch struct {
	From, To int
}

// Batches делит n target'ов на батчи по size.
func Batches(n, size int) []Batch {
	if size <= 0 {
		size = 1
	}
	var out []Batch
	for from := 0; from < n; from += size {
		out = append(out, Batch{From: from, To: min(from+size, n)})
	}
	return out
}

// BuildTargets строит список target'ов: proxy отдельно от Redis.
func BuildTargets(instances []domain.Instance, at time.Time) *domain.TargetList {
	list := &domain.TargetList{
		GeneratedAt: at,
		Redis:       []domain.Target{},
		Proxies:     []domain.Target{},
	}
	for _, inst := range instances {
		if inst.Address == "" {
			continue
		}
		t := domain.Target{
			InstanceID: inst.ID,
			NodeID:     inst.NodeID,
			Group:      inst.Group,
			Address:    inst.Address,
			Role:       inst.Role,
		}
		if t.IsProxy() {
			list.Proxies = append(list.Proxies, t)
		} else {
			list.Redis = append(list.Redis, t)
		}
	}
	return list
}

// rollUp сводит записи по хостам: все ответили → healthy, часть → degraded,
// никто → unreachable. Хосты без target'ов сохраняют прежний статус
// и не попадают в health.
func rollUp(nodes []domain.Node, records []domain.TargetRecord) ([]domain.HostRecord, map[uuid.UUID]domain.NodeHealth) {
	type counts struct{ total, failed int }
	byNode := make(map[uuid.UUID]*counts)
	for i := range records {
		id := records[i].Target.NodeID
		c, ok := byNode[id]
		if !ok {
			c = &counts{}
			byNode[id] = c
		}
		c.total++
		if !records[i].Reachable() {
			c.failed++
		}
	}

	hosts := make([]domain.HostRecord, 0, len(nodes))
	health := make(map[uuid.UUID]domain.NodeHealth)
	for _, n := range nodes {
		h := domain.HostRecord{
			NodeID:    n.ID,
			Address:   n.Address,
			Health:    n.Health,
			Capacity:  n.Capacity,
			Allocated: n.Allocated,
		}
		if c, ok := byNode[n.ID]; ok {
			h.Targets, h.Failed = c.total, c.failed
			switch {
			case c.failed == 0:
				h.Health = domain.NodeHealthHealthy
			case c.failed < c.total:
				h.Health = domain.NodeHealthDegraded
			default:
				h.Health = domain.NodeHealthUnreachable
			}
			health[n.ID] = h.Health
		}
		hosts = append(hosts, h)
	}
	return hosts, health
}
