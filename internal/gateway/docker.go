package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Метки контейнеров, по которым их можно найти вручную.
const (
	LabelGroup   = "redisctl.group"
	LabelNode    = "redisctl.node"
	LabelVersion = "redisctl.version"
)

// dockerAPI — часть client.APIClient, которой пользуется DockerGateway.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// DockerConfig — конфигурация DockerGateway.
type DockerConfig struct {
	// Image — образ Redis без тега; тег берётся из SubmitRequest.Version.
	Image string

	// Network — сеть по умолчанию, если в запросе не указана.
	Network string

	Logger *slog.Logger
}

// DockerGateway — Gateway поверх локального Docker daemon.
//
// Submit создаёт и запускает контейнеры сразу; handle = ID контейнера.
// Poll разрешается, когда контейнер в состоянии running.
// Хост (req.Host) сохраняется только в метке: один daemon = один хост.
type DockerGateway struct {
	cli     dockerAPI
	image   string
	network string
	logger  *slog.Logger
}

// NewDockerGateway создаёт DockerGateway с клиентом из окружения (DOCKER_HOST и т.д.).
func NewDockerGateway(cfg DockerConfig) (*DockerGateway, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return newDockerGateway(cli, cfg), nil
}

func newDockerGateway(cli dockerAPI, cfg DockerConfig) *DockerGateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	image := cfg.Image
	if image == "" {
		image = "redis"
	}
	return &DockerGateway{
		cli:     cli,
		image:   image,
		network: cfg.Network,
		logger:  logger.With("component", "docker"),
	}
}

// Submit создаёт req.Replicas контейнеров. При ошибке уже созданные удаляются.
func (g *DockerGateway) Submit(ctx context.Context, req SubmitRequest) ([]Handle, error) {
	if req.Replicas <= 0 {
		return nil, fmt.Errorf("%w: replicas must be positive", ErrRejected)
	}

	image := g.image
	if req.Version != "" {
		image += ":" + req.Version
	}
	netName := req.Network
	if netName == "" {
		netName = g.network
	}

	port := nat.Port(RedisPort + "/tcp")
	cfg := &container.Config{
		Image: image,
		Cmd: []string{
			"redis-server",
			"--maxmemory", strconv.FormatInt(req.MemoryPlan, 10),
		},
		ExposedPorts: nat.PortSet{port: {}},
		Labels: map[string]string{
			LabelGroup:   req.Group,
			LabelNode:    req.NodeID.String(),
			LabelVersion: req.Version,
		},
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory: req.MemoryPlan,
		},
	}
	if netName != "" {
		hostCfg.NetworkMode = container.NetworkMode(netName)
	}

	handles := make([]Handle, 0, req.Replicas)
	for i := 0; i < req.Replicas; i++ {
		created, err := g.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
		if err == nil {
			err = g.cli.ContainerStart(ctx, created.ID, container.StartOptions{})
			if err != nil {
				handles = append(handles, Handle(created.ID))
			}
		}
		if err != nil {
			g.cleanup(handles)
			return nil, fmt.Errorf("%w: create container: %v", classifyDocker(err), err)
		}
		handles = append(handles, Handle(created.ID))

		g.logger.Debug("container started",
			"container_id", created.ID,
			"group", req.Group,
			"image", image,
		)
	}
	return handles, nil
}

// Poll смотрит состояние контейнера.
func (g *DockerGateway) Poll(ctx context.Context, handle Handle) (PollResult, error) {
	info, err := g.cli.ContainerInspect(ctx, string(handle))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return PollResult{State: Failed, Error: "container " + string(handle) + " not found"}, nil
		}
		return PollResult{}, fmt.Errorf("%w: inspect %s: %v", ErrUnavailable, handle, err)
	}

	if info.ContainerJSONBase == nil || info.State == nil {
		return PollResult{State: Pending}, nil
	}
	state := info.State
	switch {
	case state.Running:
		return PollResult{State: Resolved, ContainerIDs: []string{info.ID}}, nil
	case state.Status == "created" || state.Restarting:
		return PollResult{State: Pending}, nil
	default:
		msg := state.Error
		if msg == "" {
			msg = fmt.Sprintf("container %s is %s (exit code %d)", handle, state.Status, state.ExitCode)
		}
		return PollResult{State: Failed, Error: msg}, nil
	}
}

// ResolveAddress возвращает IP контейнера в его сети.
func (g *DockerGateway) ResolveAddress(ctx context.Context, containerID string) (string, error) {
	info, err := g.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("%w: inspect %s: %v", classifyDocker(err), containerID, err)
	}
	if info.NetworkSettings == nil {
		return "", fmt.Errorf("%w: container %s has no network settings", ErrRejected, containerID)
	}

	if g.network != "" {
		if ep, ok := info.NetworkSettings.Networks[g.network]; ok && ep != nil && ep.IPAddress != "" {
			return withRedisPort(ep.IPAddress), nil
		}
	}
	for _, ep := range info.NetworkSettings.Networks {
		if ep != nil && ep.IPAddress != "" {
			return withRedisPort(ep.IPAddress), nil
		}
	}
	if ip := info.NetworkSettings.IPAddress; ip != "" {
		return withRedisPort(ip), nil
	}
	return "", fmt.Errorf("%w: container %s has no network address", ErrRejected, containerID)
}

// Remove принудительно удаляет контейнеры. Уже удалённые пропускаются.
func (g *DockerGateway) Remove(ctx context.Context, containerIDs []string) error {
	var failed []string
	for _, id := range containerIDs {
		err := g.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
		if err != nil && !errdefs.IsNotFound(err) {
			g.logger.Warn("failed to remove container", "container_id", id, "error", err)
			failed = append(failed, id)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w: remove containers %s", ErrUnavailable, strings.Join(failed, ","))
	}
	return nil
}

func (g *DockerGateway) cleanup(handles []Handle) {
	if len(handles) == 0 {
		return
	}
	ids := make([]string, len(handles))
	for i, h := range handles {
		ids[i] = string(h)
	}
	// Контекст вызывающего мог уже отмениться
	if err := g.Remove(context.Background(), ids); err != nil {
		g.logger.Warn("cleanup after failed submit", "error", err)
	}
}

// classifyDocker отличает отказ (неверный образ, параметры) от недоступности daemon.
func classifyDocker(err error) error {
	switch {
	case errdefs.IsNotFound(err), errdefs.IsInvalidParameter(err), errdefs.IsConflict(err), errdefs.IsForbidden(err):
		return ErrRejected
	default:
		return ErrUnavailable
	}
}
