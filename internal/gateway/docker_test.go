package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// fakeDocker — dockerAPI в памяти.
type fakeDocker struct {
	mu       sync.Mutex
	next     int
	created  map[string]*container.Config
	states   map[string]*types.ContainerState
	ips      map[string]string
	removed  []string
	startErr error
	memory   int64
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		created: make(map[string]*container.Config),
		states:  make(map[string]*types.ContainerState),
		ips:     make(map[string]string),
	}
}

func (f *fakeDocker) ContainerCreate(_ context.Context, cfg *container.Config, hostCfg *container.HostConfig,
	_ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := fmt.Sprintf("ctr%d", f.next)
	f.created[id] = cfg
	f.memory = hostCfg.Memory
	f.states[id] = &types.ContainerState{Status: "created"}
	f.ips[id] = fmt.Sprintf("172.17.0.%d", f.next+1)
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeDocker) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil && f.next > 1 {
		return f.startErr
	}
	f.states[id] = &types.ContainerState{Status: "running", Running: true}
	return nil
}

func (f *fakeDocker) ContainerInspect(_ context.Context, id string) (types.ContainerJSON, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[id]
	if !ok {
		return types.ContainerJSON{}, errdefs.NotFound(errors.New("no such container"))
	}
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{ID: id, State: state},
		NetworkSettings: &types.NetworkSettings{
			Networks: map[string]*network.EndpointSettings{
				"redis-net": {IPAddress: f.ips[id]},
			},
		},
	}, nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.states[id]; !ok {
		return errdefs.NotFound(errors.New("no such container"))
	}
	delete(f.states, id)
	f.removed = append(f.removed, id)
	return nil
}

func TestDockerGateway_SubmitAndPoll(t *testing.T) {
	fake := newFakeDocker()
	g := newDockerGateway(fake, DockerConfig{Image: "redis", Network: "redis-net"})

	handles, err := g.Submit(context.Background(), SubmitRequest{Group: "g", Version: "7.2", Replicas: 2, MemoryPlan: 1 << 20})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(handles) != 2 {
		t.Fatalf("expected 2 handles, got %d", len(handles))
	}
	if cfg := fake.created[string(handles[0])]; cfg.Image != "redis:7.2" || cfg.Labels[LabelGroup] != "g" {
		t.Errorf("unexpected container config: %+v", cfg)
	}
	if fake.memory != 1<<20 {
		t.Errorf("expected memory limit %d, got %d", 1<<20, fake.memory)
	}

	res, err := g.Poll(context.Background(), handles[0])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.State != Resolved || len(res.ContainerIDs) != 1 {
		t.Errorf("expected resolved with one container, got %+v", res)
	}

	addr, err := g.ResolveAddress(context.Background(), res.ContainerIDs[0])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "172.17.0.2:6379" {
		t.Errorf("unexpected address %s", addr)
	}
}

func TestDockerGateway_PollStates(t *testing.T) {
	fake := newFakeDocker()
	fake.states["pending"] = &types.ContainerState{Status: "created"}
	fake.states["dead"] = &types.ContainerState{Status: "exited", ExitCode: 1}
	g := newDockerGateway(fake, DockerConfig{})

	tests := []struct {
		handle Handle
		want   PollState
	}{
		{"pending", Pending},
		{"dead", Failed},
		{"missing", Failed},
	}
	for _, tt := range tests {
		res, err := g.Poll(context.Background(), tt.handle)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.handle, err)
		}
		if res.State != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.handle, tt.want, res.State)
		}
	}
}

func TestDockerGateway_SubmitCleansUpOnFailure(t *testing.T) {
	fake := newFakeDocker()
	fake.startErr = errdefs.InvalidParameter(errors.New("bad memory"))
	g := newDockerGateway(fake, DockerConfig{})

	_, err := g.Submit(context.Background(), SubmitRequest{Group: "g", Replicas: 3, MemoryPlan: 100})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if len(fake.removed) != 2 {
		t.Errorf("expected both created containers removed, got %v", fake.removed)
	}
}

func TestDockerGateway_RemoveIgnoresMissing(t *testing.T) {
	fake := newFakeDocker()
	fake.states["a"] = &types.ContainerState{Running: true}
	g := newDockerGateway(fake, DockerConfig{})

	if err := g.Remove(context.Background(), []string{"a", "gone"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fake.removed) != 1 || fake.removed[0] != "a" {
		t.Errorf("unexpected removed list %v", fake.removed)
	}
}
