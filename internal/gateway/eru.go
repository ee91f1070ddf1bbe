package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// EruConfig — конфигурация EruGateway.
type EruConfig struct {
	// BaseURL — адрес Eru API, например http://eru:5000.
	BaseURL string

	// App — имя приложения, под которым зарегистрирован образ Redis.
	App        string
	Entrypoint string

	RetryMax int           // default: 3
	Timeout  time.Duration // default: 30s

	Logger *slog.Logger
}

// EruGateway — Gateway поверх HTTP API Eru.
//
// Submit = deploy private на один хост; handle = id задачи Eru;
// контейнеры появляются в props.container_ids, когда задача выполнена.
type EruGateway struct {
	baseURL    string
	app        string
	entrypoint string
	client     *retryablehttp.Client
}

// NewEruGateway создаёт EruGateway.
func NewEruGateway(cfg EruConfig) *EruGateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retryMax := cfg.RetryMax
	if retryMax <= 0 {
		retryMax = 3
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	app := cfg.App
	if app == "" {
		app = "redis"
	}
	entrypoint := cfg.Entrypoint
	if entrypoint == "" {
		entrypoint = "macvlan"
	}

	client := retryablehttp.NewClient()
	client.RetryMax = retryMax
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = timeout
	client.Logger = logger.With("component", "eru")
	// Последний ответ нужен, чтобы отличить 4xx от 5xx
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &EruGateway{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		app:        app,
		entrypoint: entrypoint,
		client:     client,
	}
}

// --- Eru API types ---

type eruDeployRequest struct {
	NContainer int               `json:"ncontainer"`
	NCore      int               `json:"ncore"`
	Version    string            `json:"version"`
	Entrypoint string            `json:"entrypoint"`
	Env        map[string]string `json:"env"`
	Networks   map[string]string `json:"networks,omitempty"`
	Hostname   string            `json:"hostname,omitempty"`
}

type eruDeployResponse struct {
	R     int    `json:"r"`
	Msg   string `json:"msg"`
	Tasks []int  `json:"tasks"`
}

type eruTaskResponse struct {
	Finished bool `json:"finished"`
	Result   int  `json:"result"`
	Props    struct {
		ContainerIDs []string `json:"container_ids"`
		Err          string   `json:"err"`
	} `json:"props"`
}

type eruContainerResponse struct {
	Networks []struct {
		Address string `json:"address"`
	} `json:"networks"`
}

// Submit запускает req.Replicas контейнеров на хосте req.Host.
func (g *EruGateway) Submit(ctx context.Context, req SubmitRequest) ([]Handle, error) {
	body := eruDeployRequest{
		NContainer: req.Replicas,
		NCore:      1,
		Version:    req.Version,
		Entrypoint: g.entrypoint,
		Env: map[string]string{
			"REDIS_MAXMEMORY": strconv.FormatInt(req.MemoryPlan, 10),
		},
		Hostname: req.Host,
	}
	if req.Network != "" {
		body.Networks = map[string]string{req.Network: ""}
	}

	path := fmt.Sprintf("/api/deploy/private/%s/%s/%s", req.Group, req.Pod, g.app)
	var resp eruDeployResponse
	if err := g.call(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, fmt.Errorf("deploy private: %w", err)
	}
	if resp.R != 0 || len(resp.Tasks) == 0 {
		return nil, fmt.Errorf("%w: deploy private: %s", ErrRejected, resp.Msg)
	}

	handles := make([]Handle, len(resp.Tasks))
	for i, id := range resp.Tasks {
		handles[i] = Handle(strconv.Itoa(id))
	}
	return handles, nil
}

// Poll возвращает состояние задачи Eru.
func (g *EruGateway) Poll(ctx context.Context, handle Handle) (PollResult, error) {
	var resp eruTaskResponse
	if err := g.call(ctx, http.MethodGet, "/api/task/"+string(handle)+"/", nil, &resp); err != nil {
		return PollResult{}, fmt.Errorf("get task %s: %w", handle, err)
	}

	switch {
	case resp.Result == 1:
		return PollResult{State: Resolved, ContainerIDs: resp.Props.ContainerIDs}, nil
	case !resp.Finished:
		return PollResult{State: Pending}, nil
	default:
		msg := resp.Props.Err
		if msg == "" {
			msg = fmt.Sprintf("eru task %s finished with result %d", handle, resp.Result)
		}
		return PollResult{State: Failed, Error: msg}, nil
	}
}

// ResolveAddress возвращает адрес первой сети контейнера.
func (g *EruGateway) ResolveAddress(ctx context.Context, containerID string) (string, error) {
	var resp eruContainerResponse
	if err := g.call(ctx, http.MethodGet, "/api/container/"+containerID+"/", nil, &resp); err != nil {
		return "", fmt.Errorf("get container %s: %w", containerID, err)
	}
	if len(resp.Networks) == 0 || resp.Networks[0].Address == "" {
		return "", fmt.Errorf("%w: container %s has no network address", ErrRejected, containerID)
	}
	return withRedisPort(resp.Networks[0].Address), nil
}

// Remove удаляет контейнеры.
func (g *EruGateway) Remove(ctx context.Context, containerIDs []string) error {
	if len(containerIDs) == 0 {
		return nil
	}
	body := map[string][]string{"cids": containerIDs}
	if err := g.call(ctx, http.MethodPost, "/api/container/rmcontainers/", body, nil); err != nil {
		return fmt.Errorf("rm containers: %w", err)
	}
	return nil
}

// --- HTTP helpers ---

func (g *EruGateway) call(ctx context.Context, method, path string, body any, result any) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = data
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, g.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	text := strings.TrimSpace(string(msg))
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: HTTP %d: %s", ErrUnavailable, resp.StatusCode, text)
	}
	return fmt.Errorf("%w: HTTP %d: %s", ErrRejected, resp.StatusCode, text)
}
