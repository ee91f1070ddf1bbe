// Package config читает настройки redisctl из переменных окружения.
//
// Пустая переменная означает значение по умолчанию. Некорректное
// значение — ошибка Load, а не тихий откат к default.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ErrInvalid — переменная окружения задана некорректно.
var ErrInvalid = errors.New("invalid config value")

// Container backends.
const (
	BackendNone   = ""
	BackendEru    = "eru"
	BackendDocker = "docker"
)

// Config — настройки daemon'а и CLI.
type Config struct {
	PollInterval        time.Duration // POLL_INTERVAL
	RedisConnectTimeout time.Duration // REDIS_CONNECT_TIMEOUT
	RedisPassword       string        // REDIS_PASSWORD
	NodesEachThread     int           // NODES_EACH_THREAD
	NodeMaxMem          int64         // NODE_MAX_MEM, байты
	MicroPlanMem        int64         // MICRO_PLAN_MEM, байты
	AlarmMemRatio       float64       // ALARM_MEM_RATIO

	TaskWorkers    int           // TASK_WORKERS
	TaskLease      time.Duration // TASK_LEASE
	TaskMaxAbandon int           // TASK_MAX_ABANDON

	GatewayPollInitial  time.Duration // GATEWAY_POLL_INITIAL
	GatewayPollMax      time.Duration // GATEWAY_POLL_MAX
	GatewayPollDeadline time.Duration // GATEWAY_POLL_DEADLINE

	PermDir     string // PERMDIR
	DBURL       string // DB_URL
	RabbitMQURL string // RABBITMQ_URL

	ContainerBackend string // CONTAINER_BACKEND
	EruURL           string // ERU_URL
	EruApp           string // ERU_APP
	EruEntrypoint    string // ERU_ENTRYPOINT
	DockerNetwork    string // DOCKER_NETWORK
	RedisImage       string // REDIS_IMAGE

	Falcon Falcon

	DaemonPort int // DAEMON_PORT
}

// Falcon — адреса Open-Falcon. Пустой WriteURL отключает StatsSink.
type Falcon struct {
	WriteURL            string
	QueryURL            string
	AnticipatedInterval time.Duration
}

// Enabled сообщает, настроен ли Open-Falcon.
func (f Falcon) Enabled() bool {
	return f.WriteURL != ""
}

// Default возвращает конфигурацию по умолчанию.
func Default() Config {
	return Config{
		PollInterval:        10 * time.Second,
		RedisConnectTimeout: 5 * time.Second,
		NodesEachThread:     10,
		NodeMaxMem:          2048000000,
		MicroPlanMem:        108000000,
		AlarmMemRatio:       0.9,
		TaskWorkers:         4,
		TaskLease:           2 * time.Minute,
		TaskMaxAbandon:      3,
		GatewayPollInitial:  time.Second,
		GatewayPollMax:      15 * time.Second,
		GatewayPollDeadline: 5 * time.Minute,
		PermDir:             os.TempDir(),
		EruApp:              "redis",
		EruEntrypoint:       "redis",
		DockerNetwork:       "bridge",
		RedisImage:          "redis",
		Falcon:              Falcon{AnticipatedInterval: 30 * time.Second},
		DaemonPort:          8084,
	}
}

// Load читает конфигурацию из окружения процесса.
func Load() (Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom читает конфигурацию через getenv.
func LoadFrom(getenv func(string) string) (Config, error) {
	cfg := Default()
	r := reader{getenv: getenv}

	r.duration("POLL_INTERVAL", &cfg.PollInterval)
	r.duration("REDIS_CONNECT_TIMEOUT", &cfg.RedisConnectTimeout)
	r.str("REDIS_PASSWORD", &cfg.RedisPassword)
	r.positive("NODES_EACH_THREAD", &cfg.NodesEachThread)
	r.bytes("NODE_MAX_MEM", &cfg.NodeMaxMem)
	r.bytes("MICRO_PLAN_MEM", &cfg.MicroPlanMem)
	r.ratio("ALARM_MEM_RATIO", &cfg.AlarmMemRatio)

	r.positive("TASK_WORKERS", &cfg.TaskWorkers)
	r.duration("TASK_LEASE", &cfg.TaskLease)
	r.nonNegative("TASK_MAX_ABANDON", &cfg.TaskMaxAbandon)

	r.duration("GATEWAY_POLL_INITIAL", &cfg.GatewayPollInitial)
	r.duration("GATEWAY_POLL_MAX", &cfg.GatewayPollMax)
	r.duration("GATEWAY_POLL_DEADLINE", &cfg.GatewayPollDeadline)

	r.str("PERMDIR", &cfg.PermDir)
	r.str("DB_URL", &cfg.DBURL)
	r.str("RABBITMQ_URL", &cfg.RabbitMQURL)

	r.str("CONTAINER_BACKEND", &cfg.ContainerBackend)
	r.str("ERU_URL", &cfg.EruURL)
	r.str("ERU_APP", &cfg.EruApp)
	r.str("ERU_ENTRYPOINT", &cfg.EruEntrypoint)
	r.str("DOCKER_NETWORK", &cfg.DockerNetwork)
	r.str("REDIS_IMAGE", &cfg.RedisImage)

	cfg.Falcon.WriteURL = r.endpoint("OPEN_FALCON_HOST_WRITE", "OPEN_FALCON_PORT_WRITE")
	cfg.Falcon.QueryURL = r.endpoint("OPEN_FALCON_HOST_QUERY", "OPEN_FALCON_PORT_QUERY")
	r.duration("OPEN_FALCON_ANTICIPATED_INTERVAL", &cfg.Falcon.AnticipatedInterval)

	r.port("DAEMON_PORT", &cfg.DaemonPort)

	if err := r.err(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет согласованность значений между собой.
func (c Config) Validate() error {
	var errs []error
	switch c.ContainerBackend {
	case BackendNone, BackendDocker:
	case BackendEru:
		if c.EruURL == "" {
			errs = append(errs, fmt.Errorf("%w: ERU_URL is required for CONTAINER_BACKEND=eru", ErrInvalid))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: CONTAINER_BACKEND %q (want eru or docker)", ErrInvalid, c.ContainerBackend))
	}
	if c.GatewayPollMax < c.GatewayPollInitial {
		errs = append(errs, fmt.Errorf("%w: GATEWAY_POLL_MAX %s is below GATEWAY_POLL_INITIAL %s",
			ErrInvalid, c.GatewayPollMax, c.GatewayPollInitial))
	}
	// Lease продлевается между вызовами gateway: пауза backoff плюс один
	// вызов (до половины lease) должны укладываться в lease.
	if c.TaskLease > 0 && c.GatewayPollMax >= c.TaskLease/4 {
		errs = append(errs, fmt.Errorf("%w: GATEWAY_POLL_MAX %s must be below a quarter of TASK_LEASE %s",
			ErrInvalid, c.GatewayPollMax, c.TaskLease))
	}
	if c.PermDir == "" {
		errs = append(errs, fmt.Errorf("%w: PERMDIR is empty", ErrInvalid))
	}
	return errors.Join(errs...)
}

// reader копит ошибки разбора, чтобы сообщить обо всех сразу.
type reader struct {
	getenv func(string) string
	errs   []error
}

func (r *reader) err() error {
	return errors.Join(r.errs...)
}

func (r *reader) fail(name, value, want string) {
	r.errs = append(r.errs, fmt.Errorf("%w: %s=%q (want %s)", ErrInvalid, name, value, want))
}

func (r *reader) lookup(name string) (string, bool) {
	v := strings.TrimSpace(r.getenv(name))
	return v, v != ""
}

func (r *reader) str(name string, dst *string) {
	if v, ok := r.lookup(name); ok {
		*dst = v
	}
}

// duration принимает "30s", "2m" или целое число секунд.
func (r *reader) duration(name string, dst *time.Duration) {
	v, ok := r.lookup(name)
	if !ok {
		return
	}
	d, err := ParseDuration(v)
	if err != nil || d <= 0 {
		r.fail(name, v, "positive duration or seconds")
		return
	}
	*dst = d
}

func (r *reader) integer(name string) (int, string, bool) {
	v, ok := r.lookup(name)
	if !ok {
		return 0, "", false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(name, v, "integer")
		return 0, "", false
	}
	return n, v, true
}

func (r *reader) positive(name string, dst *int) {
	if n, v, ok := r.integer(name); ok {
		if n <= 0 {
			r.fail(name, v, "positive integer")
			return
		}
		*dst = n
	}
}

func (r *reader) nonNegative(name string, dst *int) {
	if n, v, ok := r.integer(name); ok {
		if n < 0 {
			r.fail(name, v, "non-negative integer")
			return
		}
		*dst = n
	}
}

func (r *reader) port(name string, dst *int) {
	if n, v, ok := r.integer(name); ok {
		if n <= 0 || n > 65535 {
			r.fail(name, v, "port 1-65535")
			return
		}
		*dst = n
	}
}

// bytes принимает целое число байт или размер вида "2GB", "512MiB".
func (r *reader) bytes(name string, dst *int64) {
	v, ok := r.lookup(name)
	if !ok {
		return
	}
	n, err := humanize.ParseBytes(v)
	if err != nil || n == 0 || n > math.MaxInt64 {
		r.fail(name, v, "positive size")
		return
	}
	*dst = int64(n)
}

func (r *reader) ratio(name string, dst *float64) {
	v, ok := r.lookup(name)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 || f > 1 {
		r.fail(name, v, "ratio in (0, 1]")
		return
	}
	*dst = f
}

// endpoint собирает http://host:port; без host — пустая строка.
func (r *reader) endpoint(hostVar, portVar string) string {
	host, ok := r.lookup(hostVar)
	if !ok {
		return ""
	}
	if strings.Contains(host, "://") {
		host = strings.TrimRight(host, "/")
	} else {
		host = "http://" + host
	}
	port := 0
	r.port(portVar, &port)
	if port == 0 {
		return host
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// ParseDuration разбирает длительность: целое число — секунды.
func ParseDuration(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}
