package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrSink — Open-Falcon ответил ошибкой.
var ErrSink = errors.New("stats sink error")

// FalconConfig — адреса Open-Falcon.
type FalconConfig struct {
	// WriteURL — transfer/agent, например http://falcon:8433.
	WriteURL string

	// QueryURL — query API, например http://falcon:9966.
	QueryURL string

	// Tags — теги всех точек (default: "service=redisctlstats").
	Tags string

	// Interval — ожидаемый шаг записи (default: 30s).
	Interval time.Duration

	RetryMax int           // default: 2
	Timeout  time.Duration // default: 10s

	Logger *slog.Logger
}

// FalconSink — StatsSink поверх HTTP API Open-Falcon.
type FalconSink struct {
	writeURL string
	queryURL string
	tags     string
	step     int64
	client   *retryablehttp.Client
}

// NewFalconSink создаёт FalconSink.
func NewFalconSink(cfg FalconConfig) *FalconSink {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tags := cfg.Tags
	if tags == "" {
		tags = "service=redisctlstats"
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	retryMax := cfg.RetryMax
	if retryMax <= 0 {
		retryMax = 2
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := retryablehttp.NewClient()
	client.RetryMax = retryMax
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.HTTPClient.Timeout = timeout
	client.Logger = logger.With("component", "falcon")
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &FalconSink{
		writeURL: strings.TrimRight(cfg.WriteURL, "/"),
		queryURL: strings.TrimRight(cfg.QueryURL, "/"),
		tags:     tags,
		step:     int64(interval / time.Second),
		client:   client,
	}
}

type falconPoint struct {
	Endpoint    string  `json:"endpoint"`
	Metric      string  `json:"metric"`
	Timestamp   int64   `json:"timestamp"`
	Step        int64   `json:"step"`
	Value       float64 `json:"value"`
	CounterType string  `json:"counterType"`
	Tags        string  `json:"tags"`
}

type falconQuery struct {
	Start            int64           `json:"start"`
	End              int64           `json:"end"`
	CF               string          `json:"cf"`
	Step             int64           `json:"step,omitempty"`
	EndpointCounters []falconCounter `json:"endpoint_counters"`
}

type falconCounter struct {
	Endpoint string `json:"endpoint"`
	Counter  string `json:"counter"`
}

type falconSeries struct {
	Endpoint string `json:"endpoint"`
	Counter  string `json:"counter"`
	Values   []struct {
		Timestamp int64    `json:"timestamp"`
		Value     *float64 `json:"value"`
	} `json:"Values"`
}

// Write отправляет точки target'а одним запросом /api/push.
func (s *FalconSink) Write(ctx context.Context, target string, at time.Time, points map[string]float64) error {
	if len(points) == 0 {
		return nil
	}

	metrics := make([]string, 0, len(points))
	for m := range points {
		metrics = append(metrics, m)
	}
	sort.Strings(metrics)

	body := make([]falconPoint, len(metrics))
	for i, m := range metrics {
		body[i] = falconPoint{
			Endpoint:    target,
			Metric:      m,
			Timestamp:   at.Unix(),
			Step:        s.step,
			Value:       points[m],
			CounterType: "GAUGE",
			Tags:        s.tags,
		}
	}
	return s.post(ctx, s.writeURL+"/api/push", body, nil)
}

// Query возвращает историю полей target'а через /graph/history.
func (s *FalconSink) Query(ctx context.Context, target string, fields []string, r TimeRange) ([]Series, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	q := falconQuery{
		Start: r.Start.Unix(),
		End:   r.End.Unix(),
		CF:    "AVERAGE",
		Step:  int64(r.Step / time.Second),
	}
	counters := make(map[string]string, len(fields))
	for _, f := range fields {
		counter := f + "/" + s.tags
		counters[counter] = f
		q.EndpointCounters = append(q.EndpointCounters, falconCounter{Endpoint: target, Counter: counter})
	}

	var resp []falconSeries
	if err := s.post(ctx, s.queryURL+"/graph/history", q, &resp); err != nil {
		return nil, err
	}

	out := make([]Series, 0, len(resp))
	for _, fs := range resp {
		field, ok := counters[fs.Counter]
		if !ok {
			field = fs.Counter
		}
		series := Series{Field: field}
		for _, v := range fs.Values {
			// null — пропуск в данных
			if v.Value == nil {
				continue
			}
			series.Points = append(series.Points, Point{Time: time.Unix(v.Timestamp, 0), Value: *v.Value})
		}
		out = append(out, series)
	}
	return out, nil
}

func (s *FalconSink) post(ctx context.Context, url string, body, result any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, data)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSink, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: HTTP %d: %s", ErrSink, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
