// Package redis — минимальный опрос Redis и proxy: подключение
// с таймаутом и разбор INFO. Полноценный клиент не нужен.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const defaultConnectTimeout = 5 * time.Second

// Info — разобранный ответ INFO.
type Info struct {
	// Stats — числовые поля (used_memory, connected_clients, ...).
	Stats map[string]float64

	// Fields — нечисловые поля (role, redis_version, master_link_status, ...).
	Fields map[string]string
}

// Role возвращает роль из секции replication ("master", "slave" или "").
func (i Info) Role() string {
	return i.Fields["role"]
}

// MemoryRatio возвращает used_memory/maxmemory; ok=false, если maxmemory не задан.
func (i Info) MemoryRatio() (float64, bool) {
	maxMem := i.Stats["maxmemory"]
	if maxMem <= 0 {
		return 0, false
	}
	return i.Stats["used_memory"] / maxMem, true
}

// Prober открывает короткоживущее соединение на каждый опрос.
type Prober struct {
	connectTimeout time.Duration
	password       string
}

// NewProber создаёт Prober. connectTimeout <= 0 → 5s.
func NewProber(connectTimeout time.Duration, password string) *Prober {
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	return &Prober{connectTimeout: connectTimeout, password: password}
}

// Probe подключается к addr и читает INFO.
// Любая ошибка (подключение, таймаут, ответ) означает недоступность target.
func (p *Prober) Probe(ctx context.Context, addr string) (Info, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     p.password,
		DialTimeout:  p.connectTimeout,
		ReadTimeout:  p.connectTimeout,
		WriteTimeout: p.connectTimeout,
		PoolSize:     1,
		MaxRetries:   -1,
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, 2*p.connectTimeout)
	defer cancel()

	raw, err := client.Info(ctx).Result()
	if err != nil {
		return Info{}, fmt.Errorf("info %s: %w", addr, err)
	}
	return ParseInfo(raw), nil
}

// ParseInfo разбирает текст INFO: строки "key:value", секции "# Name".
// Числовые значения попадают в Stats, остальные — в Fields.
// Строки keyspace (db0:keys=1,expires=0) раскладываются в db0_keys, db0_expires.
func ParseInfo(raw string) Info {
	info := Info{
		Stats:  make(map[string]float64),
		Fields: make(map[string]string),
	}

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if strings.HasPrefix(key, "db") && strings.Contains(value, "=") {
			for _, kv := range strings.Split(value, ",") {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					continue
				}
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					info.Stats[key+"_"+k] = f
				}
			}
			continue
		}

		if f, err := strconv.ParseFloat(value, 64); err == nil {
			info.Stats[key] = f
			continue
		}
		info.Fields[key] = value
	}

	return info
}
