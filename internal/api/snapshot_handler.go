package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shaiso/redisctl/internal/config"
	"github.com/shaiso/redisctl/internal/notify"
)

const defaultStatsWindow = time.Hour

// GetSnapshot возвращает последний опубликованный snapshot.
// GET /api/v1/snapshot
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.snapshots.ReadSnapshot()
	if err != nil {
		InternalError(w, h.logger, err)
		return
	}
	if snap == nil {
		NoData(w, "no snapshot published yet")
		return
	}
	Success(w, snap)
}

// GetTargets возвращает опубликованный список target'ов.
// GET /api/v1/targets
func (h *Handler) GetTargets(w http.ResponseWriter, r *http.Request) {
	list, err := h.snapshots.ReadTargets()
	if err != nil {
		InternalError(w, h.logger, err)
		return
	}
	if list == nil {
		NoData(w, "no target list published yet")
		return
	}
	Success(w, list)
}

// QueryStats возвращает историю полей INFO из StatsSink.
// GET /api/v1/stats?target=host:port&fields=a,b&start=...&end=...&step=...
//
// start и end — RFC3339 или unix-секунды; по умолчанию последний час.
func (h *Handler) QueryStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target := q.Get("target")
	if target == "" {
		BadRequest(w, "target is required")
		return
	}

	fields := notify.StatFields
	if s := q.Get("fields"); s != "" {
		fields = strings.Split(s, ",")
	}

	now := time.Now()
	rng := notify.TimeRange{Start: now.Add(-defaultStatsWindow), End: now}
	var err error
	if s := q.Get("start"); s != "" {
		if rng.Start, err = parseTime(s); err != nil {
			BadRequest(w, "invalid start")
			return
		}
	}
	if s := q.Get("end"); s != "" {
		if rng.End, err = parseTime(s); err != nil {
			BadRequest(w, "invalid end")
			return
		}
	}
	if !rng.Start.Before(rng.End) {
		BadRequest(w, "start must be before end")
		return
	}
	if s := q.Get("step"); s != "" {
		if rng.Step, err = config.ParseDuration(s); err != nil || rng.Step < 0 {
			BadRequest(w, "invalid step")
			return
		}
	}

	series, err := h.stats.Query(r.Context(), target, fields, rng)
	if errors.Is(err, notify.ErrSink) {
		h.logger.Warn("stats query failed", "target", target, "error", err)
		Unavailable(w, "stats backend unavailable")
		return
	}
	if err != nil {
		InternalError(w, h.logger, err)
		return
	}
	if series == nil {
		series = []notify.Series{}
	}

	Success(w, StatsResponse{Target: target, Start: rng.Start, End: rng.End, Series: series})
}

func parseTime(s string) (time.Time, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(n, 0), nil
	}
	return time.Parse(time.RFC3339, s)
}
