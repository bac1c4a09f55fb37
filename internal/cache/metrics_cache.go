package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vesaa/cloudmetrics/internal/models"
)

const currentKey = "current_metrics"

// Source is the store side of the cache: the queries it falls back to.
type Source interface {
	LatestMetrics(ctx context.Context) ([]models.Metric, error)
	QueryMetrics(ctx context.Context, start, end time.Time, instanceID string) ([]models.Metric, error)
}

// MetricsCache serves the current snapshot and history range queries from a
// KV, filling it from Source on a miss.
type MetricsCache struct {
	kv  KV
	src Source
	ttl time.Duration
	log *slog.Logger

	// stale is set when a snapshot upsert failed; the next Current ignores
	// the hash and rebuilds it from the store.
	stale atomic.Bool
}

// NewMetricsCache wires kv in front of src. History entries live for ttl.
func NewMetricsCache(kv KV, src Source, ttl time.Duration, log *slog.Logger) *MetricsCache {
	if log == nil {
		log = slog.Default()
	}
	return &MetricsCache{kv: kv, src: src, ttl: ttl, log: log.With("module", "cache")}
}

// Put upserts the snapshot entry for m's instance. Callers invoke it only
// after m has been committed to the store. If the upsert fails the whole
// snapshot is dropped so the next Current rebuilds it from the store.
func (c *MetricsCache) Put(ctx context.Context, m models.Metric) error {
	b, err := json.Marshal(m.Current())
	if err != nil {
		return fmt.Errorf("encoding current metric: %w", err)
	}
	if err := c.kv.HSet(ctx, currentKey, m.InstanceID, b); err != nil {
		c.stale.Store(true)
		if derr := c.kv.Del(ctx, currentKey); derr != nil {
			c.log.Warn("dropping stale snapshot failed", "error", derr)
		}
		return fmt.Errorf("caching current metric for %s: %w", m.InstanceID, err)
	}
	return nil
}

// Current returns the latest sample per instance. Whenever the cache cannot
// be trusted it is rebuilt from the store.
func (c *MetricsCache) Current(ctx context.Context) (map[string]models.CurrentMetric, error) {
	var fields map[string][]byte
	var err error
	rebuild := c.stale.CompareAndSwap(true, false)
	if rebuild {
		c.log.Debug("snapshot marked stale, rebuilding from store")
	} else {
		fields, err = c.kv.HGetAll(ctx, currentKey)
	}
	if err != nil {
		c.log.Warn("current snapshot read failed, using store", "error", err)
	} else if len(fields) > 0 {
		out := make(map[string]models.CurrentMetric, len(fields))
		ok := true
		for id, raw := range fields {
			var cm models.CurrentMetric
			if err := json.Unmarshal(raw, &cm); err != nil {
				c.log.Warn("corrupt snapshot entry, rebuilding", "instance", id, "error", err)
				ok = false
				break
			}
			out[id] = cm
		}
		if ok {
			return out, nil
		}
	}

	latest, err := c.src.LatestMetrics(ctx)
	if err != nil {
		if rebuild {
			c.stale.Store(true)
		}
		return nil, err
	}
	out := make(map[string]models.CurrentMetric, len(latest))
	for i := range latest {
		out[latest[i].InstanceID] = latest[i].Current()
		if err := c.Put(ctx, latest[i]); err != nil {
			c.log.Warn("repopulating snapshot failed", "error", err)
		}
	}
	return out, nil
}

// History returns samples in [start, end], optionally for one instance,
// oldest first. Results are cached for the configured TTL.
func (c *MetricsCache) History(ctx context.Context, start, end time.Time, instanceID string) ([]models.Metric, error) {
	key := historyKey(start, end, instanceID)

	raw, hit, err := c.kv.Get(ctx, key)
	if err != nil {
		c.log.Warn("history cache read failed, using store", "key", key, "error", err)
	}
	if hit {
		var out []models.Metric
		if err := json.Unmarshal(raw, &out); err == nil {
			return out, nil
		}
		c.log.Warn("corrupt history entry, refreshing", "key", key)
	}

	out, err := c.src.QueryMetrics(ctx, start, end, instanceID)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(out); err == nil {
		if err := c.kv.Set(ctx, key, b, c.ttl); err != nil {
			c.log.Warn("history cache write failed", "key", key, "error", err)
		}
	}
	return out, nil
}

func historyKey(start, end time.Time, instanceID string) string {
	if instanceID == "" {
		instanceID = "all"
	}
	return fmt.Sprintf("history:%s:%s:%s",
		start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano), instanceID)
}
