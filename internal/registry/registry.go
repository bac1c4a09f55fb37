// Package registry resolves the monitored fleet. The instances table is the
// authority; a static list from config covers an empty or unreachable table.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/vesaa/cloudmetrics/internal/models"
)

type Source interface {
	ListInstances(ctx context.Context) ([]models.Instance, error)
}

// Registry caches the fleet and refreshes it on a cron schedule.
type Registry struct {
	src    Source
	static []models.Instance
	log    *slog.Logger

	mu    sync.RWMutex
	fleet []models.Instance
	byID  map[string]models.Instance

	cron *cron.Cron
}

// New returns a registry that starts out with the static fleet.
func New(src Source, static []string, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		src:    src,
		static: staticFleet(static),
		log:    log.With("module", "registry"),
	}
	r.set(r.static)
	return r
}

func staticFleet(ids []string) []models.Instance {
	out := make([]models.Instance, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, models.Instance{ID: id, Name: id, Status: models.InstanceActive})
	}
	return out
}

// Refresh reloads the fleet from the source. On error the current fleet is
// kept; an empty table falls back to the static list.
func (r *Registry) Refresh(ctx context.Context) error {
	rows, err := r.src.ListInstances(ctx)
	if err != nil {
		r.log.Warn("fleet refresh failed, keeping current fleet", "error", err)
		return fmt.Errorf("refreshing fleet: %w", err)
	}
	if len(rows) == 0 {
		rows = r.static
	}
	r.set(rows)
	r.log.Debug("fleet refreshed", "instances", len(rows))
	return nil
}

func (r *Registry) set(rows []models.Instance) {
	fleet := make([]models.Instance, len(rows))
	copy(fleet, rows)
	sort.Slice(fleet, func(i, j int) bool { return fleet[i].ID < fleet[j].ID })

	byID := make(map[string]models.Instance, len(fleet))
	for _, inst := range fleet {
		byID[inst.ID] = inst
	}

	r.mu.Lock()
	r.fleet = fleet
	r.byID = byID
	r.mu.Unlock()
}

// Instances returns the current fleet ordered by id.
func (r *Registry) Instances() []models.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Instance, len(r.fleet))
	copy(out, r.fleet)
	return out
}

// Lookup resolves one instance id.
func (r *Registry) Lookup(id string) (models.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.byID[id]
	return inst, ok
}

// Start schedules Refresh with a cron spec such as "@every 1m".
func (r *Registry) Start(spec string) error {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = r.Refresh(ctx)
	})
	if err != nil {
		return fmt.Errorf("registry_refresh %q: %w", spec, err)
	}
	r.cron = c
	c.Start()
	r.log.Info("fleet refresh scheduled", "spec", spec)
	return nil
}

// Stop halts the refresh job and waits for a running refresh.
func (r *Registry) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}
