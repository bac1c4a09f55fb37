// Package pipeline runs one tick of the monitoring loop and the scheduler
// that drives ticks.
//
// A tick samples every registered instance in parallel, persists each
// sample, updates the current-state cache, evaluates thresholds and, once
// every instance has finished, broadcasts a single metrics batch and (when
// non-empty) a single alerts batch for the whole fleet.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vesaa/cloudmetrics/internal/models"
	"golang.org/x/sync/errgroup"
)

// Registry lists the instances a tick covers, in processing order.
type Registry interface {
	Instances() []models.Instance
}

type Sampler interface {
	Sample(instanceID string) models.Metric
}

type Store interface {
	AppendMetric(ctx context.Context, m *models.Metric) error
}

type Cache interface {
	Put(ctx context.Context, m models.Metric) error
}

// Evaluator persists the alerts a sample raises and returns the stored rows.
type Evaluator interface {
	Check(ctx context.Context, m *models.Metric) ([]models.Alert, error)
}

type Broadcaster interface {
	BroadcastMetrics(batch []models.Metric)
	BroadcastAlerts(batch []models.Alert)
}

// TickResult is what one tick produced. Metrics and Alerts follow registry
// order; Failed lists instances whose sample was not persisted.
type TickResult struct {
	Metrics []models.Metric
	Alerts  []models.Alert
	Failed  []string
}

type outcome struct {
	metric *models.Metric
	alerts []models.Alert
	err    error
}

// Pipeline wires the tick stages together.
type Pipeline struct {
	registry  Registry
	sampler   Sampler
	store     Store
	cache     Cache
	evaluator Evaluator
	out       Broadcaster

	workers int
	timeout time.Duration
	log     *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithWorkerLimit caps how many instances are processed at once. Zero means
// one goroutine per instance.
func WithWorkerLimit(n int) Option {
	return func(p *Pipeline) { p.workers = n }
}

// WithInstanceTimeout bounds the I/O of one instance within a tick.
func WithInstanceTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.timeout = d }
}

func New(reg Registry, s Sampler, st Store, c Cache, ev Evaluator, out Broadcaster, log *slog.Logger, opts ...Option) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{
		registry:  reg,
		sampler:   s,
		store:     st,
		cache:     c,
		evaluator: ev,
		out:       out,
		timeout:   10 * time.Second,
		log:       log.With("module", "pipeline"),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Tick runs one pass over the fleet. It never returns an error: per-instance
// failures are logged and the instance is left out of the batch.
func (p *Pipeline) Tick(ctx context.Context) TickResult {
	start := time.Now()
	instances := p.registry.Instances()
	results := make([]outcome, len(instances))

	var g errgroup.Group
	if p.workers > 0 {
		g.SetLimit(p.workers)
	}
	for i := range instances {
		i, id := i, instances[i].ID
		g.Go(func() error {
			results[i] = p.process(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	var res TickResult
	for i, o := range results {
		if o.err != nil {
			res.Failed = append(res.Failed, instances[i].ID)
			instanceFailures.Inc()
			p.log.Error("instance dropped from tick", "instance", instances[i].ID, "error", o.err)
		}
		if o.metric != nil {
			res.Metrics = append(res.Metrics, *o.metric)
		}
		res.Alerts = append(res.Alerts, o.alerts...)
	}

	p.out.BroadcastMetrics(res.Metrics)
	if len(res.Alerts) > 0 {
		p.out.BroadcastAlerts(res.Alerts)
	}

	for _, a := range res.Alerts {
		alertsRaised.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
	}
	tickDuration.Observe(time.Since(start).Seconds())
	p.log.Debug("tick complete",
		"instances", len(instances), "metrics", len(res.Metrics),
		"alerts", len(res.Alerts), "failed", len(res.Failed), "took", time.Since(start))
	return res
}

// process handles one instance. A non-nil metric means the sample is
// committed and cached; alerts are the rows stored for it. A sample that was
// persisted but could not be cached is reported as a failure and skips
// evaluation.
func (p *Pipeline) process(ctx context.Context, instanceID string) (o outcome) {
	defer func() {
		if r := recover(); r != nil {
			o = outcome{err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	m := p.sampler.Sample(instanceID)
	if err := p.store.AppendMetric(ctx, &m); err != nil {
		return outcome{err: fmt.Errorf("append: %w", err)}
	}

	if err := p.cache.Put(ctx, m); err != nil {
		return outcome{err: fmt.Errorf("cache: %w", err)}
	}
	o.metric = &m

	alerts, err := p.evaluator.Check(ctx, &m)
	if err != nil {
		p.log.Error("alert evaluation failed", "instance", instanceID, "error", err)
	}
	o.alerts = alerts
	return o
}
