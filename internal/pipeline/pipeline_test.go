package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vesaa/cloudmetrics/internal/alerting"
	"github.com/vesaa/cloudmetrics/internal/broadcast"
	"github.com/vesaa/cloudmetrics/internal/cache"
	"github.com/vesaa/cloudmetrics/internal/models"
	"github.com/vesaa/cloudmetrics/internal/sampler"
	"github.com/vesaa/cloudmetrics/internal/store/storetest"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fleet []string

func (f fleet) Instances() []models.Instance {
	out := make([]models.Instance, len(f))
	for i, id := range f {
		out[i] = models.Instance{ID: id, Name: id, Status: models.InstanceActive}
	}
	return out
}

type fakeSampler struct {
	cpu   map[string]float64
	panic string
}

func (s fakeSampler) Sample(id string) models.Metric {
	if id == s.panic {
		panic("sampler blew up")
	}
	return models.Metric{InstanceID: id, CPUUsage: s.cpu[id], MemoryUsage: 10, ResponseTime: 50, Timestamp: time.Now()}
}

type fakeStore struct {
	mu     sync.Mutex
	fail   map[string]bool
	delay  map[string]time.Duration
	nextID uint
	rows   []models.Metric
}

func (s *fakeStore) AppendMetric(_ context.Context, m *models.Metric) error {
	time.Sleep(s.delay[m.InstanceID])
	if s.fail[m.InstanceID] {
		return errors.New("disk full")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	m.ID = s.nextID
	s.rows = append(s.rows, *m)
	return nil
}

type fakeCache struct {
	mu   sync.Mutex
	puts map[string]models.Metric
}

func (c *fakeCache) Put(_ context.Context, m models.Metric) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.puts == nil {
		c.puts = map[string]models.Metric{}
	}
	c.puts[m.InstanceID] = m
	return nil
}

type evalFunc func(m *models.Metric) []models.Alert

func (f evalFunc) Check(_ context.Context, m *models.Metric) ([]models.Alert, error) {
	return f(m), nil
}

func noAlerts(*models.Metric) []models.Alert { return nil }

type recordingOut struct {
	mu      sync.Mutex
	metrics [][]models.Metric
	alerts  [][]models.Alert
}

func (r *recordingOut) BroadcastMetrics(b []models.Metric) {
	r.mu.Lock()
	r.metrics = append(r.metrics, b)
	r.mu.Unlock()
}

func (r *recordingOut) BroadcastAlerts(b []models.Alert) {
	r.mu.Lock()
	r.alerts = append(r.alerts, b)
	r.mu.Unlock()
}

func ids(ms []models.Metric) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.InstanceID
	}
	return out
}

func TestTickExcludesFailedInstance(t *testing.T) {
	st := &fakeStore{fail: map[string]bool{"B": true}}
	c := &fakeCache{}
	out := &recordingOut{}
	p := New(fleet{"A", "B", "C"}, fakeSampler{}, st, c, evalFunc(noAlerts), out, quiet)

	res := p.Tick(context.Background())

	assert.Equal(t, []string{"A", "C"}, ids(res.Metrics))
	assert.Equal(t, []string{"B"}, res.Failed)
	require.Len(t, out.metrics, 1)
	assert.Equal(t, []string{"A", "C"}, ids(out.metrics[0]))
	assert.Empty(t, out.alerts, "no alerts batch when nothing fired")

	_, cached := c.puts["B"]
	assert.False(t, cached, "cache only reflects persisted samples")
	assert.Len(t, c.puts, 2)
}

func TestTickKeepsRegistryOrder(t *testing.T) {
	st := &fakeStore{delay: map[string]time.Duration{"A": 30 * time.Millisecond, "B": 10 * time.Millisecond}}
	out := &recordingOut{}
	p := New(fleet{"A", "B", "C"}, fakeSampler{}, st, &fakeCache{}, evalFunc(noAlerts), out, quiet)

	res := p.Tick(context.Background())
	assert.Equal(t, []string{"A", "B", "C"}, ids(res.Metrics))
}

func TestTickIsolatesPanics(t *testing.T) {
	out := &recordingOut{}
	p := New(fleet{"A", "B", "C"}, fakeSampler{panic: "A"}, &fakeStore{}, &fakeCache{}, evalFunc(noAlerts), out, quiet)

	res := p.Tick(context.Background())
	assert.Equal(t, []string{"B", "C"}, ids(res.Metrics))
	assert.Equal(t, []string{"A"}, res.Failed)
}

func TestTickBroadcastsAlertsOnce(t *testing.T) {
	ev := evalFunc(func(m *models.Metric) []models.Alert {
		if m.CPUUsage < 90 {
			return nil
		}
		id := m.InstanceID
		return []models.Alert{{InstanceID: &id, Type: models.AlertCPU, Severity: models.SeverityCritical}}
	})
	out := &recordingOut{}
	s := fakeSampler{cpu: map[string]float64{"A": 95, "C": 99}}
	p := New(fleet{"A", "B", "C"}, s, &fakeStore{}, &fakeCache{}, ev, out, quiet, WithWorkerLimit(2))

	res := p.Tick(context.Background())
	require.Len(t, res.Alerts, 2)
	assert.Equal(t, "A", *res.Alerts[0].InstanceID)
	assert.Equal(t, "C", *res.Alerts[1].InstanceID)
	require.Len(t, out.alerts, 1)
	assert.Len(t, out.alerts[0], 2)
	require.Len(t, out.metrics, 1)
}

func TestTickEndToEnd(t *testing.T) {
	st := storetest.New(t)
	hub := broadcast.NewHub(8, quiet)
	defer hub.Close()

	got := make(chan broadcast.Event, 4)
	hub.Subscribe(broadcast.HandlerFunc(func(ev broadcast.Event) { got <- ev }))

	mc := cache.NewMetricsCache(cache.NewMemory(), st, time.Minute, quiet)
	svc := alerting.NewService(st, models.DefaultThresholds(), quiet)
	smp := sampler.New()
	p := New(fleet{"i-1", "i-2"}, smp, st, mc, svc, hub, quiet)

	res := p.Tick(context.Background())
	require.Len(t, res.Metrics, 2)
	assert.Empty(t, res.Failed)

	select {
	case ev := <-got:
		assert.Equal(t, broadcast.KindMetrics, ev.Kind)
		updates, ok := ev.Data.([]models.MetricUpdate)
		require.True(t, ok)
		assert.Len(t, updates, 2)
	case <-time.After(time.Second):
		t.Fatal("no metrics broadcast")
	}

	snap, err := mc.Current(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap, 2)

	latest, err := st.LatestMetrics(context.Background())
	require.NoError(t, err)
	assert.Len(t, latest, 2)
}

// slowRunner records how many ticks overlap.
type slowRunner struct {
	took     time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	count    atomic.Int32
	panicAt  int32
}

func (r *slowRunner) Tick(context.Context) TickResult {
	n := r.count.Add(1)
	cur := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	for {
		prev := r.maxSeen.Load()
		if cur <= prev || r.maxSeen.CompareAndSwap(prev, cur) {
			break
		}
	}
	if n == r.panicAt {
		panic("tick exploded")
	}
	time.Sleep(r.took)
	return TickResult{}
}

func TestSchedulerTicksImmediately(t *testing.T) {
	r := &slowRunner{}
	s := NewScheduler(r, time.Hour, quiet)
	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return r.count.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, StateTicking, s.State())
}

func TestSchedulerNeverOverlapsTicks(t *testing.T) {
	r := &slowRunner{took: 20 * time.Millisecond}
	s := NewScheduler(r, 2*time.Millisecond, quiet)
	s.Start(context.Background())

	require.Eventually(t, func() bool { return r.count.Load() >= 4 }, 2*time.Second, time.Millisecond)
	s.Stop()

	assert.Equal(t, int32(1), r.maxSeen.Load())
	assert.Equal(t, int32(0), r.inFlight.Load(), "stop waits for the in-flight tick")
	assert.Equal(t, StateIdle, s.State())
}

func TestSchedulerStartTwiceIsNoop(t *testing.T) {
	r := &slowRunner{}
	s := NewScheduler(r, time.Hour, quiet)
	s.Start(context.Background())
	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return r.count.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), r.count.Load())
}

func TestSchedulerSurvivesPanickingTick(t *testing.T) {
	r := &slowRunner{panicAt: 1}
	s := NewScheduler(r, 5*time.Millisecond, quiet)
	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return r.count.Load() >= 3 }, 2*time.Second, time.Millisecond)
}

func TestSchedulerStopWhenIdle(t *testing.T) {
	s := NewScheduler(&slowRunner{}, time.Second, quiet)
	s.Stop()
	assert.Equal(t, StateIdle, s.State())
}

func TestSchedulerRestart(t *testing.T) {
	r := &slowRunner{}
	s := NewScheduler(r, time.Hour, quiet)
	s.Start(context.Background())
	require.Eventually(t, func() bool { return r.count.Load() == 1 }, time.Second, time.Millisecond)
	s.Stop()

	s.Start(context.Background())
	defer s.Stop()
	require.Eventually(t, func() bool { return r.count.Load() == 2 }, time.Second, time.Millisecond)
}

type failingPutCache struct {
	fakeCache
	fail string
}

func (c *failingPutCache) Put(ctx context.Context, m models.Metric) error {
	if m.InstanceID == c.fail {
		return errors.New("cache unreachable")
	}
	return c.fakeCache.Put(ctx, m)
}

func TestTickExcludesInstanceWhenCacheWriteFails(t *testing.T) {
	var evaluated []string
	var mu sync.Mutex
	ev := evalFunc(func(m *models.Metric) []models.Alert {
		mu.Lock()
		evaluated = append(evaluated, m.InstanceID)
		mu.Unlock()
		return nil
	})
	st := &fakeStore{}
	out := &recordingOut{}
	p := New(fleet{"A", "B", "C"}, fakeSampler{}, st, &failingPutCache{fail: "B"}, ev, out, quiet)

	res := p.Tick(context.Background())

	assert.Equal(t, []string{"A", "C"}, ids(res.Metrics))
	assert.Equal(t, []string{"B"}, res.Failed)
	require.Len(t, out.metrics, 1)
	assert.Equal(t, []string{"A", "C"}, ids(out.metrics[0]))
	assert.ElementsMatch(t, []string{"A", "C"}, evaluated)
	assert.Len(t, st.rows, 3, "the sample is still appended")
}

type flakyKV struct {
	*cache.Memory
	failField string
}

func (f flakyKV) HSet(ctx context.Context, key, field string, value []byte) error {
	if field == f.failField {
		return errors.New("cache write timeout")
	}
	return f.Memory.HSet(ctx, key, field, value)
}

func TestSnapshotCoversInstanceWithFailedCacheWrite(t *testing.T) {
	st := storetest.New(t)
	hub := broadcast.NewHub(8, quiet)
	defer hub.Close()

	mc := cache.NewMetricsCache(flakyKV{Memory: cache.NewMemory(), failField: "i-b"}, st, time.Minute, quiet)
	svc := alerting.NewService(st, models.DefaultThresholds(), quiet)
	p := New(fleet{"i-a", "i-b", "i-c"}, sampler.New(), st, mc, svc, hub, quiet)

	res := p.Tick(context.Background())
	assert.Equal(t, []string{"i-b"}, res.Failed)

	latest, err := st.LatestMetrics(context.Background())
	require.NoError(t, err)
	require.Len(t, latest, 3)

	snap, err := mc.Current(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap, 3)
	assert.Contains(t, snap, "i-b")
}

func TestSchedulerIdleAfterContextCancel(t *testing.T) {
	r := &slowRunner{}
	s := NewScheduler(r, time.Hour, quiet)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	require.Eventually(t, func() bool { return r.count.Load() == 1 }, time.Second, time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return s.State() == StateIdle }, time.Second, time.Millisecond)

	s.Start(context.Background())
	defer s.Stop()
	require.Eventually(t, func() bool { return r.count.Load() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, StateTicking, s.State())
}
