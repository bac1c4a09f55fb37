// Package sampler synthesizes per-instance telemetry from slowly drifting
// baselines and short-lived trends.
package sampler

import (
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/vesaa/cloudmetrics/internal/models"
)

// Rand is the random source a stream draws from. *rand.Rand satisfies it.
type Rand interface {
	Float64() float64
}

// GeneratorState is the mutable generator state of one instance.
type GeneratorState struct {
	BaseCPU          float64
	BaseMemory       float64
	BaseRequests     float64
	BaseResponseTime float64
	Trend            float64
}

// bounds of a generated metric and of its drifting baseline
const (
	cpuVariance          = 15
	memoryVariance       = 10
	requestsVariance     = 100
	responseTimeVariance = 50

	cpuBaseMin, cpuBaseMax       = 20, 80
	memoryBaseMin, memoryBaseMax = 30, 85

	maxRequests                          = 10000
	minResponseTime, maxResponseTime     = 10, 2000
	trendResetChance, trendSpikeChance   = 0.10, 0.02
	trendDecay                           = 0.95
	spikeUpTrend, spikeDownTrend float64 = 2, -1
)

// stream is one instance's generator. Ticks are serialized, so Sample never
// contends on mu; it guards State and SetState callers outside the pipeline.
type stream struct {
	mu    sync.Mutex
	state GeneratorState
	rnd   Rand
	last  time.Time
}

// Sampler owns one stream per instance id.
type Sampler struct {
	mu      sync.Mutex
	streams map[string]*stream
	newRand func(instanceID string) Rand
	now     func() time.Time
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithRandSource makes every new stream draw from the Rand returned by f.
// Passing a constant-seeded *rand.Rand makes sampling reproducible.
func WithRandSource(f func(instanceID string) Rand) Option {
	return func(s *Sampler) { s.newRand = f }
}

// WithClock replaces time.Now for sample timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Sampler) { s.now = now }
}

// New returns a Sampler seeded from the wall clock unless overridden.
func New(opts ...Option) *Sampler {
	s := &Sampler{
		streams: make(map[string]*stream),
		newRand: timeSeeded,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func timeSeeded(instanceID string) Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(instanceID))
	return rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(h.Sum64())))
}

// NewState draws a fresh baseline the way a process start does.
func NewState(r Rand) GeneratorState {
	return GeneratorState{
		BaseCPU:          30 + r.Float64()*20,
		BaseMemory:       40 + r.Float64()*20,
		BaseRequests:     100 + math.Floor(r.Float64()*200),
		BaseResponseTime: 50 + r.Float64()*100,
	}
}

func (s *Sampler) stream(instanceID string) *stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[instanceID]
	if !ok {
		r := s.newRand(instanceID)
		st = &stream{rnd: r, state: NewState(r)}
		s.streams[instanceID] = st
	}
	return st
}

// SetState replaces the generator state of an instance, creating its stream if needed.
func (s *Sampler) SetState(instanceID string, state GeneratorState) {
	st := s.stream(instanceID)
	st.mu.Lock()
	st.state = state
	st.mu.Unlock()
}

// State returns a copy of an instance's generator state.
func (s *Sampler) State(instanceID string) GeneratorState {
	st := s.stream(instanceID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state
}

// Sample advances the instance's generator by one step and returns the reading.
func (s *Sampler) Sample(instanceID string) models.Metric {
	st := s.stream(instanceID)
	st.mu.Lock()
	defer st.mu.Unlock()

	r, g := st.rnd, &st.state

	g.BaseCPU = clamp(g.BaseCPU+(r.Float64()-0.5)*2, cpuBaseMin, cpuBaseMax)
	g.BaseMemory = clamp(g.BaseMemory+(r.Float64()-0.5)*1, memoryBaseMin, memoryBaseMax)

	if r.Float64() < trendResetChance {
		g.Trend = (r.Float64() - 0.5) * 2
	} else {
		g.Trend *= trendDecay
	}
	if r.Float64() < trendSpikeChance {
		if r.Float64() < 0.5 {
			g.Trend = spikeUpTrend
		} else {
			g.Trend = spikeDownTrend
		}
	}

	cpu := metric(r, g.BaseCPU, cpuVariance, 0, 100, g.Trend)
	mem := metric(r, g.BaseMemory, memoryVariance, 0, 100, g.Trend)
	req := math.Floor(metric(r, g.BaseRequests, requestsVariance, 0, maxRequests, g.Trend))
	rt := metric(r, g.BaseResponseTime, responseTimeVariance, minResponseTime, maxResponseTime, g.Trend)

	ts := s.now().UTC()
	if ts.Before(st.last) {
		ts = st.last
	}
	st.last = ts

	return models.Metric{
		InstanceID:   instanceID,
		CPUUsage:     round2(cpu),
		MemoryUsage:  round2(mem),
		RequestCount: int64(req),
		ResponseTime: round2(rt),
		Timestamp:    ts,
	}
}

// metric is base plus uniform noise of width variance plus the trend bias,
// clamped to [min, max].
func metric(r Rand, base, variance, min, max, trend float64) float64 {
	noise := (r.Float64() - 0.5) * variance
	return clamp(base+noise+trend*variance*0.5, min, max)
}

func clamp(v, min, max float64) float64 {
	if math.IsNaN(v) {
		return min
	}
	return math.Max(min, math.Min(max, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
