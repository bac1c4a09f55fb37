package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Runner is anything the scheduler can tick. *Pipeline is the production one.
type Runner interface {
	Tick(ctx context.Context) TickResult
}

// State is the scheduler's lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StateTicking State = "ticking"
)

// Scheduler drives a Runner at a fixed interval. Ticks run on a single
// goroutine, so a tick never starts before the previous one has returned.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	log      *slog.Logger

	mu    sync.Mutex
	state State
	stop  chan struct{}
	done  chan struct{}
}

// NewScheduler returns an idle scheduler.
func NewScheduler(r Runner, interval time.Duration, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		runner:   r,
		interval: interval,
		log:      log.With("module", "scheduler"),
		state:    StateIdle,
	}
}

// Start runs one tick right away and then one per interval until Stop is
// called or ctx is done. Starting a running scheduler does nothing. A done
// ctx returns the scheduler to idle, so it can be started again.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTicking {
		s.log.Warn("scheduler already running")
		return
	}
	s.state = StateTicking
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(ctx, s.stop, s.done)
	s.log.Info("scheduler started", "interval", s.interval)
}

// Stop disarms the timer and waits for an in-flight tick to finish. It does
// not cancel that tick.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	close(s.stop)
	done := s.done
	s.state = StateIdle
	s.mu.Unlock()

	<-done
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	// ticks outlive ctx so shutdown never interrupts half-written work
	tickCtx := context.WithoutCancel(ctx)

	s.runOnce(tickCtx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			s.mu.Lock()
			if s.done == done {
				s.state = StateIdle
			}
			s.mu.Unlock()
			s.log.Info("scheduler stopped", "reason", ctx.Err())
			return
		case <-ticker.C:
			select {
			case <-stop:
				return
			default:
			}
			s.runOnce(tickCtx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			ticksPanicked.Inc()
			s.log.Error("tick panicked", "panic", r)
		}
	}()
	s.runner.Tick(ctx)
}
