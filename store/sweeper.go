package store

import (
	"log/slog"
	"sync"
	"time"

	"github.com/glgcapital/gatekeeper/internal/clock"
)

// DefaultSweepInterval is how often the sweeper runs when no interval is
// configured.
const DefaultSweepInterval = 30 * time.Second

// Sweepable is anything that can evict its expired entries.
type Sweepable interface {
	Sweep(now time.Time) int
}

// SweepFunc observes the result of sweeping one target.
type SweepFunc func(target string, evicted int, took time.Duration)

type sweepTarget struct {
	name string
	s    Sweepable
}

// Sweeper periodically sweeps a set of registered targets on a background
// goroutine. It is safe to Stop more than once.
type Sweeper struct {
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	observe  SweepFunc

	mu      sync.Mutex
	targets []sweepTarget
	started bool

	stopOnce sync.Once
	stopCh   chan struct{}
	stopped  chan struct{}
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepClock sets the clock that supplies "now" to each sweep.
func WithSweepClock(c clock.Clock) SweeperOption {
	return func(s *Sweeper) { s.clock = c }
}

// WithSweepLogger sets the sweeper logger.
func WithSweepLogger(l *slog.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = l }
}

// WithSweepObserver registers a callback invoked after every target sweep.
func WithSweepObserver(fn SweepFunc) SweeperOption {
	return func(s *Sweeper) { s.observe = fn }
}

// NewSweeper creates a stopped Sweeper. An interval of zero or less uses
// DefaultSweepInterval.
func NewSweeper(interval time.Duration, opts ...SweeperOption) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	s := &Sweeper{
		interval: interval,
		clock:    clock.Real(),
		logger:   slog.Default(),
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "sweeper")
	return s
}

// Register adds a target. Targets registered after Start are picked up on the
// next tick.
func (s *Sweeper) Register(name string, target Sweepable) {
	s.mu.Lock()
	s.targets = append(s.targets, sweepTarget{name: name, s: target})
	s.mu.Unlock()
}

// Start launches the background loop. Calling Start twice is a no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	go s.loop()
}

// Stop signals the loop to exit and waits for it. It is a no-op if the
// sweeper was never started.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stopCh) })
	if started {
		<-s.stopped
	}
}

func (s *Sweeper) loop() {
	defer close(s.stopped)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

// RunOnce sweeps every registered target immediately and returns the total
// number of evicted entries.
func (s *Sweeper) RunOnce() int {
	s.mu.Lock()
	targets := make([]sweepTarget, len(s.targets))
	copy(targets, s.targets)
	s.mu.Unlock()

	total := 0
	for _, t := range targets {
		start := time.Now()
		n := t.s.Sweep(s.clock.Now())
		took := time.Since(start)
		if s.observe != nil {
			s.observe(t.name, n, took)
		}
		if n > 0 {
			s.logger.Info("evicted expired entries", "target", t.name, "evicted", n)
		}
		total += n
	}
	return total
}
