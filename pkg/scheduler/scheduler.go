package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/jonboulle/clockwork"
)

const DefaultInterval = 10 * time.Minute

type RefreshFunc func(ctx context.Context) error

// Scheduler owns at most one periodic refresh timer. Starting a new timer
// always cancels the previous one first.
type Scheduler struct {
	clock  clockwork.Clock
	logger logr.Logger

	mu     sync.Mutex
	active *handle
	nextID uint64
}

type handle struct {
	id     uint64
	ticker clockwork.Ticker
	cancel context.CancelFunc
}

func New(clock clockwork.Clock, logger logr.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		clock:  clock,
		logger: logger,
	}
}

// Start arms a new periodic timer that calls fn every interval. It is a no-op
// when ctx is already done, so a torn-down owner can never re-arm it.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration, fn RefreshFunc) {
	if fn == nil {
		return
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	if ctx.Err() != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.nextID++
	h := &handle{
		id:     s.nextID,
		ticker: s.clock.NewTicker(interval),
		cancel: cancel,
	}
	s.active = h

	s.logger.V(1).Info("refresh scheduler started", "handle", h.id, "interval", interval)
	go s.run(runCtx, h, fn)
}

// Stop cancels the active timer. Stopping an idle scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

func (s *Scheduler) stopLocked() {
	if s.active == nil {
		return
	}

	s.active.ticker.Stop()
	s.active.cancel()
	s.logger.V(1).Info("refresh scheduler stopped", "handle", s.active.id)
	s.active = nil
}

func (s *Scheduler) run(ctx context.Context, h *handle, fn RefreshFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.ticker.Chan():
			if ctx.Err() != nil {
				return
			}

			err := fn(ctx)
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				// Replaced or stopped while the refresh was in flight.
				return
			}

			s.logger.Error(err, "scheduled session refresh failed, stopping scheduler", "handle", h.id)
			s.release(h)
			return
		}
	}
}

func (s *Scheduler) release(h *handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == h {
		s.stopLocked()
		return
	}
	h.ticker.Stop()
	h.cancel()
}
