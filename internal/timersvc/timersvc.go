// Package timersvc implements the process-wide timer service spec.md
// §4.2 describes: a Stage requests add_timer(delay, timer_id[,
// interval][, payload]) and receives a dispatched event on expiry.
// Grounded on the teacher's internal/scheduler.Scheduler (a
// time.Timer-per-task map guarded by a mutex), generalized from
// cron/at-style tasks to the Stage timer contract and stripped of its
// on-disk Store (persistence is out of spec.md's scope).
package timersvc

import (
	"log/slog"
	"sync"
	"time"
)

// Handler is called when a timer fires. Recurring timers call it once
// per tick; missed ticks either catch up (replaying one Handler call
// per missed interval) or are skipped, per the timer's CatchUp flag.
type Handler func(timerID string, payload any)

// entry tracks one armed timer.
type entry struct {
	timer    *time.Timer
	interval time.Duration
	payload  any
	handler  Handler
	catchUp  bool
	lastFire time.Time
}

// Service is a single process-wide timer registry shared by every
// Stage in every Flow of a Connector.
type Service struct {
	logger *slog.Logger

	mu      sync.Mutex
	timers  map[string]*entry
	running bool
}

// New creates a Service. logger follows the teacher's pattern of a
// required, never-nil *slog.Logger threaded through every subsystem.
func New(logger *slog.Logger) *Service {
	return &Service{
		logger: logger,
		timers: make(map[string]*entry),
	}
}

// AddTimer arms a one-shot or recurring timer. A non-zero interval
// makes it recurring; catchUp controls whether a tick delayed past its
// next deadline (the timer is re-armed before the Handler runs, so
// only a late firing causes this, not a slow Handler) replays once per
// missed interval (true, the default per spec.md §4.2) or is
// simply skipped (false). Re-registering an existing timerID cancels
// the previous one first.
func (s *Service) AddTimer(timerID string, delay time.Duration, interval time.Duration, payload any, catchUp bool, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.timers[timerID]; ok {
		existing.timer.Stop()
		delete(s.timers, timerID)
	}

	e := &entry{interval: interval, payload: payload, handler: handler, catchUp: catchUp}
	e.timer = time.AfterFunc(delay, func() { s.fire(timerID) })
	s.timers[timerID] = e
	s.logger.Debug("timer armed", "timer_id", timerID, "delay", delay, "interval", interval)
}

// CancelTimer stops and removes a timer. A cancel of an unknown
// timerID is a no-op.
func (s *Service) CancelTimer(timerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.timers[timerID]; ok {
		e.timer.Stop()
		delete(s.timers, timerID)
	}
}

func (s *Service) fire(timerID string) {
	s.mu.Lock()
	e, ok := s.timers[timerID]
	if !ok {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	missed := 0
	if e.catchUp && e.interval > 0 && !e.lastFire.IsZero() {
		elapsed := now.Sub(e.lastFire)
		if elapsed > e.interval {
			missed = int(elapsed/e.interval) - 1
			if missed < 0 {
				missed = 0
			}
		}
	}
	e.lastFire = now
	if e.interval > 0 {
		e.timer = time.AfterFunc(e.interval, func() { s.fire(timerID) })
	} else {
		delete(s.timers, timerID)
	}
	handler, payload := e.handler, e.payload
	s.mu.Unlock()

	for i := 0; i < missed; i++ {
		handler(timerID, payload)
	}
	handler(timerID, payload)
}

// Close cancels every armed timer. Called during Connector shutdown.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, id)
	}
}
