// Package schedule provides the process-wide timer facility: one-shot and
// interval timers addressed by handles, so deleting a task or stopping a
// monitor deterministically prevents any further firing. Scheduling is
// at-most-once-per-process: armed timers are not persisted across restarts.
package schedule

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handle identifies an armed timer for cancellation.
type Handle string

// Scheduler owns every timer the engines arm. All callbacks run on their
// own goroutine; callbacks must not block for long synchronous work.
type Scheduler struct {
	mu      sync.Mutex
	stopped bool
	timers  map[Handle]*time.Timer
	tickers map[Handle]chan struct{}
}

// New returns an empty scheduler.
func New() *Scheduler {
	return &Scheduler{
		timers:  make(map[Handle]*time.Timer),
		tickers: make(map[Handle]chan struct{}),
	}
}

// After arms a one-shot timer. The callback fires once after d unless the
// handle is cancelled first. A non-positive d fires immediately (still
// asynchronously).
func (s *Scheduler) After(d time.Duration, fn func()) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ""
	}
	h := Handle(uuid.NewString())
	if d < 0 {
		d = 0
	}
	s.timers[h] = time.AfterFunc(d, func() {
		s.mu.Lock()
		_, live := s.timers[h]
		delete(s.timers, h)
		s.mu.Unlock()
		// A timer that lost the race with Cancel must not fire.
		if live {
			fn()
		}
	})
	return h
}

// Every arms a repeating timer with the given interval. The first firing
// happens after one full interval.
func (s *Scheduler) Every(interval time.Duration, fn func()) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || interval <= 0 {
		return ""
	}
	h := Handle(uuid.NewString())
	done := make(chan struct{})
	s.tickers[h] = done
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	return h
}

// Cancel disarms a handle. Cancelling an already-fired or unknown handle
// is a no-op. An invocation already in flight is allowed to finish;
// callers must discard its result if the owning entity was deleted.
func (s *Scheduler) Cancel(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(h)
}

func (s *Scheduler) cancelLocked(h Handle) {
	if t, ok := s.timers[h]; ok {
		t.Stop()
		delete(s.timers, h)
	}
	if done, ok := s.tickers[h]; ok {
		close(done)
		delete(s.tickers, h)
	}
}

// CancelAll disarms every outstanding handle.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h := range s.timers {
		s.cancelLocked(h)
	}
	for h := range s.tickers {
		s.cancelLocked(h)
	}
}

// Stop cancels everything and rejects new arms. Used on shutdown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h := range s.timers {
		s.cancelLocked(h)
	}
	for h := range s.tickers {
		s.cancelLocked(h)
	}
	s.stopped = true
}

// Pending returns the number of armed handles, for status endpoints and
// tests.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers) + len(s.tickers)
}
