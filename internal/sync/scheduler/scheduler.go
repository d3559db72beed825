// Package scheduler arms back-off timers for failed queue items and runs the periodic safety drain.
package scheduler

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/kimhsiao/fieldsync/internal/logging"
)

// Scheduler owns the retry timers of one queue. Each timer firing calls trigger,
// which re-drives the owning queue's drain.
type Scheduler struct {
	name    string
	policy  Policy
	trigger func()
	rand    func() float64
	log     *logging.Logger

	mu      sync.Mutex
	timers  map[string]*entry
	seq     uint64
	stopped bool
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type entry struct {
	timer *time.Timer
	seq   uint64
}

// New creates a Scheduler for the queue called name.
func New(name string, policy Policy, trigger func(), logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Scheduler{
		name:    name,
		policy:  policy,
		trigger: trigger,
		rand:    rand.Float64,
		log:     logger.With(map[string]interface{}{"component": "scheduler", "queue": name}),
		timers:  make(map[string]*entry),
		stopCh:  make(chan struct{}),
	}
}

// SetRand overrides the jitter source.
func (s *Scheduler) SetRand(r func() float64) {
	s.rand = r
}

// Policy returns the retry policy.
func (s *Scheduler) Policy() Policy {
	return s.policy
}

// Next returns the jittered delay before retry number attempt.
func (s *Scheduler) Next(attempt int) time.Duration {
	return s.policy.Delay(attempt, s.rand())
}

// Arm schedules a drain after delay on behalf of id, replacing any earlier timer for id.
func (s *Scheduler) Arm(id string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if old, ok := s.timers[id]; ok {
		old.timer.Stop()
	}
	s.arm(id, delay)
}

// Ensure arms a timer for id after delay unless one is already armed. It
// reports whether a timer was armed.
func (s *Scheduler) Ensure(id string, delay time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}
	if _, ok := s.timers[id]; ok {
		return false
	}
	s.arm(id, delay)
	return true
}

// arm must be called with mu held.
func (s *Scheduler) arm(id string, delay time.Duration) {
	s.seq++
	seq := s.seq
	e := &entry{seq: seq}
	e.timer = time.AfterFunc(delay, func() { s.fire(id, seq) })
	s.timers[id] = e

	s.log.Debug("Retry armed", map[string]interface{}{"id": id, "delay": delay.String()})
}

func (s *Scheduler) fire(id string, seq uint64) {
	s.mu.Lock()
	e, ok := s.timers[id]
	if !ok || e.seq != seq || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	s.mu.Unlock()

	s.trigger()
}

// Cancel disarms the timer for id, if any.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.timers[id]; ok {
		e.timer.Stop()
		delete(s.timers, id)
	}
}

// CancelAll disarms every timer. The scheduler remains usable.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, id)
	}
}

// Armed returns the number of armed timers.
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Start runs the periodic safety drain every interval until ctx ends or Stop is called.
// A non-positive interval disables it.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.wg.Add(1)
	s.mu.Unlock()

	go s.safetyLoop(ctx, interval)

	s.log.Info("Periodic safety drain started", map[string]interface{}{"interval": interval.String()})
}

func (s *Scheduler) safetyLoop(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.trigger()
		}
	}
}

// Stop disarms every timer, ends the safety loop and waits for it.
// Later Arm calls are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for id, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, id)
	}
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Debug("Scheduler stopped")
}
