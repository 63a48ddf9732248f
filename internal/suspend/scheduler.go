// Package suspend schedules flash power-down after an idle window.
//
// Every access aborts the instance's pending window on entry and plans a new
// one on exit. When a window expires without being aborted the scheduler
// notifies the worker, which then claims the window under the instance
// mutex before suspending the device. A window can be claimed once, and only
// if no access started since it was planned.
package suspend

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type window struct {
	timer *time.Timer
	epoch uint64 // bumped by every Abort and Plan
	fired uint64 // epoch of the last expiry
	armed bool
}

// Scheduler holds one one-shot idle timer per instance.
type Scheduler struct {
	mu       sync.Mutex
	idle     time.Duration
	enabled  bool
	stopped  bool
	windows  map[int]*window
	onExpire func(id int)
}

// New creates a scheduler. A disabled scheduler never fires.
func New(idle time.Duration, enabled bool) *Scheduler {
	return &Scheduler{
		idle:    idle,
		enabled: enabled && idle > 0,
		windows: make(map[int]*window),
	}
}

// OnExpire sets the function called, outside the scheduler lock, when a
// window expires. It must not block and must not touch the device.
func (s *Scheduler) OnExpire(fn func(id int)) {
	s.mu.Lock()
	s.onExpire = fn
	s.mu.Unlock()
}

func (s *Scheduler) lookup(id int) *window {
	w, ok := s.windows[id]
	if !ok {
		w = &window{}
		s.windows[id] = w
	}
	return w
}

// Abort cancels and invalidates the pending window of instance id.
func (s *Scheduler) Abort(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.lookup(id)
	w.epoch++
	w.armed = false
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// Plan arms a fresh idle window for instance id, replacing any pending one.
func (s *Scheduler) Plan(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled || s.stopped {
		return
	}
	w := s.lookup(id)
	w.epoch++
	if w.timer != nil {
		w.timer.Stop()
	}
	epoch := w.epoch
	w.armed = true
	w.timer = time.AfterFunc(s.idle, func() { s.expire(id, epoch) })
}

func (s *Scheduler) expire(id int, epoch uint64) {
	s.mu.Lock()
	w := s.lookup(id)
	if s.stopped || w.epoch != epoch || !w.armed {
		s.mu.Unlock()
		return
	}
	w.fired = epoch
	w.timer = nil
	notify := s.onExpire
	s.mu.Unlock()

	log.Debug().Int("fs", id).Msg("idle window expired")
	if notify != nil {
		notify(id)
	}
}

// Claim consumes the expired window of instance id. It reports false when
// the window was aborted, replanned or already claimed. Callers hold the
// instance mutex.
func (s *Scheduler) Claim(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[id]
	if !ok || !w.armed || w.fired != w.epoch {
		return false
	}
	w.armed = false
	return true
}

// Pending reports whether instance id has an armed, unclaimed window.
func (s *Scheduler) Pending(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[id]
	return ok && w.armed
}

// Stop cancels every timer. Later Plan calls are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for _, w := range s.windows {
		w.armed = false
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
	}
}
