package engine

import (
	"sync"
	"time"
)

// stallMonitor arms a single timer that fires after a period of silence.
// Reset re-arms it on every successful publish; Stop disarms it on pause,
// reset, or conversation end. The fire callback runs on the timer goroutine
// with no monitor lock held, so it may freely take the engine lock.
type stallMonitor struct {
	mu      sync.Mutex
	timer   *time.Timer
	timeout time.Duration
	fire    func()
}

func newStallMonitor(timeout time.Duration, fire func()) *stallMonitor {
	return &stallMonitor{timeout: timeout, fire: fire}
}

func (s *stallMonitor) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		s.timer = time.AfterFunc(s.timeout, s.fire)
		return
	}
	s.timer.Stop()
	s.timer.Reset(s.timeout)
}

func (s *stallMonitor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
}
