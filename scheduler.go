package phx

import (
	"sync"
	"time"
)

// Canceler is returned by Executor.AfterFunc. Stop prevents a pending
// firing; it is safe to call more than once.
type Canceler interface {
	Stop() bool
}

// Executor schedules a callback after a delay. Production code uses
// realExecutor (backed by time.AfterFunc); tests substitute a fake so
// rejoin-backoff, join-timeout and heartbeat-timeout behavior can be
// observed without sleeping in wall-clock time.
type Executor interface {
	AfterFunc(d time.Duration, f func()) Canceler
}

type realExecutor struct{}

func (realExecutor) AfterFunc(d time.Duration, f func()) Canceler {
	return time.AfterFunc(d, f)
}

// Scheduler is a cancellable delayed callback with backoff-indexed retries.
// ScheduleTimeout fires the wrapped callback after backoff(tries), counting
// tries up each time it is called without an intervening Reset. Reset
// cancels any pending firing and clears the try count.
type Scheduler struct {
	mu       sync.Mutex
	callback func()
	backoff  func(tries int) time.Duration
	exec     Executor
	tries    int
	timer    Canceler
}

// NewScheduler constructs a Scheduler. A nil exec defaults to the real
// time.AfterFunc-backed executor.
func NewScheduler(callback func(), backoff func(tries int) time.Duration, exec Executor) *Scheduler {
	if exec == nil {
		exec = realExecutor{}
	}
	return &Scheduler{callback: callback, backoff: backoff, exec: exec}
}

// ScheduleTimeout cancels any pending firing, increments the try count, and
// schedules the callback after backoff(tries).
func (s *Scheduler) ScheduleTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.tries++
	delay := s.backoff(s.tries)
	s.timer = s.exec.AfterFunc(delay, s.callback)
}

// Reset cancels any pending firing and clears the try count.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.tries = 0
}
