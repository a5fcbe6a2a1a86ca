package scheduler

import "sync"

// RunState is the in-progress flag for scheduled runs. At most one holder.
type RunState struct {
	mu      sync.Mutex
	running bool
}

func (s *RunState) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *RunState) Release() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *RunState) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
