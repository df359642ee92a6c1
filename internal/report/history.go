package report

import "sync"

// History keeps the most recent faulted sessions, oldest dropped first
type History struct {
	sessions []Session
	maxSize  int
	mu       sync.RWMutex
}

// NewHistory creates a history holding at most maxSize sessions
func NewHistory(maxSize int) *History {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &History{
		sessions: make([]Session, 0, maxSize),
		maxSize:  maxSize,
	}
}

// Record adds s unless it ended cleanly
func (h *History) Record(s *Session) {
	if s == nil || s.Clean() {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.sessions) >= h.maxSize {
		h.sessions = h.sessions[1:]
	}
	h.sessions = append(h.sessions, *s)
}

// Recent returns up to n sessions, newest first. n <= 0 returns all.
func (h *History) Recent(n int) []Session {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if n <= 0 || n > len(h.sessions) {
		n = len(h.sessions)
	}
	out := make([]Session, n)
	for i := 0; i < n; i++ {
		out[i] = h.sessions[len(h.sessions)-1-i]
	}
	return out
}

// Count returns the number of sessions held
func (h *History) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
