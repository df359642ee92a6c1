package rtos

import "sync"

const (
	// StackFillWord is written over the whole stack at creation
	StackFillWord uint32 = 0xA5A5A5A5
	// GuardWords is the number of words at the stack limit that must keep the fill pattern
	GuardWords = 4
)

// Stack is a simulated descending task stack. The lowest GuardWords words
// act as the canary region; anything that writes into them has overflowed.
type Stack struct {
	mu    sync.Mutex
	words []uint32
	sp    int // index of the next free word, counting down from len(words)

	// checkpoint is set by the kernel for task stacks
	checkpoint func()
}

// NewStack allocates a stack of n words filled with StackFillWord
func NewStack(n int) *Stack {
	s := &Stack{words: make([]uint32, n), sp: n}
	for i := range s.words {
		s.words[i] = StackFillWord
	}
	return s
}

// Size returns the stack size in words
func (s *Stack) Size() int {
	return len(s.words)
}

// Push writes v at the current stack pointer and moves it down. Pushing
// past the end of the stack wraps into the guard region and keeps going
// into the lowest word, exactly like an unchecked overflow would.
func (s *Stack) Push(v uint32) {
	if s.checkpoint != nil {
		s.checkpoint()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sp > 0 {
		s.sp--
	}
	s.words[s.sp] = v
}

// Pop moves the stack pointer back up
func (s *Stack) Pop() uint32 {
	if s.checkpoint != nil {
		s.checkpoint()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sp >= len(s.words) {
		return 0
	}
	v := s.words[s.sp]
	s.sp++
	return v
}

// Depth returns the number of words currently in use
func (s *Stack) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.words) - s.sp
}

// HighWaterMark returns the smallest number of untouched words ever left
// free, matching uxTaskGetStackHighWaterMark.
func (s *Stack) HighWaterMark() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.words {
		if w != StackFillWord {
			break
		}
		n++
	}
	return n
}

// Intact reports whether the guard region still holds the fill pattern
func (s *Stack) Intact() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := GuardWords
	if limit > len(s.words) {
		limit = len(s.words)
	}
	for i := 0; i < limit; i++ {
		if s.words[i] != StackFillWord {
			return false
		}
	}
	return true
}

// Smash overwrites the guard region directly. Used for fault injection.
func (s *Stack) Smash() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.words) > 0 {
		s.words[0] = ^StackFillWord
	}
}
