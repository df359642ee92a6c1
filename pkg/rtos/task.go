package rtos

import (
	"fmt"
	"time"
)

// Priority is a static task priority. Higher values preempt lower ones.
type Priority int

const (
	// IdlePriority is the priority of the kernel idle task
	IdlePriority Priority = 0
	// MaxPriorities bounds the priority range: valid priorities are [0, MaxPriorities)
	MaxPriorities = 8
	// MinimalStackWords is the smallest stack the kernel hands out (configMINIMAL_STACK_SIZE)
	MinimalStackWords = 128
	// DefaultTick is the scheduler tick period
	DefaultTick = time.Millisecond
)

// TaskFunc is a long-running task body. It is not expected to return.
type TaskFunc func(tc *TaskContext)

// TaskState is the dispatcher state of a task
type TaskState int

const (
	TaskReady TaskState = iota
	TaskRunning
	TaskBlocked
	TaskDeleted
)

func (s TaskState) String() string {
	switch s {
	case TaskReady:
		return "ready"
	case TaskRunning:
		return "running"
	case TaskBlocked:
		return "blocked"
	case TaskDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type tcb struct {
	id         int
	name       string
	prio       Priority
	fn         TaskFunc
	param      any
	stackWords int
	stack      *Stack
	state      TaskState
	wakeAt     uint64
	resume     chan struct{}
	kernel     *Kernel
}

// Handle refers to a created task. The zero Handle is invalid.
type Handle struct {
	t *tcb
}

// Valid reports whether the handle refers to a created task
func (h Handle) Valid() bool {
	return h.t != nil
}

// Name returns the task name
func (h Handle) Name() string {
	if h.t == nil {
		return ""
	}
	return h.t.name
}

// Priority returns the task's static priority
func (h Handle) Priority() Priority {
	if h.t == nil {
		return IdlePriority
	}
	return h.t.prio
}

// State returns the current dispatcher state of the task
func (h Handle) State() TaskState {
	if h.t == nil {
		return TaskDeleted
	}
	h.t.kernel.mu.Lock()
	defer h.t.kernel.mu.Unlock()
	return h.t.state
}

// Stack returns the simulated stack of the task
func (h Handle) Stack() *Stack {
	if h.t == nil {
		return nil
	}
	return h.t.stack
}

// TaskInfo is a point-in-time view of a task
type TaskInfo struct {
	Order      int       `json:"order"`
	Name       string    `json:"name"`
	Priority   Priority  `json:"priority"`
	StackWords int       `json:"stack_words"`
	State      TaskState `json:"-"`
	StateName  string    `json:"state"`
	StackOK    bool      `json:"stack_ok"`
}

// TaskContext is passed to a running task body
type TaskContext struct {
	k *Kernel
	t *tcb
}

// Name returns the name of the calling task
func (tc *TaskContext) Name() string {
	return tc.t.name
}

// Param returns the opaque parameter given at creation
func (tc *TaskContext) Param() any {
	return tc.t.param
}

// Stack returns the calling task's simulated stack
func (tc *TaskContext) Stack() *Stack {
	return tc.t.stack
}

// Handle returns the handle of the calling task
func (tc *TaskContext) Handle() Handle {
	return Handle{t: tc.t}
}

// Delay blocks the calling task for at least d, rounded up to whole ticks.
// It is a context switch: the task's stack guard is checked on the way out.
func (tc *TaskContext) Delay(d time.Duration) {
	tc.k.delay(tc.t, d)
}

// Yield gives the CPU to another ready task of equal or higher priority,
// or to a higher priority task that became ready since the last switch.
func (tc *TaskContext) Yield() {
	tc.k.yield(tc.t)
}
