package heartbeat

import (
	"sync/atomic"
	"time"

	"github.com/psantana5/bootguard/pkg/models"
	"github.com/psantana5/bootguard/pkg/rtos"
)

// Name is the task name the heartbeat registers under
const Name = "ContextSwitch"

// DefaultPriority sits above every application task
const DefaultPriority = rtos.IdlePriority + 5

// DefaultPeriod is one scheduler tick
const DefaultPeriod = rtos.DefaultTick

// Task is the highest priority task in the system. It does no work; it
// blocks for one period at a time so the scheduler reaches a switch point
// (and a stack check) at least once per period.
type Task struct {
	Period time.Duration
	OnBeat func() // optional, called after every delay

	beats    atomic.Uint64
	lastBeat atomic.Int64
}

// New creates a heartbeat with the given period, DefaultPeriod when zero
func New(period time.Duration) *Task {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Task{Period: period}
}

// Entry is the task body. It never returns.
func (h *Task) Entry(tc *rtos.TaskContext) {
	period := h.Period
	if period <= 0 {
		period = DefaultPeriod
	}
	for {
		tc.Delay(period)
		h.beats.Add(1)
		h.lastBeat.Store(time.Now().UnixNano())
		if h.OnBeat != nil {
			h.OnBeat()
		}
	}
}

// Beats returns how many periods have elapsed
func (h *Task) Beats() uint64 {
	return h.beats.Load()
}

// LastBeat returns when the task last woke, zero before the first beat
func (h *Task) LastBeat() time.Time {
	ns := h.lastBeat.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Spec builds the TaskSpec that registers the heartbeat at prio
func (h *Task) Spec(prio rtos.Priority) models.TaskSpec {
	return models.TaskSpec{
		Name:       Name,
		Entry:      h.Entry,
		StackWords: rtos.MinimalStackWords,
		Priority:   prio,
	}
}
