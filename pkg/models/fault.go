package models

import (
	"fmt"
	"time"
)

// FaultKind identifies the condition that triggered a terminal path
type FaultKind string

const (
	FaultHardwareInit    FaultKind = "hardware_init_failure"
	FaultTaskCreation    FaultKind = "task_creation_failure"
	FaultSchedulerStart  FaultKind = "scheduler_start_failure"
	FaultStackCorruption FaultKind = "stack_corruption"
	FaultBufferOverflow  FaultKind = "buffer_overflow"
	FaultHardFault       FaultKind = "hard_fault"
)

// AllFaultKinds lists every kind in taxonomy order
var AllFaultKinds = []FaultKind{
	FaultHardwareInit,
	FaultTaskCreation,
	FaultSchedulerStart,
	FaultStackCorruption,
	FaultBufferOverflow,
	FaultHardFault,
}

// FaultEvent is constructed at the moment a fault is detected and consumed
// immediately by the shutdown procedure. It is never stored.
type FaultEvent struct {
	Kind     FaultKind
	Task     string // failing task, when the fault is attributable to one
	Position int    // 1-based position in the application sequence, 0 for the heartbeat
	Detail   string
	Err      error
	At       time.Time
}

// NewFault creates a fault event stamped with the current time
func NewFault(kind FaultKind, detail string) FaultEvent {
	return FaultEvent{Kind: kind, Detail: detail, At: time.Now()}
}

// TaskCreationFailed builds the event for a failed registration at position
func TaskCreationFailed(task string, position int, err error) FaultEvent {
	return FaultEvent{
		Kind:     FaultTaskCreation,
		Task:     task,
		Position: position,
		Err:      err,
		At:       time.Now(),
	}
}

// Terminal reports whether the fault must end in a halt or reset.
// Scheduler start failure is the one case routed to the failsafe instead.
func (e FaultEvent) Terminal() bool {
	return e.Kind != FaultSchedulerStart
}

// Corruption reports whether the fault implies memory corruption
func (e FaultEvent) Corruption() bool {
	return e.Kind == FaultStackCorruption || e.Kind == FaultBufferOverflow
}

// Message renders the human-readable diagnostic line for the event
func (e FaultEvent) Message() string {
	switch e.Kind {
	case FaultHardwareInit:
		return fmt.Sprintf("hardware bring-up failed: %v", e.Err)
	case FaultTaskCreation:
		msg := "failed to create task " + e.Task
		if e.Position > 0 {
			msg += fmt.Sprintf(" (position %d)", e.Position)
		}
		if e.Err != nil {
			msg += fmt.Sprintf(": %v", e.Err)
		}
		return msg
	case FaultSchedulerStart:
		return fmt.Sprintf("scheduler failed to start: %v", e.Err)
	case FaultStackCorruption:
		if e.Task != "" {
			return fmt.Sprintf("stack smashing detected in task %s", e.Task)
		}
		return "stack smashing detected"
	case FaultBufferOverflow:
		if e.Detail != "" {
			return "buffer overflow detected: " + e.Detail
		}
		return "buffer overflow detected"
	case FaultHardFault:
		if e.Detail != "" {
			return "hard fault: " + e.Detail
		}
		return "hard fault"
	default:
		return fmt.Sprintf("unknown fault %q", string(e.Kind))
	}
}

func (e FaultEvent) String() string {
	return e.Message()
}
