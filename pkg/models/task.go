package models

import (
	"errors"
	"fmt"

	"github.com/psantana5/bootguard/pkg/rtos"
)

// TaskSpec describes one long-running task registered at boot
type TaskSpec struct {
	Name       string        // Task name, also used in diagnostics
	Entry      rtos.TaskFunc // Entry point; the parameter slot is unused
	StackWords int           // Stack budget in words
	Priority   rtos.Priority // Static priority
	Param      any           // Opaque parameter handed to the entry point
}

// Validate checks a single spec
func (s TaskSpec) Validate() error {
	if s.Name == "" {
		return errors.New("task name is required")
	}
	if s.Entry == nil {
		return fmt.Errorf("task %s: entry point is required", s.Name)
	}
	if s.StackWords <= 0 {
		return fmt.Errorf("task %s: stack budget must be positive, got %d", s.Name, s.StackWords)
	}
	if s.Priority < rtos.IdlePriority || s.Priority >= rtos.MaxPriorities {
		return fmt.Errorf("task %s: priority %d outside [0, %d)", s.Name, s.Priority, rtos.MaxPriorities)
	}
	return nil
}

// BootSequence is the fixed, ordered list of application tasks
type BootSequence []TaskSpec

// Validate checks every spec and rejects duplicate names
func (b BootSequence) Validate() error {
	if len(b) == 0 {
		return errors.New("boot sequence is empty")
	}
	seen := make(map[string]bool, len(b))
	for i, spec := range b {
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("boot sequence position %d: %w", i+1, err)
		}
		if seen[spec.Name] {
			return fmt.Errorf("boot sequence position %d: duplicate task name %s", i+1, spec.Name)
		}
		seen[spec.Name] = true
	}
	return nil
}

// MaxPriority returns the highest priority in the sequence
func (b BootSequence) MaxPriority() rtos.Priority {
	max := rtos.IdlePriority
	for _, spec := range b {
		if spec.Priority > max {
			max = spec.Priority
		}
	}
	return max
}

// Names returns task names in declared order
func (b BootSequence) Names() []string {
	names := make([]string, len(b))
	for i, spec := range b {
		names[i] = spec.Name
	}
	return names
}
