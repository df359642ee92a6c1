package apps

import (
	"context"
	"fmt"
	"time"

	"github.com/psantana5/bootguard/pkg/boot"
	"github.com/psantana5/bootguard/pkg/config"
	"github.com/psantana5/bootguard/pkg/logging"
	"github.com/psantana5/bootguard/pkg/rtos"
)

// Injection selects a fault for one application task to commit
type Injection struct {
	Fault string        // one of the config.Fault* kinds, empty for none
	Task  string        // defaults to FrameManager
	After time.Duration // task run time before the fault
}

// InjectionFromConfig reads the simulator's fault knobs
func InjectionFromConfig(c *config.DeviceConfig) Injection {
	return Injection{
		Fault: c.Sim.Fault,
		Task:  c.Sim.FaultTask,
		After: c.FaultAfter(),
	}
}

func (i Injection) target() string {
	if i.Task == "" {
		return boot.TaskFrameManager
	}
	return i.Task
}

func (i Injection) due(task string, elapsed time.Duration) bool {
	return i.Fault != config.FaultNone && taskNamed(i.target(), task) && elapsed >= i.After
}

// inject commits the configured fault. Every branch ends in a guard hook
// or a kernel stack check, so it does not return to the work loop.
func (a *Apps) inject(tc *rtos.TaskContext, buf []byte) {
	a.logger.Warn("Injecting fault", logging.Fields{
		"fault": a.inj.Fault,
		"task":  tc.Name(),
	})

	switch a.inj.Fault {
	case config.FaultStack:
		// runaway recursion: one word past the whole stack
		stack := tc.Stack()
		for i := 0; i <= stack.Size(); i++ {
			stack.Push(0xDEADBEEF)
		}
	case config.FaultOverflow:
		a.hooks.CheckedCopy(buf, make([]byte, len(buf)+1))
	case config.FaultBounds:
		idx := len(buf)
		if r := a.source(); r != nil {
			var b [1]byte
			r.Read(b[:])
			idx += int(b[0] % 8)
		}
		buf[idx] = 0
	case config.FaultHard:
		a.hooks.OnHardFault(fmt.Sprintf("task %s: invalid instruction fetch", tc.Name()))
	case config.FaultPanic:
		panic("unexpected state")
	}
}

// Scheduler wraps a scheduler with registration and start failures
type Scheduler struct {
	rtos.Scheduler
	FailTask  string // registration of this task fails
	FailStart bool   // Start fails as if the idle task could not be allocated
}

// CreateTask fails for FailTask and delegates otherwise
func (s *Scheduler) CreateTask(name string, fn rtos.TaskFunc, stackWords int, prio rtos.Priority, param any) (rtos.Handle, error) {
	if s.FailTask != "" && taskNamed(s.FailTask, name) {
		return rtos.Handle{}, fmt.Errorf("task %s: %w", name, rtos.ErrCouldNotAllocate)
	}
	return s.Scheduler.CreateTask(name, fn, stackWords, prio, param)
}

// Start fails when FailStart is set and delegates otherwise
func (s *Scheduler) Start(ctx context.Context) error {
	if s.FailStart {
		return fmt.Errorf("idle task: %w", rtos.ErrCouldNotAllocate)
	}
	return s.Scheduler.Start(ctx)
}
