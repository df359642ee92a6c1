// Package guard turns detected memory corruption into the shutdown
// procedure. The kernel's stack canary check, the checked copy helpers and
// the panic containment in task wrappers all end here.
package guard

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/psantana5/bootguard/pkg/models"
	"github.com/psantana5/bootguard/pkg/rtos"
)

// Shutdowner is the terminal path a hook hands the fault to
type Shutdowner interface {
	ShutdownAndReset(ev models.FaultEvent)
}

// HardFaultHandler receives faults that are not attributable to a bounds
// violation. The diagnostic capture implements it.
type HardFaultHandler interface {
	HandleHardFault(ev models.FaultEvent)
}

// Hooks binds the corruption entry points to a shutdown procedure
type Hooks struct {
	Shutdown  Shutdowner
	HardFault HardFaultHandler // optional, defaults to Shutdown
}

// OnStackCorruption is called when a task's stack guard was overwritten.
// It does not return.
func (h *Hooks) OnStackCorruption(task string) {
	h.Shutdown.ShutdownAndReset(models.FaultEvent{
		Kind: models.FaultStackCorruption,
		Task: task,
	})
	runtime.Goexit()
}

// OnBufferOverflow is called when a checked write would leave its
// destination. It does not return.
func (h *Hooks) OnBufferOverflow(detail string) {
	h.Shutdown.ShutdownAndReset(models.NewFault(models.FaultBufferOverflow, detail))
	runtime.Goexit()
}

// OnHardFault routes an unattributed fault to the hard fault handler, or to
// the shutdown procedure when none is set. It does not return.
func (h *Hooks) OnHardFault(detail string) {
	ev := models.NewFault(models.FaultHardFault, detail)
	if h.HardFault != nil {
		h.HardFault.HandleHardFault(ev)
	} else {
		h.Shutdown.ShutdownAndReset(ev)
	}
	runtime.Goexit()
}

// CheckedCopy copies src into dst and treats a short destination as an
// overflow instead of truncating.
func (h *Hooks) CheckedCopy(dst, src []byte) int {
	if len(src) > len(dst) {
		h.OnBufferOverflow(fmt.Sprintf("copy of %d bytes into %d-byte buffer", len(src), len(dst)))
	}
	return copy(dst, src)
}

// CheckedWrite writes src into dst at off
func (h *Hooks) CheckedWrite(dst []byte, off int, src []byte) int {
	if off < 0 || off > len(dst) || len(src) > len(dst)-off {
		h.OnBufferOverflow(fmt.Sprintf("write of %d bytes at offset %d into %d-byte buffer", len(src), off, len(dst)))
	}
	return copy(dst[off:], src)
}

// Contain must be deferred directly by a task body. A runtime panic is
// converted into a fault: bounds errors count as buffer overflows, anything
// else as a hard fault. The task never continues.
func (h *Hooks) Contain(task string) {
	r := recover()
	if r == nil {
		return
	}
	if isBoundsError(r) {
		h.OnBufferOverflow(fmt.Sprintf("task %s: %v", task, r))
	}
	h.OnHardFault(fmt.Sprintf("task %s: %v", task, r))
}

// Wrap returns fn with panic containment installed
func (h *Hooks) Wrap(fn rtos.TaskFunc) rtos.TaskFunc {
	return func(tc *rtos.TaskContext) {
		defer h.Contain(tc.Name())
		fn(tc)
	}
}

func isBoundsError(r any) bool {
	err, ok := r.(runtime.Error)
	if !ok {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "index out of range") ||
		strings.Contains(msg, "slice bounds out of range")
}
