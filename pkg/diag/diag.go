// Package diag is the debug-build hard fault path. With capture enabled a
// hard fault stops in place with the stacked registers recorded for a
// debugger; with capture disabled it changes nothing.
package diag

import (
	"errors"
	"fmt"
	"time"

	"github.com/psantana5/bootguard/pkg/hal"
	"github.com/psantana5/bootguard/pkg/logging"
	"github.com/psantana5/bootguard/pkg/models"
	"github.com/psantana5/bootguard/pkg/store"
)

// RegisterSnapshot is the captured exception frame
type RegisterSnapshot = models.RegisterSnapshot

// FaultContextReader yields the register state at the moment of the fault
type FaultContextReader interface {
	ReadFaultContext() (RegisterSnapshot, error)
}

// ReaderFunc adapts a function to FaultContextReader
type ReaderFunc func() (RegisterSnapshot, error)

// ReadFaultContext calls f()
func (f ReaderFunc) ReadFaultContext() (RegisterSnapshot, error) {
	return f()
}

// ErrShortFrame is returned when the active stack holds fewer than eight words
var ErrShortFrame = errors.New("exception frame truncated")

const (
	// excReturnThreadPSP is the EXC_RETURN bit set when the interrupted
	// code was running on the process stack
	excReturnThreadPSP = 1 << 2
	frameWords         = 8
)

// FrameReader decodes a Cortex-M basic exception frame. The stack pointer
// slices start at the frame: r0, r1, r2, r3, r12, lr, pc, xpsr.
type FrameReader struct {
	EXCReturn uint32
	MSP       []uint32
	PSP       []uint32
}

// ReadFaultContext selects the stack the CPU pushed the frame onto and
// decodes it
func (r FrameReader) ReadFaultContext() (RegisterSnapshot, error) {
	sp, name := r.MSP, "msp"
	if r.EXCReturn&excReturnThreadPSP != 0 {
		sp, name = r.PSP, "psp"
	}
	if len(sp) < frameWords {
		return RegisterSnapshot{Stack: name}, fmt.Errorf("%s holds %d words: %w", name, len(sp), ErrShortFrame)
	}
	return RegisterSnapshot{
		Stack: name,
		R0:    sp[0],
		R1:    sp[1],
		R2:    sp[2],
		R3:    sp[3],
		R12:   sp[4],
		LR:    sp[5],
		PC:    sp[6],
		PSR:   sp[7],
	}, nil
}

// Shutdowner is the release-build terminal path
type Shutdowner interface {
	ShutdownAndReset(ev models.FaultEvent)
}

// Capture is the hard fault handler. Enabled is a configuration flag; when
// false every fault is forwarded to Shutdown unchanged.
type Capture struct {
	Enabled   bool
	Reader    FaultContextReader
	Store     store.SnapshotStore // optional
	Shutdown  Shutdowner
	Indicator hal.Indicator // set to the fault colour before halting
	Halter    hal.Halter
	Logger    *logging.Logger
	BootID    string

	now func() time.Time
}

// HandleHardFault captures the fault context and halts, or forwards ev to
// the shutdown procedure when capture is disabled. It does not resume the
// faulting code.
func (c *Capture) HandleHardFault(ev models.FaultEvent) {
	if !c.Enabled {
		c.Shutdown.ShutdownAndReset(ev)
		return
	}

	logger := c.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.WithComponent("diag")

	if c.Indicator != nil {
		c.Indicator.SetColour(hal.FaultColour)
	}

	var snap RegisterSnapshot
	if c.Reader != nil {
		var err error
		snap, err = c.Reader.ReadFaultContext()
		if err != nil {
			logger.Warn("fault context incomplete", logging.Fields{"error": err})
		}
	}
	snap.BootID = c.BootID
	snap.Fault = ev.Kind
	snap.Detail = ev.Detail
	snap.CapturedAt = c.clock()

	fields := logging.Fields{"stack": snap.Stack}
	for _, reg := range snap.Registers() {
		fields[reg.Name] = fmt.Sprintf("0x%08x", reg.Value)
	}
	logger.Error(ev.Message(), fields)

	if c.Store != nil {
		if err := c.Store.Save(&snap); err != nil {
			logger.Error("failed to save register snapshot", logging.Fields{"error": err})
		}
	}

	c.Halter.Halt()
}

func (c *Capture) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}
