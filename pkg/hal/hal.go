// Package hal defines the hardware collaborators the boot and fault
// containment code depends on. Targets supply implementations; pkg/hal/sim
// provides a recording simulation for hosts and tests.
package hal

import (
	"context"
	"time"
)

// Colour is a status LED colour
type Colour string

const (
	ColourOff   Colour = "off"
	ColourGreen Colour = "green"
	ColourBlue  Colour = "blue"
	ColourRed   Colour = "red"
)

// FaultColour is the indicator colour for any fatal condition
const FaultColour = ColourRed

// Board brings up clocks, board support, the status LED, the instruction
// cache and the true random source, in that order. A failed Init must not
// leave any peripheral half-initialized.
type Board interface {
	Init(ctx context.Context) error
}

// Indicator is the visible status light
type Indicator interface {
	SetColour(c Colour)
}

// Clock provides the bounded busy-wait used while diagnostics drain
type Clock interface {
	Delay(d time.Duration)
}

// Resetter requests a full system reset. On hardware the call does not
// return; if it does, the reset did not take effect.
type Resetter interface {
	Reset()
}

// Halter stops execution forever
type Halter interface {
	Halt()
}

// Failsafe is the reduced-functionality mode entered when the scheduler
// cannot start. Enter does not hand control back while the device runs.
type Failsafe interface {
	Enter(ctx context.Context)
}

// FailsafeFunc adapts a function to Failsafe
type FailsafeFunc func(ctx context.Context)

// Enter calls f(ctx)
func (f FailsafeFunc) Enter(ctx context.Context) {
	f(ctx)
}

// HalterFunc adapts a function to Halter
type HalterFunc func()

// Halt calls f()
func (f HalterFunc) Halt() {
	f()
}

// SleepClock is a Clock backed by time.Sleep
type SleepClock struct{}

// Delay sleeps for d
func (SleepClock) Delay(d time.Duration) {
	time.Sleep(d)
}

// Platform bundles every collaborator a boot needs
type Platform struct {
	Board     Board
	Indicator Indicator
	Clock     Clock
	Resetter  Resetter
	Halter    Halter
	Failsafe  Failsafe
}

// Missing returns the names of nil collaborators
func (p Platform) Missing() []string {
	var missing []string
	if p.Board == nil {
		missing = append(missing, "board")
	}
	if p.Indicator == nil {
		missing = append(missing, "indicator")
	}
	if p.Clock == nil {
		missing = append(missing, "clock")
	}
	if p.Resetter == nil {
		missing = append(missing, "resetter")
	}
	if p.Halter == nil {
		missing = append(missing, "halter")
	}
	if p.Failsafe == nil {
		missing = append(missing, "failsafe")
	}
	return missing
}
