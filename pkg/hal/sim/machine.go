// Package sim is a host simulation of the decoder board. It records every
// hardware interaction in order so tests can assert on sequences, and it
// supports fault injection for bring-up, reset and the failsafe path.
package sim

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/psantana5/bootguard/pkg/hal"
)

// Event kinds recorded in the journal
const (
	EventInit     = "init"
	EventDeinit   = "deinit"
	EventLED      = "led"
	EventDelay    = "delay"
	EventReset    = "reset"
	EventHalt     = "halt"
	EventFailsafe = "failsafe"
)

// Event is one recorded hardware interaction
type Event struct {
	Seq    int
	Kind   string
	Detail string
	At     time.Time
}

func (e Event) String() string {
	if e.Detail == "" {
		return e.Kind
	}
	return e.Kind + ":" + e.Detail
}

// Outcome is how a simulated boot ended
type Outcome string

const (
	OutcomeHalted   Outcome = "halted"
	OutcomeReset    Outcome = "reset"
	OutcomeFailsafe Outcome = "failsafe"
)

// Bring-up steps in order
const (
	StepBoard = "board"
	StepLED   = "led"
	StepICC   = "icc"
	StepTRNG  = "trng"
)

var initSteps = []string{StepBoard, StepLED, StepICC, StepTRNG}

// Config controls fault injection and timing
type Config struct {
	FailInitStep     string // bring-up step that fails, empty for none
	ResetIneffective bool   // Reset returns instead of taking effect
	RealDelay        bool   // Delay actually sleeps
	Seed             []byte // TRNG seed, random when empty
}

// Machine implements every hal collaborator
type Machine struct {
	mu          sync.Mutex
	cfg         Config
	events      []Event
	colour      hal.Colour
	initialized map[string]bool
	resets      int
	halts       int
	failsafes   int
	freezers    []func()
	info        BoardInfo
	trng        *TRNG

	outcome     chan Outcome
	outcomeOnce sync.Once
}

// NewMachine creates a powered-off machine
func NewMachine(cfg Config) *Machine {
	return &Machine{
		cfg:         cfg,
		colour:      hal.ColourOff,
		initialized: make(map[string]bool),
		outcome:     make(chan Outcome, 1),
	}
}

// Platform returns the machine wired as every hal collaborator
func (m *Machine) Platform() hal.Platform {
	return hal.Platform{
		Board:     m,
		Indicator: m,
		Clock:     m,
		Resetter:  m,
		Halter:    m,
		Failsafe:  m,
	}
}

// OnStop registers a function run when the CPU stops executing the current
// program (reset taking effect or halt). Used to freeze the scheduler.
func (m *Machine) OnStop(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freezers = append(m.freezers, fn)
}

func (m *Machine) record(kind, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, Event{
		Seq:    len(m.events) + 1,
		Kind:   kind,
		Detail: detail,
		At:     time.Now(),
	})
}

// Init runs bring-up steps in order. A failing step rolls back the steps
// already done so no half-initialized peripheral stays visible.
func (m *Machine) Init(ctx context.Context) error {
	var done []string
	for _, step := range initSteps {
		if err := ctx.Err(); err != nil {
			m.rollback(done)
			return err
		}
		if step == m.cfg.FailInitStep {
			m.rollback(done)
			return fmt.Errorf("%s init failed", step)
		}
		if err := m.initStep(step); err != nil {
			m.rollback(done)
			return fmt.Errorf("%s init failed: %w", step, err)
		}
		m.mu.Lock()
		m.initialized[step] = true
		m.mu.Unlock()
		m.record(EventInit, step)
		done = append(done, step)
	}
	return nil
}

func (m *Machine) initStep(step string) error {
	switch step {
	case StepBoard:
		info := probeHost()
		m.mu.Lock()
		m.info = info
		m.mu.Unlock()
	case StepLED:
		m.SetColour(hal.ColourOff)
	case StepTRNG:
		trng, err := NewTRNG(m.cfg.Seed)
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.trng = trng
		m.mu.Unlock()
	}
	return nil
}

func (m *Machine) rollback(done []string) {
	for i := len(done) - 1; i >= 0; i-- {
		m.mu.Lock()
		delete(m.initialized, done[i])
		if done[i] == StepTRNG {
			m.trng = nil
		}
		m.mu.Unlock()
		m.record(EventDeinit, done[i])
	}
}

// Initialized reports whether a bring-up step is active
func (m *Machine) Initialized(step string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized[step]
}

// Info returns what the board step probed from the host
func (m *Machine) Info() BoardInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

// TRNG returns the random source, nil before bring-up
func (m *Machine) TRNG() *TRNG {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trng
}

// SetColour sets the status LED
func (m *Machine) SetColour(c hal.Colour) {
	m.mu.Lock()
	m.colour = c
	m.mu.Unlock()
	m.record(EventLED, string(c))
}

// Colour returns the current LED colour
func (m *Machine) Colour() hal.Colour {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.colour
}

// Delay records the delay and sleeps when configured to
func (m *Machine) Delay(d time.Duration) {
	m.record(EventDelay, d.String())
	if m.cfg.RealDelay {
		time.Sleep(d)
	}
}

// Reset records the request. Unless the machine is configured with an
// ineffective reset, the calling goroutine stops here, the way a CPU stops
// executing the old program.
func (m *Machine) Reset() {
	m.record(EventReset, "")
	m.mu.Lock()
	m.resets++
	m.mu.Unlock()
	if m.cfg.ResetIneffective {
		return
	}
	m.stop(OutcomeReset)
}

// Halt records the halt and stops the calling goroutine forever
func (m *Machine) Halt() {
	m.record(EventHalt, "")
	m.mu.Lock()
	m.halts++
	m.mu.Unlock()
	m.stop(OutcomeHalted)
}

func (m *Machine) stop(o Outcome) {
	m.mu.Lock()
	freezers := append([]func(){}, m.freezers...)
	m.mu.Unlock()
	for _, fn := range freezers {
		fn()
	}
	m.finish(o)
	runtime.Goexit()
}

// Enter records the failsafe and holds the caller until ctx ends
func (m *Machine) Enter(ctx context.Context) {
	m.record(EventFailsafe, "")
	m.mu.Lock()
	m.failsafes++
	m.mu.Unlock()
	m.finish(OutcomeFailsafe)
	<-ctx.Done()
}

func (m *Machine) finish(o Outcome) {
	m.outcomeOnce.Do(func() {
		m.outcome <- o
	})
}

// Outcome delivers how the boot ended. It fires once.
func (m *Machine) Outcome() <-chan Outcome {
	return m.outcome
}

// Events returns a copy of the journal
func (m *Machine) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Trace returns the journal rendered as kind[:detail] strings
func (m *Machine) Trace() []string {
	events := m.Events()
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.String()
	}
	return out
}

// Counts returns how often reset, halt and failsafe were reached
func (m *Machine) Counts() (resets, halts, failsafes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resets, m.halts, m.failsafes
}

// ExceptionFrame returns what a hard fault in thread mode would leave
// behind: EXC_RETURN selecting the process stack and an eight-word frame
// on it. Register values come from the TRNG once it is up.
func (m *Machine) ExceptionFrame() (excReturn uint32, msp, psp []uint32) {
	trng := m.TRNG()
	word := func() uint32 {
		if trng == nil {
			return 0
		}
		return trng.Uint32()
	}

	psp = make([]uint32, 8)
	for i := 0; i < 5; i++ {
		psp[i] = word()
	}
	psp[5] = 0x08000000 | word()&0x000ffffe | 1 // lr, thumb
	psp[6] = 0x08000000 | word()&0x000ffffe     // pc
	psp[7] = 0x01000000                         // xpsr, thumb state
	msp = make([]uint32, 8)
	return 0xfffffffd, msp, psp
}
