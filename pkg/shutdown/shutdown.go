// Package shutdown is the single terminal path for unrecoverable faults:
// fault indicator, diagnostic line, bounded flush, reset, halt.
package shutdown

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psantana5/bootguard/pkg/hal"
	"github.com/psantana5/bootguard/pkg/logging"
	"github.com/psantana5/bootguard/pkg/models"
)

// DefaultFlushDelay gives the serial console time to drain before reset
const DefaultFlushDelay = time.Second

// Flusher drains one diagnostic channel. It must give up when ctx ends.
type Flusher func(ctx context.Context) error

// Observer is notified as the procedure moves through its steps
type Observer interface {
	RecordFault(kind models.FaultKind)
	RecordReset()
	RecordHalt()
	SetState(s models.DeviceState)
}

// Procedure performs the shutdown-and-reset sequence. It is shared by the
// corruption hooks, the hard fault path and the boot orchestrator.
type Procedure struct {
	indicator  hal.Indicator
	clock      hal.Clock
	resetter   hal.Resetter
	halter     hal.Halter
	logger     *logging.Logger
	observer   Observer
	flushDelay time.Duration

	mu       sync.Mutex
	flushers []Flusher
	active   atomic.Bool
}

// Option configures a Procedure
type Option func(*Procedure)

// WithFlushDelay overrides the drain delay before reset
func WithFlushDelay(d time.Duration) Option {
	return func(p *Procedure) {
		if d >= 0 {
			p.flushDelay = d
		}
	}
}

// WithObserver attaches an observer, typically the metrics recorder
func WithObserver(o Observer) Option {
	return func(p *Procedure) {
		p.observer = o
	}
}

// New creates a shutdown procedure driving the platform's indicator, clock,
// resetter and halter
func New(p hal.Platform, logger *logging.Logger, opts ...Option) (*Procedure, error) {
	if p.Indicator == nil || p.Clock == nil || p.Resetter == nil || p.Halter == nil {
		return nil, fmt.Errorf("shutdown procedure needs indicator, clock, resetter and halter")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	proc := &Procedure{
		indicator:  p.Indicator,
		clock:      p.Clock,
		resetter:   p.Resetter,
		halter:     p.Halter,
		logger:     logger.WithComponent("shutdown"),
		flushDelay: DefaultFlushDelay,
	}
	for _, opt := range opts {
		opt(proc)
	}
	return proc, nil
}

// Register adds a flusher. Flushers run in reverse order (LIFO).
func (p *Procedure) Register(fn Flusher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushers = append(p.flushers, fn)
}

// InProgress reports whether a terminal sequence has begun
func (p *Procedure) InProgress() bool {
	return p.active.Load()
}

// ShutdownAndReset reports ev and resets the device. On hardware it never
// returns. A fault raised while a shutdown is already running goes straight
// to halt.
func (p *Procedure) ShutdownAndReset(ev models.FaultEvent) {
	if !p.active.CompareAndSwap(false, true) {
		p.reentered(ev)
		return
	}

	spent := p.begin(ev)
	p.clock.Delay(max(p.flushDelay-spent, 0))

	p.setState(models.StateResetting)
	if p.observer != nil {
		p.observer.RecordReset()
	}
	p.resetter.Reset()

	p.logger.Error("reset did not take effect, halting")
	p.halt()
}

// Halt reports ev and stops the device without a reset. Used for failures
// that must not loop through boot again.
func (p *Procedure) Halt(ev models.FaultEvent) {
	if !p.active.CompareAndSwap(false, true) {
		p.reentered(ev)
		return
	}

	p.begin(ev)
	p.halt()
}

// begin returns the time the flushers took out of the flush delay
func (p *Procedure) begin(ev models.FaultEvent) time.Duration {
	if p.observer != nil {
		p.observer.RecordFault(ev.Kind)
	}
	p.indicator.SetColour(hal.FaultColour)

	fields := logging.Fields{"fault": string(ev.Kind)}
	if ev.Task != "" {
		fields["task"] = ev.Task
	}
	p.logger.Error(ev.Message(), fields)

	return p.flush()
}

func (p *Procedure) reentered(ev models.FaultEvent) {
	p.logger.Error("fault during shutdown, halting", logging.Fields{
		"fault": string(ev.Kind),
	})
	p.halt()
}

// flush runs the flushers under the flush delay and reports how long they
// took. The reset delay only waits out the rest.
func (p *Procedure) flush() time.Duration {
	p.mu.Lock()
	flushers := append([]Flusher(nil), p.flushers...)
	p.mu.Unlock()

	if len(flushers) == 0 {
		return 0
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), p.flushDelay)
	defer cancel()

	for i := len(flushers) - 1; i >= 0; i-- {
		if err := flushers[i](ctx); err != nil {
			p.logger.Warn("flush incomplete", logging.Fields{"flusher": i, "error": err})
		}
	}
	return min(time.Since(start), p.flushDelay)
}

func (p *Procedure) halt() {
	p.setState(models.StateHalted)
	if p.observer != nil {
		p.observer.RecordHalt()
	}
	p.halter.Halt()
}

func (p *Procedure) setState(s models.DeviceState) {
	if p.observer != nil {
		p.observer.SetState(s)
	}
}

// DrainWriter returns a flusher for channels that can wait for buffered
// output, such as the simulated UART
func DrainWriter(w interface {
	io.Writer
	Drain(ctx context.Context) error
}) Flusher {
	return func(ctx context.Context) error {
		if err := w.Drain(ctx); err != nil {
			return fmt.Errorf("failed to drain diagnostic channel: %w", err)
		}
		return nil
	}
}

// CloseResource creates a flusher for an io.Closer
func CloseResource(closer io.Closer, name string) Flusher {
	return func(ctx context.Context) error {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("failed to close %s: %w", name, err)
		}
		return nil
	}
}
