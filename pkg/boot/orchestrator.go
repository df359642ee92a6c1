// Package boot brings the device from power-on to a running scheduler:
// hardware bring-up, heartbeat and application task registration, then
// scheduler start. Any failure on the way ends in halt or failsafe.
package boot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/bootguard/pkg/guard"
	"github.com/psantana5/bootguard/pkg/hal"
	"github.com/psantana5/bootguard/pkg/heartbeat"
	"github.com/psantana5/bootguard/pkg/logging"
	"github.com/psantana5/bootguard/pkg/models"
	"github.com/psantana5/bootguard/pkg/rtos"
	"github.com/psantana5/bootguard/pkg/tracing"
)

var (
	// ErrInvalidConfig is returned by New for an unusable configuration
	ErrInvalidConfig = errors.New("invalid boot configuration")
	// ErrHalted is returned by Run when the halt path returned, which only
	// happens with a simulated halter
	ErrHalted = errors.New("device halted")
	// ErrFailsafe is returned by Run when the failsafe handed control back
	ErrFailsafe = errors.New("failsafe exited")
)

// Terminal is the no-reset terminal path used for boot failures
type Terminal interface {
	Halt(ev models.FaultEvent)
}

// Metrics receives boot progress. *metrics.Recorder implements it.
type Metrics interface {
	RecordBoot()
	RecordRegistration(task string, ok bool)
	RecordSchedulerStart(ok bool)
	RecordSwitch()
	RecordFault(kind models.FaultKind)
	SetState(s models.DeviceState)
}

type noopMetrics struct{}

func (noopMetrics) RecordBoot() {}
func (noopMetrics) RecordRegistration(string, bool) {}
func (noopMetrics) RecordSchedulerStart(bool) {}
func (noopMetrics) RecordSwitch() {}
func (noopMetrics) RecordFault(models.FaultKind) {}
func (noopMetrics) SetState(models.DeviceState) {}

// Config wires an orchestrator
type Config struct {
	Scheduler         rtos.Scheduler
	Platform          hal.Platform
	Terminal          Terminal
	Sequence          models.BootSequence
	Heartbeat         *heartbeat.Task // defaults to a one-tick heartbeat
	HeartbeatPriority rtos.Priority   // must exceed every task priority
	Hooks             *guard.Hooks    // when set, application entries run with panic containment
	Logger            *logging.Logger
	Metrics           Metrics
	Tracer            *tracing.Provider
}

// Orchestrator runs the boot sequence once
type Orchestrator struct {
	cfg     Config
	logger  *logging.Logger
	metrics Metrics
	tracer  *tracing.Provider
	table   *TaskTable

	mu      sync.Mutex
	state   models.DeviceState
	running atomic.Bool
}

// New validates cfg and creates an orchestrator
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("%w: scheduler is required", ErrInvalidConfig)
	}
	if cfg.Terminal == nil {
		return nil, fmt.Errorf("%w: terminal path is required", ErrInvalidConfig)
	}
	if cfg.Platform.Board == nil || cfg.Platform.Failsafe == nil {
		return nil, fmt.Errorf("%w: platform is missing board or failsafe", ErrInvalidConfig)
	}
	if err := cfg.Sequence.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if cfg.Heartbeat == nil {
		cfg.Heartbeat = heartbeat.New(heartbeat.DefaultPeriod)
	}
	if cfg.HeartbeatPriority < rtos.IdlePriority || cfg.HeartbeatPriority >= rtos.MaxPriorities {
		return nil, fmt.Errorf("%w: heartbeat priority %d out of range", ErrInvalidConfig, cfg.HeartbeatPriority)
	}
	if highest := cfg.Sequence.MaxPriority(); cfg.HeartbeatPriority <= highest {
		return nil, fmt.Errorf("%w: heartbeat priority %d must exceed every task priority (highest is %d)",
			ErrInvalidConfig, cfg.HeartbeatPriority, highest)
	}

	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Tracer == nil {
		tp, err := tracing.InitTracer(tracing.Config{})
		if err != nil {
			return nil, err
		}
		cfg.Tracer = tp
	}

	return &Orchestrator{
		cfg:     cfg,
		logger:  cfg.Logger.WithComponent("boot"),
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		table:   newTaskTable(),
		state:   models.StateBooting,
	}, nil
}

// Handles returns the registered tasks
func (o *Orchestrator) Handles() *TaskTable {
	return o.table
}

// State returns the current lifecycle state
func (o *Orchestrator) State() models.DeviceState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// ContextSwitched is meant to be installed as the kernel's switch hook. The
// first switch marks the scheduler as running.
func (o *Orchestrator) ContextSwitched(to string) {
	o.metrics.RecordSwitch()
	if o.running.CompareAndSwap(false, true) {
		o.metrics.RecordSchedulerStart(true)
		o.transition(models.StateRunning)
	}
}

// Run executes the boot sequence. While the device is alive it does not
// return: the scheduler owns the CPU, or the device is halted, or it sits
// in failsafe. When the host cancels ctx, Run returns ctx.Err().
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, span := o.tracer.StartSpan(ctx, "boot",
		attribute.Int("tasks", len(o.cfg.Sequence)+1))
	defer span.End()

	o.metrics.RecordBoot()
	o.metrics.SetState(models.StateBooting)

	if err := o.initHardware(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return o.halt(span, models.FaultEvent{Kind: models.FaultHardwareInit, Err: err, At: time.Now()})
	}
	o.transition(models.StateHardwareReady)

	for i, spec := range o.specs() {
		if err := o.register(ctx, spec); err != nil {
			return o.halt(span, models.TaskCreationFailed(spec.Name, i, err))
		}
	}
	o.transition(models.StateTasksRegistered)

	o.logger.Info("Starting scheduler", logging.Fields{"tasks": o.table.Len()})
	err := o.startScheduler(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil {
		err = errors.New("scheduler returned")
	}
	if !o.running.Load() {
		o.metrics.RecordSchedulerStart(false)
	}

	ev := models.FaultEvent{Kind: models.FaultSchedulerStart, Err: err, At: time.Now()}
	o.metrics.RecordFault(ev.Kind)
	tracing.Fail(span, err)
	o.logger.Error(ev.Message()+", activating failsafe", logging.Fields{"fault": string(ev.Kind)})
	o.transition(models.StateFailsafe)

	o.cfg.Platform.Failsafe.Enter(ctx)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %v", ErrFailsafe, err)
}

// specs returns the heartbeat followed by the application tasks, so an
// application task's index equals its 1-based sequence position
func (o *Orchestrator) specs() []models.TaskSpec {
	specs := make([]models.TaskSpec, 0, len(o.cfg.Sequence)+1)
	specs = append(specs, o.cfg.Heartbeat.Spec(o.cfg.HeartbeatPriority))
	for _, spec := range o.cfg.Sequence {
		if o.cfg.Hooks != nil {
			spec.Entry = o.cfg.Hooks.Wrap(spec.Entry)
		}
		specs = append(specs, spec)
	}
	return specs
}

func (o *Orchestrator) initHardware(ctx context.Context) error {
	ctx, span := o.tracer.StartSpan(ctx, "hardware_init")
	defer span.End()

	if err := o.cfg.Platform.Board.Init(ctx); err != nil {
		tracing.Fail(span, err)
		return err
	}
	o.logger.Debug("Hardware initialized")
	return nil
}

func (o *Orchestrator) register(ctx context.Context, spec models.TaskSpec) error {
	_, span := o.tracer.StartSpan(ctx, "register_task",
		attribute.String("task", spec.Name),
		attribute.Int("priority", int(spec.Priority)),
		attribute.Int("stack_words", spec.StackWords))
	defer span.End()

	h, err := o.cfg.Scheduler.CreateTask(spec.Name, spec.Entry, spec.StackWords, spec.Priority, spec.Param)
	o.metrics.RecordRegistration(spec.Name, err == nil)
	if err != nil {
		tracing.Fail(span, err)
		return err
	}
	o.table.add(spec.Name, h)
	o.logger.Debug("Task registered", logging.Fields{
		"task":     spec.Name,
		"priority": int(spec.Priority),
	})
	return nil
}

func (o *Orchestrator) startScheduler(ctx context.Context) error {
	ctx, span := o.tracer.StartSpan(ctx, "scheduler_start")
	defer span.End()

	err := o.cfg.Scheduler.Start(ctx)
	if err != nil && ctx.Err() == nil {
		tracing.Fail(span, err)
	}
	return err
}

// halt hands ev to the terminal path. The return only happens when the
// halter is simulated.
func (o *Orchestrator) halt(span trace.Span, ev models.FaultEvent) error {
	if ev.Err != nil {
		tracing.Fail(span, ev.Err)
	} else {
		tracing.Fail(span, errors.New(ev.Message()))
	}
	o.transition(models.StateHalted)
	o.cfg.Terminal.Halt(ev)
	return fmt.Errorf("%w: %s", ErrHalted, ev.Message())
}

func (o *Orchestrator) transition(to models.DeviceState) {
	o.mu.Lock()
	from := o.state
	err := models.ValidateTransition(from, to)
	if err == nil {
		o.state = to
	}
	o.mu.Unlock()

	if err != nil {
		o.logger.Error("Invalid state transition", logging.Fields{
			"from":  string(from),
			"to":    string(to),
			"error": err,
		})
		return
	}
	o.metrics.SetState(to)
}

// FormatTasks renders the registered task names for the boot banner
func (o *Orchestrator) FormatTasks() string {
	return strings.Join(o.table.Names(), ", ")
}
