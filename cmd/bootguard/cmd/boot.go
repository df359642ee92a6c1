package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/bootguard/internal/apps"
	"github.com/psantana5/bootguard/internal/report"
	"github.com/psantana5/bootguard/pkg/boot"
	"github.com/psantana5/bootguard/pkg/config"
	"github.com/psantana5/bootguard/pkg/diag"
	"github.com/psantana5/bootguard/pkg/guard"
	"github.com/psantana5/bootguard/pkg/hal"
	"github.com/psantana5/bootguard/pkg/hal/sim"
	"github.com/psantana5/bootguard/pkg/heartbeat"
	"github.com/psantana5/bootguard/pkg/logging"
	"github.com/psantana5/bootguard/pkg/metrics"
	"github.com/psantana5/bootguard/pkg/models"
	"github.com/psantana5/bootguard/pkg/rtos"
	"github.com/psantana5/bootguard/pkg/shutdown"
	"github.com/psantana5/bootguard/pkg/store"
	"github.com/psantana5/bootguard/pkg/tracing"
)

var (
	bootDuration time.Duration
	dumpMetrics  bool
)

var bootCmd = &cobra.Command{
	Use:   "boot",
	Short: "Boot the simulated device",
	Long: `Boots the simulated decoder: board bring-up, heartbeat and application
task registration, scheduler start. An effective reset restarts from boot,
up to boot.max_resets times. Halt and failsafe end the run.

Faults can be injected with the sim.* settings or the flags below.`,
	RunE: runBoot,
}

func init() {
	rootCmd.AddCommand(bootCmd)

	bootCmd.Flags().DurationVar(&bootDuration, "duration", 0, "stop the simulation after this long (0 runs until interrupted)")
	bootCmd.Flags().BoolVar(&dumpMetrics, "dump-metrics", false, "print metrics in text exposition format on exit")

	bootCmd.Flags().Int("max-resets", 3, "boots allowed after the first one")
	bootCmd.Flags().String("fault", "", "fault to inject: stack, overflow, bounds, hardfault, panic")
	bootCmd.Flags().String("fault-task", "", "application task that commits the fault (default FrameManager)")
	bootCmd.Flags().String("fault-after", "50ms", "task run time before the fault")
	bootCmd.Flags().String("fail-task", "", "application task whose registration fails")
	bootCmd.Flags().Bool("fail-scheduler", false, "make scheduler start fail")
	bootCmd.Flags().String("fail-init", "", "bring-up step that fails: board, led, icc, trng")
	bootCmd.Flags().Bool("capture", false, "capture registers on hard fault and halt")
	bootCmd.Flags().String("snapshot-db", "", "SQLite file for register snapshots")
	bootCmd.Flags().String("metrics-addr", "", "serve /metrics, /tasks, /faults and /sessions on this address")

	viper.BindPFlag("boot.max_resets", bootCmd.Flags().Lookup("max-resets"))
	viper.BindPFlag("sim.fault", bootCmd.Flags().Lookup("fault"))
	viper.BindPFlag("sim.fault_task", bootCmd.Flags().Lookup("fault-task"))
	viper.BindPFlag("sim.fault_after", bootCmd.Flags().Lookup("fault-after"))
	viper.BindPFlag("sim.fail_task", bootCmd.Flags().Lookup("fail-task"))
	viper.BindPFlag("sim.fail_scheduler", bootCmd.Flags().Lookup("fail-scheduler"))
	viper.BindPFlag("sim.fail_init_step", bootCmd.Flags().Lookup("fail-init"))
	viper.BindPFlag("diag.capture_enabled", bootCmd.Flags().Lookup("capture"))
	viper.BindPFlag("diag.snapshot_db", bootCmd.Flags().Lookup("snapshot-db"))
	viper.BindPFlag("metrics.addr", bootCmd.Flags().Lookup("metrics-addr"))
}

// faultTap forwards to the recorder and remembers the last fault kind so
// the session report can name it
type faultTap struct {
	*metrics.Recorder

	mu   sync.Mutex
	last models.FaultKind
}

func (t *faultTap) RecordFault(kind models.FaultKind) {
	t.mu.Lock()
	t.last = kind
	t.mu.Unlock()
	t.Recorder.RecordFault(kind)
}

func (t *faultTap) reset() {
	t.mu.Lock()
	t.last = ""
	t.mu.Unlock()
}

func (t *faultTap) lastFault() models.FaultKind {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// host holds what outlives a single boot
type host struct {
	cfg     *config.DeviceConfig
	seed    []byte
	tap     *faultTap
	snaps   store.SnapshotStore
	tracer  *tracing.Provider
	history *report.History
	view    *deviceView
}

func runBoot(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	seed, err := cfg.Seed()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if bootDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, bootDuration)
		defer cancel()
	}

	snaps, err := openStore(cfg.Diag.SnapshotDB)
	if err != nil {
		return err
	}
	defer snaps.Close()

	tracer, err := tracing.InitTracer(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer tracer.Shutdown(context.Background())

	rec := metrics.NewRecorder()
	h := &host{
		cfg:     cfg,
		seed:    seed,
		tap:     &faultTap{Recorder: rec},
		snaps:   snaps,
		tracer:  tracer,
		history: report.NewHistory(50),
		view:    &deviceView{},
	}

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           newDebugRouter(rec, snaps, h.history, h.view, cfg.Metrics.Token),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("Debug server error: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		log.Printf("Debug endpoints on http://%s (/metrics, /tasks, /faults, /sessions)", cfg.Metrics.Addr)
	}

	for attempt := 1; ; attempt++ {
		session, err := h.bootOnce(ctx, attempt)
		if err != nil {
			return err
		}
		h.history.Record(session)
		session.LogSummary()

		if session.Outcome != report.OutcomeReset || ctx.Err() != nil {
			break
		}
		if attempt > cfg.Boot.MaxResets {
			log.Printf("⚠️  Reset limit reached (%d), leaving the device down", cfg.Boot.MaxResets)
			break
		}
		log.Printf("🔄 Restarting from boot (reset %d of %d)", attempt, cfg.Boot.MaxResets)
	}

	if dumpMetrics {
		return rec.WriteText(os.Stdout)
	}
	return nil
}

// bootOnce powers up a fresh simulated board and runs the boot sequence
// until the device resets, halts, or the host stops it
func (h *host) bootOnce(ctx context.Context, attempt int) (*report.Session, error) {
	cfg := h.cfg
	bootID := uuid.New().String()
	started := time.Now()
	h.tap.reset()

	machine := sim.NewMachine(sim.Config{
		FailInitStep:     cfg.Sim.FailInitStep,
		ResetIneffective: cfg.Sim.ResetIneffective,
		RealDelay:        true,
		Seed:             h.seed,
	})

	uart := sim.NewUART(os.Stderr, cfg.Log.Baud)
	defer uart.Close()
	logger, err := newLogger(cfg, uart)
	if err != nil {
		return nil, err
	}
	defer logger.Close()
	logger = logger.WithField("boot_id", bootID)

	proc, err := shutdown.New(machine.Platform(), logger,
		shutdown.WithFlushDelay(cfg.FlushDelay()),
		shutdown.WithObserver(h.tap))
	if err != nil {
		return nil, err
	}
	proc.Register(shutdown.DrainWriter(uart))

	hooks := &guard.Hooks{Shutdown: proc}
	hooks.HardFault = &diag.Capture{
		Enabled: cfg.Diag.CaptureEnabled,
		Reader: diag.ReaderFunc(func() (diag.RegisterSnapshot, error) {
			excReturn, msp, psp := machine.ExceptionFrame()
			return diag.FrameReader{EXCReturn: excReturn, MSP: msp, PSP: psp}.ReadFaultContext()
		}),
		Store:     h.snaps,
		Shutdown:  proc,
		Indicator: machine,
		Halter: hal.HalterFunc(func() {
			h.tap.RecordFault(models.FaultHardFault)
			h.tap.RecordHalt()
			machine.Halt()
		}),
		Logger: logger,
		BootID: bootID,
	}

	var orch *boot.Orchestrator
	kernel := rtos.NewKernel(rtos.Config{
		HeapWords:      cfg.Kernel.HeapWords,
		Tick:           cfg.Tick(),
		IdleStackWords: cfg.Kernel.IdleStackWords,
	},
		rtos.WithStackOverflowHook(hooks.OnStackCorruption),
		rtos.WithSwitchHook(func(to string) { orch.ContextSwitched(to) }),
	)
	machine.OnStop(kernel.Freeze)

	var sched rtos.Scheduler = kernel
	if cfg.Sim.FailTask != "" || cfg.Sim.FailScheduler {
		sched = &apps.Scheduler{Scheduler: kernel, FailTask: cfg.Sim.FailTask, FailStart: cfg.Sim.FailScheduler}
	}

	taskSet := apps.New(hooks, func() io.Reader {
		if r := machine.TRNG(); r != nil {
			return r
		}
		return nil
	}, apps.InjectionFromConfig(cfg), logger)

	hb := heartbeat.New(cfg.HeartbeatPeriod())
	hb.OnBeat = h.tap.RecordHeartbeat

	orch, err = boot.New(boot.Config{
		Scheduler:         sched,
		Platform:          machine.Platform(),
		Terminal:          proc,
		Sequence:          boot.ApplyPriorities(boot.DefaultSequence(taskSet.Entries()), cfg.Boot.TaskPriorities),
		Heartbeat:         hb,
		HeartbeatPriority: cfg.HeartbeatPriority(),
		Hooks:             hooks,
		Logger:            logger,
		Metrics:           h.tap,
		Tracer:            h.tracer,
	})
	if err != nil {
		return nil, err
	}
	h.view.set(bootID, kernel, orch)

	log.Printf("🚀 Booting device (boot %s, attempt %d)", bootID, attempt)

	bootCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		if err := orch.Run(bootCtx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			logger.Error("boot ended", logging.Fields{"error": err})
		}
	}()

	outcome := report.OutcomeStopped
	select {
	case o := <-machine.Outcome():
		outcome = string(o)
		if o == sim.OutcomeFailsafe {
			log.Printf("🛟 Failsafe active, waiting for the host to stop the device")
			<-ctx.Done()
		}
	case <-ctx.Done():
	}
	cancel()
	<-exited

	if info := machine.Info(); info.CPUThreads > 0 {
		log.Printf("  Board: %s (%d threads), %s RAM, %s/%s",
			info.CPUModel, info.CPUThreads, sim.FormatRAM(info.RAMTotal), info.OS, info.Architecture)
	}

	if orch.Handles().Len() > 0 {
		log.Printf("  Tasks: %s", orch.FormatTasks())
	}

	session := report.NewSession(bootID, attempt, started, time.Now(), outcome)
	session.SetFault(string(h.tap.lastFault()))
	session.State = string(orch.State())
	session.Tasks = orch.Handles().Len()
	session.Beats = hb.Beats()
	session.Switches = kernel.SwitchCount()
	return session, nil
}

func newLogger(cfg *config.DeviceConfig, w io.Writer) (*logging.Logger, error) {
	level := logging.ParseLevel(cfg.Log.Level)
	if cfg.Log.File != "" {
		return logging.NewFileLogger(w, cfg.Log.File, level, cfg.Log.JSON)
	}
	return logging.NewLogger(w, level, cfg.Log.JSON), nil
}

// openStore opens the SQLite snapshot database, or an in-memory store when
// no path is configured
func openStore(path string) (store.SnapshotStore, error) {
	if path == "" {
		return store.NewMemoryStore(), nil
	}
	s, err := store.NewSQLiteStore(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}
	return s, nil
}
