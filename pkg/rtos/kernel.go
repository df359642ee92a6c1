package rtos

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"
)

var (
	// ErrCouldNotAllocate is returned when the heap cannot hold a task's stack and control block
	ErrCouldNotAllocate = errors.New("could not allocate required memory")
	// ErrSchedulerRunning is returned by Start on an already started kernel
	ErrSchedulerRunning = errors.New("scheduler already running")
	// ErrInvalidPriority is returned for priorities outside [0, MaxPriorities)
	ErrInvalidPriority = errors.New("invalid task priority")
	// ErrInvalidStack is returned for non-positive stack sizes
	ErrInvalidStack = errors.New("invalid stack size")
)

// tcbWords approximates the heap cost of a task control block
const tcbWords = 24

// preemptGraceTicks is how long a task caught with a corrupted stack on tick
// may run without reaching a switch point or touching its stack before the
// tick itself takes the overflow path.
const preemptGraceTicks = 100

// Scheduler is what the boot orchestrator needs from the RTOS
type Scheduler interface {
	CreateTask(name string, fn TaskFunc, stackWords int, prio Priority, param any) (Handle, error)
	Start(ctx context.Context) error
}

// Config configures the simulated kernel
type Config struct {
	HeapWords      int           // words available for stacks and control blocks
	Tick           time.Duration // 0 disables the tick goroutine; call Tick manually
	IdleStackWords int           // allocated by Start for the idle task
}

// DefaultConfig returns a heap sized for the decoder task set
func DefaultConfig() Config {
	return Config{
		HeapWords:      16 * 1024,
		Tick:           DefaultTick,
		IdleStackWords: MinimalStackWords,
	}
}

// Option customizes a Kernel
type Option func(*Kernel)

// WithStackOverflowHook sets the function called when a task's stack guard is
// found overwritten at a context switch. The hook is not expected to return.
func WithStackOverflowHook(fn func(task string)) Option {
	return func(k *Kernel) {
		k.onOverflow = fn
	}
}

// WithSwitchHook sets a function called on every context switch
func WithSwitchHook(fn func(to string)) Option {
	return func(k *Kernel) {
		k.onSwitch = fn
	}
}

// Kernel is a single-CPU, fixed-priority preemptive scheduler simulation.
// One task runs at a time. The highest priority ready task is dispatched,
// FIFO within a priority. Preemption happens at Delay, Yield, and on tick
// when a higher priority task wakes.
type Kernel struct {
	mu   sync.Mutex
	idle *sync.Cond
	cfg  Config

	tasks   []*tcb
	ready   [MaxPriorities][]*tcb
	delayed []*tcb
	current *tcb

	ticks    uint64
	switches uint64
	heapUsed int
	started  bool
	frozen   bool
	stopped  bool

	// faulted is the task whose stack was found corrupted. Exactly one
	// goroutine claims the overflow path for it.
	faulted      *tcb
	faultClaimed bool
	faultTicks   int

	stopCh chan struct{}
	wg     sync.WaitGroup

	onOverflow func(task string)
	onSwitch   func(to string)
}

// NewKernel creates a kernel. Tasks may be created before Start.
func NewKernel(cfg Config, opts ...Option) *Kernel {
	if cfg.HeapWords <= 0 {
		cfg.HeapWords = DefaultConfig().HeapWords
	}
	if cfg.IdleStackWords <= 0 {
		cfg.IdleStackWords = MinimalStackWords
	}
	k := &Kernel{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
	k.idle = sync.NewCond(&k.mu)
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// CreateTask allocates a task and makes it ready. Before Start the task
// only runs once the scheduler is started.
func (k *Kernel) CreateTask(name string, fn TaskFunc, stackWords int, prio Priority, param any) (Handle, error) {
	if fn == nil {
		return Handle{}, fmt.Errorf("task %s: nil entry point", name)
	}
	if prio < IdlePriority || prio >= MaxPriorities {
		return Handle{}, fmt.Errorf("task %s priority %d: %w", name, prio, ErrInvalidPriority)
	}
	if stackWords <= 0 {
		return Handle{}, fmt.Errorf("task %s stack %d: %w", name, stackWords, ErrInvalidStack)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	need := stackWords + tcbWords
	if k.heapUsed+need > k.cfg.HeapWords {
		return Handle{}, fmt.Errorf("task %s needs %d words, %d free: %w",
			name, need, k.cfg.HeapWords-k.heapUsed, ErrCouldNotAllocate)
	}
	k.heapUsed += need

	t := &tcb{
		id:         len(k.tasks),
		name:       name,
		prio:       prio,
		fn:         fn,
		param:      param,
		stackWords: stackWords,
		stack:      NewStack(stackWords),
		state:      TaskReady,
		resume:     make(chan struct{}, 1),
		kernel:     k,
	}
	t.stack.checkpoint = func() { k.checkpoint(t) }
	k.tasks = append(k.tasks, t)
	k.ready[prio] = append(k.ready[prio], t)

	if k.started && !k.stopped {
		k.spawn(t)
		k.dispatchLocked()
	}
	return Handle{t: t}, nil
}

// Start allocates the idle task and begins dispatching. It blocks for as
// long as the kernel runs and only returns when the idle task cannot be
// allocated, the kernel was already started, or ctx is cancelled.
func (k *Kernel) Start(ctx context.Context) error {
	k.mu.Lock()
	if k.started {
		k.mu.Unlock()
		return ErrSchedulerRunning
	}
	need := k.cfg.IdleStackWords + tcbWords
	if k.heapUsed+need > k.cfg.HeapWords {
		free := k.cfg.HeapWords - k.heapUsed
		k.mu.Unlock()
		return fmt.Errorf("idle task needs %d words, %d free: %w", need, free, ErrCouldNotAllocate)
	}
	k.heapUsed += need
	k.started = true
	for _, t := range k.tasks {
		k.spawn(t)
	}
	k.dispatchLocked()
	k.mu.Unlock()

	if k.cfg.Tick > 0 {
		k.wg.Add(1)
		go k.tickLoop()
	}

	<-ctx.Done()
	k.stop()
	return ctx.Err()
}

func (k *Kernel) stop() {
	k.mu.Lock()
	if !k.stopped {
		k.stopped = true
		close(k.stopCh)
	}
	k.idle.Broadcast()
	k.mu.Unlock()
	k.wg.Wait()
}

func (k *Kernel) tickLoop() {
	defer k.wg.Done()
	ticker := time.NewTicker(k.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			k.Tick()
		case <-k.stopCh:
			return
		}
	}
}

// Tick advances the tick count by one, wakes expired delays, and checks
// the running task's stack when a higher priority task becomes ready.
// A corrupted stack freezes dispatch at once. The running task is pinned
// and enters the overflow hook at its next switch point or stack access.
func (k *Kernel) Tick() {
	k.mu.Lock()
	if k.stopped {
		k.mu.Unlock()
		return
	}
	if k.frozen {
		t := k.faulted
		if t == nil || k.faultClaimed {
			k.mu.Unlock()
			return
		}
		k.faultTicks++
		if k.faultTicks < preemptGraceTicks {
			k.mu.Unlock()
			return
		}
		k.faultClaimed = true
		k.mu.Unlock()
		k.overflow(t)
		return
	}
	k.ticks++

	remaining := k.delayed[:0]
	for _, t := range k.delayed {
		if t.wakeAt <= k.ticks {
			t.state = TaskReady
			k.ready[t.prio] = append(k.ready[t.prio], t)
		} else {
			remaining = append(remaining, t)
		}
	}
	k.delayed = remaining

	cur := k.current
	if cur != nil && k.highestReadyLocked() > cur.prio && !cur.stack.Intact() {
		k.faultLocked(cur, false)
		k.mu.Unlock()
		return
	}
	k.dispatchLocked()
	k.mu.Unlock()
}

// faultLocked freezes dispatch on behalf of t. claimed is true when the
// caller takes the overflow path itself.
func (k *Kernel) faultLocked(t *tcb, claimed bool) {
	k.frozen = true
	if k.faulted == nil {
		k.faulted = t
		k.faultClaimed = claimed
	}
	k.idle.Broadcast()
}

// claimFaultLocked reports whether t was flagged on tick and the caller
// now owns its overflow path
func (k *Kernel) claimFaultLocked(t *tcb) bool {
	if k.faulted != t || k.faultClaimed {
		return false
	}
	k.faultClaimed = true
	return true
}

// checkpoint runs on every stack access. A task flagged on tick goes no
// further: it takes the overflow path, or parks if that is already taken.
func (k *Kernel) checkpoint(t *tcb) {
	k.mu.Lock()
	if k.faulted != t {
		k.mu.Unlock()
		return
	}
	claimed := k.claimFaultLocked(t)
	k.mu.Unlock()
	if claimed {
		k.overflow(t)
	}
	k.park()
}

func (k *Kernel) delay(t *tcb, d time.Duration) {
	ticks := k.ticksFor(d)

	k.mu.Lock()
	if k.stopped {
		k.mu.Unlock()
		runtime.Goexit()
	}
	if k.claimFaultLocked(t) {
		k.mu.Unlock()
		k.overflow(t)
		return
	}
	if k.frozen {
		k.mu.Unlock()
		k.park()
	}
	if !t.stack.Intact() {
		k.faultLocked(t, true)
		k.mu.Unlock()
		k.overflow(t)
		return
	}
	t.state = TaskBlocked
	t.wakeAt = k.ticks + ticks
	k.delayed = append(k.delayed, t)
	k.releaseLocked(t)
	k.mu.Unlock()

	k.waitTurn(t)
}

func (k *Kernel) yield(t *tcb) {
	k.mu.Lock()
	if k.stopped {
		k.mu.Unlock()
		runtime.Goexit()
	}
	if k.claimFaultLocked(t) {
		k.mu.Unlock()
		k.overflow(t)
		return
	}
	if k.frozen {
		k.mu.Unlock()
		k.park()
	}
	if k.highestReadyLocked() < t.prio {
		k.mu.Unlock()
		return
	}
	if !t.stack.Intact() {
		k.faultLocked(t, true)
		k.mu.Unlock()
		k.overflow(t)
		return
	}
	t.state = TaskReady
	k.ready[t.prio] = append(k.ready[t.prio], t)
	k.releaseLocked(t)
	k.mu.Unlock()

	k.waitTurn(t)
}

// releaseLocked gives up the CPU held by t and dispatches the next task
func (k *Kernel) releaseLocked(t *tcb) {
	if k.current == t {
		k.current = nil
	}
	k.dispatchLocked()
	if k.current == nil {
		k.idle.Broadcast()
	}
}

// dispatchLocked hands the CPU to the highest priority ready task if the
// CPU is free.
func (k *Kernel) dispatchLocked() {
	if !k.started || k.frozen || k.stopped || k.current != nil {
		return
	}
	for p := MaxPriorities - 1; p >= 0; p-- {
		if len(k.ready[p]) == 0 {
			continue
		}
		t := k.ready[p][0]
		k.ready[p] = k.ready[p][1:]
		t.state = TaskRunning
		k.current = t
		k.switches++
		if k.onSwitch != nil {
			k.onSwitch(t.name)
		}
		select {
		case t.resume <- struct{}{}:
		default:
		}
		return
	}
}

func (k *Kernel) highestReadyLocked() Priority {
	for p := MaxPriorities - 1; p >= 0; p-- {
		if len(k.ready[p]) > 0 {
			return Priority(p)
		}
	}
	return -1
}

func (k *Kernel) spawn(t *tcb) {
	k.wg.Add(1)
	go k.runTask(t)
}

func (k *Kernel) runTask(t *tcb) {
	defer k.wg.Done()
	defer k.exit(t)
	k.waitTurn(t)
	t.fn(&TaskContext{k: k, t: t})
}

// waitTurn blocks until t is dispatched. A stopped kernel ends the task.
func (k *Kernel) waitTurn(t *tcb) {
	select {
	case <-t.resume:
	case <-k.stopCh:
		runtime.Goexit()
	}
	k.mu.Lock()
	frozen := k.frozen
	k.mu.Unlock()
	if frozen {
		k.park()
	}
}

// park holds the calling goroutine until the kernel is stopped
func (k *Kernel) park() {
	<-k.stopCh
	runtime.Goexit()
}

func (k *Kernel) exit(t *tcb) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t.state = TaskDeleted
	k.releaseLocked(t)
}

// overflow calls the hook and never returns
func (k *Kernel) overflow(t *tcb) {
	if k.onOverflow != nil {
		k.onOverflow(t.name)
	}
	// Reaching here means there was no hook or it returned. Nothing else
	// may run on a corrupted stack.
	k.Freeze()
	k.park()
}

// Freeze stops all further dispatching. The running task keeps the CPU
// until it reaches its next switch point, where it parks. Used by halt.
func (k *Kernel) Freeze() {
	k.mu.Lock()
	k.frozen = true
	k.idle.Broadcast()
	k.mu.Unlock()
}

// Frozen reports whether Freeze has been called
func (k *Kernel) Frozen() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.frozen
}

// WaitIdle blocks until no task holds the CPU, the kernel stops, or ctx ends
func (k *Kernel) WaitIdle(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			k.mu.Lock()
			k.idle.Broadcast()
			k.mu.Unlock()
		case <-done:
		}
	}()

	k.mu.Lock()
	defer k.mu.Unlock()
	for k.started && k.current != nil && !k.stopped && !k.frozen {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		k.idle.Wait()
	}
	return ctx.Err()
}

// Tasks returns a snapshot of all created tasks, highest priority first,
// creation order within a priority.
func (k *Kernel) Tasks() []TaskInfo {
	k.mu.Lock()
	infos := make([]TaskInfo, 0, len(k.tasks))
	stacks := make([]*Stack, 0, len(k.tasks))
	for _, t := range k.tasks {
		stacks = append(stacks, t.stack)
		infos = append(infos, TaskInfo{
			Order:      t.id,
			Name:       t.name,
			Priority:   t.prio,
			StackWords: t.stackWords,
			State:      t.state,
			StateName:  t.state.String(),
		})
	}
	k.mu.Unlock()

	for i := range infos {
		infos[i].StackOK = stacks[i].Intact()
	}

	sort.SliceStable(infos, func(i, j int) bool {
		if infos[i].Priority != infos[j].Priority {
			return infos[i].Priority > infos[j].Priority
		}
		return infos[i].Order < infos[j].Order
	})
	return infos
}

// SwitchCount returns the number of context switches so far
func (k *Kernel) SwitchCount() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.switches
}

// TickCount returns the number of ticks so far
func (k *Kernel) TickCount() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.ticks
}

// HeapFree returns the number of unallocated heap words
func (k *Kernel) HeapFree() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cfg.HeapWords - k.heapUsed
}

// Running returns the name of the task holding the CPU, if any
func (k *Kernel) Running() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.current == nil {
		return ""
	}
	return k.current.name
}

func (k *Kernel) ticksFor(d time.Duration) uint64 {
	tick := k.cfg.Tick
	if tick <= 0 {
		tick = DefaultTick
	}
	if d <= tick {
		return 1
	}
	return uint64((d + tick - 1) / tick)
}
