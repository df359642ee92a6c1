// Package apps provides stand-in bodies for the decoder's five application
// tasks. They do a small amount of bounded work each period so the
// scheduler, stack checks and guarded copies are exercised, and one of them
// can be told to misbehave.
package apps

import (
	"io"
	"strings"
	"sync"
	"time"

	"github.com/psantana5/bootguard/pkg/boot"
	"github.com/psantana5/bootguard/pkg/guard"
	"github.com/psantana5/bootguard/pkg/logging"
	"github.com/psantana5/bootguard/pkg/rtos"
)

// profile is the per-task workload shape
type profile struct {
	period     time.Duration
	bufBytes   int // scratch buffer the task fills with guarded copies
	frameWords int // stack depth reached by one work cycle
}

var profiles = map[string]profile{
	boot.TaskCryptoManager:          {period: 5 * time.Millisecond, bufBytes: 32, frameWords: 96},
	boot.TaskSubscriptionManager:    {period: 10 * time.Millisecond, bufBytes: 16, frameWords: 32},
	boot.TaskSerialInterfaceManager: {period: 2 * time.Millisecond, bufBytes: 64, frameWords: 48},
	boot.TaskChannelManager:         {period: 10 * time.Millisecond, bufBytes: 16, frameWords: 32},
	boot.TaskFrameManager:           {period: 4 * time.Millisecond, bufBytes: 188, frameWords: 128},
}

// Apps builds the application task entry points
type Apps struct {
	hooks  *guard.Hooks
	rng    func() io.Reader
	inj    Injection
	logger *logging.Logger

	mu     sync.Mutex
	cycles map[string]uint64
}

// New creates the task set. rng supplies the board's random source once
// bring-up has finished; it may return nil before that.
func New(hooks *guard.Hooks, rng func() io.Reader, inj Injection, logger *logging.Logger) *Apps {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Apps{
		hooks:  hooks,
		rng:    rng,
		inj:    inj,
		logger: logger.WithComponent("apps"),
		cycles: make(map[string]uint64),
	}
}

// Entries returns the five entry points for boot.DefaultSequence
func (a *Apps) Entries() boot.Entries {
	return boot.Entries{
		CryptoManager:          a.task(boot.TaskCryptoManager),
		SubscriptionManager:    a.task(boot.TaskSubscriptionManager),
		SerialInterfaceManager: a.task(boot.TaskSerialInterfaceManager),
		ChannelManager:         a.task(boot.TaskChannelManager),
		FrameManager:           a.task(boot.TaskFrameManager),
	}
}

// Cycles returns how many work cycles each task completed
func (a *Apps) Cycles() map[string]uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]uint64, len(a.cycles))
	for k, v := range a.cycles {
		out[k] = v
	}
	return out
}

func (a *Apps) task(name string) rtos.TaskFunc {
	p := profiles[name]
	return func(tc *rtos.TaskContext) {
		buf := make([]byte, p.bufBytes)
		scratch := make([]byte, p.bufBytes)
		started := time.Now()
		for {
			a.work(tc, p, buf, scratch)
			if a.inj.due(name, time.Since(started)) {
				a.inject(tc, buf)
			}
			tc.Delay(p.period)
		}
	}
}

// work fills scratch from the random source, copies it into buf through
// the guard, and simulates a call chain frameWords deep on the task stack
func (a *Apps) work(tc *rtos.TaskContext, p profile, buf, scratch []byte) {
	if r := a.source(); r != nil {
		r.Read(scratch)
	}
	stack := tc.Stack()
	for i := 0; i < p.frameWords; i++ {
		stack.Push(uint32(scratch[i%len(scratch)]) | uint32(i)<<8)
	}
	a.hooks.CheckedCopy(buf, scratch)
	for i := 0; i < p.frameWords; i++ {
		stack.Pop()
	}

	a.mu.Lock()
	a.cycles[tc.Name()]++
	a.mu.Unlock()
}

func (a *Apps) source() io.Reader {
	if a.rng == nil {
		return nil
	}
	return a.rng()
}

// taskNamed matches a configured task name the way config keys are matched
func taskNamed(want, name string) bool {
	return strings.EqualFold(want, name)
}
