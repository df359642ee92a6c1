package rtos

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// recorder collects task events in order
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func startKernel(t *testing.T, k *Kernel) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- k.Start(ctx)
	}()
	return cancel, done
}

func stopKernel(t *testing.T, cancel context.CancelFunc, done <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("kernel did not stop")
	}
}

func TestCreateTask_HeapExhausted(t *testing.T) {
	k := NewKernel(Config{HeapWords: 600})
	noop := func(tc *TaskContext) {}

	_, err := k.CreateTask("first", noop, 256, 1, nil)
	require.NoError(t, err)

	_, err = k.CreateTask("second", noop, 512, 1, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCouldNotAllocate))
	assert.Len(t, k.Tasks(), 1)
}

func TestCreateTask_RejectsBadArguments(t *testing.T) {
	k := NewKernel(DefaultConfig())
	noop := func(tc *TaskContext) {}

	_, err := k.CreateTask("prio", noop, 128, MaxPriorities, nil)
	assert.ErrorIs(t, err, ErrInvalidPriority)

	_, err = k.CreateTask("stack", noop, 0, 1, nil)
	assert.ErrorIs(t, err, ErrInvalidStack)

	_, err = k.CreateTask("nil", nil, 128, 1, nil)
	assert.Error(t, err)
}

func TestStart_FailsWhenIdleTaskCannotBeAllocated(t *testing.T) {
	k := NewKernel(Config{HeapWords: 300, IdleStackWords: 128})
	_, err := k.CreateTask("hog", func(tc *TaskContext) {}, 200, 1, nil)
	require.NoError(t, err)

	err = k.Start(context.Background())
	assert.ErrorIs(t, err, ErrCouldNotAllocate)
}

func TestStart_Twice(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := &recorder{}
	k := NewKernel(Config{HeapWords: 4096})
	_, err := k.CreateTask("only", func(tc *TaskContext) {
		rec.add("ran")
		for {
			tc.Delay(time.Hour)
		}
	}, 128, 1, nil)
	require.NoError(t, err)

	cancel, done := startKernel(t, k)
	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, time.Millisecond)
	assert.ErrorIs(t, k.Start(context.Background()), ErrSchedulerRunning)
	stopKernel(t, cancel, done)
}

func TestDispatch_HighestPriorityFirst(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := &recorder{}
	k := NewKernel(Config{HeapWords: 4096})
	body := func(tc *TaskContext) {
		rec.add(tc.Name())
		for {
			tc.Delay(time.Hour)
		}
	}

	for _, spec := range []struct {
		name string
		prio Priority
	}{{"low-a", 0}, {"high", 5}, {"mid", 1}, {"low-b", 0}} {
		_, err := k.CreateTask(spec.name, body, 128, spec.prio, nil)
		require.NoError(t, err)
	}

	cancel, done := startKernel(t, k)
	require.Eventually(t, func() bool { return rec.len() == 4 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"high", "mid", "low-a", "low-b"}, rec.snapshot())
	stopKernel(t, cancel, done)
}

func TestDelay_WakesAfterTicks(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := &recorder{}
	k := NewKernel(Config{HeapWords: 4096, Tick: 0})
	_, err := k.CreateTask("sleeper", func(tc *TaskContext) {
		for {
			rec.add("run")
			tc.Delay(3 * DefaultTick)
		}
	}, 128, 1, nil)
	require.NoError(t, err)

	cancel, done := startKernel(t, k)
	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, time.Millisecond)

	ctx := context.Background()
	require.NoError(t, k.WaitIdle(ctx))
	k.Tick()
	k.Tick()
	require.NoError(t, k.WaitIdle(ctx))
	assert.Equal(t, 1, rec.len(), "woke too early")

	k.Tick()
	require.Eventually(t, func() bool { return rec.len() == 2 }, time.Second, time.Millisecond)
	stopKernel(t, cancel, done)
}

func TestStackOverflow_DetectedAtDelay(t *testing.T) {
	defer goleak.VerifyNone(t)

	detected := make(chan string, 1)
	var k *Kernel
	k = NewKernel(Config{HeapWords: 4096}, WithStackOverflowHook(func(task string) {
		detected <- task
		k.Freeze()
	}))

	ran := &recorder{}
	_, err := k.CreateTask("victim", func(tc *TaskContext) {
		tc.Stack().Smash()
		tc.Delay(DefaultTick)
		ran.add("victim continued")
	}, 128, 1, nil)
	require.NoError(t, err)
	_, err = k.CreateTask("bystander", func(tc *TaskContext) {
		ran.add("bystander")
	}, 128, 0, nil)
	require.NoError(t, err)

	cancel, done := startKernel(t, k)
	select {
	case name := <-detected:
		assert.Equal(t, "victim", name)
	case <-time.After(time.Second):
		t.Fatal("overflow hook not called")
	}
	assert.True(t, k.Frozen())
	assert.Empty(t, ran.snapshot(), "no task may run after corruption is detected")
	stopKernel(t, cancel, done)
}

func TestStackOverflow_PreemptedOnTickStopsAtStackAccess(t *testing.T) {
	defer goleak.VerifyNone(t)

	var work, beats atomic.Int64
	atDetection := make(chan int64, 1)
	detected := make(chan string, 1)
	k := NewKernel(Config{HeapWords: 4096, Tick: 0}, WithStackOverflowHook(func(task string) {
		atDetection <- work.Load()
		detected <- task
	}))

	_, err := k.CreateTask("heartbeat", func(tc *TaskContext) {
		for {
			beats.Add(1)
			tc.Delay(DefaultTick)
		}
	}, 128, 5, nil)
	require.NoError(t, err)

	smashed := make(chan struct{})
	_, err = k.CreateTask("busy", func(tc *TaskContext) {
		stack := tc.Stack()
		stack.Smash()
		close(smashed)
		for {
			stack.Push(1)
			work.Add(1)
			stack.Pop()
		}
	}, 128, 0, nil)
	require.NoError(t, err)

	cancel, done := startKernel(t, k)
	select {
	case <-smashed:
	case <-time.After(time.Second):
		t.Fatal("busy task never ran")
	}
	beatsBefore := beats.Load()

	k.Tick()
	assert.True(t, k.Frozen(), "dispatch must stop as soon as the tick sees the corruption")

	select {
	case name := <-detected:
		assert.Equal(t, "busy", name)
	case <-time.After(time.Second):
		t.Fatal("overflow not detected on preemption")
	}
	n := <-atDetection

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, n, work.Load(), "corrupted task kept working after detection")
	assert.Equal(t, beatsBefore, beats.Load(), "heartbeat ran after detection")
	stopKernel(t, cancel, done)
}

func TestStackOverflow_TickTakesOverAfterGrace(t *testing.T) {
	defer goleak.VerifyNone(t)

	var hookCalls atomic.Int32
	detected := make(chan struct{}, 1)
	k := NewKernel(Config{HeapWords: 4096, Tick: 0}, WithStackOverflowHook(func(task string) {
		hookCalls.Add(1)
		detected <- struct{}{}
	}))

	_, err := k.CreateTask("heartbeat", func(tc *TaskContext) {
		for {
			tc.Delay(DefaultTick)
		}
	}, 128, 5, nil)
	require.NoError(t, err)

	var release atomic.Bool
	smashed := make(chan struct{})
	ran := &recorder{}
	_, err = k.CreateTask("spinner", func(tc *TaskContext) {
		tc.Stack().Smash()
		close(smashed)
		for !release.Load() {
		}
		tc.Delay(DefaultTick)
		ran.add("spinner continued")
	}, 128, 0, nil)
	require.NoError(t, err)

	cancel, done := startKernel(t, k)
	select {
	case <-smashed:
	case <-time.After(time.Second):
		t.Fatal("spinner never ran")
	}

	k.Tick()
	for i := 1; i < preemptGraceTicks; i++ {
		k.Tick()
	}
	assert.Zero(t, hookCalls.Load(), "tick took over before the grace period ended")

	// the overflow path parks its caller
	go k.Tick()
	select {
	case <-detected:
	case <-time.After(time.Second):
		t.Fatal("tick never took the overflow path")
	}

	release.Store(true)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), hookCalls.Load())
	assert.Empty(t, ran.snapshot())
	stopKernel(t, cancel, done)
}

func TestYield_RoundRobinWithinPriority(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := &recorder{}
	k := NewKernel(Config{HeapWords: 4096})
	body := func(tc *TaskContext) {
		for i := 0; i < 3; i++ {
			rec.add(tc.Name())
			tc.Yield()
		}
		for {
			tc.Delay(time.Hour)
		}
	}
	_, err := k.CreateTask("a", body, 128, 1, nil)
	require.NoError(t, err)
	_, err = k.CreateTask("b", body, 128, 1, nil)
	require.NoError(t, err)

	cancel, done := startKernel(t, k)
	require.Eventually(t, func() bool { return rec.len() == 6 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"a", "b", "a", "b", "a", "b"}, rec.snapshot())
	assert.GreaterOrEqual(t, k.SwitchCount(), uint64(6))
	stopKernel(t, cancel, done)
}

func TestTasks_SnapshotOrder(t *testing.T) {
	k := NewKernel(DefaultConfig())
	noop := func(tc *TaskContext) {}
	for _, spec := range []struct {
		name string
		prio Priority
	}{{"crypto", 0}, {"serial", 1}, {"heartbeat", 5}, {"frame", 0}} {
		_, err := k.CreateTask(spec.name, noop, 128, spec.prio, nil)
		require.NoError(t, err)
	}

	infos := k.Tasks()
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
		assert.True(t, info.StackOK)
		assert.Equal(t, "ready", info.StateName)
	}
	assert.Equal(t, []string{"heartbeat", "serial", "crypto", "frame"}, names)
}

func TestStack_GuardAndHighWaterMark(t *testing.T) {
	s := NewStack(16)
	assert.True(t, s.Intact())
	assert.Equal(t, 16, s.HighWaterMark())

	for i := 0; i < 10; i++ {
		s.Push(uint32(i))
	}
	assert.True(t, s.Intact())
	assert.Equal(t, 10, s.Depth())
	assert.Equal(t, 6, s.HighWaterMark())

	for i := 0; i < 3; i++ {
		s.Push(uint32(i))
	}
	assert.False(t, s.Intact(), "pushing into the guard region must be detected")
}
