package shutdown

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/bootguard/pkg/hal"
	"github.com/psantana5/bootguard/pkg/hal/sim"
	"github.com/psantana5/bootguard/pkg/logging"
	"github.com/psantana5/bootguard/pkg/models"
)

// recorder is a platform whose reset and halt return, so the sequence can
// be observed past the points where hardware would stop
type recorder struct {
	mu      sync.Mutex
	calls   []string
	delays  []time.Duration
	onReset func()
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

func (r *recorder) SetColour(c hal.Colour) { r.add("led:" + string(c)) }
func (r *recorder) Delay(d time.Duration) {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	r.add("delay")
}
func (r *recorder) Halt() { r.add("halt") }
func (r *recorder) Reset() {
	r.add("reset")
	if r.onReset != nil {
		r.onReset()
	}
}

func (r *recorder) platform() hal.Platform {
	return hal.Platform{Indicator: r, Clock: r, Resetter: r, Halter: r}
}

type fakeObserver struct {
	faults []models.FaultKind
	states []models.DeviceState
	resets int
	halts  int
}

func (o *fakeObserver) RecordFault(k models.FaultKind) { o.faults = append(o.faults, k) }
func (o *fakeObserver) RecordReset() { o.resets++ }
func (o *fakeObserver) RecordHalt() { o.halts++ }
func (o *fakeObserver) SetState(s models.DeviceState) { o.states = append(o.states, s) }

func waitOutcome(t *testing.T, m *sim.Machine) sim.Outcome {
	t.Helper()
	select {
	case o := <-m.Outcome():
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("machine never stopped")
		return ""
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(hal.Platform{}, nil)
	assert.Error(t, err)
}

func TestShutdownAndReset_Order(t *testing.T) {
	for _, kind := range []models.FaultKind{models.FaultStackCorruption, models.FaultBufferOverflow} {
		t.Run(string(kind), func(t *testing.T) {
			m := sim.NewMachine(sim.Config{})
			proc, err := New(m.Platform(), nil, WithFlushDelay(10*time.Millisecond))
			require.NoError(t, err)

			go proc.ShutdownAndReset(models.NewFault(kind, "test"))

			assert.Equal(t, sim.OutcomeReset, waitOutcome(t, m))
			assert.Equal(t, []string{"led:red", "delay:10ms", "reset"}, m.Trace())
			assert.Equal(t, hal.ColourRed, m.Colour())
		})
	}
}

func TestShutdownAndReset_IneffectiveResetHalts(t *testing.T) {
	m := sim.NewMachine(sim.Config{ResetIneffective: true})
	proc, err := New(m.Platform(), nil, WithFlushDelay(time.Millisecond))
	require.NoError(t, err)

	returned := make(chan struct{})
	go func() {
		proc.ShutdownAndReset(models.NewFault(models.FaultHardFault, ""))
		close(returned)
	}()

	assert.Equal(t, sim.OutcomeHalted, waitOutcome(t, m))
	assert.Equal(t, []string{"led:red", "delay:1ms", "reset", "halt"}, m.Trace())

	resets, halts, _ := m.Counts()
	assert.Equal(t, 1, resets)
	assert.Equal(t, 1, halts)

	select {
	case <-returned:
		t.Fatal("ShutdownAndReset returned after halt")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestShutdownAndReset_ReentryGoesStraightToHalt(t *testing.T) {
	rec := &recorder{}
	proc, err := New(rec.platform(), nil)
	require.NoError(t, err)

	rec.onReset = func() {
		proc.ShutdownAndReset(models.NewFault(models.FaultHardFault, "nested"))
	}
	proc.ShutdownAndReset(models.NewFault(models.FaultStackCorruption, ""))

	// nested fault halts without a second indicator or delay; the outer
	// sequence then reaches its own halt backstop
	assert.Equal(t, []string{"led:red", "delay", "reset", "halt", "halt"}, rec.calls)
	assert.True(t, proc.InProgress())
}

func TestShutdownAndReset_FlushersRunLIFOAndBounded(t *testing.T) {
	rec := &recorder{}
	proc, err := New(rec.platform(), nil, WithFlushDelay(20*time.Millisecond))
	require.NoError(t, err)

	var order []int
	proc.Register(func(ctx context.Context) error {
		order = append(order, 1)
		return nil
	})
	proc.Register(func(ctx context.Context) error {
		order = append(order, 2)
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	proc.ShutdownAndReset(models.NewFault(models.FaultBufferOverflow, ""))

	assert.Equal(t, []int{2, 1}, order)
	assert.Less(t, time.Since(start), time.Second)
	// the stuck flusher used the whole budget, so the reset does not wait again
	assert.Equal(t, []time.Duration{0}, rec.delays)
	assert.Equal(t, []string{"led:red", "delay", "reset", "halt"}, rec.calls)
}

func TestShutdownAndReset_DelayWaitsOutRemainingBudget(t *testing.T) {
	rec := &recorder{}
	proc, err := New(rec.platform(), nil, WithFlushDelay(time.Second))
	require.NoError(t, err)
	proc.Register(func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	})

	proc.ShutdownAndReset(models.NewFault(models.FaultStackCorruption, "FrameManager"))

	require.Len(t, rec.delays, 1)
	assert.LessOrEqual(t, rec.delays[0], time.Second-20*time.Millisecond)
	assert.Greater(t, rec.delays[0], 900*time.Millisecond)
}

func TestShutdownAndReset_LogsDiagnostic(t *testing.T) {
	var buf bytes.Buffer
	rec := &recorder{}
	proc, err := New(rec.platform(), logging.NewLogger(&buf, logging.INFO, false))
	require.NoError(t, err)

	proc.ShutdownAndReset(models.FaultEvent{Kind: models.FaultStackCorruption, Task: "FrameManager"})

	assert.Contains(t, buf.String(), "stack smashing detected in task FrameManager")
	assert.Contains(t, buf.String(), "reset did not take effect")
}

func TestHalt_NoReset(t *testing.T) {
	rec := &recorder{}
	obs := &fakeObserver{}
	proc, err := New(rec.platform(), nil, WithObserver(obs))
	require.NoError(t, err)

	proc.Halt(models.TaskCreationFailed("ChannelManager", 4, errors.New("out of heap")))

	assert.Equal(t, []string{"led:red", "halt"}, rec.calls)
	assert.Equal(t, []models.FaultKind{models.FaultTaskCreation}, obs.faults)
	assert.Equal(t, []models.DeviceState{models.StateHalted}, obs.states)
	assert.Equal(t, 0, obs.resets)
	assert.Equal(t, 1, obs.halts)
}

func TestShutdownAndReset_Observer(t *testing.T) {
	rec := &recorder{}
	obs := &fakeObserver{}
	proc, err := New(rec.platform(), nil, WithObserver(obs))
	require.NoError(t, err)

	proc.ShutdownAndReset(models.NewFault(models.FaultHardFault, ""))

	assert.Equal(t, []models.DeviceState{models.StateResetting, models.StateHalted}, obs.states)
	assert.Equal(t, 1, obs.resets)
	assert.Equal(t, 1, obs.halts)
}

func TestDrainWriter(t *testing.T) {
	var sink bytes.Buffer
	uart := sim.NewUART(&sink, 0)
	defer uart.Close()

	_, err := uart.Write([]byte("last words\n"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, DrainWriter(uart)(ctx))
	assert.Equal(t, 0, uart.Pending())
}

type failingCloser struct{ err error }

func (c failingCloser) Close() error { return c.err }

func TestCloseResource(t *testing.T) {
	require.NoError(t, CloseResource(failingCloser{}, "store")(context.Background()))

	err := CloseResource(failingCloser{err: errors.New("disk gone")}, "store")(context.Background())
	require.Error(t, err)
	assert.Equal(t, "failed to close store: disk gone", err.Error())
}
