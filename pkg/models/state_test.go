package models

import (
	"errors"
	"strings"
	"testing"

	"github.com/psantana5/bootguard/pkg/rtos"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    DeviceState
		to      DeviceState
		wantErr bool
	}{
		// Valid transitions
		{"Booting to HardwareReady", StateBooting, StateHardwareReady, false},
		{"Booting to Halted", StateBooting, StateHalted, false},
		{"HardwareReady to TasksRegistered", StateHardwareReady, StateTasksRegistered, false},
		{"HardwareReady to Halted", StateHardwareReady, StateHalted, false},
		{"TasksRegistered to Running", StateTasksRegistered, StateRunning, false},
		{"TasksRegistered to Failsafe", StateTasksRegistered, StateFailsafe, false},
		{"Running to Resetting", StateRunning, StateResetting, false},
		{"Resetting to Booting", StateResetting, StateBooting, false},
		{"Resetting to Halted", StateResetting, StateHalted, false},

		// Invalid transitions
		{"Booting to Running", StateBooting, StateRunning, true},
		{"HardwareReady to Running", StateHardwareReady, StateRunning, true},
		{"HardwareReady to Failsafe", StateHardwareReady, StateFailsafe, true},
		{"Halted to Booting", StateHalted, StateBooting, true},
		{"Running to TasksRegistered", StateRunning, StateTasksRegistered, true},
		{"Unknown source", DeviceState("bogus"), StateHalted, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTransition(%v, %v) error = %v, wantErr %v",
					tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestIsTerminalState(t *testing.T) {
	if !IsTerminalState(StateHalted) {
		t.Error("halted should be terminal")
	}
	for _, s := range []DeviceState{StateBooting, StateRunning, StateFailsafe, StateResetting} {
		if IsTerminalState(s) {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestFaultEvent_Terminal(t *testing.T) {
	for _, kind := range AllFaultKinds {
		ev := NewFault(kind, "")
		want := kind != FaultSchedulerStart
		if ev.Terminal() != want {
			t.Errorf("%s: Terminal() = %v, want %v", kind, ev.Terminal(), want)
		}
	}
}

func TestFaultEvent_MessageNamesTask(t *testing.T) {
	ev := TaskCreationFailed("ChannelManager", 4, errors.New("out of heap"))
	msg := ev.Message()
	if !strings.Contains(msg, "ChannelManager") {
		t.Errorf("message %q does not name the task", msg)
	}
	if !strings.Contains(msg, "position 4") {
		t.Errorf("message %q does not carry the position", msg)
	}
}

func TestBootSequence_Validate(t *testing.T) {
	entry := func(tc *rtos.TaskContext) {}

	good := BootSequence{
		{Name: "A", Entry: entry, StackWords: 256, Priority: 0},
		{Name: "B", Entry: entry, StackWords: 256, Priority: 1},
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if good.MaxPriority() != 1 {
		t.Errorf("MaxPriority() = %d, want 1", good.MaxPriority())
	}

	tests := []struct {
		name string
		seq  BootSequence
	}{
		{"empty", BootSequence{}},
		{"missing name", BootSequence{{Entry: entry, StackWords: 1}}},
		{"missing entry", BootSequence{{Name: "A", StackWords: 1}}},
		{"zero stack", BootSequence{{Name: "A", Entry: entry}}},
		{"priority too high", BootSequence{{Name: "A", Entry: entry, StackWords: 1, Priority: rtos.MaxPriorities}}},
		{"duplicate", BootSequence{
			{Name: "A", Entry: entry, StackWords: 1},
			{Name: "A", Entry: entry, StackWords: 1},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.seq.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
