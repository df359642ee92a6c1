package models

import "fmt"

// DeviceState is the lifecycle state of the device from power-on to reset
type DeviceState string

const (
	StateBooting         DeviceState = "booting"          // Power-on, nothing initialized
	StateHardwareReady   DeviceState = "hardware_ready"   // Board bring-up finished
	StateTasksRegistered DeviceState = "tasks_registered" // Every task in the boot sequence exists
	StateRunning         DeviceState = "running"          // Scheduler dispatching tasks
	StateFailsafe        DeviceState = "failsafe"         // Scheduler could not start, degraded mode
	StateResetting       DeviceState = "resetting"        // Shutdown procedure in progress
	StateHalted          DeviceState = "halted"           // Idle loop forever
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[DeviceState]map[DeviceState]bool{
	StateBooting: {
		StateHardwareReady: true, // Board.Init succeeded
		StateHalted:        true, // Board.Init failed
		StateResetting:     true, // corruption hook fired during bring-up
	},
	StateHardwareReady: {
		StateTasksRegistered: true, // all registrations succeeded
		StateHalted:          true, // a registration failed
		StateResetting:       true,
	},
	StateTasksRegistered: {
		StateRunning:   true, // scheduler start handed over
		StateFailsafe:  true, // scheduler start returned
		StateResetting: true,
	},
	StateRunning: {
		StateResetting: true, // corruption or hard fault
		StateFailsafe:  true, // scheduler returned after starting
		StateHalted:    true, // hard fault with diagnostic capture enabled
	},
	StateFailsafe: {
		StateResetting: true,
		StateHalted:    true,
	},
	StateResetting: {
		StateHalted:  true, // reset request did not take effect
		StateBooting: true, // reset took effect, next boot
	},
	// Terminal: only a power cycle leaves halted
	StateHalted: {},
}

// ValidateTransition checks if a device state transition is valid
func ValidateTransition(from, to DeviceState) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalState returns true if no further transitions are possible
func IsTerminalState(state DeviceState) bool {
	return state == StateHalted
}

// IsOperational returns true if application tasks may be executing
func IsOperational(state DeviceState) bool {
	return state == StateRunning
}
