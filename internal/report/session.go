package report

import (
	"fmt"
	"log"
	"time"
)

// Session outcomes
const (
	OutcomeReset    = "reset"
	OutcomeHalted   = "halted"
	OutcomeFailsafe = "failsafe"
	OutcomeStopped  = "stopped" // the host ended the simulation
)

// Session is the record of one boot attempt. It is built once the attempt
// has ended and not changed afterwards.
type Session struct {
	BootID  string `json:"boot_id"`
	Attempt int    `json:"attempt"`

	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"uptime_ns"`

	Outcome  string `json:"outcome"`
	State    string `json:"state"`
	Tasks    int    `json:"tasks"`
	Beats    uint64 `json:"heartbeats"`
	Switches uint64 `json:"context_switches"`

	FaultKind string `json:"fault_kind,omitempty"`
}

// NewSession creates the record of an attempt that ran from start to end
func NewSession(bootID string, attempt int, start, end time.Time, outcome string) *Session {
	return &Session{
		BootID:    bootID,
		Attempt:   attempt,
		StartTime: start,
		EndTime:   end,
		Duration:  end.Sub(start),
		Outcome:   outcome,
	}
}

// SetFault records the fault that ended the attempt
func (s *Session) SetFault(kind string) {
	s.FaultKind = kind
}

// Clean reports whether the attempt ended without a fault
func (s *Session) Clean() bool {
	return s.FaultKind == "" && s.Outcome == OutcomeStopped
}

// Summary renders the one-line form of the session
func (s *Session) Summary() string {
	fault := s.FaultKind
	if fault == "" {
		fault = "none"
	}
	return fmt.Sprintf("BOOT %s | attempt=%d | outcome=%s | fault=%s | state=%s | uptime=%.3fs | tasks=%d | beats=%d | switches=%d",
		s.BootID,
		s.Attempt,
		s.Outcome,
		fault,
		s.State,
		s.Duration.Seconds(),
		s.Tasks,
		s.Beats,
		s.Switches,
	)
}

// LogSummary writes Summary to the standard logger
func (s *Session) LogSummary() {
	log.Print(s.Summary())
}
