package models

import (
	"fmt"
	"time"
)

// RegisterSnapshot is the register state stacked by the CPU on exception
// entry, captured by the debug hard fault handler
type RegisterSnapshot struct {
	ID         int64     `json:"id,omitempty" yaml:"id,omitempty"`
	BootID     string    `json:"boot_id" yaml:"boot_id"`
	Fault      FaultKind `json:"fault" yaml:"fault"`
	Detail     string    `json:"detail,omitempty" yaml:"detail,omitempty"`
	Stack      string    `json:"stack" yaml:"stack"` // "msp" or "psp"
	R0         uint32    `json:"r0" yaml:"r0"`
	R1         uint32    `json:"r1" yaml:"r1"`
	R2         uint32    `json:"r2" yaml:"r2"`
	R3         uint32    `json:"r3" yaml:"r3"`
	R12        uint32    `json:"r12" yaml:"r12"`
	LR         uint32    `json:"lr" yaml:"lr"`
	PC         uint32    `json:"pc" yaml:"pc"`
	PSR        uint32    `json:"psr" yaml:"psr"`
	CapturedAt time.Time `json:"captured_at" yaml:"captured_at"`
}

// Register is a named register value
type Register struct {
	Name  string
	Value uint32
}

// Registers returns the stacked registers in frame order
func (s RegisterSnapshot) Registers() []Register {
	return []Register{
		{"r0", s.R0},
		{"r1", s.R1},
		{"r2", s.R2},
		{"r3", s.R3},
		{"r12", s.R12},
		{"lr", s.LR},
		{"pc", s.PC},
		{"psr", s.PSR},
	}
}

func (s RegisterSnapshot) String() string {
	return fmt.Sprintf("%s pc=0x%08x lr=0x%08x psr=0x%08x (%s)", s.Fault, s.PC, s.LR, s.PSR, s.Stack)
}
