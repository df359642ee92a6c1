package hal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlatform_Missing(t *testing.T) {
	var p Platform
	assert.Equal(t, []string{"board", "indicator", "clock", "resetter", "halter", "failsafe"}, p.Missing())

	p.Clock = SleepClock{}
	p.Halter = HalterFunc(func() {})
	p.Failsafe = FailsafeFunc(func(context.Context) {})
	assert.Equal(t, []string{"board", "indicator", "resetter"}, p.Missing())
}

func TestAdapters(t *testing.T) {
	halted := false
	HalterFunc(func() { halted = true }).Halt()
	assert.True(t, halted)

	entered := false
	FailsafeFunc(func(context.Context) { entered = true }).Enter(context.Background())
	assert.True(t, entered)
	assert.Equal(t, ColourRed, FaultColour)
}
