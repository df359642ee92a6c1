package boot

import (
	"strings"

	"github.com/psantana5/bootguard/pkg/models"
	"github.com/psantana5/bootguard/pkg/rtos"
)

// Application task names, in registration order
const (
	TaskCryptoManager          = "CryptoManager"
	TaskSubscriptionManager    = "SubscriptionManager"
	TaskSerialInterfaceManager = "SerialInterfaceManager"
	TaskChannelManager         = "ChannelManager"
	TaskFrameManager           = "FrameManager"
)

// Stack budgets in words
const (
	CryptoManagerStackWords          = 1024
	SubscriptionManagerStackWords    = 512
	SerialInterfaceManagerStackWords = 512
	ChannelManagerStackWords         = 512
	FrameManagerStackWords           = 1024
)

// Entries holds the entry points of the five application tasks. The task
// bodies live outside this module.
type Entries struct {
	CryptoManager          rtos.TaskFunc
	SubscriptionManager    rtos.TaskFunc
	SerialInterfaceManager rtos.TaskFunc
	ChannelManager         rtos.TaskFunc
	FrameManager           rtos.TaskFunc
}

// DefaultSequence is the decoder's boot sequence. Every task runs at idle
// priority except the serial interface, one level above so host commands
// are serviced ahead of background work.
func DefaultSequence(e Entries) models.BootSequence {
	return models.BootSequence{
		{Name: TaskCryptoManager, Entry: e.CryptoManager, StackWords: CryptoManagerStackWords, Priority: rtos.IdlePriority},
		{Name: TaskSubscriptionManager, Entry: e.SubscriptionManager, StackWords: SubscriptionManagerStackWords, Priority: rtos.IdlePriority},
		{Name: TaskSerialInterfaceManager, Entry: e.SerialInterfaceManager, StackWords: SerialInterfaceManagerStackWords, Priority: rtos.IdlePriority + 1},
		{Name: TaskChannelManager, Entry: e.ChannelManager, StackWords: ChannelManagerStackWords, Priority: rtos.IdlePriority},
		{Name: TaskFrameManager, Entry: e.FrameManager, StackWords: FrameManagerStackWords, Priority: rtos.IdlePriority},
	}
}

// ApplyPriorities returns a copy of seq with priorities replaced by name.
// Names match case-insensitively; unknown names are ignored.
func ApplyPriorities(seq models.BootSequence, overrides map[string]int) models.BootSequence {
	out := make(models.BootSequence, len(seq))
	copy(out, seq)
	if len(overrides) == 0 {
		return out
	}

	byName := make(map[string]int, len(overrides))
	for name, prio := range overrides {
		byName[strings.ToLower(name)] = prio
	}
	for i := range out {
		if prio, ok := byName[strings.ToLower(out[i].Name)]; ok {
			out[i].Priority = rtos.Priority(prio)
		}
	}
	return out
}
