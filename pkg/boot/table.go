package boot

import (
	"sync"

	"github.com/psantana5/bootguard/pkg/rtos"
)

// TaskTable maps task names to scheduler handles in registration order.
// The orchestrator owns it; everyone else reads.
type TaskTable struct {
	mu      sync.RWMutex
	names   []string
	handles map[string]rtos.Handle
}

func newTaskTable() *TaskTable {
	return &TaskTable{handles: make(map[string]rtos.Handle)}
}

func (t *TaskTable) add(name string, h rtos.Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.names = append(t.names, name)
	t.handles[name] = h
}

// Get returns the handle registered under name
func (t *TaskTable) Get(name string) (rtos.Handle, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handles[name]
	return h, ok
}

// Names returns registered task names in order
func (t *TaskTable) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, len(t.names))
	copy(out, t.names)
	return out
}

// Len returns the number of registered tasks
func (t *TaskTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.names)
}
