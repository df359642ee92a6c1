package sim

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestUART_DrainDeliversEverything(t *testing.T) {
	sink := &lockedBuffer{}
	u := NewUART(sink, 0)
	defer u.Close()

	msg := strings.Repeat("stack corruption in FrameManager\n", 20)
	n, err := u.Write([]byte(msg))
	require.NoError(t, err)
	assert.Equal(t, len(msg), n)

	require.NoError(t, u.Drain(context.Background()))
	assert.Equal(t, msg, sink.String())
	assert.Zero(t, u.Pending())
}

func TestUART_PacedByBaud(t *testing.T) {
	sink := &lockedBuffer{}
	// 1000 bytes/s with a 64 byte burst
	u := NewUART(sink, 10000)
	defer u.Close()

	u.Write(bytes.Repeat([]byte{'x'}, 256))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, u.Drain(ctx), context.DeadlineExceeded)
	assert.Less(t, len(sink.String()), 256)

	require.NoError(t, u.Drain(context.Background()))
	assert.Len(t, sink.String(), 256)
}

func TestUART_WriteAfterClose(t *testing.T) {
	u := NewUART(&lockedBuffer{}, 0)
	require.NoError(t, u.Close())
	_, err := u.Write([]byte("late"))
	assert.Error(t, err)
}
