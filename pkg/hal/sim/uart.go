package sim

import (
	"bytes"
	"context"
	"io"
	"sync"

	"golang.org/x/time/rate"
)

// uartChunk is the largest write handed to the sink at once
const uartChunk = 64

// UART is the simulated serial debug channel. Writes are buffered and
// drained to the sink at the line rate (8N1: baud/10 bytes per second),
// so diagnostics written just before a reset need time to come out.
type UART struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	sink    io.Writer
	limiter *rate.Limiter
	kick    chan struct{}
	empty   *sync.Cond
	busy    bool
	closed  bool
	done    chan struct{}
}

// NewUART starts a UART draining into sink. baud <= 0 drains unpaced.
func NewUART(sink io.Writer, baud int) *UART {
	limit := rate.Inf
	if baud > 0 {
		limit = rate.Limit(float64(baud) / 10)
	}
	u := &UART{
		sink:    sink,
		limiter: rate.NewLimiter(limit, uartChunk),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	u.empty = sync.NewCond(&u.mu)
	go u.drainLoop()
	return u
}

// Write queues p for transmission. It never blocks on the line rate.
func (u *UART) Write(p []byte) (int, error) {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	n, _ := u.buf.Write(p)
	u.mu.Unlock()

	select {
	case u.kick <- struct{}{}:
	default:
	}
	return n, nil
}

// Pending returns the number of bytes not yet transmitted
func (u *UART) Pending() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.buf.Len()
}

func (u *UART) drainLoop() {
	defer close(u.done)
	chunk := make([]byte, uartChunk)
	for {
		u.mu.Lock()
		n, _ := u.buf.Read(chunk)
		if n == 0 {
			u.busy = false
			u.empty.Broadcast()
			closed := u.closed
			u.mu.Unlock()
			if closed {
				return
			}
			<-u.kick
			continue
		}
		u.busy = true
		u.mu.Unlock()

		if err := u.limiter.WaitN(context.Background(), n); err == nil {
			u.sink.Write(chunk[:n])
		}
	}
}

// Drain blocks until every queued byte reached the sink or ctx ends. It
// has the shape of a shutdown flusher.
func (u *UART) Drain(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			u.mu.Lock()
			u.empty.Broadcast()
			u.mu.Unlock()
		case <-stop:
		}
	}()

	u.mu.Lock()
	defer u.mu.Unlock()
	for u.buf.Len() > 0 || u.busy {
		if err := ctx.Err(); err != nil {
			return err
		}
		u.empty.Wait()
	}
	return nil
}

// Close flushes what is queued and stops the drain goroutine
func (u *UART) Close() error {
	u.mu.Lock()
	u.closed = true
	u.mu.Unlock()
	select {
	case u.kick <- struct{}{}:
	default:
	}
	<-u.done
	return nil
}
